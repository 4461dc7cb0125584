package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"trust-scorer/internal/features"
	"trust-scorer/internal/model"
	"trust-scorer/internal/service"
	"trust-scorer/internal/util"
)

// MaxBodyBytes caps the size of a scoring request body.
const MaxBodyBytes = 1 << 20

// ScoreHandler serves the scoring endpoints.
type ScoreHandler struct {
	scorer *service.ScoringService
	logger *zap.Logger
}

func NewScoreHandler(scorer *service.ScoringService, logger *zap.Logger) *ScoreHandler {
	if logger == nil {
		logger = util.Get()
	}
	return &ScoreHandler{scorer: scorer, logger: logger}
}

// RegisterRoutes mounts the scorer endpoints on router. limit wraps only the
// scoring routes.
func (h *ScoreHandler) RegisterRoutes(router chi.Router, limit func(http.Handler) http.Handler) {
	router.Get("/", h.Home)
	router.Get("/health", h.Health)
	router.Get("/model", h.ModelInfo)

	router.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/predict", h.Predict)
		r.Post("/authenticate", h.Predict)
	})
}

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head><title>Trust Scorer</title></head>
<body>
<h1>Trust Scorer</h1>
{{if .Status.ModelLoaded}}
<p>Model <code>{{.Status.ModelID}}</code> ({{.Status.Kind}}, variant {{.Status.Variant}}) is loaded.</p>
<p>POST a JSON object to <code>/predict</code> with these fields:</p>
<ul>{{range .Fields}}<li><code>{{.}}</code></li>{{end}}</ul>
{{else}}
<p>Model not loaded. Check server logs.</p>
{{end}}
</body>
</html>
`))

// Home renders a short landing page describing the loaded model.
func (h *ScoreHandler) Home(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Status model.Status
		Fields []string
	}{
		Status: h.scorer.Status(),
		Fields: h.scorer.RequiredFields(),
	}

	var buf bytes.Buffer
	if err := homeTemplate.Execute(&buf, data); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, err, model.ErrorVerdict(model.CodeInferenceFailure, "Failed to render page"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Health reports liveness. It succeeds even when no model is loaded.
func (h *ScoreHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"service":      "trust-scorer",
		"model_loaded": h.scorer.Loaded(),
	})
}

// ModelInfo returns metadata for the loaded model.
func (h *ScoreHandler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	status := h.scorer.Status()
	if !status.ModelLoaded {
		h.respondWithJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	h.respondWithJSON(w, http.StatusOK, status)
}

// Predict scores one login event.
func (h *ScoreHandler) Predict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// an unloaded model answers the same way whatever the body holds
	if !h.scorer.Loaded() {
		h.respondWithError(w, http.StatusInternalServerError, service.ErrModelUnavailable, errorVerdict(service.ErrModelUnavailable))
		return
	}

	payload, err := decodePayload(w, r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, model.ErrorVerdict(model.CodeInvalidJSON, err.Error()))
		return
	}

	verdict, err := h.scorer.Score(r.Context(), payload)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, errorVerdict(err))
		return
	}

	h.respondWithJSON(w, http.StatusOK, verdict)
	h.logger.Info("Login event scored",
		util.String("request_id", middleware.GetReqID(r.Context())),
		util.String("prediction", string(verdict.Prediction)),
		util.Float64("confidence", *verdict.Confidence),
		util.Duration("duration", time.Since(start)),
	)
}

var (
	errEmptyBody     = errors.New("request body is empty")
	errNotObject     = errors.New("request body must be a JSON object")
	errBodyTooLarge  = errors.New("request body too large")
	errTrailingData  = errors.New("request body has trailing data")
	errMalformedJSON = errors.New("request body is not valid JSON")
)

// decodePayload reads a single JSON object, keeping numbers exact.
func decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	body := http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return nil, errBodyTooLarge
		case errors.Is(err, io.EOF):
			return nil, errEmptyBody
		default:
			return nil, errMalformedJSON
		}
	}
	if dec.More() {
		return nil, errTrailingData
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return payload, nil
}

// errorVerdict builds the response body for a scoring error.
func errorVerdict(err error) *model.Verdict {
	switch {
	case errors.Is(err, service.ErrModelUnavailable):
		return model.ErrorVerdict(model.CodeModelUnavailable, model.MessageUnavailable)
	case errors.Is(err, service.ErrInvalidPayload):
		v := model.ErrorVerdict(model.CodeInvalidPayload, "Invalid payload: missing required fields")
		var missing *features.MissingFieldsError
		if errors.As(err, &missing) {
			v.MissingFields = missing.Fields
		}
		return v
	default:
		return model.ErrorVerdict(model.CodeInferenceFailure, "Inference failed: "+err.Error())
	}
}

// Helper Methods

func (h *ScoreHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	respondWithJSON(w, statusCode, data, h.logger)
}

func (h *ScoreHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, body *model.Verdict) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("code", body.Error),
	)
	h.respondWithJSON(w, statusCode, body)
}

// getStatusCode determines the HTTP status code for a scoring error.
func (h *ScoreHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		// model unavailable and inference failures
		return http.StatusInternalServerError
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
