package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-scorer/internal/artifact"
	"trust-scorer/internal/features"
	"trust-scorer/internal/model"
	"trust-scorer/internal/util"
)

var (
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrInferenceFailure = errors.New("inference failure")
)

// ScoringService turns login payloads into verdicts using a model loaded
// once at startup. It never reloads; a failed load leaves it permanently
// unavailable.
type ScoringService struct {
	artifact  *artifact.Artifact
	estimator model.Estimator
	schema    *features.Schema
	loadErr   error
	logger    *zap.Logger
}

// NewScoringService wraps the result of the startup load. Pass the artifact
// on success or the load error on failure.
func NewScoringService(a *artifact.Artifact, loadErr error, logger *zap.Logger) *ScoringService {
	if logger == nil {
		logger = util.Get()
	}
	s := &ScoringService{logger: logger, loadErr: loadErr}
	if a == nil && loadErr == nil {
		s.loadErr = errors.New("no artifact provided")
	}
	if s.loadErr == nil {
		s.artifact = a
		s.estimator = a.Estimator()
		s.schema = a.Schema()
	}
	return s
}

// NewScoringServiceWithEstimator builds a service around an in-memory
// estimator and schema, bypassing artifact loading.
func NewScoringServiceWithEstimator(est model.Estimator, schema *features.Schema, variant string, logger *zap.Logger) *ScoringService {
	if logger == nil {
		logger = util.Get()
	}
	return &ScoringService{
		artifact:  &artifact.Artifact{Kind: est.Kind(), Variant: variant, Features: schema.Specs()},
		estimator: est,
		schema:    schema,
		logger:    logger,
	}
}

func (s *ScoringService) Loaded() bool {
	return s.estimator != nil
}

// Status reports the startup state for the landing page and /model.
func (s *ScoringService) Status() model.Status {
	if !s.Loaded() {
		return model.Status{ModelLoaded: false}
	}
	st := model.Status{
		ModelLoaded: true,
		Kind:        s.artifact.Kind,
		Variant:     s.artifact.Variant,
		Features:    s.schema.Names(),
	}
	if s.artifact.ModelID != uuid.Nil {
		st.ModelID = s.artifact.ModelID.String()
	}
	if !s.artifact.CreatedAt.IsZero() {
		st.CreatedAt = s.artifact.CreatedAt.Format(time.RFC3339)
	}
	return st
}

// RequiredFields lists the payload keys a request must carry.
func (s *ScoringService) RequiredFields() []string {
	if !s.Loaded() {
		return nil
	}
	return s.schema.RequiredKeys()
}

// Score validates payload, runs inference and maps the outcome to a verdict.
// Errors wrap ErrModelUnavailable, ErrInvalidPayload or ErrInferenceFailure.
func (s *ScoringService) Score(ctx context.Context, payload map[string]any) (verdict *model.Verdict, err error) {
	if !s.Loaded() {
		return nil, ErrModelUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}

	row, err := s.schema.Assemble(payload)
	if err != nil {
		var missing *features.MissingFieldsError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, missing)
		}
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}

	defer func() {
		if r := recover(); r != nil {
			verdict = nil
			err = fmt.Errorf("%w: %v", ErrInferenceFailure, r)
		}
	}()

	out, err := s.estimator.Evaluate(row)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailure, err)
	}

	verdict, err = s.mapOutcome(out)
	if err != nil {
		return nil, err
	}

	userID := stringField(payload, features.FieldUserID)
	sessionID := stringField(payload, features.FieldSessionID)
	if util.ContainsSuspicious(userID) || util.ContainsSuspicious(sessionID) {
		s.logger.Warn("Login event carries markup in identifiers",
			util.String("user_id", util.SanitizeLogField(userID)),
			util.String("session_id", util.SanitizeLogField(sessionID)),
		)
	}

	s.logger.Debug("Scored login event",
		util.String("prediction", string(verdict.Prediction)),
		util.Float64("confidence", *verdict.Confidence),
		util.String("user_id", util.SanitizeLogField(userID)),
		util.String("session_id", util.SanitizeLogField(sessionID)),
	)
	return verdict, nil
}

func (s *ScoringService) mapOutcome(out model.Outcome) (*model.Verdict, error) {
	v := &model.Verdict{Variant: s.artifact.Variant}
	if s.artifact.ModelID != uuid.Nil {
		v.ModelID = s.artifact.ModelID.String()
	}

	switch s.estimator.Kind() {
	case model.KindIsolationForest:
		if out.Score == nil {
			return nil, fmt.Errorf("%w: isolation forest returned no decision score", ErrInferenceFailure)
		}
		score := *out.Score
		var confidence float64
		switch out.Class {
		case model.ClassLegitimate:
			setLegitimate(v)
			confidence = LegitimateConfidence(score)
		case model.ClassAnomaly:
			setSuspicious(v)
			confidence = SuspiciousConfidence(score)
		default:
			return nil, fmt.Errorf("%w: unexpected class %d", ErrInferenceFailure, out.Class)
		}
		v.Confidence = &confidence
		v.AnomalyScore = &score

	case model.KindRandomForest:
		probs := &model.Probabilities{
			Legitimate: Round2(out.Probabilities[model.ClassLegitimate]),
			Suspicious: Round2(out.Probabilities[model.ClassSuspicious]),
		}
		var confidence float64
		switch out.Class {
		case model.ClassLegitimate:
			setLegitimate(v)
			confidence = probs.Legitimate
		case model.ClassSuspicious:
			setSuspicious(v)
			confidence = probs.Suspicious
		default:
			return nil, fmt.Errorf("%w: unexpected class %d", ErrInferenceFailure, out.Class)
		}
		v.Confidence = &confidence
		v.Probabilities = probs

	default:
		return nil, fmt.Errorf("%w: unsupported model kind %q", ErrInferenceFailure, s.estimator.Kind())
	}
	return v, nil
}

func setLegitimate(v *model.Verdict) {
	v.Status = model.StatusSuccess
	v.Prediction = model.LabelLegitimate
	v.Message = model.MessageGranted
}

func setSuspicious(v *model.Verdict) {
	v.Status = model.StatusSuspicious
	v.Prediction = model.LabelSuspicious
	v.Message = model.MessageDenied
}

// LegitimateConfidence maps an inlier's decision score to 1 - clamp(-s/2, 0.01, 0.5).
func LegitimateConfidence(score float64) float64 {
	return Round2(1.0 - clamp(-score*0.5, 0.01, 0.5))
}

// SuspiciousConfidence maps an anomaly's decision score to clamp(-s/2, 0.5, 0.99).
func SuspiciousConfidence(score float64) float64 {
	return Round2(clamp(-score*0.5, 0.5, 0.99))
}

// Round2 rounds half away from zero to two decimals.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}

func clamp(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
