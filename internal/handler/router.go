package handler

import (
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"trust-scorer/internal/model"
	"trust-scorer/internal/ratelimit"
	"trust-scorer/internal/util"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Limiter throttles the scoring routes; nil disables rate limiting.
	Limiter ratelimit.Limiter
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(scoreHandler *ScoreHandler, opts RouterOptions, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = util.Get()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(RecovererMiddleware(logger))
	router.Use(middleware.Timeout(opts.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	var limit func(http.Handler) http.Handler
	if opts.Limiter != nil {
		limit = RateLimitMiddleware(opts.Limiter, logger)
	}
	scoreHandler.RegisterRoutes(router, limit)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"Error","error":"not_found","message":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"status":"Error","error":"method_not_allowed","message":"method not allowed"}`))
	})

	return router
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", util.SanitizeLogField(r.UserAgent())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// RecovererMiddleware turns a handler panic into a JSON 500 response.
func RecovererMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("Recovered from handler panic",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.Any("panic", rec),
					util.String("stack", string(debug.Stack())),
				)
				respondWithJSON(w, http.StatusInternalServerError,
					model.ErrorVerdict(model.CodeInferenceFailure, "Internal server error"), logger)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware rejects clients that exceed limiter with a JSON 429.
// Limiter errors are logged and the request proceeds.
func RateLimitMiddleware(limiter ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("Rate limiter unavailable, allowing request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("client", util.SanitizeLogField(key)),
					util.ErrorField(err))
			}
			if !allowed {
				logger.Debug("Rate limit exceeded", util.String("client", util.SanitizeLogField(key)))
				w.Header().Set("Retry-After", "1")
				respondWithJSON(w, http.StatusTooManyRequests,
					model.ErrorVerdict(model.CodeRateLimited, "Too many requests"), logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey is the client address without its port. RealIP has already
// applied forwarding headers.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
