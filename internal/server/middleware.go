package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/logfields"
	"git.home.luguber.info/inful/prbuild/internal/metrics"
)

// chain wraps a handler with request-id assignment, logging, panic recovery
// and the per-endpoint request metric.
func chain(logger *slog.Logger, rec metrics.Recorder, next http.Handler) http.Handler {
	return loggingMiddleware(logger, rec, recoveryMiddleware(logger, next))
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, rec metrics.Recorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.NewString()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		rec.IncAPIRequest(endpoint, wrapped.statusCode)
		logger.Info("HTTP request",
			logfields.RequestID(requestID),
			logfields.Method(r.Method),
			logfields.Path(r.URL.Path),
			logfields.Status(wrapped.statusCode),
			slog.Duration("duration", time.Since(start)),
			logfields.RemoteAddr(r.RemoteAddr))
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				logger.Error("HTTP handler panic",
					slog.Any("panic", v),
					logfields.Method(r.Method),
					logfields.Path(r.URL.Path))
				writeJSON(w, r, http.StatusInternalServerError,
					derrors.Payload(derrors.New(derrors.CategoryInternal, derrors.SeverityError, "internal server error")))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
