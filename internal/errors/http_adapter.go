package errors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// HTTPErrorAdapter translates structured errors into JSON HTTP responses.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates an adapter writing via the given logger.
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// StatusCode maps an error to its HTTP status code.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryBadRequest:
		return http.StatusBadRequest
	case CategoryUnauthorized:
		return http.StatusUnauthorized
	case CategoryForbidden:
		return http.StatusForbidden
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryNeedUpdate:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// Payload returns the JSON body for an error response. Internal detail is not
// leaked for 5xx errors.
func Payload(err error) map[string]any {
	code := StatusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal server error"
	} else {
		var e *Error
		if errors.As(err, &e) {
			msg = e.Message
		}
	}
	return map[string]any{"message": msg, "_httpCode": code}
}

// LogError logs err at a level matching its severity.
func (a *HTTPErrorAdapter) LogError(err error, attrs ...slog.Attr) {
	var e *Error
	level := slog.LevelError
	if errors.As(err, &e) && e.Severity == SeverityWarning {
		level = slog.LevelWarn
	}
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("error", err.Error()))
	for _, at := range attrs {
		args = append(args, at)
	}
	a.logger.Log(context.Background(), level, "request failed", args...)
}
