package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/MJE43/ugc-runtime-go/internal/executor"
	"github.com/MJE43/ugc-runtime-go/internal/match"
	"github.com/MJE43/ugc-runtime-go/internal/pkgstore"
)

// Error codes returned in the error body.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeRejected     = "COMMAND_REJECTED"
	CodeGameOver     = "GAME_OVER"
	CodeConflict     = "CONFLICT"
	CodeDomain       = "DOMAIN_ERROR"
	CodeTimeout      = "DOMAIN_TIMEOUT"
	CodeInternal     = "SERVER_ERROR"
)

// APIError is the body of every failed request, wrapped as {"error": ...}.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (e APIError) Error() string { return e.Code + ": " + e.Message }

// ErrorBuilder helps construct structured errors with context
type ErrorBuilder struct {
	err APIError
}

// NewError creates a new error builder
func NewError(code, message string) *ErrorBuilder {
	return &ErrorBuilder{err: APIError{Code: code, Message: message}}
}

func (eb *ErrorBuilder) WithField(field string) *ErrorBuilder {
	eb.err.Field = field
	return eb
}

func (eb *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	eb.err.RequestID = requestID
	return eb
}

func (eb *ErrorBuilder) WithErrorType(t string) *ErrorBuilder {
	eb.err.ErrorType = t
	return eb
}

func (eb *ErrorBuilder) Build() APIError {
	return eb.err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, e APIError) {
	e.RequestID = middleware.GetReqID(r.Context())
	if status >= 500 {
		s.logger.Printf("error_occurred status=%d code=%s request_id=%s path=%s message=%q", status, e.Code, e.RequestID, r.URL.Path, e.Message)
	}
	w.Header().Set("X-Error-Code", e.Code)
	writeJSON(w, status, map[string]APIError{"error": e})
}

func (s *Server) validationError(w http.ResponseWriter, r *http.Request, field, message string) {
	s.writeError(w, r, http.StatusUnprocessableEntity, NewError(CodeValidation, message).WithField(field).Build())
}

// handleError maps runtime errors to HTTP statuses.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *match.RejectedError
	var domainErr *executor.Error

	switch {
	case errors.As(err, &rejected):
		s.writeError(w, r, http.StatusConflict, NewError(CodeRejected, rejected.Error()).Build())
	case errors.Is(err, match.ErrGameOver):
		s.writeError(w, r, http.StatusConflict, NewError(CodeGameOver, "game is over").Build())
	case errors.Is(err, pkgstore.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, NewError(CodeNotFound, err.Error()).Build())
	case errors.Is(err, pkgstore.ErrExists):
		s.writeError(w, r, http.StatusConflict, NewError(CodeConflict, err.Error()).WithField("id").Build())
	case errors.Is(err, match.ErrClosed):
		s.writeError(w, r, http.StatusGone, NewError(CodeNotFound, "match is closed").Build())
	case errors.Is(err, match.ErrUnknownPlayer):
		s.writeError(w, r, http.StatusForbidden, NewError(CodeValidation, err.Error()).WithField("playerId").Build())
	case errors.Is(err, match.ErrActionUnavailable):
		s.writeError(w, r, http.StatusForbidden, NewError(CodeValidation, err.Error()).WithField("action").Build())
	case errors.Is(err, match.ErrDuplicateID):
		s.writeError(w, r, http.StatusConflict, NewError(CodeConflict, err.Error()).Build())
	case errors.As(err, &domainErr):
		status, code := http.StatusUnprocessableEntity, CodeDomain
		switch {
		case errors.Is(err, executor.ErrTimeout):
			status, code = http.StatusGatewayTimeout, CodeTimeout
		case errors.Is(err, executor.ErrRuntime):
			status = http.StatusInternalServerError
		}
		s.writeError(w, r, status, NewError(code, domainErr.Message).WithErrorType(string(domainErr.Type)).Build())
	default:
		s.writeError(w, r, http.StatusInternalServerError, NewError(CodeInternal, "internal error").Build())
		s.logger.Printf("unhandled error path=%s: %v", r.URL.Path, err)
	}
}
