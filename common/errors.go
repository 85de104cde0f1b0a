package common

import (
	"encoding/json"
	"errors"
	"net/http"

	"ledger-auth-gateway/logger"

	"github.com/sirupsen/logrus"
)

// Domain errors shared by the services and handlers.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrValidationFailed     = errors.New("validation failed")
	ErrTokenReuseDetected   = errors.New("refresh token reuse detected")
	ErrUpstreamUnavailable  = errors.New("upstream datastore unavailable")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenInvalid         = errors.New("token invalid")
	ErrUserNotFound         = errors.New("user record not found")
	ErrConflict             = errors.New("user record revision conflict")
)

type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code int, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// StatusFor maps a domain error to the HTTP status the gateway answers with.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidationFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrConflict):
		return http.StatusInternalServerError
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrTokenReuseDetected),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// FromError wraps err in an AppError carrying the status from StatusFor.
func FromError(err error, message string) *AppError {
	return NewAppError(StatusFor(err), message, err)
}

func (e *AppError) Send(w http.ResponseWriter) {
	if e.Err != nil {
		entry := logger.Log.WithFields(logrus.Fields{
			"status_code":    e.Code,
			"internal_error": e.Err.Error(),
		})
		if e.Code >= http.StatusInternalServerError {
			entry.Error(e.Message)
		} else {
			entry.Warn(e.Message)
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Code)
	json.NewEncoder(w).Encode(e)
}
