package omegachat

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy. Every error returned by the SDK wraps one of these, so
// callers branch with errors.Is.
var (
	// ErrUnauthorized means the token is missing or was rejected. The session
	// has already been cleared when this is returned.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the action is not permitted on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation means the input was rejected before or by the server.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork covers transport failures, timeouts and server errors.
	ErrNetwork = errors.New("network error")
	// ErrNotFound means the identity no longer exists.
	ErrNotFound = errors.New("not found")
)

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap maps the HTTP status (or, failing that, the code) onto the taxonomy.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity, http.StatusConflict:
		return ErrValidation
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return ErrNetwork
	}
	if e.Status >= 500 {
		return ErrNetwork
	}
	switch e.Code {
	case "UNAUTHORIZED":
		return ErrUnauthorized
	case "FORBIDDEN":
		return ErrForbidden
	case "NOT_FOUND":
		return ErrNotFound
	case "INVALID_INPUT", "WRONG_PASSWORD", "FILE_TOO_LARGE", "UNSUPPORTED_MEDIA":
		return ErrValidation
	}
	return nil
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func networkError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNetwork, err)
}
