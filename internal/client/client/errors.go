package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
)

// ErrUnavailable is returned when the server cannot be reached at all.
var ErrUnavailable = errors.New("server unavailable")

var errExpiredToken = fmt.Errorf("%w: %w", common.ErrInvalidToken, common.ErrTokenExpired)

// APIError is a non-2xx answer from the server. It unwraps to the matching
// sentinel in internal/common, so callers can use errors.Is.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return common.ErrorValidation
	case http.StatusUnauthorized:
		return unauthorizedReason(e.Message)
	case http.StatusForbidden:
		return common.ErrorForbidden
	case http.StatusNotFound:
		return common.ErrorNotFound
	case http.StatusConflict:
		return common.ErrorAlreadyExists
	case http.StatusLocked:
		return common.ErrorLocked
	default:
		return common.ErrorInternal
	}
}

// unauthorizedReason recovers the specific 401 sentinel from the server's
// generic message.
func unauthorizedReason(msg string) error {
	switch msg {
	case "invalid credentials":
		return common.ErrInvalidCredentials
	case "invalid token":
		return common.ErrInvalidToken
	case "token expired":
		return errExpiredToken
	default:
		return common.ErrorUnauthorized
	}
}
