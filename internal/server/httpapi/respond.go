package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/gatekeeper/internal/common"
	"github.com/dmitrijs2005/gatekeeper/internal/logging"
)

const maxBodyBytes = 64 << 10

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", common.ErrorValidation)
	}
	return nil
}

// statusFor maps a service error to the response status and the message the
// client is allowed to see.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, common.ErrorValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized, "token expired"
	case errors.Is(err, common.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, common.ErrorUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, common.ErrorLocked):
		return http.StatusLocked, common.ErrorLocked.Error()
	case errors.Is(err, common.ErrorAlreadyExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, common.ErrorForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, common.ErrorInternal.Error()
	}
}

func writeServiceError(ctx context.Context, l logging.Logger, w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	if status == http.StatusInternalServerError && !errors.Is(err, common.ErrorInternal) {
		l.Error(ctx, "unmapped error", "error", err)
	}
	writeError(w, status, msg)
}
