package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	verrors "github.com/vitrinelive/vitrine/internal/errors"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// ErrorResponse is the JSON error body returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("httpx: encode response")
	}
}

// WriteError maps an error to an HTTP status and writes the JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, verrors.ErrInvalidInput):
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, verrors.ErrUnauthorized):
		WriteJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
	case errors.Is(err, verrors.ErrForbidden):
		WriteJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden"})
	case errors.Is(err, verrors.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, verrors.ErrConflict), errors.Is(err, verrors.ErrDuplicate):
		WriteJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// DecodeJSON decodes a size-limited JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return verrors.ErrInvalidInput
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return verrors.ErrInvalidInput
	}
	if err := json.Unmarshal(body, v); err != nil {
		return verrors.ErrInvalidInput
	}
	return nil
}

// WithServerDefaults applies baseline security headers.
func WithServerDefaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
