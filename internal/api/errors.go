package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/yairfalse/vouch/internal/checker"
	"github.com/yairfalse/vouch/internal/upstream"
)

// errorBody is the JSON envelope for every failed request.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request", Message: msg})
}

// writeError maps err onto a status and envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		apiErr *upstream.APIError
		valErr *checker.ValidationError
	)
	switch {
	case errors.As(err, &apiErr):
		status := apiErr.StatusCode
		if status < 300 || status > 599 {
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorBody{Error: apiErr.Name, Message: apiErr.Message})
	case errors.As(err, &valErr):
		badRequest(w, valErr.Message)
	case errors.Is(err, checker.ErrNotMember):
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error:   "unauthorized access to compliance log",
			Message: err.Error(),
		})
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "unknown internal error",
			Message: err.Error(),
		})
	}
}
