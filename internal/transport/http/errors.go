package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/support-chat/internal/domain"
	httpmw "github.com/cwrk-planet/support-chat/internal/transport/http/middleware"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func ToHTTP(err error) int {
	switch {
	case errors.Is(err, domain.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidMessage),
		errors.Is(err, domain.ErrInvalidCursor):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConversationClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response failed", slog.Any("err", err))
	}
}

// writeError hides internal failures behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := ToHTTP(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		httpmw.L(r.Context()).Error(op, slog.Any("err", err))
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}
