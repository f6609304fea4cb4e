package httpapi

import (
	"errors"
	"net/http"

	"github.com/example/accessible-dispatch/internal/matcher"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps engine error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matcher.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, matcher.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, matcher.ErrOfferExpired):
		return http.StatusGone
	case errors.Is(err, matcher.ErrOfferConflict), errors.Is(err, matcher.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, matcher.ErrRegionUnresolved), errors.Is(err, matcher.ErrDataQuality):
		return http.StatusUnprocessableEntity
	case errors.Is(err, matcher.ErrNoCandidates), errors.Is(err, matcher.ErrNoViableScore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: matcher.FailureReason(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}
