package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/expedition-reservations/internal/domain"
	"github.com/robertarktes/expedition-reservations/internal/observability"
)

type errorBody struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps domain failures onto status codes. Unknown errors are logged
// and answered with a generic 500.
func writeError(w http.ResponseWriter, logger observability.Logger, err error) {
	var capErr *domain.CapacityExhaustedError
	if errors.As(err, &capErr) {
		available := capErr.Available
		writeJSON(w, http.StatusConflict, errorBody{
			Error:     capErr.Error(),
			Reason:    "capacity_exhausted",
			Requested: capErr.Requested,
			Available: &available,
		})
		return
	}
	var discErr *domain.DiscountError
	if errors.As(err, &discErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: discErr.Error(), Reason: string(discErr.Reason)})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithError(err).Error("request failed")
		writeMessage(w, status, "internal error")
		return
	}
	writeMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTicketNotConfirmed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPaymentPending):
		return http.StatusAccepted
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrDepartureNotBookable),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTicketAlreadyClaimed),
		errors.Is(err, domain.ErrTransactionMismatch),
		errors.Is(err, domain.ErrBookingNotPayable),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
