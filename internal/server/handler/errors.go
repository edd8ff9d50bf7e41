package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/wafflebay/marketd/internal/domain"
)

// writeDomainError maps a domain error onto an HTTP status and a JSON error
// body. Unknown errors are logged and reported as a generic 500 so internal
// detail never leaks to clients.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "not permitted for this caller")
	case errors.Is(err, domain.ErrInvalidState):
		var ise *domain.InvalidStateError
		if errors.As(err, &ise) {
			writeError(w, http.StatusConflict, ise.Error())
			return
		}
		writeError(w, http.StatusConflict, "invalid market state")
	case errors.Is(err, domain.ErrAlreadyParticipated):
		writeError(w, http.StatusConflict, "identity already entered this market")
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already claimed")
	case errors.Is(err, domain.ErrNoParticipants):
		writeError(w, http.StatusConflict, "market has no participants")
	case errors.Is(err, domain.ErrInvalidTargetEntries):
		writeError(w, http.StatusBadRequest, "invalid market parameters")
	case errors.Is(err, domain.ErrInsufficientFunds), errors.Is(err, domain.ErrTransferFailed):
		writeError(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, domain.ErrVerificationFailed):
		writeError(w, http.StatusUnprocessableEntity, "identity proof rejected")
	case errors.Is(err, domain.ErrTimeNotReached):
		writeError(w, http.StatusTooEarly, "deadline not reached")
	case errors.Is(err, domain.ErrTimeExpired):
		writeError(w, http.StatusGone, "window expired")
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrReentrantCall):
		writeError(w, http.StatusLocked, "market busy, retry")
	default:
		logger.ErrorContext(r.Context(), "handler: internal error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
