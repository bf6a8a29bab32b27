package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fastprodman/ticketeconomy/internal/infra/logging"
	"github.com/fastprodman/ticketeconomy/internal/services/fraud"
	"github.com/fastprodman/ticketeconomy/internal/services/ratelimit"
	"github.com/fastprodman/ticketeconomy/internal/services/rewards"
	"github.com/fastprodman/ticketeconomy/internal/services/shop"
	"github.com/fastprodman/ticketeconomy/internal/services/wallet"
	"github.com/go-playground/validator/v10"
)

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}

		fields[fe.Field()] = rule
	}

	writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": fields})
}

// writeServiceError maps service errors to responses. Internal detail stays in
// the log; 5xx bodies carry only the correlation id.
func (h *HandlerProvider) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *wallet.ValidationError
		le *ratelimit.LimitError
		be *fraud.BlockedError
		ee *shop.EffectError
		se *wallet.StorageError
	)

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Message, "field": ve.Field})
	case errors.As(err, &le):
		secs := int(math.Ceil(le.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, wallet.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.As(err, &be):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "transaction blocked", "check": string(be.Check)})
	case errors.Is(err, wallet.ErrFraudBlocked):
		writeError(w, http.StatusForbidden, "transaction blocked")
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, "insufficient funds")
	case errors.Is(err, wallet.ErrReferenceConflict):
		writeError(w, http.StatusConflict, "external reference already used for another operation")
	case errors.As(err, &ee):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ee.Reason, "effect": string(ee.Kind)})
	case errors.Is(err, shop.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, shop.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "active token not found")
	case errors.Is(err, shop.ErrItemUnavailable):
		writeError(w, http.StatusConflict, "item not available")
	case errors.Is(err, wallet.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, rewards.ErrMatchNotFound):
		writeError(w, http.StatusNotFound, "match not found")
	case errors.Is(err, wallet.ErrMaxRetriesExceeded), errors.Is(err, wallet.ErrCircuitOpen):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service busy, retry later")
	case errors.As(err, &se):
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":          "internal error",
			"correlation_id": se.CorrelationID,
		})
	default:
		id := logging.CorrelationID(r.Context())
		h.logger.ErrorContext(r.Context(), "request failed", "correlation_id", id, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":          "internal error",
			"correlation_id": id,
		})
	}
}
