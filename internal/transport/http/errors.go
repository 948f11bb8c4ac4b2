package httptransport

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"tally/internal/profile"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/circuit"
	"tally/pkg/platform/httputil"
	request "tally/pkg/platform/middleware/request"
)

// writeError translates service errors into the JSON error envelope. An open
// breaker anywhere in the chain becomes 503 with Retry-After.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var openErr *circuit.OpenError
	switch {
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", retryAfter(openErr))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": string(dErrors.CodeCircuitOpen)})
		h.Logger.WarnContext(r.Context(), "request rejected by open breaker",
			"breaker", openErr.Name,
			"request_id", request.GetRequestID(r.Context()),
		)
		return
	case errors.Is(err, profile.ErrNotFound):
		err = dErrors.Wrap(err, dErrors.CodeNotFound, "profile not found")
	case errors.Is(err, profile.ErrUnavailable):
		err = dErrors.Wrap(err, dErrors.CodeUnavailable, "profile api unavailable")
	}

	if status := httputil.StatusFor(dErrors.CodeOf(err)); status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed",
			"path", r.URL.Path,
			"status", status,
			"error", err,
			"request_id", request.GetRequestID(r.Context()),
		)
	}
	httputil.WriteError(w, err)
}

// retryAfter rounds the remaining cooldown up to whole seconds. A half-open
// rejection has no known remainder and asks for a one second pause.
func retryAfter(e *circuit.OpenError) string {
	secs := int(math.Ceil(e.Remaining.Seconds()))
	return strconv.Itoa(max(secs, 1))
}
