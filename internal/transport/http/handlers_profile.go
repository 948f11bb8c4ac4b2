package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/httputil"
)

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if h.Profiles == nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeNotFound, "profile lookups are not configured"))
		return
	}
	profileID := chi.URLParam(r, "profileID")
	if profileID == "" {
		h.writeError(w, r, dErrors.New(dErrors.CodeInvalidInput, "profile id required"))
		return
	}
	p, err := h.Profiles.Fetch(r.Context(), profileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}
