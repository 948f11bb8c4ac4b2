package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	consentModels "tally/internal/consent/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/httputil"
	"tally/pkg/requestcontext"
)

func (h *Handler) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.Consent.Get(r.Context(), subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// handleGrantConsent records an opt-in. The body is optional; an empty body
// grants under the consent legal basis.
func (h *Handler) handleGrantConsent(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req consentModels.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	basis, err := id.ParseLegalBasis(req.LegalBasis)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	record, err := h.Consent.Grant(r.Context(), subject, basis, requestcontext.Actor(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleWithdrawConsent(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.Consent.Withdraw(r.Context(), subject, requestcontext.Actor(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}
