package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	ledgerModels "tally/internal/ledger/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/httputil"
	"tally/pkg/requestcontext"
)

type deltaRequest struct {
	Delta         *int64 `json:"delta"`
	Reason        string `json:"reason"`
	BypassConsent bool   `json:"bypass_consent"`
}

type labelsRequest struct {
	Rank string `json:"rank"`
	Path string `json:"path"`
}

type auditRecordResponse struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	DataType    string         `json:"data_type"`
	PerformedBy string         `json:"performed_by"`
	Purpose     string         `json:"purpose,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

type eraseResponse struct {
	SubjectID     string `json:"subject_id"`
	RecordRemoved bool   `json:"record_removed"`
	AuditRecords  int    `json:"audit_records"`
}

const maxHistoryLimit = 500

func subjectParam(r *http.Request) (id.SubjectID, error) {
	return id.ParseSubjectID(chi.URLParam(r, "subjectID"))
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	record, err := h.Ledger.GetOrCreate(r.Context(), subject)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *Handler) handleApplyDelta(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req deltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.Delta == nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeInvalidInput, "delta is required"))
		return
	}

	res, err := h.Ledger.ApplyDelta(r.Context(), subject, *req.Delta, ledgerModels.DeltaOptions{
		PerformedBy:   requestcontext.Actor(r.Context()),
		Reason:        req.Reason,
		BypassConsent: req.BypassConsent,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSetLabels(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req labelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if err := h.Ledger.SetLabels(r.Context(), subject, req.Rank, req.Path, requestcontext.Actor(r.Context())); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit := audit.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			h.writeError(w, r, dErrors.New(dErrors.CodeInvalidInput, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	records, err := h.Audit.History(r.Context(), subject, limit)
	if err != nil {
		h.writeError(w, r, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read audit history"))
		return
	}
	out := make([]auditRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, auditRecordResponse{
			ID:          rec.ID.String(),
			Action:      string(rec.Action),
			DataType:    string(rec.DataType),
			PerformedBy: rec.PerformedBy,
			Purpose:     rec.Purpose,
			Details:     rec.Details,
			Timestamp:   rec.Timestamp,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"subject_id": subject.String(),
		"records":    out,
	})
}

// handleEraseSubject serves a data-deletion request. Consent goes first so a
// failure part way leaves the subject unable to accrue new balance changes.
func (h *Handler) handleEraseSubject(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if err := h.Consent.Erase(ctx, subject); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.Ledger.Erase(ctx, subject, requestcontext.Actor(ctx))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, eraseResponse{
		SubjectID:     subject.String(),
		RecordRemoved: res.RecordRemoved,
		AuditRecords:  res.AuditRecords,
	})
}
