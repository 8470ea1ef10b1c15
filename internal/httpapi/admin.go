package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
)

// ReloadRules implements POST /admin/rules/reload (SPEC_FULL.md §D):
// invalidates the cached compiled graph for one matter so the next job
// picks up whatever RuleConfig row the store now holds.
func (a *API) ReloadRules(w http.ResponseWriter, r *http.Request) {
	matterID := r.URL.Query().Get("matterId")
	if matterID == "" {
		writeErr(w, apperrors.New(apperrors.KindInvalidRequest, "matterId is required"))
		return
	}
	if _, err := a.Store.RuleConfig(r.Context(), matterID); err != nil {
		writeErr(w, err)
		return
	}
	a.Store.InvalidateRuleConfig(matterID)
	writeOK(w, map[string]string{"matterId": matterID, "status": "reloaded"})
}

// CancelJobHandler implements POST /admin/jobs/{internalId}/cancel
// (SPEC_FULL.md §D). Cancellation is cooperative: this sets the
// CancelRequested flag via a from==to CAS (a pure field update, per
// failoverstore's casTransition semantics) and the scheduler's running
// worker observes it at its next isCancelled check between materials.
func (a *API) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalId")

	job, err := a.Store.GetJob(r.Context(), internalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.State.Terminal() {
		writeErr(w, apperrors.New(apperrors.KindConflict, "job already reached a terminal state"))
		return
	}

	updated, err := a.Store.TransitionJob(r.Context(), internalID, job.State, job.State, job.Version, func(j *model.PreviewJob) {
		j.CancelRequested = true
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, map[string]any{"internalId": internalID, "state": updated.State, "cancelRequested": updated.CancelRequested})
}

type setPriorityRequest struct {
	Priority model.Priority `json:"priority"`
}

// SetPriorityHandler implements POST /admin/jobs/{internalId}/priority
// (SPEC_FULL.md §D): spec §6's wire shape has no submitter-facing priority
// field, so the only way to move a job between priority bands is this
// operator action, mirroring the cancel endpoint's precedent. Only a job
// still waiting in the queue (state Queued) can be moved — once leased, the
// band it was dequeued from no longer matters.
func (a *API) SetPriorityHandler(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalId")

	var body setPriorityRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apperrors.New(apperrors.KindInvalidRequest, "malformed JSON body"))
		return
	}
	switch body.Priority {
	case model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
	default:
		writeErr(w, apperrors.New(apperrors.KindInvalidRequest, "priority must be High, Normal, or Low"))
		return
	}

	job, err := a.Store.GetJob(r.Context(), internalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.State != model.JobQueued {
		writeErr(w, apperrors.New(apperrors.KindConflict, "job is no longer waiting to be leased"))
		return
	}
	if job.Priority == body.Priority {
		writeOK(w, map[string]any{"internalId": internalID, "priority": job.Priority})
		return
	}

	if err := a.Queue.Reprioritize(r.Context(), internalID, job.Priority, body.Priority); err != nil {
		writeErr(w, err)
		return
	}

	updated, err := a.Store.TransitionJob(r.Context(), internalID, job.State, job.State, job.Version, func(j *model.PreviewJob) {
		j.Priority = body.Priority
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeOK(w, map[string]any{"internalId": internalID, "priority": updated.Priority})
}
