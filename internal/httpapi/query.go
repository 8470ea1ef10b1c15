package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/model"
)

// previewDataResponse is GET /preview/data/{internalId}'s wire shape
// (spec §6): job status plus the result, once available.
type previewDataResponse struct {
	InternalID string                 `json:"internalId"`
	ExternalID string                 `json:"externalId"`
	State      model.JobState         `json:"state"`
	Overall    model.MaterialStatus   `json:"overall,omitempty"`
	Materials  []model.MaterialResult `json:"materials,omitempty"`
	LastError  string                 `json:"lastError,omitempty"`
}

// GetPreviewData returns a job's current state and, once terminal with a
// result, the full per-material outcome (spec §4.9 "operators can poll a
// specific submission").
func (a *API) GetPreviewData(w http.ResponseWriter, r *http.Request) {
	internalID := chi.URLParam(r, "internalId")

	job, err := a.Store.GetJob(r.Context(), internalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	req, err := a.Store.GetRequest(r.Context(), internalID)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := previewDataResponse{
		InternalID: job.InternalID,
		ExternalID: req.ExternalID,
		State:      job.State,
		LastError:  job.LastError,
	}

	if job.State.Terminal() {
		if result, err := a.Store.GetResult(r.Context(), internalID); err == nil {
			resp.Overall = result.Overall
			resp.Materials = result.Materials
		}
	}

	writeOK(w, resp)
}

// recordsResponse is GET /preview/records' wire shape: a page of summaries
// plus the total row count across all pages (spec §6).
type recordsResponse struct {
	Total   int                           `json:"total"`
	Records []failoverstore.RecordSummary `json:"records"`
}

// ListRecords implements GET /preview/records: paginated, filterable by
// status/date range/matter name (spec §4.9).
func (a *API) ListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := failoverstore.RecordFilter{
		Page:       queryInt(q, "page", 1),
		Size:       queryInt(q, "size", 20),
		Status:     model.MaterialStatus(q.Get("status")),
		MatterName: q.Get("matterName"),
	}
	if v := q.Get("dateFrom"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.DateFrom = t
		}
	}
	if v := q.Get("dateTo"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.DateTo = t
		}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Size < 1 || filter.Size > 200 {
		filter.Size = 20
	}

	records, total, err := a.Store.ListRecords(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, recordsResponse{Total: total, Records: records})
}

func queryInt(q map[string][]string, key string, def int) int {
	vs, ok := q[key]
	if !ok || len(vs) == 0 || vs[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vs[0])
	if err != nil {
		return def
	}
	return n
}

// queueStatusResponse is GET /queue/status's wire shape (spec §4.6, §4.7).
type queueStatusResponse struct {
	AvailablePermits  int                    `json:"availablePermits"`
	MaxPermits        int                    `json:"maxPermits"`
	DepthByPriority   map[model.Priority]int `json:"depthByPriority"`
	SystemLoadPercent float64                `json:"systemLoadPercent"`
	AvgJobSeconds     float64                `json:"avgJobSeconds"`
}

// QueueStatus implements GET /queue/status.
func (a *API) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Scheduler.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, queueStatusResponse{
		AvailablePermits:  st.AvailablePermits,
		MaxPermits:        st.MaxPermits,
		DepthByPriority:   st.QueueDepth,
		SystemLoadPercent: st.SystemLoadPercent,
		AvgJobSeconds:     st.AvgJobSeconds,
	})
}

// backendStatusView mirrors one failover backend pair's status fields
// (spec §4.1/§4.2, plus the fallback_write_count supplement, SPEC_FULL.md §D).
type backendStatusView struct {
	Active             string              `json:"active"`
	PrimaryHealth      model.BackendHealth `json:"primaryHealth"`
	FallbackHealth     model.BackendHealth `json:"fallbackHealth"`
	FallbackWriteCount int64               `json:"fallbackWriteCount,omitempty"`
}

type failoverStatusResponse struct {
	Database backendStatusView `json:"database"`
	Storage  backendStatusView `json:"storage"`
}

// FailoverStatus implements GET /failover/status: the current active
// backend and health snapshot for both C1 and C2 (spec §4.9).
func (a *API) FailoverStatus(w http.ResponseWriter, r *http.Request) {
	db := a.Store.DatabaseStatus()
	var storage backendStatusView
	if a.Blobs != nil {
		st := a.Blobs.StorageStatus()
		storage = backendStatusView{
			Active:         st.Active,
			PrimaryHealth:  st.PrimaryHealth,
			FallbackHealth: st.FallbackHealth,
		}
	}
	writeOK(w, failoverStatusResponse{
		Database: backendStatusView{
			Active:             db.Active,
			PrimaryHealth:      db.PrimaryHealth,
			FallbackHealth:     db.FallbackHealth,
			FallbackWriteCount: db.FallbackWriteCount,
		},
		Storage: storage,
	})
}
