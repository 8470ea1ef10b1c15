package failoverstore

import (
	"context"
	"time"

	"github.com/tomshen124/ocr-server/internal/model"
)

// RecordFilter narrows ListRecords (spec §6 GET /preview/records).
type RecordFilter struct {
	Page       int
	Size       int
	Status     model.MaterialStatus
	DateFrom   time.Time
	DateTo     time.Time
	MatterName string
}

// RecordSummary is one row of a ListRecords page.
type RecordSummary struct {
	InternalID string
	ExternalID string
	MatterName string
	State      model.JobState
	Overall    model.MaterialStatus
	ReceivedAt time.Time
}

// backend is the domain CRUD contract both concrete backends (primary HTTP
// gateway, fallback embedded SQL) must implement identically, so the Store
// can swap between them transparently (spec §4.1 "Selection contract").
type backend interface {
	name() model.BackendKind

	recordRequest(ctx context.Context, req *model.PreviewRequest) error
	getRequest(ctx context.Context, internalID string) (*model.PreviewRequest, error)

	createJob(ctx context.Context, job *model.PreviewJob) error
	getJob(ctx context.Context, internalID string) (*model.PreviewJob, error)
	// casTransition applies the compare-and-set described in spec §4.1.
	// It returns an apperrors KindConflict error if the persisted (state,
	// version) doesn't match.
	casTransition(ctx context.Context, internalID string, from, to model.JobState, version int64, mutate func(*model.PreviewJob)) (*model.PreviewJob, error)

	persistResult(ctx context.Context, result *model.JobResult) error
	getResult(ctx context.Context, internalID string) (*model.JobResult, error)

	listRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, int, error)

	getRuleConfig(ctx context.Context, matterID string) (*model.RuleConfig, error)

	insertAPICall(ctx context.Context, rec *model.APICallRecord) error

	createSession(ctx context.Context, sess *model.MonitorSession) error
	getSession(ctx context.Context, token string) (*model.MonitorSession, error)

	// healthCheck performs a lightweight liveness probe, returning an error
	// if the backend should be considered down.
	healthCheck(ctx context.Context) error

	close() error
}
