package failoverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// sqliteBackend is the embedded, on-disk fallback backend (spec §4.1). It
// is a disjoint, locally-consistent store: there is no cross-backend
// replication, matching spec §4.1's "fallback operates as a disjoint,
// locally consistent store".
type sqliteBackend struct {
	db  *sql.DB
	log *obslog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS preview_requests (
	internal_id TEXT PRIMARY KEY,
	external_id TEXT NOT NULL,
	submitter_client_id TEXT NOT NULL,
	matter_id TEXT NOT NULL,
	matter_name TEXT NOT NULL,
	applicant_json TEXT NOT NULL,
	materials_json TEXT NOT NULL,
	callback_url TEXT,
	received_at TEXT NOT NULL,
	access_key TEXT,
	sig_timestamp INTEGER,
	sig_nonce TEXT
);

CREATE TABLE IF NOT EXISTS preview_jobs (
	internal_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	priority TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	lease_owner TEXT,
	lease_expires_at TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	enqueued_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	last_error TEXT
);

CREATE TABLE IF NOT EXISTS material_results (
	internal_id TEXT PRIMARY KEY,
	overall TEXT NOT NULL,
	materials_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS matter_rule_configs (
	matter_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	graph_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS monitor_sessions (
	token TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	status INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	received_at TEXT NOT NULL,
	correlation_id TEXT NOT NULL
);
`

// newSQLiteBackend opens (creating if necessary) the embedded fallback
// store at path.
func newSQLiteBackend(path string, log *obslog.Logger) (*sqliteBackend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("fallback store: mkdir %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fallback store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite: single-writer discipline
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fallback store: schema: %w", err)
	}
	return &sqliteBackend{db: db, log: log}, nil
}

func (b *sqliteBackend) name() model.BackendKind { return model.BackendFallbackStore }

func (b *sqliteBackend) close() error { return b.db.Close() }

func (b *sqliteBackend) healthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *sqliteBackend) recordRequest(ctx context.Context, req *model.PreviewRequest) error {
	applicantJSON, err := json.Marshal(req.Applicant)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal applicant", err)
	}
	materialsJSON, err := json.Marshal(req.Materials)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal materials", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO preview_requests
			(internal_id, external_id, submitter_client_id, matter_id, matter_name,
			 applicant_json, materials_json, callback_url, received_at,
			 access_key, sig_timestamp, sig_nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.InternalID, req.ExternalID, req.SubmitterClientID, req.MatterID, req.MatterName,
		string(applicantJSON), string(materialsJSON), req.CallbackURL, req.ReceivedAt.Format(time.RFC3339Nano),
		req.SignatureMeta.AccessKey, req.SignatureMeta.Timestamp, req.SignatureMeta.Nonce,
	)
	if isUniqueViolation(err) {
		return apperrors.New(apperrors.KindConflict, "internal_id already recorded")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "insert preview_request", err)
	}
	return nil
}

func (b *sqliteBackend) getRequest(ctx context.Context, internalID string) (*model.PreviewRequest, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT internal_id, external_id, submitter_client_id, matter_id, matter_name,
			   applicant_json, materials_json, callback_url, received_at,
			   access_key, sig_timestamp, sig_nonce
		FROM preview_requests WHERE internal_id = ?`, internalID)

	var req model.PreviewRequest
	var applicantJSON, materialsJSON, receivedAt string
	var callbackURL, accessKey, nonce sql.NullString
	var sigTimestamp sql.NullInt64

	err := row.Scan(&req.InternalID, &req.ExternalID, &req.SubmitterClientID, &req.MatterID, &req.MatterName,
		&applicantJSON, &materialsJSON, &callbackURL, &receivedAt, &accessKey, &sigTimestamp, &nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "preview request not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "select preview_request", err)
	}

	_ = json.Unmarshal([]byte(applicantJSON), &req.Applicant)
	_ = json.Unmarshal([]byte(materialsJSON), &req.Materials)
	req.CallbackURL = callbackURL.String
	req.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
	req.SignatureMeta = model.SignatureMeta{AccessKey: accessKey.String, Timestamp: sigTimestamp.Int64, Nonce: nonce.String}

	return &req, nil
}

func (b *sqliteBackend) createJob(ctx context.Context, job *model.PreviewJob) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO preview_jobs
			(internal_id, state, priority, attempts, version, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.InternalID, string(job.State), string(job.Priority), job.Attempts, job.Version,
		job.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if isUniqueViolation(err) {
		return apperrors.New(apperrors.KindConflict, "job already created")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "insert preview_job", err)
	}
	return nil
}

func (b *sqliteBackend) getJob(ctx context.Context, internalID string) (*model.PreviewJob, error) {
	return b.getJobTx(ctx, b.db, internalID)
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *sqliteBackend) getJobTx(ctx context.Context, q sqlQuerier, internalID string) (*model.PreviewJob, error) {
	row := q.QueryRowContext(ctx, `
		SELECT internal_id, state, priority, attempts, version, lease_owner,
			   lease_expires_at, cancel_requested, enqueued_at, started_at, finished_at, last_error
		FROM preview_jobs WHERE internal_id = ?`, internalID)

	var job model.PreviewJob
	var leaseOwner, leaseExpiresAt, startedAt, finishedAt, lastError sql.NullString
	var cancelRequested int
	var enqueuedAt string

	err := row.Scan(&job.InternalID, &job.State, &job.Priority, &job.Attempts, &job.Version,
		&leaseOwner, &leaseExpiresAt, &cancelRequested, &enqueuedAt, &startedAt, &finishedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "select preview_job", err)
	}

	job.LeaseOwner = leaseOwner.String
	job.CancelRequested = cancelRequested != 0
	job.LastError = lastError.String
	job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	if leaseExpiresAt.Valid {
		job.LeaseExpiresAt, _ = time.Parse(time.RFC3339Nano, leaseExpiresAt.String)
	}
	if startedAt.Valid {
		job.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
	}
	if finishedAt.Valid {
		job.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedAt.String)
	}
	return &job, nil
}

func (b *sqliteBackend) casTransition(ctx context.Context, internalID string, from, to model.JobState, version int64, mutate func(*model.PreviewJob)) (*model.PreviewJob, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "begin tx", err)
	}
	defer tx.Rollback()

	job, err := b.getJobTx(ctx, tx, internalID)
	if err != nil {
		return nil, err
	}
	if job.State != from || job.Version != version {
		return nil, apperrors.New(apperrors.KindConflict, "stale job state")
	}

	job.State = to
	job.Version++
	if mutate != nil {
		mutate(job)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE preview_jobs SET
			state = ?, priority = ?, attempts = ?, version = ?, lease_owner = ?,
			lease_expires_at = ?, cancel_requested = ?, started_at = ?, finished_at = ?, last_error = ?
		WHERE internal_id = ? AND state = ? AND version = ?`,
		string(job.State), string(job.Priority), job.Attempts, job.Version, nullableStr(job.LeaseOwner),
		nullableTime(job.LeaseExpiresAt), boolToInt(job.CancelRequested), nullableTime(job.StartedAt),
		nullableTime(job.FinishedAt), nullableStr(job.LastError),
		internalID, string(from), version,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "update preview_job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, apperrors.New(apperrors.KindConflict, "stale job state")
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "commit tx", err)
	}
	return job, nil
}

func (b *sqliteBackend) persistResult(ctx context.Context, result *model.JobResult) error {
	materialsJSON, err := json.Marshal(result.Materials)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "marshal materials", err)
	}
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO material_results (internal_id, overall, materials_json)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM material_results WHERE internal_id = ?)`,
		result.InternalID, string(result.Overall), string(materialsJSON), result.InternalID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "insert material_results", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.KindConflict, "result already persisted for this job")
	}
	return nil
}

func (b *sqliteBackend) getResult(ctx context.Context, internalID string) (*model.JobResult, error) {
	row := b.db.QueryRowContext(ctx, `SELECT overall, materials_json FROM material_results WHERE internal_id = ?`, internalID)
	var overall, materialsJSON string
	if err := row.Scan(&overall, &materialsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.KindNotFound, "result not found")
		}
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "select material_results", err)
	}
	result := &model.JobResult{InternalID: internalID, Overall: model.MaterialStatus(overall)}
	_ = json.Unmarshal([]byte(materialsJSON), &result.Materials)
	return result, nil
}

func (b *sqliteBackend) listRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, int, error) {
	page, size := filter.Page, filter.Size
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 20
	}

	where := "WHERE 1=1"
	var args []any
	if filter.MatterName != "" {
		where += " AND r.matter_name LIKE ?"
		args = append(args, "%"+filter.MatterName+"%")
	}
	if !filter.DateFrom.IsZero() {
		where += " AND r.received_at >= ?"
		args = append(args, filter.DateFrom.Format(time.RFC3339Nano))
	}
	if !filter.DateTo.IsZero() {
		where += " AND r.received_at <= ?"
		args = append(args, filter.DateTo.Format(time.RFC3339Nano))
	}
	if filter.Status != "" {
		where += " AND COALESCE(mr.overall, '') = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	countQuery := fmt.Sprintf(`
		SELECT COUNT(*) FROM preview_requests r
		LEFT JOIN preview_jobs j ON j.internal_id = r.internal_id
		LEFT JOIN material_results mr ON mr.internal_id = r.internal_id
		%s`, where)
	if err := b.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindBackendUnavailable, "count records", err)
	}

	query := fmt.Sprintf(`
		SELECT r.internal_id, r.external_id, r.matter_name, COALESCE(j.state, 'Queued'),
			   COALESCE(mr.overall, ''), r.received_at
		FROM preview_requests r
		LEFT JOIN preview_jobs j ON j.internal_id = r.internal_id
		LEFT JOIN material_results mr ON mr.internal_id = r.internal_id
		%s
		ORDER BY r.received_at DESC
		LIMIT ? OFFSET ?`, where)
	args = append(args, size, (page-1)*size)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.KindBackendUnavailable, "list records", err)
	}
	defer rows.Close()

	var out []RecordSummary
	for rows.Next() {
		var rs RecordSummary
		var state, overall, receivedAt string
		if err := rows.Scan(&rs.InternalID, &rs.ExternalID, &rs.MatterName, &state, &overall, &receivedAt); err != nil {
			return nil, 0, apperrors.Wrap(apperrors.KindBackendUnavailable, "scan record row", err)
		}
		rs.State = model.JobState(state)
		rs.Overall = model.MaterialStatus(overall)
		rs.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		out = append(out, rs)
	}
	return out, total, rows.Err()
}

func (b *sqliteBackend) getRuleConfig(ctx context.Context, matterID string) (*model.RuleConfig, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT matter_id, version, checksum, enabled, graph_json
		FROM matter_rule_configs WHERE matter_id = ?`, matterID)

	var cfg model.RuleConfig
	var enabled int
	var graphJSON string
	err := row.Scan(&cfg.MatterID, &cfg.Version, &cfg.Checksum, &enabled, &graphJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.New(apperrors.KindNotFound, "no rule config for matter")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "select matter_rule_configs", err)
	}
	cfg.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(graphJSON), &cfg.Graph); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "unmarshal rule graph", err)
	}
	return &cfg, nil
}

func (b *sqliteBackend) insertAPICall(ctx context.Context, rec *model.APICallRecord) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO api_calls (client_id, endpoint, status, duration_ms, received_at, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ClientID, rec.Endpoint, rec.Status, rec.DurationMS, rec.ReceivedAt.Format(time.RFC3339Nano), rec.CorrelationID,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "insert api_calls", err)
	}
	return nil
}

func (b *sqliteBackend) createSession(ctx context.Context, sess *model.MonitorSession) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO monitor_sessions (token, role, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.Role, sess.CreatedAt.Format(time.RFC3339Nano), sess.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "insert monitor_sessions", err)
	}
	return nil
}

func (b *sqliteBackend) getSession(ctx context.Context, token string) (*model.MonitorSession, error) {
	row := b.db.QueryRowContext(ctx, `SELECT token, role, created_at, expires_at FROM monitor_sessions WHERE token = ?`, token)
	var sess model.MonitorSession
	var createdAt, expiresAt string
	if err := row.Scan(&sess.Token, &sess.Role, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.New(apperrors.KindNotFound, "session not found")
		}
		return nil, apperrors.Wrap(apperrors.KindBackendUnavailable, "select monitor_sessions", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &sess, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsAny(err.Error(), "UNIQUE constraint failed", "constraint failed"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
