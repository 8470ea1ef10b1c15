package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/auth"
	"github.com/tomshen124/ocr-server/internal/failoverblob"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/httpapi"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
	"github.com/tomshen124/ocr-server/internal/queue"
	"github.com/tomshen124/ocr-server/internal/scheduler"
)

func newTestAPI(t *testing.T) *httpapi.API {
	t.Helper()
	log := obslog.New(obslog.Config{}, "test")

	primary, err := failoverstore.NewFallbackSQLiteBackend(filepath.Join(t.TempDir(), "primary.db"), log)
	require.NoError(t, err)
	fallback, err := failoverstore.NewFallbackSQLiteBackend(filepath.Join(t.TempDir(), "fallback.db"), log)
	require.NoError(t, err)
	store := failoverstore.New(primary, fallback, failoverstore.Config{}, log, nil)
	t.Cleanup(func() { _ = store.Close() })

	blobPrimary, err := failoverblob.NewLocalFSBackend(failoverblob.LocalFSConfig{Root: filepath.Join(t.TempDir(), "blob-primary")}, log)
	require.NoError(t, err)
	blobFallback, err := failoverblob.NewLocalFSBackend(failoverblob.LocalFSConfig{Root: filepath.Join(t.TempDir(), "blob-fallback")}, log)
	require.NoError(t, err)
	blobs := failoverblob.New(blobPrimary, blobFallback, failoverblob.Config{}, log, nil)
	t.Cleanup(func() { _ = blobs.Close() })

	q := queue.NewMemQueue()
	t.Cleanup(func() { _ = q.Close() })

	sched := scheduler.New(scheduler.Config{Permits: 2}, store, blobs, q, nil, nil, nil, log, nil)

	a := auth.New(auth.Config{}, auth.StaticSecrets{"client-a": "s3cr3t"}, newRouterTestSessionStore())

	return &httpapi.API{
		Store:         store,
		Blobs:         blobs,
		Queue:         q,
		Scheduler:     sched,
		Auth:          a,
		Log:           log,
		QueueDepthCap: 100,
	}
}

// routerTestSessionStore is the one seam worth faking here: session storage
// itself isn't under test, only the router's enforcement of it.
type routerTestSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.MonitorSession
}

func newRouterTestSessionStore() *routerTestSessionStore {
	return &routerTestSessionStore{sessions: map[string]*model.MonitorSession{}}
}

func (s *routerTestSessionStore) CreateSession(ctx context.Context, sess *model.MonitorSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Token] = sess
	return nil
}

func (s *routerTestSessionStore) GetSession(ctx context.Context, token string) (*model.MonitorSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, apperrors.New(apperrors.KindNotFound, "session not found")
	}
	return sess, nil
}

func TestHealth_IsUnauthenticated(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthDetails_ReportsActiveBackends(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/details")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "primary", data["databaseActive"])
	assert.Equal(t, "primary", data["storageActive"])
}

// TestOperatorEndpoints_RejectMissingSession is the concrete expression of
// spec §4.10's operator-session gate: the query/admin group must not be
// reachable without a valid session token.
func TestOperatorEndpoints_RejectMissingSession(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/preview/records")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorEndpoints_AcceptValidSessionToken(t *testing.T) {
	a := newTestAPI(t)
	sess, err := a.Auth.CreateSession(context.Background(), "operator")
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/preview/records", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", sess.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetPreviewData_NotFoundThenHappyPath(t *testing.T) {
	a := newTestAPI(t)
	sess, err := a.Auth.CreateSession(context.Background(), "operator")
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	doGet := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("X-Session-Token", sess.Token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := doGet("/preview/data/does-not-exist")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctx := context.Background()
	require.NoError(t, a.Store.RecordRequest(ctx, &model.PreviewRequest{
		InternalID: "job-1", ExternalID: "ext-1", MatterID: "m1", ReceivedAt: time.Now(),
	}))
	require.NoError(t, a.Store.CreateJob(ctx, &model.PreviewJob{
		InternalID: "job-1", State: model.JobQueued, Priority: model.PriorityNormal, EnqueuedAt: time.Now(),
	}))

	resp2 := doGet("/preview/data/job-1")
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ext-1", data["externalId"])
	assert.Equal(t, string(model.JobQueued), data["state"])
}

// TestCancelJobHandler_RejectsAlreadyTerminalJob covers the conflict branch
// of SPEC_FULL.md §D's cancel endpoint.
func TestCancelJobHandler_RejectsAlreadyTerminalJob(t *testing.T) {
	a := newTestAPI(t)
	sess, err := a.Auth.CreateSession(context.Background(), "operator")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Store.CreateJob(ctx, &model.PreviewJob{
		InternalID: "job-done", State: model.JobCompleted, Priority: model.PriorityNormal, EnqueuedAt: time.Now(),
	}))

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/admin/jobs/job-done/cancel", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", sess.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelJobHandler_SetsCancelRequestedOnRunningJob(t *testing.T) {
	a := newTestAPI(t)
	sess, err := a.Auth.CreateSession(context.Background(), "operator")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Store.CreateJob(ctx, &model.PreviewJob{
		InternalID: "job-running", State: model.JobRunning, Priority: model.PriorityNormal, EnqueuedAt: time.Now(),
	}))

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/admin/jobs/job-running/cancel", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", sess.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	job, err := a.Store.GetJob(ctx, "job-running")
	require.NoError(t, err)
	assert.True(t, job.CancelRequested)
}

func TestFailoverStatus_ReportsActiveBackendKind(t *testing.T) {
	a := newTestAPI(t)
	sess, err := a.Auth.CreateSession(context.Background(), "operator")
	require.NoError(t, err)

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/failover/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", sess.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "primary", data["database"].(map[string]any)["active"])
	assert.Equal(t, "primary", data["storage"].(map[string]any)["active"])
}
