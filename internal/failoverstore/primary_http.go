package failoverstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
)

// httpBackend is the primary backend (spec §4.1): "the system of record ...
// reached via a remote SQL gateway over HTTP with an API key". Every call is
// wrapped in a gobreaker.CircuitBreaker so a stalled gateway fails fast
// instead of stacking up blocked goroutines ahead of the Store's own
// consecutive-failure tracking.
type httpBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *obslog.Logger
}

// HTTPConfig configures the primary backend's remote gateway client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// newHTTPBackend constructs the primary backend client.
func newHTTPBackend(cfg HTTPConfig, log *obslog.Logger) *httpBackend {
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "primary_store",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state change", "backend", name, "from", from.String(), "to", to.String())
			}
		},
	})

	return &httpBackend{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}
}

func (b *httpBackend) name() model.BackendKind { return model.BackendPrimaryStore }

func (b *httpBackend) close() error { return nil }

func (b *httpBackend) healthCheck(ctx context.Context) error {
	return b.call(ctx, "GET", "/healthz", nil, nil)
}

// call issues one gateway RPC through the circuit breaker. Transport
// failures, an open breaker and unexpected statuses become
// KindBackendUnavailable, which isTransportFault routes into the failover
// path; 404, 409 and 400/422 map to NotFound, Conflict and InvalidRequest.
func (b *httpBackend) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.doRequest(ctx, method, path, reqBody, respBody)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "primary store circuit open", err)
	}
	return err
}

func (b *httpBackend) doRequest(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		buf, err := json.Marshal(reqBody)
		if err != nil {
			return apperrors.Wrap(apperrors.KindInternal, "marshal gateway request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "build gateway request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-Gateway-Api-Key", b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "gateway request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.KindBackendUnavailable, "read gateway response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if respBody != nil && len(data) > 0 {
			if err := json.Unmarshal(data, respBody); err != nil {
				return apperrors.Wrap(apperrors.KindInternal, "decode gateway response", err)
			}
		}
		return nil
	case http.StatusNotFound:
		return apperrors.New(apperrors.KindNotFound, "gateway: not found")
	case http.StatusConflict:
		return apperrors.New(apperrors.KindConflict, "gateway: conflict")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return apperrors.New(apperrors.KindInvalidRequest, fmt.Sprintf("gateway: bad request: %s", string(data)))
	default:
		return apperrors.Wrap(apperrors.KindBackendUnavailable, fmt.Sprintf("gateway: unexpected status %d", resp.StatusCode), fmt.Errorf("%s", string(data)))
	}
}

func (b *httpBackend) recordRequest(ctx context.Context, req *model.PreviewRequest) error {
	return b.call(ctx, http.MethodPost, "/preview-requests", req, nil)
}

func (b *httpBackend) getRequest(ctx context.Context, internalID string) (*model.PreviewRequest, error) {
	var out model.PreviewRequest
	if err := b.call(ctx, http.MethodGet, "/preview-requests/"+internalID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *httpBackend) createJob(ctx context.Context, job *model.PreviewJob) error {
	return b.call(ctx, http.MethodPost, "/preview-jobs", job, nil)
}

func (b *httpBackend) getJob(ctx context.Context, internalID string) (*model.PreviewJob, error) {
	var out model.PreviewJob
	if err := b.call(ctx, http.MethodGet, "/preview-jobs/"+internalID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// casTransitionRequest/Response mirror the gateway's compare-and-set RPC
// contract (spec §4.1: "UPDATE ... WHERE id=? AND state=old AND version=?").
type casTransitionRequest struct {
	From    model.JobState `json:"from"`
	To      model.JobState `json:"to"`
	Version int64          `json:"version"`
}

func (b *httpBackend) casTransition(ctx context.Context, internalID string, from, to model.JobState, version int64, mutate func(*model.PreviewJob)) (*model.PreviewJob, error) {
	var out model.PreviewJob
	err := b.call(ctx, http.MethodPatch, "/preview-jobs/"+internalID+"/transition",
		casTransitionRequest{From: from, To: to, Version: version}, &out)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&out)
		// Persist mutate's side effects (e.g. LastError, LeaseOwner) as a
		// best-effort follow-up patch; the state/version CAS already
		// committed server-side, so failure here is logged, not fatal.
		if err := b.call(ctx, http.MethodPatch, "/preview-jobs/"+internalID, &out, nil); err != nil {
			b.log.Warn("post-transition field patch failed", "internal_id", internalID, "error", err)
		}
	}
	return &out, nil
}

func (b *httpBackend) persistResult(ctx context.Context, result *model.JobResult) error {
	return b.call(ctx, http.MethodPost, "/material-results", result, nil)
}

func (b *httpBackend) getResult(ctx context.Context, internalID string) (*model.JobResult, error) {
	var out model.JobResult
	if err := b.call(ctx, http.MethodGet, "/material-results/"+internalID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type listRecordsResponse struct {
	Rows  []RecordSummary `json:"rows"`
	Total int             `json:"total"`
}

func (b *httpBackend) listRecords(ctx context.Context, filter RecordFilter) ([]RecordSummary, int, error) {
	var out listRecordsResponse
	q := url.Values{}
	q.Set("page", strconv.Itoa(filter.Page))
	q.Set("size", strconv.Itoa(filter.Size))
	if filter.MatterName != "" {
		q.Set("matter_name", filter.MatterName)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if !filter.DateFrom.IsZero() {
		q.Set("date_from", filter.DateFrom.Format(time.RFC3339Nano))
	}
	if !filter.DateTo.IsZero() {
		q.Set("date_to", filter.DateTo.Format(time.RFC3339Nano))
	}
	path := "/preview-records?" + q.Encode()
	if err := b.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Rows, out.Total, nil
}

func (b *httpBackend) getRuleConfig(ctx context.Context, matterID string) (*model.RuleConfig, error) {
	var out model.RuleConfig
	if err := b.call(ctx, http.MethodGet, "/matter-rule-configs/"+matterID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (b *httpBackend) insertAPICall(ctx context.Context, rec *model.APICallRecord) error {
	return b.call(ctx, http.MethodPost, "/api-calls", rec, nil)
}

func (b *httpBackend) createSession(ctx context.Context, sess *model.MonitorSession) error {
	return b.call(ctx, http.MethodPost, "/monitor-sessions", sess, nil)
}

func (b *httpBackend) getSession(ctx context.Context, token string) (*model.MonitorSession, error) {
	var out model.MonitorSession
	if err := b.call(ctx, http.MethodGet, "/monitor-sessions/"+token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
