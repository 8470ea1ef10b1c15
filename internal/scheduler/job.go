package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/fetch"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/ocradapter"
	"github.com/tomshen124/ocr-server/internal/queue"
	"github.com/tomshen124/ocr-server/internal/rules"
)

// processLease drives one job through spec §4.7 steps 3-9, then resolves
// the lease (ack on any terminal outcome, nack with requeue on a retry,
// nack without requeue on owner loss).
func (s *Scheduler) processLease(lease *queue.Lease) {
	ctx := context.Background()
	internalID := lease.Item.InternalID

	job, err := s.store.GetJob(ctx, internalID)
	if err != nil || job.State != model.JobQueued {
		// Either gone, or already owned/terminal — someone else's problem.
		_ = s.q.Nack(ctx, lease.Token, false)
		return
	}

	leasedJob, err := s.store.TransitionJob(ctx, internalID, model.JobQueued, model.JobLeased, job.Version, func(j *model.PreviewJob) {
		j.LeaseOwner = s.cfg.WorkerID
		j.LeaseExpiresAt = time.Now().Add(s.cfg.VisibilityTimeout)
	})
	if err != nil {
		_ = s.q.Nack(ctx, lease.Token, false)
		return
	}

	runningJob, err := s.store.TransitionJob(ctx, internalID, model.JobLeased, model.JobRunning, leasedJob.Version, func(j *model.PreviewJob) {
		j.StartedAt = time.Now()
	})
	if err != nil {
		_ = s.q.Nack(ctx, lease.Token, false)
		return
	}

	outcome := s.runJob(ctx, runningJob)
	s.resolve(ctx, lease, runningJob, outcome)
}

type jobOutcome struct {
	terminal  model.JobState // Completed, Failed, or Cancelled
	transient bool           // retry-eligible failure, only meaningful if terminal == "" below
	err       error
}

// runJob executes steps 4-8 of spec §4.7 and returns how the job should
// resolve. A zero-value terminal with transient=true means "nack and
// retry, don't transition yet" — attempts/backoff are handled by resolve.
func (s *Scheduler) runJob(ctx context.Context, job *model.PreviewJob) jobOutcome {
	req, err := s.store.GetRequest(ctx, job.InternalID)
	if err != nil {
		if apperrors.Transient(err) {
			return jobOutcome{transient: true, err: err}
		}
		return jobOutcome{terminal: model.JobFailed, err: err}
	}

	if s.isCancelled(ctx, job.InternalID) {
		return jobOutcome{terminal: model.JobCancelled}
	}

	materials := make(map[string]rules.MaterialInput, len(req.Materials))
	var skippedRequired []model.MaterialResult

	for _, mat := range req.Materials {
		if s.isCancelled(ctx, job.InternalID) {
			return jobOutcome{terminal: model.JobCancelled}
		}

		var texts []string
		var lines []model.OCRLine
		fetchFailed := false
		var lastFetchErr error

		for _, att := range mat.Attachments {
			data, mimeErr := s.fetchWithRetry(ctx, att)
			if mimeErr != nil {
				fetchFailed = true
				lastFetchErr = mimeErr
				continue
			}

			recResp, ocrErr := s.ocr.Recognize(ctx, ocradapter.Request{
				ID:   job.InternalID + ":" + mat.Code,
				Data: data.Data,
			})
			if ocrErr != nil {
				fetchFailed = true
				lastFetchErr = ocrErr
				continue
			}

			for _, l := range recResp.Lines {
				texts = append(texts, l.Text)
				lines = append(lines, l)
			}
		}

		if fetchFailed && len(lines) == 0 {
			if mat.Required {
				skippedRequired = append(skippedRequired, model.MaterialResult{
					Code:   mat.Code,
					Status: model.StatusSkipped,
					Findings: []model.Finding{{
						RuleID:   "fetch",
						Severity: model.SeverityError,
						Message:  fmt.Sprintf("required material could not be fetched: %v", lastFetchErr),
					}},
				})
				continue
			}
			// Optional material, not fed to the rule engine.
			continue
		}

		materials[mat.Code] = rules.MaterialInput{
			OCRText:  strings.Join(texts, "\n"),
			OCRLines: lines,
		}
	}

	if s.isCancelled(ctx, job.InternalID) {
		return jobOutcome{terminal: model.JobCancelled}
	}

	ruleCfg, err := s.store.RuleConfig(ctx, req.MatterID)
	if err != nil {
		if apperrors.Transient(err) {
			return jobOutcome{transient: true, err: err}
		}
		return jobOutcome{terminal: model.JobFailed, err: err}
	}
	if !ruleCfg.Enabled {
		return jobOutcome{terminal: model.JobFailed, err: apperrors.New(apperrors.KindRuleError, "rule config disabled for matter "+req.MatterID)}
	}

	engine, err := s.engines.get(ruleCfg)
	if err != nil {
		return jobOutcome{terminal: model.JobFailed, err: err}
	}

	evaluated, overall := engine.Evaluate(rules.EvalContext{
		Applicant: req.Applicant,
		Materials: materials,
		Now:       time.Now(),
	})

	results := append(evaluated, skippedRequired...)
	if len(skippedRequired) > 0 {
		overall = model.StatusFailed
	}

	result := &model.JobResult{InternalID: job.InternalID, Overall: overall, Materials: results}
	if err := s.store.PersistResult(ctx, result); err != nil {
		if apperrors.Transient(err) {
			return jobOutcome{transient: true, err: err}
		}
		return jobOutcome{terminal: model.JobFailed, err: err}
	}

	s.renderReport(ctx, job, result)
	s.fireCallback(ctx, req, result)

	terminal := model.JobCompleted
	if overall == model.StatusFailed {
		terminal = model.JobFailed
	}
	return jobOutcome{terminal: terminal}
}

func (s *Scheduler) isCancelled(ctx context.Context, internalID string) bool {
	job, err := s.store.GetJob(ctx, internalID)
	return err == nil && job.CancelRequested
}

// fetchWithRetry implements spec §4.7 step 4a: default 3 attempts,
// exponential backoff 1s/2s/4s.
func (s *Scheduler) fetchWithRetry(ctx context.Context, att model.Attachment) (*fetch.Result, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.AttachmentRetries; attempt++ {
		if attempt > 0 {
			backoff := s.cfg.AttachmentBackoff[min(attempt-1, len(s.cfg.AttachmentBackoff)-1)]
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		res, err := s.fetcher.Fetch(ctx, att)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Scheduler) renderReport(ctx context.Context, job *model.PreviewJob, result *model.JobResult) {
	if s.renderer == nil || s.blobs == nil {
		return
	}
	pdf, err := s.renderer.Render(ctx, job, result)
	if err != nil {
		s.log.Warn("scheduler: report render failed", "internal_id", job.InternalID, "error", err)
		return
	}
	if err := s.blobs.Put(ctx, "reports/"+job.InternalID, pdf, "application/pdf"); err != nil {
		s.log.Warn("scheduler: report store failed", "internal_id", job.InternalID, "error", err)
	}
}

type callbackPayload struct {
	InternalID    string `json:"internal_id"`
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	ResultSummary string `json:"result_summary"`
}

// fireCallback implements spec §4.7 step 8: best-effort, logged on
// failure, never fails the job.
func (s *Scheduler) fireCallback(ctx context.Context, req *model.PreviewRequest, result *model.JobResult) {
	if req.CallbackURL == "" {
		return
	}
	payload := callbackPayload{
		InternalID:    req.InternalID,
		ExternalID:    req.ExternalID,
		Status:        string(result.Overall),
		ResultSummary: fmt.Sprintf("%d materials evaluated", len(result.Materials)),
	}
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.CallbackURL, bytes.NewReader(body))
	if err != nil {
		s.log.Warn("scheduler: callback request build failed", "internal_id", req.InternalID, "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.callback.Do(httpReq)
	if err != nil {
		s.log.Warn("scheduler: callback delivery failed", "internal_id", req.InternalID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("scheduler: callback non-2xx response", "internal_id", req.InternalID, "status", resp.StatusCode)
	}
}

// resolve transitions the job to its terminal state (or retries) and
// acks/nacks the lease accordingly (spec §4.7 step 9, §7 retry policy).
func (s *Scheduler) resolve(ctx context.Context, lease *queue.Lease, job *model.PreviewJob, outcome jobOutcome) {
	if outcome.transient {
		if job.Attempts+1 >= s.cfg.MaxAttempts {
			s.transitionTerminal(ctx, job, model.JobFailed, outcome.err)
			_ = s.q.Ack(ctx, lease.Token)
			return
		}
		_, _ = s.store.TransitionJob(ctx, job.InternalID, model.JobRunning, model.JobQueued, job.Version, func(j *model.PreviewJob) {
			j.Attempts++
			if outcome.err != nil {
				j.LastError = outcome.err.Error()
			}
		})
		_ = s.q.Nack(ctx, lease.Token, true)
		return
	}

	s.transitionTerminal(ctx, job, outcome.terminal, outcome.err)
	_ = s.q.Ack(ctx, lease.Token)

	elapsed := time.Since(job.StartedAt)
	s.recordDuration(elapsed)
	if s.m != nil {
		outcomeLabel := strings.ToLower(string(outcome.terminal))
		s.m.JobsTotal.WithLabelValues(outcomeLabel).Inc()
		s.m.JobDuration.WithLabelValues(outcomeLabel).Observe(elapsed.Seconds())
	}
}

func (s *Scheduler) transitionTerminal(ctx context.Context, job *model.PreviewJob, to model.JobState, cause error) {
	_, err := s.store.TransitionJob(ctx, job.InternalID, model.JobRunning, to, job.Version, func(j *model.PreviewJob) {
		j.FinishedAt = time.Now()
		if cause != nil {
			j.LastError = cause.Error()
		}
	})
	if err != nil {
		s.log.Err(err, "scheduler: terminal transition failed", "internal_id", job.InternalID, "to", to)
	}
}
