package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomshen124/ocr-server/internal/apperrors"
	"github.com/tomshen124/ocr-server/internal/auth"
	"github.com/tomshen124/ocr-server/internal/failoverblob"
	"github.com/tomshen124/ocr-server/internal/failoverstore"
	"github.com/tomshen124/ocr-server/internal/metrics"
	"github.com/tomshen124/ocr-server/internal/model"
	"github.com/tomshen124/ocr-server/internal/obslog"
	"github.com/tomshen124/ocr-server/internal/queue"
	"github.com/tomshen124/ocr-server/internal/scheduler"
)

// API bundles everything the HTTP handlers need. Constructed once in
// cmd/ocr-server and passed by reference, per spec §9's "explicit
// application context" guidance.
type API struct {
	Store         *failoverstore.Store
	Blobs         *failoverblob.Store
	Queue         queue.Queue
	Scheduler     *scheduler.Scheduler
	Auth          *auth.Authenticator
	Log           *obslog.Logger
	Metrics       *metrics.Registry
	QueueDepthCap int
}

// Router builds the full chi router: submission, query, admin, and health
// endpoints (spec §6).
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(90 * time.Second))

	r.Get("/health", a.Health)
	r.Get("/health/details", a.HealthDetails)
	if a.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.Metrics.Reg, promhttp.HandlerOpts{}))
	}

	r.Post("/preview/submit", a.Submit)

	r.Group(func(r chi.Router) {
		r.Use(a.requireOperatorSession)
		r.Get("/preview/data/{internalId}", a.GetPreviewData)
		r.Get("/preview/records", a.ListRecords)
		r.Get("/queue/status", a.QueueStatus)
		r.Get("/failover/status", a.FailoverStatus)
		r.Post("/admin/rules/reload", a.ReloadRules)
		r.Post("/admin/jobs/{internalId}/cancel", a.CancelJobHandler)
		r.Post("/admin/jobs/{internalId}/priority", a.SetPriorityHandler)
	})

	return r
}

// requireOperatorSession implements C10's operator-session check (spec
// §4.10: "carried in header or query string").
func (a *API) requireOperatorSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Session-Token")
		if token == "" {
			token = r.URL.Query().Get("sessionToken")
		}
		if _, err := a.Auth.VerifySession(r.Context(), token); err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recordAPICall appends an audit row (spec §3 APICallRecord). Failures to
// write the audit row itself are logged, not surfaced to the caller.
func (a *API) recordAPICall(r *http.Request, status int, cause error) {
	if status == 0 {
		if cause == nil {
			status = http.StatusOK
		} else {
			status = statusFor(apperrors.KindOf(cause))
		}
	}
	rec := &model.APICallRecord{
		ClientID:      r.Header.Get("X-Access-Key"),
		Endpoint:      r.URL.Path,
		Status:        status,
		ReceivedAt:    time.Now(),
		CorrelationID: middleware.GetReqID(r.Context()),
	}
	if err := a.Store.InsertAPICall(r.Context(), rec); err != nil {
		a.Log.Warn("httpapi: failed to record api call", "error", err)
	}
	if a.Metrics != nil {
		outcome := "ok"
		if cause != nil {
			outcome = "error"
		}
		a.Metrics.SubmissionTotal.WithLabelValues(outcome).Inc()
	}
}
