package httpapi

import "net/http"

// Health is the unauthenticated liveness probe: the process is up and
// serving, independent of backend health (spec §4.9).
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

// HealthDetails rolls up C1/C2 failover status for unauthenticated
// operational checks (load balancers, uptime probes) that shouldn't need a
// signed session just to see whether a backend has failed over
// (SPEC_FULL.md §C: distinct from the session-gated /failover/status, which
// carries finer per-backend detail for the operator console).
func (a *API) HealthDetails(w http.ResponseWriter, r *http.Request) {
	db := a.Store.DatabaseStatus()
	details := map[string]any{
		"status":         "ok",
		"databaseActive": db.Active,
	}
	if a.Blobs != nil {
		details["storageActive"] = a.Blobs.StorageStatus().Active
	}
	writeOK(w, details)
}
