package failoverstore

import (
	"context"
	"time"

	"github.com/tomshen124/ocr-server/internal/model"
)

// proberLoop executes spec §4.1's background prober: a lightweight health
// query against each backend at configurable cadence, updating
// BackendHealth even without traffic flowing through a backend. Failover is
// forward-only: a recovered primary shows up as healthy but is not
// switched back to.
func (s *Store) proberLoop(interval time.Duration) {
	defer close(s.proberDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.proberStop:
			return
		case <-ticker.C:
			s.probeOnce()
		}
	}
}

func (s *Store) probeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, b := range []backend{s.primary, s.fallback} {
		err := b.healthCheck(ctx)
		s.healthMu.Lock()
		h := s.health[b.name()]
		h.LastProbeAt = time.Now()
		if err != nil {
			h.ConsecutiveFailures++
			h.LastError = err.Error()
			if h.ConsecutiveFailures >= 3 {
				h.State = model.HealthUnhealthy
			} else {
				h.State = model.HealthDegraded
			}
		} else {
			h.ConsecutiveFailures = 0
			h.State = model.HealthHealthy
		}
		s.healthMu.Unlock()
	}

	s.reevaluateSelection()
}
