package claim

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run drives the expiry sweep: the background reclamation that makes
// redelivery happen when a consumer crashes without deleting its claim.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Claim sweep shutting down")
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Info("Swept expired claims", zap.Int("count", n))
			}
		}
	}
}

// sweep evicts claims whose grace window has lapsed. The scan snapshots
// claim identities only; the lapsed check happens under the owning queue
// lock, where renewals also write, so a concurrent renewal is either fully
// visible here and spares the claim, or lands after a genuinely lapsed one
// was evicted.
func (m *Manager) sweep() int {
	type candidate struct {
		id      string
		project string
		queue   string
	}

	var candidates []candidate
	m.mu.RLock()
	for _, c := range m.claims {
		// Identity fields are written once in Create. ExpiresAt and Grace
		// are guarded by the queue lock and must not be read here.
		candidates = append(candidates, candidate{c.ID, c.Project, c.Queue})
	}
	m.mu.RUnlock()

	now := time.Now()
	swept := 0
	for _, cand := range candidates {
		qs := m.queueState(cand.project, cand.queue)
		qs.mu.Lock()
		m.mu.RLock()
		c := m.claims[cand.id]
		m.mu.RUnlock()
		if c != nil && c.lapsed(now) {
			m.release(qs, c)
			swept++
		}
		qs.mu.Unlock()
	}
	return swept
}
