// Package claim implements exclusive, time-bounded leases over a queue's
// unclaimed messages. A claim holds its messages until it is deleted, its
// owner disconnects, or the expiry sweep reclaims it; messages whose claim
// lapses before they are individually deleted become claimable again, which
// is what makes delivery at-least-once.
package claim

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openstack/zaqar/internal/config"
	"github.com/openstack/zaqar/internal/log"
	"github.com/openstack/zaqar/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound  = errors.New("claim not found")
	ErrForbidden = errors.New("claim owned by another client")
)

type Claim struct {
	ID         string
	Project    string
	Queue      string
	ClientID   string
	MessageIDs []string
	TTL        time.Duration
	Grace      time.Duration
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// lapsed reports whether the claim is past its grace window and therefore
// sweep-eligible. In (ExpiresAt, ExpiresAt+Grace] the claim can still be
// renewed but its messages stay held.
func (c *Claim) lapsed(now time.Time) bool {
	return now.After(c.ExpiresAt.Add(c.Grace))
}

type queueKey struct {
	project string
	queue   string
}

// queueState serializes claim operations per queue so message selection in
// Create stays atomic without a table-wide lock.
type queueState struct {
	mu      sync.Mutex
	claimed map[string]string // message id -> claim id
}

type Manager struct {
	store  store.Adapter
	cfg    *config.Config
	logger *log.Logger

	// mu guards the two maps. Per-claim fields are guarded by the owning
	// queue's lock; lock order is always queueState.mu before mu.
	mu     sync.RWMutex
	claims map[string]*Claim
	queues map[queueKey]*queueState
}

func NewManager(st store.Adapter, cfg *config.Config, logger *log.Logger) *Manager {
	return &Manager{
		store:  st,
		cfg:    cfg,
		logger: logger,
		claims: make(map[string]*Claim),
		queues: make(map[queueKey]*queueState),
	}
}

func (m *Manager) queueState(project, queue string) *queueState {
	key := queueKey{project, queue}
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[key]
	if !ok {
		qs = &queueState{claimed: make(map[string]string)}
		m.queues[key] = qs
	}
	return qs
}

// Create leases up to limit unclaimed, unexpired messages. Zero available
// messages is not an error: an empty claim is returned, mirroring normal
// empty polls under low traffic.
func (m *Manager) Create(ctx context.Context, project, queue, clientID string, limit int, ttl, grace time.Duration) (*Claim, []store.Message, error) {
	qs := m.queueState(project, queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	now := time.Now()

	// Peek past currently held messages; the store does not know about
	// claims, so ask for enough to cover them.
	peeked, err := m.store.Peek(ctx, project, queue, limit+len(qs.claimed))
	if err != nil {
		return nil, nil, err
	}

	c := &Claim{
		ID:        uuid.NewString(),
		Project:   project,
		Queue:     queue,
		ClientID:  clientID,
		TTL:       ttl,
		Grace:     grace,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}

	var selected []store.Message
	m.mu.Lock()
	for _, msg := range peeked {
		if len(selected) >= limit {
			break
		}
		if holder, ok := qs.claimed[msg.ID]; ok {
			if live := m.claims[holder]; live != nil && !live.lapsed(now) {
				continue
			}
			// Lapsed holder that the sweep has not caught yet: the mark is
			// stale, the message is claimable again.
			delete(qs.claimed, msg.ID)
		}
		qs.claimed[msg.ID] = c.ID
		c.MessageIDs = append(c.MessageIDs, msg.ID)
		selected = append(selected, msg)
	}
	m.claims[c.ID] = c
	m.mu.Unlock()

	return copyClaim(c), selected, nil
}

// Get returns the claim and the messages it still holds.
func (m *Manager) Get(ctx context.Context, project, queue, claimID string) (*Claim, []store.Message, error) {
	qs := m.queueState(project, queue)
	qs.mu.Lock()
	c, err := m.liveClaim(qs, project, queue, claimID, time.Now())
	if err != nil {
		qs.mu.Unlock()
		return nil, nil, err
	}
	snapshot := copyClaim(c)
	qs.mu.Unlock()

	var msgs []store.Message
	for _, msgID := range snapshot.MessageIDs {
		msg, err := m.store.Get(ctx, project, queue, msgID)
		if errors.Is(err, store.ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, msg)
	}
	return snapshot, msgs, nil
}

// Update renews the claim's lease. A claim can be renewed until its grace
// window lapses; after that it reads as not found.
func (m *Manager) Update(project, queue, claimID, clientID string, ttl time.Duration) error {
	qs := m.queueState(project, queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	now := time.Now()
	c, err := m.liveClaim(qs, project, queue, claimID, now)
	if err != nil {
		return err
	}
	if c.ClientID != clientID {
		return ErrForbidden
	}
	if ttl > 0 {
		c.TTL = ttl
	}
	c.ExpiresAt = now.Add(c.TTL)
	return nil
}

// Delete releases the lease. The underlying messages are untouched: the
// consumer deletes the ones it processed one by one, anything left becomes
// claimable again.
func (m *Manager) Delete(project, queue, claimID, clientID string) error {
	qs := m.queueState(project, queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	c, err := m.liveClaim(qs, project, queue, claimID, time.Now())
	if err != nil {
		return err
	}
	if c.ClientID != clientID {
		return ErrForbidden
	}
	m.release(qs, c)
	return nil
}

// DeleteMessage removes one message from the store. With a claim id the
// caller must own the claim and the claim must hold the message; without
// one the message must not be currently held.
func (m *Manager) DeleteMessage(ctx context.Context, project, queue, msgID, claimID, clientID string) error {
	qs := m.queueState(project, queue)
	qs.mu.Lock()
	defer qs.mu.Unlock()

	now := time.Now()
	if claimID != "" {
		c, err := m.liveClaim(qs, project, queue, claimID, now)
		if err != nil {
			return err
		}
		if c.ClientID != clientID {
			return ErrForbidden
		}
		if qs.claimed[msgID] != claimID {
			return store.ErrMessageNotFound
		}
		if err := m.store.DeleteMessage(ctx, project, queue, msgID); err != nil {
			return err
		}
		delete(qs.claimed, msgID)
		c.MessageIDs = remove(c.MessageIDs, msgID)
		return nil
	}

	if holder, ok := qs.claimed[msgID]; ok {
		m.mu.RLock()
		live := m.claims[holder]
		m.mu.RUnlock()
		if live != nil && !live.lapsed(now) {
			return ErrForbidden
		}
	}
	return m.store.DeleteMessage(ctx, project, queue, msgID)
}

// Ref identifies one claim for deferred release.
type Ref struct {
	ID    string
	Queue string
}

// HeldBy snapshots the claims the client currently holds in the project.
// The registry takes this snapshot synchronously at disconnect, before any
// reconnect can create fresh claims under the same client id.
func (m *Manager) HeldBy(project, clientID string) []Ref {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var refs []Ref
	for _, c := range m.claims {
		if c.Project == project && c.ClientID == clientID {
			refs = append(refs, Ref{ID: c.ID, Queue: c.Queue})
		}
	}
	return refs
}

// Release releases the referenced claims, skipping any the client no
// longer owns. Claims created after the snapshot are untouched.
func (m *Manager) Release(project, clientID string, refs []Ref) int {
	released := 0
	for _, ref := range refs {
		if err := m.Delete(project, ref.Queue, ref.ID, clientID); err == nil {
			released++
		}
	}
	if released > 0 {
		m.logger.Info("Released claims for disconnected client",
			zap.String("project", project), zap.String("client_id", clientID), zap.Int("count", released))
	}
	return released
}

// ReleaseByClient snapshots and releases in one step.
func (m *Manager) ReleaseByClient(project, clientID string) int {
	return m.Release(project, clientID, m.HeldBy(project, clientID))
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.claims)
}

// liveClaim looks up a claim under the queue lock and lazily evicts it when
// its grace window has lapsed, so an expired claim reads as not found even
// before the sweep runs.
func (m *Manager) liveClaim(qs *queueState, project, queue, claimID string, now time.Time) (*Claim, error) {
	m.mu.RLock()
	c := m.claims[claimID]
	m.mu.RUnlock()
	if c == nil || c.Project != project || c.Queue != queue {
		return nil, ErrNotFound
	}
	if c.lapsed(now) {
		m.release(qs, c)
		return nil, ErrNotFound
	}
	return c, nil
}

// release drops the claim and its message marks. Caller holds qs.mu.
func (m *Manager) release(qs *queueState, c *Claim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgID := range c.MessageIDs {
		if qs.claimed[msgID] == c.ID {
			delete(qs.claimed, msgID)
		}
	}
	delete(m.claims, c.ID)
}

func copyClaim(c *Claim) *Claim {
	out := *c
	out.MessageIDs = append([]string(nil), c.MessageIDs...)
	return &out
}

func remove(ids []string, target string) []string {
	for i, v := range ids {
		if v == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
