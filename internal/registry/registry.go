// Package registry is the single source of truth for per-socket session
// state. The registry handle is passed explicitly to every component that
// needs it; there is no ambient global table.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openstack/zaqar/internal/auth"
	"github.com/openstack/zaqar/internal/claim"
	"github.com/openstack/zaqar/internal/log"
	"github.com/openstack/zaqar/internal/push"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session tracks one websocket connection. Identity fields are written
// once, by Authenticate, and read by the session's own handler path.
type Session struct {
	ID        string
	CreatedAt time.Time
	Out       *push.Queue

	mu            sync.RWMutex
	clientID      string
	projectID     string
	authenticated bool
	subs          map[string]struct{}

	seq uint64
}

// NextSeq assigns the next monotonic sequence number for a dispatched
// action. Exposed to clients in response headers for retry detection.
func (s *Session) NextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1)
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Session) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Session) ProjectID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.projectID
}

func (s *Session) subscribed(queue string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[queue]
	return ok
}

// ClaimReleaser is what the registry needs from the claim manager on
// session teardown: a synchronous snapshot of the claims the client holds,
// and a release of exactly that snapshot.
type ClaimReleaser interface {
	HeldBy(project, clientID string) []claim.Ref
	Release(project, clientID string, refs []claim.Ref) int
}

type Registry struct {
	claims ClaimReleaser
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(claims ClaimReleaser, logger *log.Logger) *Registry {
	return &Registry{
		claims:   claims,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Register(out *push.Queue) *Session {
	sess := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Out:       out,
		subs:      make(map[string]struct{}),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	r.logger.Info("Session registered", zap.String("session_id", sess.ID))
	return sess
}

func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

// Authenticate binds the validated identity to the session.
func (r *Registry) Authenticate(sess *Session, ident auth.Identity, clientID string) {
	sess.mu.Lock()
	sess.clientID = clientID
	sess.projectID = ident.Project
	sess.authenticated = true
	sess.mu.Unlock()
	r.logger.Info("Session authenticated",
		zap.String("session_id", sess.ID), zap.String("project", ident.Project))
}

// Unregister tears the session down on socket close: claims held by the
// client are released asynchronously, the outbound queue is closed so the
// writer exits, and the session is forgotten.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if project, client := sess.ProjectID(), sess.ClientID(); project != "" && client != "" {
		// Snapshot before returning: a client that reconnects and claims
		// again must not have its fresh claims released by this teardown.
		if held := r.claims.HeldBy(project, client); len(held) > 0 {
			go r.claims.Release(project, client, held)
		}
	}
	sess.Out.Close()
	r.logger.Info("Session unregistered", zap.String("session_id", sessionID))
}

func (r *Registry) Subscribe(sess *Session, queue string) {
	sess.mu.Lock()
	sess.subs[queue] = struct{}{}
	sess.mu.Unlock()
}

// Subscribers returns the authenticated sessions subscribed to the queue
// within the project.
func (r *Registry) Subscribers(project, queue string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, sess := range r.sessions {
		if sess.Authenticated() && sess.ProjectID() == project && sess.subscribed(queue) {
			out = append(out, sess)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown closes every session's outbound queue. Called once at process
// teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Out.Close()
	}
}
