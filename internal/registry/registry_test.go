package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/openstack/zaqar/internal/auth"
	"github.com/openstack/zaqar/internal/claim"
	"github.com/openstack/zaqar/internal/log"
	"github.com/openstack/zaqar/internal/push"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type releaseCall struct {
	project  string
	clientID string
	refs     []claim.Ref
}

// fakeReleaser hands out a fixed snapshot and records what gets released.
type fakeReleaser struct {
	held      []claim.Ref
	mu        sync.Mutex
	snapshots int
	calls     chan releaseCall
}

func newFakeReleaser(held ...claim.Ref) *fakeReleaser {
	return &fakeReleaser{held: held, calls: make(chan releaseCall, 8)}
}

func (f *fakeReleaser) HeldBy(project, clientID string) []claim.Ref {
	f.mu.Lock()
	f.snapshots++
	f.mu.Unlock()
	return f.held
}

func (f *fakeReleaser) Release(project, clientID string, refs []claim.Ref) int {
	f.calls <- releaseCall{project, clientID, refs}
	return len(refs)
}

func (f *fakeReleaser) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func newTestRegistry() (*Registry, *fakeReleaser) {
	releaser := newFakeReleaser(claim.Ref{ID: "claim-1", Queue: "q1"})
	return New(releaser, log.NewNop()), releaser
}

func TestRegisterAndLookup(t *testing.T) {
	r, _ := newTestRegistry()
	sess := r.Register(push.NewQueue(4, nil))

	assert.NotEmpty(t, sess.ID)
	assert.False(t, sess.Authenticated())
	assert.Equal(t, 1, r.Count())

	found, ok := r.Lookup(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, found)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestAuthenticateBindsIdentity(t *testing.T) {
	r, _ := newTestRegistry()
	sess := r.Register(push.NewQueue(4, nil))

	r.Authenticate(sess, auth.Identity{Project: "p1", Subject: "user-1"}, "client-1")
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "p1", sess.ProjectID())
	assert.Equal(t, "client-1", sess.ClientID())
}

func TestNextSeqIsMonotonic(t *testing.T) {
	r, _ := newTestRegistry()
	sess := r.Register(push.NewQueue(4, nil))

	assert.Equal(t, uint64(1), sess.NextSeq())
	assert.Equal(t, uint64(2), sess.NextSeq())
	assert.Equal(t, uint64(3), sess.NextSeq())
}

func TestUnregisterReleasesClaimsAndClosesQueue(t *testing.T) {
	r, releaser := newTestRegistry()
	out := push.NewQueue(4, nil)
	sess := r.Register(out)
	r.Authenticate(sess, auth.Identity{Project: "p1"}, "client-1")

	r.Unregister(sess.ID)
	assert.Equal(t, 0, r.Count())

	// The snapshot happens before Unregister returns, so a reconnect's
	// fresh claims can never be part of this teardown's release.
	assert.Equal(t, 1, releaser.snapshotCount())

	select {
	case call := <-releaser.calls:
		assert.Equal(t, "p1", call.project)
		assert.Equal(t, "client-1", call.clientID)
		assert.Equal(t, []claim.Ref{{ID: "claim-1", Queue: "q1"}}, call.refs)
	case <-time.After(time.Second):
		t.Fatal("claims were not released on unregister")
	}

	_, ok := out.Next()
	assert.False(t, ok)

	// Unknown ids are a no-op.
	r.Unregister(sess.ID)
}

func TestUnregisterUnauthenticatedSkipsRelease(t *testing.T) {
	r, releaser := newTestRegistry()
	sess := r.Register(push.NewQueue(4, nil))

	r.Unregister(sess.ID)
	select {
	case <-releaser.calls:
		t.Fatal("released claims for a session that never authenticated")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribersFiltersByProjectAndQueue(t *testing.T) {
	r, _ := newTestRegistry()

	matching := r.Register(push.NewQueue(4, nil))
	r.Authenticate(matching, auth.Identity{Project: "p1"}, "client-1")
	r.Subscribe(matching, "q1")

	otherQueue := r.Register(push.NewQueue(4, nil))
	r.Authenticate(otherQueue, auth.Identity{Project: "p1"}, "client-2")
	r.Subscribe(otherQueue, "q2")

	otherProject := r.Register(push.NewQueue(4, nil))
	r.Authenticate(otherProject, auth.Identity{Project: "p2"}, "client-3")
	r.Subscribe(otherProject, "q1")

	unauthenticated := r.Register(push.NewQueue(4, nil))
	r.Subscribe(unauthenticated, "q1")

	subs := r.Subscribers("p1", "q1")
	require.Len(t, subs, 1)
	assert.Same(t, matching, subs[0])
}

func TestShutdownClosesAllSessions(t *testing.T) {
	r, _ := newTestRegistry()
	outs := make([]*push.Queue, 3)
	for i := range outs {
		outs[i] = push.NewQueue(4, nil)
		r.Register(outs[i])
	}

	r.Shutdown()
	assert.Equal(t, 0, r.Count())
	for _, out := range outs {
		_, ok := out.Next()
		assert.False(t, ok)
	}
}
