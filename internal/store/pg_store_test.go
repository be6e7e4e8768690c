package store

import (
	"context"
	"testing"
	"time"

	"github.com/openstack/zaqar/internal/log"
)

func TestShardMonitorStopsOnCancel(t *testing.T) {
	s := &PGStore{
		logger:        log.NewNop(),
		healthyShards: make(map[int]bool),
	}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shard monitor did not stop on context cancel")
	}
}
