package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openstack/zaqar/internal/id"
)

// MemoryStore is the in-process driver: the default for single-node runs
// and the workhorse for tests.
type MemoryStore struct {
	node *id.Node

	mu       sync.RWMutex
	projects map[string]map[string]*memQueue
}

type memQueue struct {
	metadata map[string]string
	messages []Message
}

func NewMemoryStore(node *id.Node) *MemoryStore {
	return &MemoryStore{
		node:     node,
		projects: make(map[string]map[string]*memQueue),
	}
}

func (s *MemoryStore) queues(project string) map[string]*memQueue {
	qs, ok := s.projects[project]
	if !ok {
		qs = make(map[string]*memQueue)
		s.projects[project] = qs
	}
	return qs
}

func (s *MemoryStore) CreateQueue(_ context.Context, project, queue string, metadata map[string]string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qs := s.queues(project)
	if _, ok := qs[queue]; ok {
		return false, nil
	}
	qs[queue] = &memQueue{metadata: metadata}
	return true, nil
}

func (s *MemoryStore) DeleteQueue(_ context.Context, project, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qs, ok := s.projects[project]
	if !ok {
		return ErrQueueNotFound
	}
	if _, ok := qs[queue]; !ok {
		return ErrQueueNotFound
	}
	delete(qs, queue)
	return nil
}

func (s *MemoryStore) ListQueues(_ context.Context, project string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.projects[project] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Post(_ context.Context, project, queue string, msgs []NewMessage) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	qs := s.queues(project)
	q, ok := qs[queue]
	if !ok {
		// First post creates the queue.
		q = &memQueue{}
		qs[queue] = q
	}
	now := time.Now()
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		msg := Message{
			ID:         s.node.GenerateString(),
			Project:    project,
			Queue:      queue,
			Body:       m.Body,
			EnqueuedAt: now,
		}
		if m.TTL > 0 {
			msg.ExpiresAt = now.Add(m.TTL)
		}
		q.messages = append(q.messages, msg)
		out = append(out, msg)
	}
	return out, nil
}

func (s *MemoryStore) Peek(_ context.Context, project, queue string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.projects[project][queue]
	if !ok {
		return nil, ErrQueueNotFound
	}
	now := time.Now()
	q.messages = pruneExpired(q.messages, now)
	n := limit
	if n > len(q.messages) {
		n = len(q.messages)
	}
	out := make([]Message, n)
	copy(out, q.messages[:n])
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, project, queue, msgID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.projects[project][queue]
	if !ok {
		return Message{}, ErrQueueNotFound
	}
	now := time.Now()
	for _, m := range q.messages {
		if m.ID == msgID && !m.Expired(now) {
			return m, nil
		}
	}
	return Message{}, ErrMessageNotFound
}

func (s *MemoryStore) DeleteMessage(_ context.Context, project, queue, msgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.projects[project][queue]
	if !ok {
		return ErrQueueNotFound
	}
	for i, m := range q.messages {
		if m.ID == msgID {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return ErrMessageNotFound
}

func (s *MemoryStore) Stats(_ context.Context, project, queue string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.projects[project][queue]
	if !ok {
		return Stats{}, ErrQueueNotFound
	}
	q.messages = pruneExpired(q.messages, time.Now())
	st := Stats{Total: len(q.messages)}
	if st.Total > 0 {
		st.Oldest = q.messages[0].EnqueuedAt
		st.Newest = q.messages[st.Total-1].EnqueuedAt
	}
	return st, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func pruneExpired(msgs []Message, now time.Time) []Message {
	kept := msgs[:0]
	for _, m := range msgs {
		if !m.Expired(now) {
			kept = append(kept, m)
		}
	}
	return kept
}
