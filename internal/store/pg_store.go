package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/openstack/zaqar/internal/id"
	"github.com/openstack/zaqar/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS queues (
    project    TEXT NOT NULL,
    name       TEXT NOT NULL,
    metadata   JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (project, name)
);
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    project     TEXT NOT NULL,
    queue       TEXT NOT NULL,
    body        JSONB NOT NULL,
    enqueued_at TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS messages_queue_order
    ON messages (project, queue, enqueued_at, id);
`

// PGStore shards queues across one or more Postgres databases by
// fnv32(project+queue), so one queue always lives on one shard and Peek
// order within a queue is exact.
type PGStore struct {
	dbs    []*sql.DB
	node   *id.Node
	logger *log.Logger

	healthyMu     sync.RWMutex
	healthyShards map[int]bool
}

func NewPGStore(dbURLs []string, node *id.Node, logger *log.Logger) (*PGStore, error) {
	var dbs []*sql.DB
	for _, url := range dbURLs {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres %s: %w", url, err)
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		if _, err := db.Exec(pgSchema); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		dbs = append(dbs, db)
	}
	s := &PGStore{
		dbs:           dbs,
		node:          node,
		logger:        logger,
		healthyShards: make(map[int]bool),
	}
	for i := range dbs {
		s.healthyShards[i] = true
	}
	return s, nil
}

func (s *PGStore) GetDBs() []*sql.DB {
	return s.dbs
}

func (s *PGStore) shardID(project, queue string) int {
	h := fnv.New32a()
	h.Write([]byte(project + queue))
	return int(h.Sum32() % uint32(len(s.dbs)))
}

func (s *PGStore) dbForShard(project, queue string) (*sql.DB, error) {
	shardID := s.shardID(project, queue)
	s.healthyMu.RLock()
	isHealthy := s.healthyShards[shardID]
	s.healthyMu.RUnlock()

	if !isHealthy {
		return nil, fmt.Errorf("shard %d is unhealthy: %w", shardID, ErrUnavailable)
	}
	return s.dbs[shardID], nil
}

// Run drives the shard health monitor. An unhealthy shard fails fast with
// ErrUnavailable instead of hanging every request routed to it.
func (s *PGStore) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shard monitor shutting down")
			return
		case <-ticker.C:
			s.checkShards(ctx)
		}
	}
}

func (s *PGStore) checkShards(ctx context.Context) {
	for i, db := range s.dbs {
		healthy := db.PingContext(ctx) == nil
		s.healthyMu.Lock()
		s.healthyShards[i] = healthy
		s.healthyMu.Unlock()
		if !healthy {
			s.logger.Error("Shard unhealthy", zap.Int("shard", i))
		}
	}
}

// transient wraps a driver failure so the dispatcher's retry path can
// recognize it via errors.Is(err, ErrUnavailable).
func transient(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}

func (s *PGStore) CreateQueue(ctx context.Context, project, queue string, metadata map[string]string) (bool, error) {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return false, err
	}
	metaBytes, err := marshalMetadata(metadata)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
        INSERT INTO queues (project, name, metadata) VALUES ($1, $2, $3)
        ON CONFLICT (project, name) DO NOTHING
    `, project, queue, metaBytes)
	if err != nil {
		return false, transient("create queue", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PGStore) DeleteQueue(ctx context.Context, project, queue string) error {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return transient("begin tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        DELETE FROM queues WHERE project = $1 AND name = $2
    `, project, queue)
	if err != nil {
		return transient("delete queue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrQueueNotFound
	}
	if _, err := tx.ExecContext(ctx, `
        DELETE FROM messages WHERE project = $1 AND queue = $2
    `, project, queue); err != nil {
		return transient("delete queue messages", err)
	}
	if err := tx.Commit(); err != nil {
		return transient("commit tx", err)
	}
	return nil
}

func (s *PGStore) ListQueues(ctx context.Context, project string) ([]string, error) {
	var names []string
	for _, db := range s.dbs {
		rows, err := db.QueryContext(ctx, `
            SELECT name FROM queues WHERE project = $1 ORDER BY name
        `, project)
		if err != nil {
			return nil, transient("list queues", err)
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan queue name: %w", err)
			}
			names = append(names, name)
		}
		rows.Close()
	}
	return names, nil
}

func (s *PGStore) Post(ctx context.Context, project, queue string, msgs []NewMessage) ([]Message, error) {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transient("begin tx", err)
	}
	defer tx.Rollback()

	// First post creates the queue.
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO queues (project, name) VALUES ($1, $2)
        ON CONFLICT (project, name) DO NOTHING
    `, project, queue); err != nil {
		return nil, transient("ensure queue", err)
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
		var expires *time.Time
		if m.TTL > 0 {
			t := now.Add(m.TTL)
			msg.ExpiresAt = t
			expires = &t
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO messages (id, project, queue, body, enqueued_at, expires_at)
            VALUES ($1, $2, $3, $4, $5, $6)
        `, msg.ID, project, queue, []byte(msg.Body), now, expires); err != nil {
			return nil, transient("insert message", err)
		}
		out = append(out, msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, transient("commit tx", err)
	}
	return out, nil
}

func (s *PGStore) Peek(ctx context.Context, project, queue string, limit int) ([]Message, error) {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return nil, err
	}
	if err := s.queueExists(ctx, db, project, queue); err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
        SELECT id, body, enqueued_at, expires_at FROM messages
        WHERE project = $1 AND queue = $2
        AND (expires_at IS NULL OR expires_at > $3)
        ORDER BY enqueued_at, id
        LIMIT $4
    `, project, queue, time.Now(), limit)
	if err != nil {
		return nil, transient("peek messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg := Message{Project: project, Queue: queue}
		var expires sql.NullTime
		var body []byte
		if err := rows.Scan(&msg.ID, &body, &msg.EnqueuedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Body = body
		if expires.Valid {
			msg.ExpiresAt = expires.Time
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, project, queue, msgID string) (Message, error) {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Project: project, Queue: queue}
	var expires sql.NullTime
	var body []byte
	err = db.QueryRowContext(ctx, `
        SELECT id, body, enqueued_at, expires_at FROM messages
        WHERE project = $1 AND queue = $2 AND id = $3
        AND (expires_at IS NULL OR expires_at > $4)
    `, project, queue, msgID, time.Now()).Scan(&msg.ID, &body, &msg.EnqueuedAt, &expires)
	if err == sql.ErrNoRows {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, transient("get message", err)
	}
	msg.Body = body
	if expires.Valid {
		msg.ExpiresAt = expires.Time
	}
	return msg, nil
}

func (s *PGStore) DeleteMessage(ctx context.Context, project, queue, msgID string) error {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
        DELETE FROM messages WHERE project = $1 AND queue = $2 AND id = $3
    `, project, queue, msgID)
	if err != nil {
		return transient("delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *PGStore) Stats(ctx context.Context, project, queue string) (Stats, error) {
	db, err := s.dbForShard(project, queue)
	if err != nil {
		return Stats{}, err
	}
	if err := s.queueExists(ctx, db, project, queue); err != nil {
		return Stats{}, err
	}
	var st Stats
	var oldest, newest sql.NullTime
	err = db.QueryRowContext(ctx, `
        SELECT COUNT(*), MIN(enqueued_at), MAX(enqueued_at) FROM messages
        WHERE project = $1 AND queue = $2
        AND (expires_at IS NULL OR expires_at > $3)
    `, project, queue, time.Now()).Scan(&st.Total, &oldest, &newest)
	if err != nil {
		return Stats{}, transient("queue stats", err)
	}
	if oldest.Valid {
		st.Oldest = oldest.Time
	}
	if newest.Valid {
		st.Newest = newest.Time
	}
	return st, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	for i, db := range s.dbs {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping shard %d: %v: %w", i, err, ErrUnavailable)
		}
	}
	return nil
}

func marshalMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func (s *PGStore) queueExists(ctx context.Context, db *sql.DB, project, queue string) error {
	var one int
	err := db.QueryRowContext(ctx, `
        SELECT 1 FROM queues WHERE project = $1 AND name = $2
    `, project, queue).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrQueueNotFound
	}
	if err != nil {
		return transient("check queue", err)
	}
	return nil
}
