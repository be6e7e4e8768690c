package store

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/openstack/zaqar/internal/id"
	"github.com/openstack/zaqar/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each queue as a list of message ids plus one value per
// message. Message TTLs ride on Redis key expiry; the id list is cleaned
// lazily when a peek hits an id whose value has expired. Queues shard
// across clients by fnv32(project+queue).
type RedisStore struct {
	clients []*redis.Client
	node    *id.Node
	logger  *log.Logger
}

type redisMessage struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty"`
}

func NewRedisStore(clients []*redis.Client, node *id.Node, logger *log.Logger) *RedisStore {
	return &RedisStore{clients: clients, node: node, logger: logger}
}

func (s *RedisStore) clientFor(project, queue string) *redis.Client {
	h := fnv.New32a()
	h.Write([]byte(project + queue))
	return s.clients[h.Sum32()%uint32(len(s.clients))]
}

func queueSetKey(project string) string {
	return fmt.Sprintf("zaqar:queues:%s", project)
}

func msgListKey(project, queue string) string {
	return fmt.Sprintf("zaqar:msgs:%s:%s", project, queue)
}

func msgKey(project, queue, msgID string) string {
	return fmt.Sprintf("zaqar:msg:%s:%s:%s", project, queue, msgID)
}

func (s *RedisStore) CreateQueue(ctx context.Context, project, queue string, metadata map[string]string) (bool, error) {
	client := s.clientFor(project, queue)
	added, err := client.SAdd(ctx, queueSetKey(project), queue).Result()
	if err != nil {
		return false, transient("create queue", err)
	}
	if len(metadata) > 0 {
		metaKey := fmt.Sprintf("zaqar:meta:%s:%s", project, queue)
		fields := make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			fields[k] = v
		}
		if err := client.HSet(ctx, metaKey, fields).Err(); err != nil {
			return false, transient("set queue metadata", err)
		}
	}
	return added > 0, nil
}

func (s *RedisStore) DeleteQueue(ctx context.Context, project, queue string) error {
	client := s.clientFor(project, queue)
	removed, err := client.SRem(ctx, queueSetKey(project), queue).Result()
	if err != nil {
		return transient("delete queue", err)
	}
	if removed == 0 {
		return ErrQueueNotFound
	}
	listKey := msgListKey(project, queue)
	ids, err := client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return transient("list queue messages", err)
	}
	pipe := client.Pipeline()
	for _, msgID := range ids {
		pipe.Del(ctx, msgKey(project, queue, msgID))
	}
	pipe.Del(ctx, listKey)
	pipe.Del(ctx, fmt.Sprintf("zaqar:meta:%s:%s", project, queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return transient("purge queue", err)
	}
	return nil
}

func (s *RedisStore) ListQueues(ctx context.Context, project string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, client := range s.clients {
		queues, err := client.SMembers(ctx, queueSetKey(project)).Result()
		if err != nil {
			return nil, transient("list queues", err)
		}
		for _, q := range queues {
			if !seen[q] {
				names = append(names, q)
				seen[q] = true
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Post(ctx context.Context, project, queue string, msgs []NewMessage) ([]Message, error) {
	client := s.clientFor(project, queue)
	now := time.Now()
	out := make([]Message, 0, len(msgs))

	pipe := client.Pipeline()
	pipe.SAdd(ctx, queueSetKey(project), queue)
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
		data, err := json.Marshal(redisMessage{
			ID:         msg.ID,
			Body:       msg.Body,
			EnqueuedAt: msg.EnqueuedAt,
			ExpiresAt:  msg.ExpiresAt,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		pipe.Set(ctx, msgKey(project, queue, msg.ID), data, m.TTL)
		pipe.RPush(ctx, msgListKey(project, queue), msg.ID)
		out = append(out, msg)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, transient("post messages", err)
	}
	return out, nil
}

func (s *RedisStore) Peek(ctx context.Context, project, queue string, limit int) ([]Message, error) {
	client := s.clientFor(project, queue)
	isMember, err := client.SIsMember(ctx, queueSetKey(project), queue).Result()
	if err != nil {
		return nil, transient("check queue", err)
	}
	if !isMember {
		return nil, ErrQueueNotFound
	}

	ids, err := client.LRange(ctx, msgListKey(project, queue), 0, -1).Result()
	if err != nil {
		return nil, transient("peek messages", err)
	}
	var out []Message
	for _, msgID := range ids {
		if len(out) >= limit {
			break
		}
		msg, err := s.fetch(ctx, client, project, queue, msgID)
		if err == redis.Nil {
			// Value expired, drop the dangling id. A failed LRem leaves the
			// id behind for the next peek to retry.
			if err := client.LRem(ctx, msgListKey(project, queue), 1, msgID).Err(); err != nil {
				s.logger.Error("Failed to drop dangling message id",
					zap.String("queue", queue), zap.String("message_id", msgID), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return nil, transient("fetch message", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Get(ctx context.Context, project, queue, msgID string) (Message, error) {
	client := s.clientFor(project, queue)
	msg, err := s.fetch(ctx, client, project, queue, msgID)
	if err == redis.Nil {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, transient("get message", err)
	}
	return msg, nil
}

func (s *RedisStore) fetch(ctx context.Context, client *redis.Client, project, queue, msgID string) (Message, error) {
	data, err := client.Get(ctx, msgKey(project, queue, msgID)).Bytes()
	if err != nil {
		return Message{}, err
	}
	var rm redisMessage
	if err := json.Unmarshal(data, &rm); err != nil {
		return Message{}, fmt.Errorf("unmarshal message %s: %w", msgID, err)
	}
	return Message{
		ID:         rm.ID,
		Project:    project,
		Queue:      queue,
		Body:       rm.Body,
		EnqueuedAt: rm.EnqueuedAt,
		ExpiresAt:  rm.ExpiresAt,
	}, nil
}

func (s *RedisStore) DeleteMessage(ctx context.Context, project, queue, msgID string) error {
	client := s.clientFor(project, queue)
	removed, err := client.Del(ctx, msgKey(project, queue, msgID)).Result()
	if err != nil {
		return transient("delete message", err)
	}
	if err := client.LRem(ctx, msgListKey(project, queue), 1, msgID).Err(); err != nil {
		s.logger.Error("Failed to drop message id from queue list",
			zap.String("queue", queue), zap.String("message_id", msgID), zap.Error(err))
	}
	if removed == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, project, queue string) (Stats, error) {
	// Peek with a high limit; queue depth per tenant queue is expected to
	// stay modest on this driver.
	msgs, err := s.Peek(ctx, project, queue, 10000)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(msgs)}
	if st.Total > 0 {
		st.Oldest = msgs[0].EnqueuedAt
		st.Newest = msgs[st.Total-1].EnqueuedAt
	}
	return st, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	for i, client := range s.clients {
		if err := client.Ping(ctx).Err(); err != nil {
			s.logger.Error("Redis shard unhealthy", zap.Int("shard", i), zap.Error(err))
			return fmt.Errorf("ping redis shard %d: %v: %w", i, err, ErrUnavailable)
		}
	}
	return nil
}
