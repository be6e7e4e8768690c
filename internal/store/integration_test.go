//go:build integration
// +build integration

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/openstack/zaqar/internal/id"
	"github.com/openstack/zaqar/internal/log"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupTestDB(ctx context.Context, t *testing.T) string {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url
	}
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("zaqar"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	dbURL, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string for postgres")
	return dbURL
}

func setupTestRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	redisContainer, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	addr, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err, "failed to get redis endpoint")
	return addr
}

// exerciseAdapter runs the storage contract against a live driver.
func exerciseAdapter(t *testing.T, s Adapter) {
	ctx := context.Background()
	project := fmt.Sprintf("itest-%d", time.Now().UnixNano())

	created, err := s.CreateQueue(ctx, project, "orders", map[string]string{"team": "billing"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = s.CreateQueue(ctx, project, "orders", nil)
	require.NoError(t, err)
	assert.False(t, created)

	names, err := s.ListQueues(ctx, project)
	require.NoError(t, err)
	assert.Contains(t, names, "orders")

	posted, err := s.Post(ctx, project, "orders", []NewMessage{
		{Body: json.RawMessage(`{"n":1}`), TTL: time.Hour},
		{Body: json.RawMessage(`{"n":2}`), TTL: time.Hour},
		{Body: json.RawMessage(`{"n":3}`), TTL: 500 * time.Millisecond},
	})
	require.NoError(t, err)
	require.Len(t, posted, 3)

	msgs, err := s.Peek(ctx, project, "orders", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, posted[0].ID, msgs[0].ID)
	assert.Equal(t, posted[1].ID, msgs[1].ID)

	got, err := s.Get(ctx, project, "orders", posted[0].ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got.Body))

	// Message TTL is honored by the driver.
	time.Sleep(time.Second)
	msgs, err = s.Peek(ctx, project, "orders", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	_, err = s.Get(ctx, project, "orders", posted[2].ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	st, err := s.Stats(ctx, project, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)

	require.NoError(t, s.DeleteMessage(ctx, project, "orders", posted[0].ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, project, "orders", posted[0].ID), ErrMessageNotFound)

	// Post to a queue that was never explicitly created.
	_, err = s.Post(ctx, project, "implicit", []NewMessage{
		{Body: json.RawMessage(`{}`), TTL: time.Hour},
	})
	require.NoError(t, err)
	names, err = s.ListQueues(ctx, project)
	require.NoError(t, err)
	assert.Contains(t, names, "implicit")

	require.NoError(t, s.DeleteQueue(ctx, project, "orders"))
	assert.ErrorIs(t, s.DeleteQueue(ctx, project, "orders"), ErrQueueNotFound)
	_, err = s.Peek(ctx, project, "orders", 1)
	assert.ErrorIs(t, err, ErrQueueNotFound)

	require.NoError(t, s.DeleteQueue(ctx, project, "implicit"))
	require.NoError(t, s.Ping(ctx))
}

func TestPGStoreIntegration(t *testing.T) {
	ctx := context.Background()
	dbURL := setupTestDB(ctx, t)

	node, err := id.NewNode(1)
	require.NoError(t, err)
	// Both shards share one database in the container setup.
	s, err := NewPGStore([]string{dbURL, dbURL}, node, log.NewNop())
	require.NoError(t, err)
	defer func() {
		for _, db := range s.GetDBs() {
			db.Close()
		}
	}()

	exerciseAdapter(t, s)
}

func TestRedisStoreIntegration(t *testing.T) {
	ctx := context.Background()
	redisAddr := setupTestRedis(ctx, t)

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	require.NoError(t, client.Ping(ctx).Err())
	defer client.Close()

	node, err := id.NewNode(2)
	require.NoError(t, err)
	s := NewRedisStore([]*redis.Client{client}, node, log.NewNop())

	exerciseAdapter(t, s)
}
