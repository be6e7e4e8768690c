package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openstack/zaqar/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	ListenAddr    string
	MetricsAddr   string
	JWTSecret     string
	StoreBackend  string // memory, postgres or redis
	DatabaseURLs  []string
	RedisAddrs    []string
	RedisPassword string
	NodeID        int64

	// Claim policy. The protocol lets clients omit limit/ttl/grace, so the
	// server fills these in. They are policy, not correctness: only the
	// maximums are enforced as hard limits.
	DefaultClaimTTL   time.Duration
	DefaultClaimGrace time.Duration
	DefaultClaimLimit int
	MaxClaimLimit     int
	MaxClaimTTL       time.Duration
	MaxClaimGrace     time.Duration

	DefaultMessageTTL time.Duration
	MaxMessageTTL     time.Duration

	SweepInterval     time.Duration
	OutboundQueueSize int
	WorkerPoolSize    int
	StoreRetryMax     int
	StoreRetryBackoff time.Duration
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional if variables are set elsewhere
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		ListenAddr:    envOr("LISTEN_ADDR", ":8888"),
		MetricsAddr:   envOr("METRICS_ADDR", ":2112"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		StoreBackend:  envOr("STORE_BACKEND", "memory"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		DefaultClaimTTL:   envDuration("DEFAULT_CLAIM_TTL", 300*time.Second),
		DefaultClaimGrace: envDuration("DEFAULT_CLAIM_GRACE", 60*time.Second),
		DefaultClaimLimit: envInt("DEFAULT_CLAIM_LIMIT", 10),
		MaxClaimLimit:     envInt("MAX_CLAIM_LIMIT", 20),
		MaxClaimTTL:       envDuration("MAX_CLAIM_TTL", 43200*time.Second),
		MaxClaimGrace:     envDuration("MAX_CLAIM_GRACE", 43200*time.Second),

		DefaultMessageTTL: envDuration("DEFAULT_MESSAGE_TTL", 3600*time.Second),
		MaxMessageTTL:     envDuration("MAX_MESSAGE_TTL", 1209600*time.Second),

		SweepInterval:     envDuration("CLAIM_SWEEP_INTERVAL", 5*time.Second),
		OutboundQueueSize: envInt("OUTBOUND_QUEUE_SIZE", 64),
		WorkerPoolSize:    envInt("WORKER_POOL_SIZE", 32),
		StoreRetryMax:     envInt("STORE_RETRY_MAX", 3),
		StoreRetryBackoff: envDuration("STORE_RETRY_BACKOFF", 100*time.Millisecond),
	}

	if urls := os.Getenv("DATABASE_URLS"); urls != "" {
		cfg.DatabaseURLs = strings.Split(urls, ",")
	}
	if addrs := os.Getenv("REDIS_ADDRS"); addrs != "" {
		cfg.RedisAddrs = strings.Split(addrs, ",")
	}
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		n, err := strconv.ParseInt(nodeID, 10, 64)
		if err != nil {
			logger.Error("Invalid NODE_ID", zap.String("node_id", nodeID), zap.Error(err))
			return nil, fmt.Errorf("invalid NODE_ID: %w", err)
		}
		cfg.NodeID = n
	}

	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if len(cfg.DatabaseURLs) == 0 {
			logger.Error("DATABASE_URLS is required for the postgres backend")
			return nil, fmt.Errorf("DATABASE_URLS is required for the postgres backend")
		}
	case "redis":
		if len(cfg.RedisAddrs) == 0 {
			logger.Error("REDIS_ADDRS is required for the redis backend")
			return nil, fmt.Errorf("REDIS_ADDRS is required for the redis backend")
		}
	default:
		logger.Error("Unknown STORE_BACKEND", zap.String("backend", cfg.StoreBackend))
		return nil, fmt.Errorf("unknown STORE_BACKEND: %s", cfg.StoreBackend)
	}

	logger.Info("Config loaded successfully", zap.String("backend", cfg.StoreBackend))
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envDuration reads a duration either as a bare number of seconds or in
// Go duration syntax ("90s", "5m").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
