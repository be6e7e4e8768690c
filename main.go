package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/openstack/zaqar/internal/auth"
	"github.com/openstack/zaqar/internal/claim"
	"github.com/openstack/zaqar/internal/config"
	"github.com/openstack/zaqar/internal/dispatch"
	"github.com/openstack/zaqar/internal/id"
	"github.com/openstack/zaqar/internal/log"
	"github.com/openstack/zaqar/internal/metrics"
	"github.com/openstack/zaqar/internal/registry"
	"github.com/openstack/zaqar/internal/server"
	"github.com/openstack/zaqar/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("Failed to initialize ID generator", zap.Error(err))
	}

	var queueStore store.Adapter
	var storeDaemon func(context.Context)
	switch cfg.StoreBackend {
	case "postgres":
		pgStore, err := store.NewPGStore(cfg.DatabaseURLs, node, logger)
		if err != nil {
			logger.Fatal("Failed to initialize store", zap.Error(err))
		}
		defer func() {
			for _, db := range pgStore.GetDBs() {
				db.Close()
			}
		}()
		queueStore = pgStore
		storeDaemon = pgStore.Run
	case "redis":
		redisClients := make([]*redis.Client, len(cfg.RedisAddrs))
		for i, addr := range cfg.RedisAddrs {
			redisClients[i] = redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.RedisPassword,
			})
			if err := redisClients[i].Ping(context.Background()).Err(); err != nil {
				logger.Fatal("Failed to connect to Redis", zap.Error(err), zap.Int("index", i))
			}
			defer redisClients[i].Close()
		}
		queueStore = store.NewRedisStore(redisClients, node, logger)
	default:
		queueStore = store.NewMemoryStore(node)
	}

	claimManager := claim.NewManager(queueStore, cfg, logger)
	sessionRegistry := registry.New(claimManager, logger)
	gatewayMetrics := metrics.NewGatewayMetrics(sessionRegistry, claimManager, cfg, logger)
	validator := auth.NewJWTValidator(cfg.JWTSecret)
	dispatcher := dispatch.NewDispatcher(sessionRegistry, claimManager, queueStore, validator, gatewayMetrics, cfg, logger)
	pool := dispatch.NewPool(cfg.WorkerPoolSize, logger)
	gateway := server.NewGateway(sessionRegistry, dispatcher, pool, queueStore, gatewayMetrics, cfg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pool.Run(ctx)
	go claimManager.Run(ctx)
	go gatewayMetrics.Run(ctx)
	if storeDaemon != nil {
		go storeDaemon(ctx)
	}

	r := chi.NewRouter()
	server.SetupRouter(r, gateway)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	certFile := os.Getenv("TLS_CERT_FILE")
	keyFile := os.Getenv("TLS_KEY_FILE")
	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, serving ws:// without TLS")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Gateway starting with TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Gateway failed", zap.Error(err))
			}
		} else {
			logger.Info("Gateway starting without TLS", zap.String("addr", cfg.ListenAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Gateway failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	sessionRegistry.Shutdown()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Gateway shutdown failed", zap.Error(err))
	}
}
