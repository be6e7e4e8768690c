package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/openstack/zaqar/internal/config"
	"github.com/openstack/zaqar/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Counter sources the gauges poll. Small interfaces keep this package from
// depending on registry and claim directly.
type SessionCounter interface {
	Count() int
}

type ClaimCounter interface {
	Count() int
}

type GatewayMetrics struct {
	ActionsTotal         *prometheus.CounterVec
	MessagesPosted       *prometheus.CounterVec
	MessagesClaimed      *prometheus.CounterVec
	MessagesDeleted      *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	ConnectedSessions    prometheus.Gauge
	ActiveClaims         prometheus.Gauge

	sessions SessionCounter
	claims   ClaimCounter
	cfg      *config.Config
	logger   *log.Logger
}

func NewGatewayMetrics(sessions SessionCounter, claims ClaimCounter, cfg *config.Config, logger *log.Logger) *GatewayMetrics {
	m := &GatewayMetrics{
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaqar_actions_total",
				Help: "Total number of dispatched actions by action name and response status",
			},
			[]string{"action", "status"},
		),
		MessagesPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaqar_messages_posted_total",
				Help: "Total number of messages posted per project and queue",
			},
			[]string{"project", "queue"},
		),
		MessagesClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaqar_messages_claimed_total",
				Help: "Total number of messages handed out under claims per project and queue",
			},
			[]string{"project", "queue"},
		),
		MessagesDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zaqar_messages_deleted_total",
				Help: "Total number of messages deleted per project and queue",
			},
			[]string{"project", "queue"},
		),
		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zaqar_notifications_dropped_total",
				Help: "Subscription notifications dropped under outbound backpressure",
			},
		),
		ConnectedSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zaqar_connected_sessions",
				Help: "Number of live websocket sessions",
			},
		),
		ActiveClaims: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zaqar_active_claims",
				Help: "Number of claims currently held",
			},
		),
		sessions: sessions,
		claims:   claims,
		cfg:      cfg,
		logger:   logger,
	}

	prometheus.MustRegister(
		m.ActionsTotal,
		m.MessagesPosted,
		m.MessagesClaimed,
		m.MessagesDeleted,
		m.NotificationsDropped,
		m.ConnectedSessions,
		m.ActiveClaims,
	)

	return m
}

// Run serves /metrics on its own listener and keeps the gauges fresh.
func (m *GatewayMetrics) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    m.cfg.MetricsAddr,
		Handler: mux,
	}

	go m.collect(ctx)

	go func() {
		m.logger.Info("Metrics server starting", zap.String("addr", m.cfg.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		m.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *GatewayMetrics) collect(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.ConnectedSessions.Set(float64(m.sessions.Count()))
			m.ActiveClaims.Set(float64(m.claims.Count()))
		}
	}
}
