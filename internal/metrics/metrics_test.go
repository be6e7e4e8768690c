package metrics

import (
	"testing"

	"github.com/openstack/zaqar/internal/config"
	"github.com/openstack/zaqar/internal/log"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type staticCounter int

func (c staticCounter) Count() int { return int(c) }

// One test owns the whole lifecycle: the collectors register against the
// default prometheus registry, which tolerates only one registration per
// process.
func TestGatewayMetrics(t *testing.T) {
	cfg := &config.Config{MetricsAddr: ":0"}
	m := NewGatewayMetrics(staticCounter(3), staticCounter(2), cfg, log.NewNop())

	m.ActionsTotal.WithLabelValues("queue_create", "201").Inc()
	m.ActionsTotal.WithLabelValues("queue_create", "201").Inc()
	m.ActionsTotal.WithLabelValues("claim_create", "404").Inc()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("queue_create", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("claim_create", "404")))

	m.MessagesPosted.WithLabelValues("p1", "q1").Add(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.MessagesPosted.WithLabelValues("p1", "q1")))

	m.NotificationsDropped.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDropped))

	m.ConnectedSessions.Set(float64(m.sessions.Count()))
	m.ActiveClaims.Set(float64(m.claims.Count()))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConnectedSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveClaims))
}
