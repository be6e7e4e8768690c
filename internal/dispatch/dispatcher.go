// Package dispatch routes decoded actions to their handlers. It enforces
// the per-session ordering gate (authenticate before anything else),
// identity binding, and the retry/backoff boundary around store calls.
package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"time"

	"github.com/openstack/zaqar/internal/auth"
	"github.com/openstack/zaqar/internal/claim"
	"github.com/openstack/zaqar/internal/config"
	"github.com/openstack/zaqar/internal/log"
	"github.com/openstack/zaqar/internal/metrics"
	"github.com/openstack/zaqar/internal/proto"
	"github.com/openstack/zaqar/internal/registry"
	"github.com/openstack/zaqar/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Dispatcher struct {
	registry *registry.Registry
	claims   *claim.Manager
	store    store.Adapter
	auth     auth.Validator
	metrics  *metrics.GatewayMetrics
	cfg      *config.Config
	logger   *log.Logger
	cb       *gobreaker.CircuitBreaker
}

func NewDispatcher(reg *registry.Registry, claims *claim.Manager, st store.Adapter, validator auth.Validator, m *metrics.GatewayMetrics, cfg *config.Config, logger *log.Logger) *Dispatcher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Dispatcher{
		registry: reg,
		claims:   claims,
		store:    st,
		auth:     validator,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		cb:       cb,
	}
}

// Dispatch runs one action for a session and returns its response. The
// session state machine is Connected -> Authenticated -> Closed: only
// authenticate is valid before the session is authenticated, and an
// unauthenticated action never touches queue state.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *registry.Session, act *proto.Action) *proto.Response {
	resp := d.dispatch(ctx, sess, act)
	if d.metrics != nil {
		d.metrics.ActionsTotal.WithLabelValues(act.Name, strconv.Itoa(resp.Status)).Inc()
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *registry.Session, act *proto.Action) *proto.Response {
	if act.Name == proto.ActionAuthenticate {
		return d.handleAuthenticate(sess, act)
	}
	if !sess.Authenticated() {
		return proto.ErrorResponse(act, 401, "not authenticated")
	}
	if act.ClientID != sess.ClientID() {
		return proto.ErrorResponse(act, 403, "client id does not match session")
	}
	if act.ProjectID != "" && act.ProjectID != sess.ProjectID() {
		return proto.ErrorResponse(act, 403, "project id does not match session")
	}
	project := sess.ProjectID()

	switch body := act.Body.(type) {
	case *proto.QueueCreateBody:
		return d.handleQueueCreate(ctx, act, project, body)
	case *proto.QueueDeleteBody:
		return d.handleQueueDelete(ctx, act, project, body)
	case *proto.QueueListBody:
		return d.handleQueueList(ctx, act, project)
	case *proto.QueueStatsBody:
		return d.handleQueueStats(ctx, act, project, body)
	case *proto.PostMessageBody:
		return d.handlePostMessage(ctx, act, project, body)
	case *proto.MessageDeleteBody:
		return d.handleMessageDelete(ctx, act, sess, project, body)
	case *proto.ClaimCreateBody:
		return d.handleClaimCreate(ctx, act, sess, project, body)
	case *proto.ClaimGetBody:
		return d.handleClaimGet(ctx, act, project, body)
	case *proto.ClaimUpdateBody:
		return d.handleClaimUpdate(act, sess, project, body)
	case *proto.ClaimDeleteBody:
		return d.handleClaimDelete(act, sess, project, body)
	case *proto.SubscribeBody:
		return d.handleSubscribe(act, sess, body)
	default:
		return proto.ErrorResponse(act, 400, "unhandled action: %s", act.Name)
	}
}

func (d *Dispatcher) handleAuthenticate(sess *registry.Session, act *proto.Action) *proto.Response {
	ident, err := d.auth.Validate(act.AuthToken)
	if err != nil {
		d.logger.Warn("Authentication failed", zap.String("session_id", sess.ID), zap.Error(err))
		return proto.ErrorResponse(act, 401, "authentication failed")
	}
	if act.ProjectID != "" && act.ProjectID != ident.Project {
		return proto.ErrorResponse(act, 403, "token is not valid for project %s", act.ProjectID)
	}
	d.registry.Authenticate(sess, ident, act.ClientID)
	return proto.NewResponse(act, 200, map[string]string{"message": "authenticated"})
}

func (d *Dispatcher) handleQueueCreate(ctx context.Context, act *proto.Action, project string, body *proto.QueueCreateBody) *proto.Response {
	var created bool
	err := d.withRetry(ctx, func() error {
		var err error
		created, err = d.store.CreateQueue(ctx, project, body.QueueName, body.Metadata)
		return err
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	if created {
		return proto.NewResponse(act, 201, nil)
	}
	return proto.NewResponse(act, 204, nil)
}

func (d *Dispatcher) handleQueueDelete(ctx context.Context, act *proto.Action, project string, body *proto.QueueDeleteBody) *proto.Response {
	err := d.withRetry(ctx, func() error {
		return d.store.DeleteQueue(ctx, project, body.QueueName)
	})
	// Queue deletion is idempotent on the wire.
	if err != nil && !errors.Is(err, store.ErrQueueNotFound) {
		return d.errorResponse(act, err)
	}
	return proto.NewResponse(act, 204, nil)
}

func (d *Dispatcher) handleQueueList(ctx context.Context, act *proto.Action, project string) *proto.Response {
	var queues []string
	err := d.withRetry(ctx, func() error {
		var err error
		queues, err = d.store.ListQueues(ctx, project)
		return err
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	if queues == nil {
		queues = []string{}
	}
	return proto.NewResponse(act, 200, map[string]any{"queues": queues})
}

func (d *Dispatcher) handleQueueStats(ctx context.Context, act *proto.Action, project string, body *proto.QueueStatsBody) *proto.Response {
	var stats store.Stats
	err := d.withRetry(ctx, func() error {
		var err error
		stats, err = d.store.Stats(ctx, project, body.QueueName)
		return err
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	now := time.Now()
	messages := map[string]any{"total": stats.Total}
	if stats.Total > 0 {
		messages["oldest_age"] = int64(now.Sub(stats.Oldest).Seconds())
		messages["newest_age"] = int64(now.Sub(stats.Newest).Seconds())
	}
	return proto.NewResponse(act, 200, map[string]any{"messages": messages})
}

func (d *Dispatcher) handlePostMessage(ctx context.Context, act *proto.Action, project string, body *proto.PostMessageBody) *proto.Response {
	msgs := make([]store.NewMessage, 0, len(body.Messages))
	for i, m := range body.Messages {
		ttl := time.Duration(m.TTL) * time.Second
		if ttl == 0 {
			ttl = d.cfg.DefaultMessageTTL
		}
		if ttl > d.cfg.MaxMessageTTL {
			return proto.ErrorResponse(act, 400, "message %d ttl exceeds maximum of %d seconds",
				i, int64(d.cfg.MaxMessageTTL.Seconds()))
		}
		msgs = append(msgs, store.NewMessage{Body: m.Body, TTL: ttl})
	}

	var posted []store.Message
	err := d.withRetry(ctx, func() error {
		var err error
		posted, err = d.store.Post(ctx, project, body.QueueName, msgs)
		return err
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	if d.metrics != nil {
		d.metrics.MessagesPosted.WithLabelValues(project, body.QueueName).Add(float64(len(posted)))
	}

	ids := make([]string, len(posted))
	for i, m := range posted {
		ids[i] = m.ID
	}
	d.notifySubscribers(project, body.QueueName, posted)
	return proto.NewResponse(act, 201, map[string]any{"message_ids": ids})
}

func (d *Dispatcher) handleMessageDelete(ctx context.Context, act *proto.Action, sess *registry.Session, project string, body *proto.MessageDeleteBody) *proto.Response {
	err := d.withRetry(ctx, func() error {
		return d.claims.DeleteMessage(ctx, project, body.QueueName, body.MessageID, body.ClaimID, sess.ClientID())
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	if d.metrics != nil {
		d.metrics.MessagesDeleted.WithLabelValues(project, body.QueueName).Inc()
	}
	return proto.NewResponse(act, 204, nil)
}

func (d *Dispatcher) handleClaimCreate(ctx context.Context, act *proto.Action, sess *registry.Session, project string, body *proto.ClaimCreateBody) *proto.Response {
	limit := d.cfg.DefaultClaimLimit
	if body.Limit != nil {
		limit = *body.Limit
	}
	if limit > d.cfg.MaxClaimLimit {
		return proto.ErrorResponse(act, 400, "limit exceeds maximum of %d", d.cfg.MaxClaimLimit)
	}
	ttl := d.cfg.DefaultClaimTTL
	if body.TTL != nil {
		ttl = time.Duration(*body.TTL) * time.Second
	}
	if ttl > d.cfg.MaxClaimTTL {
		return proto.ErrorResponse(act, 400, "ttl exceeds maximum of %d seconds", int64(d.cfg.MaxClaimTTL.Seconds()))
	}
	grace := d.cfg.DefaultClaimGrace
	if body.Grace != nil {
		grace = time.Duration(*body.Grace) * time.Second
	}
	if grace > d.cfg.MaxClaimGrace {
		return proto.ErrorResponse(act, 400, "grace exceeds maximum of %d seconds", int64(d.cfg.MaxClaimGrace.Seconds()))
	}

	var (
		c    *claim.Claim
		held []store.Message
	)
	err := d.withRetry(ctx, func() error {
		var err error
		c, held, err = d.claims.Create(ctx, project, body.QueueName, sess.ClientID(), limit, ttl, grace)
		return err
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	if d.metrics != nil {
		d.metrics.MessagesClaimed.WithLabelValues(project, body.QueueName).Add(float64(len(held)))
	}
	return proto.NewResponse(act, 201, claimBody(c, held))
}

func (d *Dispatcher) handleClaimGet(ctx context.Context, act *proto.Action, project string, body *proto.ClaimGetBody) *proto.Response {
	var (
		c    *claim.Claim
		held []store.Message
	)
	err := d.withRetry(ctx, func() error {
		var err error
		c, held, err = d.claims.Get(ctx, project, body.QueueName, body.ClaimID)
		return err
	})
	if err != nil {
		return d.errorResponse(act, err)
	}
	return proto.NewResponse(act, 200, claimBody(c, held))
}

func (d *Dispatcher) handleClaimUpdate(act *proto.Action, sess *registry.Session, project string, body *proto.ClaimUpdateBody) *proto.Response {
	// Omitted ttl renews the claim with its current ttl.
	var ttl time.Duration
	if body.TTL != nil {
		ttl = time.Duration(*body.TTL) * time.Second
	}
	if ttl > d.cfg.MaxClaimTTL {
		return proto.ErrorResponse(act, 400, "ttl exceeds maximum of %d seconds", int64(d.cfg.MaxClaimTTL.Seconds()))
	}
	if err := d.claims.Update(project, body.QueueName, body.ClaimID, sess.ClientID(), ttl); err != nil {
		return d.errorResponse(act, err)
	}
	return proto.NewResponse(act, 204, nil)
}

func (d *Dispatcher) handleClaimDelete(act *proto.Action, sess *registry.Session, project string, body *proto.ClaimDeleteBody) *proto.Response {
	if err := d.claims.Delete(project, body.QueueName, body.ClaimID, sess.ClientID()); err != nil {
		return d.errorResponse(act, err)
	}
	return proto.NewResponse(act, 204, nil)
}

func (d *Dispatcher) handleSubscribe(act *proto.Action, sess *registry.Session, body *proto.SubscribeBody) *proto.Response {
	d.registry.Subscribe(sess, body.QueueName)
	return proto.NewResponse(act, 201, map[string]string{"message": "subscribed"})
}

// notifySubscribers pushes freshly posted messages to every session
// subscribed to the queue. Best effort: the pusher may drop these under
// backpressure.
func (d *Dispatcher) notifySubscribers(project, queue string, posted []store.Message) {
	subs := d.registry.Subscribers(project, queue)
	if len(subs) == 0 {
		return
	}
	delivered := make([]proto.DeliveredMessage, len(posted))
	for i, m := range posted {
		delivered[i] = proto.DeliveredMessage{ID: m.ID, Body: m.Body}
	}
	data, err := proto.Encode(proto.Notification(queue, delivered))
	if err != nil {
		d.logger.Error("Failed to encode notification", zap.Error(err))
		return
	}
	for _, sub := range subs {
		sub.Out.Notify(data)
	}
}

// withRetry runs a store-touching operation behind the circuit breaker,
// retrying transient failures with jittered exponential backoff before
// surfacing 503.
func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		_, err = d.cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil || !isTransient(err) || attempt >= d.cfg.StoreRetryMax {
			return err
		}
		base := d.cfg.StoreRetryBackoff * time.Duration(1<<attempt)
		// +/- 20% jitter to avoid thundering herds on store recovery.
		delay := time.Duration(float64(base) * (0.8 + rand.Float64()*0.4))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (d *Dispatcher) errorResponse(act *proto.Action, err error) *proto.Response {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return proto.ErrorResponse(act, 404, "queue not found")
	case errors.Is(err, store.ErrMessageNotFound):
		return proto.ErrorResponse(act, 404, "message not found")
	case errors.Is(err, claim.ErrNotFound):
		return proto.ErrorResponse(act, 404, "claim not found")
	case errors.Is(err, claim.ErrForbidden):
		return proto.ErrorResponse(act, 403, "forbidden")
	case isTransient(err), errors.Is(err, context.DeadlineExceeded):
		d.logger.Error("Store unavailable", zap.Error(err))
		return proto.ErrorResponse(act, 503, "service unavailable")
	default:
		d.logger.Error("Action failed", zap.String("action", act.Name), zap.Error(err))
		return proto.ErrorResponse(act, 500, "internal error")
	}
}

func claimBody(c *claim.Claim, held []store.Message) proto.ClaimBody {
	now := time.Now()
	delivered := make([]proto.DeliveredMessage, len(held))
	for i, m := range held {
		delivered[i] = proto.DeliveredMessage{
			ID:      m.ID,
			Body:    m.Body,
			Age:     int64(now.Sub(m.EnqueuedAt).Seconds()),
			ClaimID: c.ID,
		}
	}
	return proto.ClaimBody{
		ClaimID:  c.ID,
		TTL:      int64(c.TTL.Seconds()),
		Grace:    int64(c.Grace.Seconds()),
		Messages: delivered,
	}
}
