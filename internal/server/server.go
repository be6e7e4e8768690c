// Package server is the websocket gateway surface: it upgrades
// connections, runs one reader and one writer per socket, and feeds
// decoded actions to the dispatcher's worker pool.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/openstack/zaqar/internal/config"
	"github.com/openstack/zaqar/internal/dispatch"
	"github.com/openstack/zaqar/internal/log"
	"github.com/openstack/zaqar/internal/metrics"
	"github.com/openstack/zaqar/internal/proto"
	"github.com/openstack/zaqar/internal/push"
	"github.com/openstack/zaqar/internal/registry"
	"github.com/openstack/zaqar/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 256 * 1024
	actionTimeout  = 30 * time.Second
)

type Gateway struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool
	store      store.Adapter
	metrics    *metrics.GatewayMetrics
	cfg        *config.Config
	logger     *log.Logger
	upgrader   websocket.Upgrader
}

func NewGateway(reg *registry.Registry, d *dispatch.Dispatcher, pool *dispatch.Pool, st store.Adapter, m *metrics.GatewayMetrics, cfg *config.Config, logger *log.Logger) *Gateway {
	return &Gateway{
		registry:   reg,
		dispatcher: d,
		pool:       pool,
		store:      st,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func SetupRouter(r *chi.Mux, gw *Gateway) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", gw.handleHealth)
	r.Get("/ws", gw.handleWS)
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := gw.store.Ping(r.Context()); err != nil {
		gw.logger.Error("Store health check failed", zap.Error(err))
		http.Error(w, "Store unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

func (gw *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.logger.Error("Websocket upgrade failed", zap.Error(err))
		return
	}
	var onDrop func()
	if gw.metrics != nil {
		onDrop = gw.metrics.NotificationsDropped.Inc
	}
	out := push.NewQueue(gw.cfg.OutboundQueueSize, onDrop)
	sess := gw.registry.Register(out)

	go gw.writePump(conn, out)
	gw.readPump(conn, sess, out)
}

// readPump owns the socket's read side. It never blocks on a handler: each
// action is tagged with its sequence number and handed to the worker pool,
// and the pusher releases responses in sequence order.
func (gw *Gateway) readPump(conn *websocket.Conn, sess *registry.Session, out *push.Queue) {
	defer gw.registry.Unregister(sess.ID)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				gw.logger.Warn("Websocket read failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return
		}

		seq := sess.NextSeq()
		act, err := proto.Decode(raw, sess.Authenticated())
		if err != nil {
			// Malformed requests answer 400 and keep the connection open.
			var de *proto.DecodeError
			if errors.As(err, &de) {
				gw.send(out, seq, proto.DecodeErrorResponse(de))
			} else {
				gw.send(out, seq, proto.ErrorResponse(nil, 400, "malformed request"))
			}
			continue
		}

		gw.pool.Submit(func() {
			// A panicking handler must still produce a response, or the
			// session's in-order release would stall on the gap.
			defer func() {
				if r := recover(); r != nil {
					gw.logger.Error("Action handler panicked",
						zap.String("session_id", sess.ID), zap.String("action", act.Name), zap.Any("panic", r))
					gw.send(out, seq, proto.ErrorResponse(act, 500, "internal error"))
				}
			}()
			// Detached from the connection: on socket close an in-flight
			// store call completes and its result is discarded.
			ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
			defer cancel()
			gw.send(out, seq, gw.dispatcher.Dispatch(ctx, sess, act))
		})
	}
}

func (gw *Gateway) send(out *push.Queue, seq uint64, resp *proto.Response) {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers[proto.HeaderSeq] = strconv.FormatUint(seq, 10)
	data, err := proto.Encode(resp)
	if err != nil {
		gw.logger.Error("Failed to encode response", zap.Error(err))
		// The sequence must stay contiguous even when encoding fails.
		data = []byte(`{"status":500,"body":{"error":"internal error"}}`)
	}
	out.EnqueueAck(seq, data)
}

// writePump is the session's single writer: it drains the outbound queue
// to the socket and keeps the connection alive with pings.
func (gw *Gateway) writePump(conn *websocket.Conn, out *push.Queue) {
	ticker := time.NewTicker(pingPeriod)
	done := make(chan struct{})
	defer func() {
		close(done)
		ticker.Stop()
		conn.Close()
	}()

	frames := make(chan push.Frame)
	go func() {
		defer close(frames)
		for {
			f, ok := out.Next()
			if !ok {
				return
			}
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The queue was closed by unregister.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, f.Data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
