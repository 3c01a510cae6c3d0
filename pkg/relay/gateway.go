// Package relay is the socket-facing core of the message relay: it accepts
// authenticated participant connections, routes validated messages into
// durable queues and pushes queued messages out to connected recipients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/buerokratt/DMR/pkg/auth"
	"github.com/buerokratt/DMR/pkg/directory"
	"github.com/buerokratt/DMR/pkg/httpx"
	"github.com/buerokratt/DMR/pkg/metrics"
	"github.com/buerokratt/DMR/pkg/models"
	"github.com/buerokratt/DMR/pkg/queue"
	"github.com/buerokratt/DMR/pkg/ratelimit"
	"github.com/buerokratt/DMR/pkg/registry"
	"github.com/buerokratt/DMR/pkg/statebus"
	"github.com/buerokratt/DMR/pkg/stream"
	"github.com/buerokratt/DMR/pkg/telemetry"
	"github.com/buerokratt/DMR/pkg/validate"
)

// Gateway owns the websocket endpoint and the fan-out between directory,
// queues and live sessions.
type Gateway struct {
	Logger    zerolog.Logger
	Directory *directory.Cache
	Verifier  *auth.Verifier
	Validator *validate.Validator
	Queues    *queue.Manager
	Registry  *registry.Registry
	Events    *stream.Hub
	Bus       statebus.Publisher

	Limiter          ratelimit.Limiter
	RateLimitPerConn int

	AllowedOrigins []string
}

// agentInfo is the directory entry shape exposed to agents. Certificates
// stay server-side.
type agentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type agentListDelta struct {
	Added   []agentInfo `json:"added"`
	Removed []string    `json:"removed"`
}

func agentList(records []models.ParticipantRecord) []agentInfo {
	out := make([]agentInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, agentInfo{ID: rec.ID, Name: rec.Name})
	}
	return out
}

// NewGateway wires the gateway into the directory cache: every applied diff
// is broadcast to connected agents, and removed participants lose their
// session and their queue immediately.
func NewGateway(g *Gateway) *Gateway {
	g.Logger = g.Logger.With().Str("component", "relay").Logger()
	g.Directory.Subscribe(func(diff models.DirectoryDiff) {
		g.applyDirectoryDiff(context.Background(), diff)
	})
	return g
}

func (g *Gateway) applyDirectoryDiff(ctx context.Context, diff models.DirectoryDiff) {
	for _, rec := range diff.Removed {
		if conn, ok := g.Registry.Lookup(rec.ID); ok {
			if sess, ok := conn.(*session); ok {
				sess.shutdown(websocket.StatusPolicyViolation, "removed from directory")
			}
		}
		g.Queues.Unsubscribe(rec.ID)
		if err := g.Queues.DeleteQueue(ctx, rec.ID); err != nil {
			g.Logger.Warn().Err(err).Str("participant", rec.ID).Msg("queue delete after removal failed")
		} else {
			g.emit(ctx, statebus.NewEvent(statebus.EventQueueDeleted, rec.ID))
		}
	}
	delta := agentListDelta{Added: agentList(diff.Added), Removed: make([]string, 0, len(diff.Removed))}
	for _, rec := range diff.Removed {
		delta.Removed = append(delta.Removed, rec.ID)
	}
	g.Events.Publish(models.NewEnvelope(models.EventPartialAgentList, delta))
	g.Logger.Info().Int("added", len(diff.Added)).Int("removed", len(diff.Removed)).Msg("directory update broadcast")
}

func (g *Gateway) emit(ctx context.Context, ev statebus.Event) {
	if g.Bus == nil {
		return
	}
	if err := g.Bus.Publish(ctx, ev); err != nil {
		g.Logger.Warn().Err(err).Str("kind", ev.Kind).Msg("lifecycle event publish failed")
	}
}

// Router builds the HTTP surface: health, readiness, metrics and the
// websocket endpoint.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("dmr"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "dmr"})
	})
	r.Get("/readyz", g.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", g.handleSocket)
	return r
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.Queues.Ping(r.Context()); err != nil {
		httpx.Error(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"participants": g.Directory.Snapshot().Len(),
	})
}

func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	if g.Limiter != nil {
		decision := g.Limiter.Allow("conn:"+clientIP(r), g.RateLimitPerConn)
		if !decision.Allowed {
			metrics.SocketErrorsTotal.WithLabelValues("ratelimit").Inc()
			httpx.Error(w, http.StatusTooManyRequests, "connection rate limit exceeded")
			return
		}
	}

	token := extractToken(r)
	if token == "" {
		metrics.SocketErrorsTotal.WithLabelValues("auth").Inc()
		httpx.Error(w, http.StatusUnauthorized, "token required")
		return
	}
	claims, err := g.Verifier.Verify(token)
	if err != nil {
		metrics.SocketErrorsTotal.WithLabelValues("auth").Inc()
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			g.Logger.Warn().Str("kind", string(authErr.Kind)).Str("ip", clientIP(r)).Msg("connection refused")
		}
		httpx.Error(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.AllowedOrigins,
	})
	if err != nil {
		metrics.SocketErrorsTotal.WithLabelValues("accept").Inc()
		g.Logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	g.serveSession(r.Context(), conn, claims)
}

func (g *Gateway) serveSession(ctx context.Context, conn *websocket.Conn, claims models.JwtClaims) {
	participantID := claims.Sub
	sess := newSession(uuid.NewString(), participantID, conn)
	logger := g.Logger.With().Str("participant", participantID).Str("socket", sess.socketID).Logger()

	start := time.Now()
	metrics.SocketConnectionsTotal.Inc()
	metrics.SocketConnectionsActive.Inc()
	defer func() {
		metrics.SocketConnectionsActive.Dec()
		metrics.SocketDisconnectionsTotal.Inc()
		metrics.SocketConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	// Single session per participant: a new connection replaces the old.
	if evicted := g.Registry.Register(participantID, sess); evicted != nil {
		if old, ok := evicted.(*session); ok {
			old.shutdown(websocket.StatusPolicyViolation, "session replaced")
			logger.Info().Str("evicted", old.socketID).Msg("previous session replaced")
		}
	}
	defer g.Registry.Unregister(participantID, sess)

	sub, err := g.Queues.Subscribe(ctx, participantID, func(body []byte) bool {
		return sess.enqueue(models.Envelope{Event: models.EventMessageFromServer, Data: body})
	})
	if err != nil {
		logger.Error().Err(err).Msg("queue subscription failed")
		sess.shutdown(websocket.StatusInternalError, "queue unavailable")
		return
	}
	defer g.Queues.Release(sub)

	broadcasts := g.Events.Subscribe(16)
	defer g.Events.Unsubscribe(broadcasts)

	sess.enqueue(models.NewEnvelope(models.EventFullAgentList, agentList(g.Directory.Snapshot().Records)))

	g.emit(ctx, statebus.NewEvent(statebus.EventSessionConnected, participantID))
	logger.Info().Msg("participant connected")

	go sess.writePump(ctx, broadcasts)

	g.readLoop(ctx, sess, claims, logger)

	sess.shutdown(websocket.StatusNormalClosure, "")
	disconnect := statebus.NewEvent(statebus.EventSessionDisconnected, participantID)
	disconnect.Detail = sess.closeText
	g.emit(context.WithoutCancel(ctx), disconnect)
	logger.Info().Dur("session", time.Since(start)).Msg("participant disconnected")
}

func (g *Gateway) readLoop(ctx context.Context, sess *session, claims models.JwtClaims, logger zerolog.Logger) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			if !sess.closed() && websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				metrics.SocketErrorsTotal.WithLabelValues("read").Inc()
			}
			return
		}
		metrics.SocketReceivedBytes.Add(float64(len(data)))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			metrics.SocketErrorsTotal.WithLabelValues("frame").Inc()
			sess.enqueue(models.NewEnvelope(models.EventAck, models.Ack{
				Status: models.AckError,
				Errors: []models.ValidationError{{Type: models.ErrSchemaInvalid, Message: "unparseable frame"}},
			}))
			continue
		}
		metrics.SocketEventsReceivedTotal.WithLabelValues(env.Event).Inc()

		switch env.Event {
		case models.EventMessageToServer:
			g.handleInbound(ctx, sess, env.Data, claims, logger)
		default:
			logger.Debug().Str("event", env.Event).Msg("ignoring unknown event")
		}
	}
}

// handleInbound validates one agent message and routes it: into the
// recipient's queue when clean, into the validation-failures queue
// otherwise. The sender always gets a synchronous ack either way.
func (g *Gateway) handleInbound(ctx context.Context, sess *session, raw json.RawMessage, claims models.JwtClaims, logger zerolog.Logger) {
	start := time.Now()
	receivedAt := models.Now()
	metrics.MessagesReceivedTotal.Inc()

	msg, errs := g.Validator.Validate(raw, claims)
	if len(errs) > 0 {
		g.Queues.EnqueueFailure(ctx, raw, errs, receivedAt)
		sess.enqueue(models.NewEnvelope(models.EventAck, models.Ack{
			Event:  models.EventMessageToServer,
			ID:     msg.ID,
			Status: models.AckError,
			Errors: errs,
		}))
		failure := statebus.NewEvent(statebus.EventValidationFailed, sess.participantID)
		failure.MessageID = msg.ID
		failure.Detail = string(errs[0].Type)
		g.emit(ctx, failure)
		logger.Warn().Str("message", msg.ID).Str("reason", string(errs[0].Type)).Msg("message rejected")
		return
	}

	msg.ReceivedAt = receivedAt
	if !g.Queues.Enqueue(ctx, msg.RecipientID, msg) {
		sess.enqueue(models.NewEnvelope(models.EventAck, models.Ack{
			Event:  models.EventMessageToServer,
			ID:     msg.ID,
			Status: models.AckError,
		}))
		logger.Error().Str("message", msg.ID).Msg("enqueue failed")
		return
	}

	metrics.MessagesForwardedTotal.Inc()
	sess.enqueue(models.NewEnvelope(models.EventAck, models.Ack{
		Event:  models.EventMessageToServer,
		ID:     msg.ID,
		Status: models.AckOK,
	}))
	forwarded := statebus.NewEvent(statebus.EventMessageForwarded, sess.participantID)
	forwarded.MessageID = msg.ID
	g.emit(ctx, forwarded)
	metrics.MessageProcessingDuration.WithLabelValues(models.EventMessageToServer).Observe(time.Since(start).Seconds())
}

// extractToken reads the participant token from the token query parameter or
// the Authorization header. Browser websocket clients cannot set headers, so
// the query form is the primary one.
func extractToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
