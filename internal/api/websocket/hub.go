// Package websocket streams governance findings (anomalies, breaches, SLA
// breaches, executed purges) to connected dpo and admin sessions. The hub is a
// notification transport, so findings reach it through the outbox like any
// other delivery channel.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/notification"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
)

// Verifier turns a bearer token into a verified identity.
type Verifier interface {
	Verify(token string) (principal.Identity, error)
}

// PrincipalReader resolves the stored principal behind an identity.
type PrincipalReader interface {
	Get(ctx context.Context, id uuid.UUID) (*principal.Principal, error)
}

type Config struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

// Finding is the frame pushed to subscribers.
type Finding struct {
	ID        uuid.UUID              `json:"id"`
	Kind      notification.Kind      `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

type client struct {
	id       uuid.UUID
	identity principal.Identity
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks subscriber connections and broadcasts findings to them.
type Hub struct {
	verifier   Verifier
	principals PrincipalReader
	upgrader   websocket.Upgrader
	cfg        Config
	tracer     trace.Tracer
	logger     *zap.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*client
	closed  bool
}

func NewHub(verifier Verifier, principals PrincipalReader, cfg Config, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.PingPeriod <= 0 || cfg.PongTimeout <= 0 {
		cfg.PingPeriod, cfg.PongTimeout = def.PingPeriod, def.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	return &Hub{
		verifier:   verifier,
		principals: principals,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg:     cfg,
		tracer:  otel.Tracer("api.websocket"),
		logger:  logger.With(zap.String("component", "findings_hub")),
		clients: make(map[uuid.UUID]*client),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Send broadcasts a governance finding to every subscriber. Non-governance
// messages are ignored. A subscriber whose buffer is full is disconnected
// rather than allowed to stall delivery; the finding stays in the outbox
// history either way.
func (h *Hub) Send(_ context.Context, m *notification.Message) error {
	if !m.Kind.Governance() {
		return nil
	}
	frame, err := json.Marshal(Finding{ID: m.ID, Kind: m.Kind, Payload: m.Payload, CreatedAt: m.CreatedAt})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("dropping slow findings subscriber", zap.String("client_id", id.String()))
			delete(h.clients, id)
			c.close()
		}
	}
	return nil
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP authenticates the caller and upgrades the connection. Browsers
// cannot set headers on a websocket handshake, so the token may also come in
// the access_token query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "websocket.connect")
	defer span.End()

	id, err := h.authenticate(ctx, r)
	if err != nil {
		span.RecordError(err)
		http.Error(w, http.StatusText(errors.GetStatusCode(err)), errors.GetStatusCode(err))
		return
	}
	span.SetAttributes(attribute.String("principal.role", string(id.Role)))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.New(), identity: id, conn: conn, send: make(chan []byte, h.cfg.SendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.logger.Info("findings subscriber connected",
		zap.String("client_id", c.id.String()),
		zap.String("principal_id", id.PrincipalID.String()))

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) authenticate(ctx context.Context, r *http.Request) (principal.Identity, error) {
	token := r.URL.Query().Get("access_token")
	if header := r.Header.Get("Authorization"); token == "" && len(header) > 7 {
		token = header[7:]
	}
	if token == "" {
		return principal.Identity{}, errors.NewUnauthenticatedError("missing access token")
	}
	id, err := h.verifier.Verify(token)
	if err != nil {
		return principal.Identity{}, err
	}
	p, err := h.principals.Get(ctx, id.PrincipalID)
	if err != nil || p.Purged() || !p.Active {
		return principal.Identity{}, errors.NewUnauthenticatedError("identity does not match an active principal")
	}
	id.Role = p.Role
	if err := principal.Authorize(id, principal.OpListAudit, uuid.Nil); err != nil {
		return principal.Identity{}, err
	}
	return id, nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

// readPump only services control frames; subscribers do not send data.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("findings subscriber read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
}
