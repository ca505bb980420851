package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"wanderlink/internal/core/domain"
	"wanderlink/internal/core/ports"
	apperrors "wanderlink/pkg/errors"
	"wanderlink/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	_ ports.EventPublisher = (*EventHub)(nil)
	_ ports.Navigator      = (*EventHub)(nil)
)

var ErrTooManyConnections = errors.New("too many event connections")

const sendBuffer = 32

type HubConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	// AllowedOrigins empty means any origin; the agent listens on loopback by default.
	AllowedOrigins []string
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    4096,
		MessagesPerSecond: 10,
		Burst:             20,
		MaxConnections:    8,
	}
}

// Command is a UI command received over the event socket.
type Command struct {
	Type   string        `json:"type"`
	CallID domain.CallID `json:"call_id,omitempty"`
	Muted  *bool         `json:"muted,omitempty"`
}

// Reply acknowledges or rejects one Command.
type Reply struct {
	Type    string               `json:"type"`
	Command string               `json:"command,omitempty"`
	Call    *domain.CallSnapshot `json:"call,omitempty"`
	Code    apperrors.ErrorCode  `json:"code,omitempty"`
	Message string               `json:"message,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// EventHub pushes agent events to every connected UI shell and turns their
// commands into controller calls. It is also the engine's Navigator.
type EventHub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu         sync.RWMutex
	clients    map[*client]struct{}
	controller ports.CallController
}

func NewEventHub(cfg HubConfig, logger *zap.SugaredLogger) *EventHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultHubConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaults.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	h := &EventHub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetController binds the hub to the agent. The agent publishes through the
// hub, so the two are wired after construction.
func (h *EventHub) SetController(controller ports.CallController) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controller = controller
}

func (h *EventHub) Publish(event domain.AgentEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Errorw("failed to encode agent event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warnw("dropping event for slow client", "type", event.Type)
		}
	}
}

func (h *EventHub) ShowCallScreen(id domain.CallID, role domain.Role) {
	h.Publish(domain.AgentEvent{Type: domain.EventNavigate, Screen: domain.ScreenCall, CallID: id, Role: role})
}

func (h *EventHub) ReturnToPrevious() {
	h.Publish(domain.AgentEvent{Type: domain.EventNavigate, Screen: domain.ScreenPrevious})
}

func (h *EventHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MaxConnections > 0 && h.ConnectionCount() >= h.cfg.MaxConnections {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
	}
	h.register(c)
	h.logger.Infow("ui client connected", "remote_addr", r.RemoteAddr)

	go h.writeLoop(c)
	h.sendInitialState(c)
	h.readLoop(r.Context(), c)

	h.unregister(c)
	h.logger.Infow("ui client disconnected", "remote_addr", r.RemoteAddr)
}

func (h *EventHub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *EventHub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// sendInitialState replays what a freshly connected shell has missed.
func (h *EventHub) sendInitialState(c *client) {
	controller := h.currentController()
	if controller == nil {
		return
	}
	if inc := controller.Incoming(); inc != nil {
		h.sendTo(c, domain.AgentEvent{Type: domain.EventIncomingCall, Incoming: inc, Timestamp: time.Now()})
	}
	if snap, ok := controller.CurrentCall(); ok {
		h.sendTo(c, domain.AgentEvent{Type: domain.EventCallState, Call: snap, Timestamp: time.Now()})
	}
}

func (h *EventHub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Infow("error reading ui command", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if !c.limiter.Allow() {
			h.sendTo(c, errorReply(cmd.Type, apperrors.NewRateLimitError()))
			continue
		}
		h.sendTo(c, h.handleCommand(ctx, cmd))
	}
}

func (h *EventHub) writeLoop(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Infow("error writing to ui client", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("error sending ping", "error", err)
				return
			}
		}
	}
}

func (h *EventHub) handleCommand(ctx context.Context, cmd Command) Reply {
	ctx, span := tracing.TraceWebSocketMessage(ctx, cmd.Type)
	defer span.End()

	controller := h.currentController()
	if controller == nil {
		return errorReply(cmd.Type, apperrors.NewAppError(apperrors.ErrCodeServiceUnavailable, "agent is starting", http.StatusServiceUnavailable))
	}

	var (
		snap *domain.CallSnapshot
		err  error
	)
	switch cmd.Type {
	case "accept":
		if cmd.CallID == "" {
			return errorReply(cmd.Type, apperrors.NewInvalidInputError("call_id is required"))
		}
		snap, err = controller.AcceptIncoming(ctx, cmd.CallID)
	case "decline":
		if cmd.CallID == "" {
			return errorReply(cmd.Type, apperrors.NewInvalidInputError("call_id is required"))
		}
		err = controller.DeclineIncoming(ctx, cmd.CallID)
	case "hangup":
		err = controller.Hangup(ctx)
	case "mute":
		if cmd.Muted == nil {
			return errorReply(cmd.Type, apperrors.NewInvalidInputError("muted is required"))
		}
		err = controller.SetMuted(*cmd.Muted)
		if err == nil {
			snap, _ = controller.CurrentCall()
		}
	default:
		return errorReply(cmd.Type, apperrors.NewInvalidInputError(fmt.Sprintf("unknown command type: %q", cmd.Type)))
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		h.logger.Infow("ui command failed", "command", cmd.Type, "call_id", cmd.CallID, "error", err)
		return errorReply(cmd.Type, apperrors.FromDomain(err))
	}
	return Reply{Type: "ack", Command: cmd.Type, Call: snap}
}

func (h *EventHub) sendTo(c *client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Errorw("failed to encode ui message", "error", err)
		return
	}

	// send is closed only after removal from clients, under the write lock
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warnw("ui client send buffer full")
	}
}

func (h *EventHub) currentController() ports.CallController {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.controller
}

func (h *EventHub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if originAllowed(allowed, origin) {
			return true
		}
	}
	return false
}

// originAllowed matches exact origins, "*" and any-port patterns such as
// "http://localhost:*".
func originAllowed(allowed, origin string) bool {
	switch {
	case allowed == "*" || allowed == origin:
		return true
	case strings.HasSuffix(allowed, ":*"):
		return strings.HasPrefix(origin, strings.TrimSuffix(allowed, "*"))
	}
	return false
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func errorReply(command string, appErr *apperrors.AppError) Reply {
	return Reply{Type: "error", Command: command, Code: appErr.Code, Message: appErr.Message}
}
