package ws

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/runner"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// Message is a client-to-server frame.
type Message struct {
	Type string `json:"type"`
}

// Handler streams hub events to WebSocket clients.
type Handler struct {
	hub      *runner.Hub
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. origins lists the allowed
// browser origins; "*" or an empty list allows any.
func NewHandler(hub *runner.Hub, origins []string, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:     hub,
		metrics: metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(origins),
		},
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(data)
}

func (c *conn) sendError(msg string) error {
	return c.send(map[string]interface{}{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}

// HandleConnection upgrades the request and forwards hub events whose topic
// starts with the "topic" query parameter until the client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	cn := &conn{ws: ws}
	sub := h.hub.Subscribe(c.Query("topic"))

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range sub.Ch() {
			if err := cn.send(map[string]interface{}{
				"type":       "event",
				"topic":      ev.Topic,
				"challenge":  ev.Challenge,
				"diagnostic": ev.Diagnostic,
				"timestamp":  time.Now().Unix(),
			}); err != nil {
				h.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		}
	}()
	defer func() {
		h.hub.Unsubscribe(sub)
		<-forwarded
	}()

	// Send welcome message with the challenges already waiting
	_ = cn.send(map[string]interface{}{
		"type":       "system",
		"message":    "Connected to modbridge",
		"challenges": h.hub.List(),
	})

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "ping":
			_ = cn.send(map[string]interface{}{"type": "pong"})
		case "challenges":
			_ = cn.send(map[string]interface{}{
				"type":       "challenges",
				"challenges": h.hub.List(),
			})
		default:
			_ = cn.sendError("unknown message type")
		}
	}
}
