// Package api provides the websocket front door and the HTTP probes of the
// relay gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"imagerelay/internal/apperrors"
	"imagerelay/internal/health"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Relayer runs one payload through the relay.
type Relayer interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerConfig holds websocket settings.
type HandlerConfig struct {
	AllowedOrigins  []string      // "*" allows any origin
	MaxPayloadBytes int64         // larger frames close the connection with 1009
	WriteTimeout    time.Duration // per outbound frame (default: 10s)
}

// Handler contains the HTTP and websocket handlers of the gateway.
type Handler struct {
	relay    Relayer
	health   *health.Checker
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	root       context.Context
	cancelRoot context.CancelFunc
	draining   chan struct{}
	conns      sync.WaitGroup

	mu           sync.Mutex
	shuttingDown bool
	active       atomic.Int64
	nextConnID   atomic.Int64
}

// NewHandler creates a new API handler
func NewHandler(relay Relayer, healthChecker *health.Checker, cfg HandlerConfig) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	h := &Handler{
		relay:      relay,
		health:     healthChecker,
		cfg:        cfg,
		logger:     slog.With("component", "frontdoor"),
		root:       root,
		cancelRoot: cancel,
		draining:   make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(cfg.AllowedOrigins, origin)
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

type frame struct {
	messageType int
	data        []byte
}

// Relay handles GET /ws. Each binary frame is relayed and answered with one
// binary frame before the next frame is taken. A failure closes the
// connection with a close code describing it.
func (h *Handler) Relay(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		h.writeError(w, apperrors.Unavailable("api.relay", "server is shutting down"))
		return
	}
	h.conns.Add(1)
	h.mu.Unlock()
	defer h.conns.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Warn("Websocket upgrade failed", "error", err, "remoteAddr", r.RemoteAddr)
		return
	}

	h.active.Add(1)
	defer h.active.Add(-1)

	logger := h.logger.With("connId", h.nextConnID.Add(1), "remoteAddr", r.RemoteAddr)
	logger.Info("Client connected")
	defer logger.Info("Client disconnected")

	h.serve(conn, logger)
}

func (h *Handler) serve(conn *websocket.Conn, logger *slog.Logger) {
	defer conn.Close()
	if h.cfg.MaxPayloadBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxPayloadBytes)
	}

	// canceled when the caller goes away, aborting any in-flight relay
	ctx, cancel := context.WithCancel(h.root)
	defer cancel()

	frames := make(chan frame, 1)
	go func() {
		defer cancel()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				switch {
				case errors.Is(err, websocket.ErrReadLimit):
					logger.Warn("Frame exceeds payload limit", "limit", h.cfg.MaxPayloadBytes)
				case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				case ctx.Err() == nil:
					logger.Debug("Read failed", "error", err)
				}
				return
			}
			select {
			case frames <- frame{messageType: messageType, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-h.draining:
			h.close(conn, websocket.CloseGoingAway, "server shutting down", logger)
			return
		default:
		}

		select {
		case <-ctx.Done():
			if h.root.Err() != nil {
				h.close(conn, websocket.CloseGoingAway, "server shutting down", logger)
			}
			return
		case <-h.draining:
			h.close(conn, websocket.CloseGoingAway, "server shutting down", logger)
			return
		case f := <-frames:
			if f.messageType != websocket.BinaryMessage {
				h.close(conn, websocket.CloseUnsupportedData, "binary frames only", logger)
				return
			}
			if !h.relayFrame(ctx, conn, f.data, logger) {
				return
			}
		}
	}
}

// relayFrame answers one frame. It reports whether the connection stays open.
func (h *Handler) relayFrame(ctx context.Context, conn *websocket.Conn, payload []byte, logger *slog.Logger) bool {
	start := time.Now()
	result, err := h.relay.Handle(ctx, payload)
	if err != nil {
		if ctx.Err() != nil && h.root.Err() == nil {
			logger.Info("Relay abandoned, caller went away", "elapsed", time.Since(start))
			return false
		}
		code := apperrors.CloseCode(err)
		if code == websocket.CloseInternalServerErr {
			logger.Error("Relay failed", "error", err, "kind", apperrors.Kind(err))
		} else {
			logger.Warn("Relay failed", "error", err, "kind", apperrors.Kind(err))
		}
		h.close(conn, code, apperrors.CloseReason(err), logger)
		return false
	}

	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, result); err != nil {
		logger.Warn("Failed to send result", "error", err)
		return false
	}
	logger.Info("Result sent", "bytes", len(result), "elapsed", time.Since(start))
	return true
}

func (h *Handler) close(conn *websocket.Conn, code int, reason string, logger *slog.Logger) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		logger.Debug("Failed to send close frame", "error", err)
	}
}

// ActiveConnections returns the number of open websocket connections.
func (h *Handler) ActiveConnections() int64 {
	return h.active.Load()
}

// Shutdown stops accepting relays. Idle connections are closed at once and
// busy ones after their current reply. When ctx expires first, in-flight
// relays are canceled.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if !h.shuttingDown {
		h.shuttingDown = true
		close(h.draining)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancelRoot()
		return nil
	case <-ctx.Done():
		h.cancelRoot()
		<-done
		return ctx.Err()
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the signal bus, the completion consumer or the backend is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response with the status for its failure kind
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, apperrors.HTTPStatus(err), map[string]string{"error": err.Error(), "kind": apperrors.Kind(err)})
}
