package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudpeer/webrtc-signaling-relay/internal/auth"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/metrics"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/rooms"
)

const (
	// roomQueryParam carries the room identifier on the upgrade request target.
	roomQueryParam = "room"

	landingPage = "<h2>WebRTC WebSocket-based Signaling Server</h2>"

	defaultPingInterval    = 30 * time.Second
	defaultMaxMessageBytes = int64(64 * 1024)
)

// Rejection reasons returned as the 401 response body.
const (
	reasonBadAuthHeader = "incorrect HTTP header 'Sec-WebSocket-Protocol' with OAuth2 token"
	reasonBadToken      = "invalid credentials"
	reasonNoRoom        = "room is not specified"
	reasonRoomFull      = "room volume is exceeded"
)

// Config wires together the runtime dependencies for the signaling server.
type Config struct {
	Registry rooms.Registry[*Conn]
	Verifier auth.Verifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// PingInterval is the liveness probe period. A connection that misses two
	// consecutive probes is forcibly terminated.
	PingInterval time.Duration

	// MaxMessageBytes caps inbound relay frames.
	MaxMessageBytes int64
}

// Server is the upgrade gateway and relay engine.
//
// Authentication and room admission run to completion before the websocket
// handshake is finalized; a rejected request only ever sees a 401 with a
// plain-text reason. Plain (non-upgrade) GETs receive a small landing page.
type Server struct {
	registry rooms.Registry[*Conn]
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	maxMessageBytes int64
	upgrader        websocket.Upgrader
	monitor         *monitor
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}

	return &Server{
		registry:        cfg.Registry,
		verifier:        cfg.Verifier,
		metrics:         cfg.Metrics,
		log:             logger,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		monitor: newMonitor(pingInterval, logger, cfg.Metrics),
	}
}

// Start launches the liveness monitor.
func (s *Server) Start() {
	s.monitor.start()
}

// Close stops the liveness monitor and tears down every open connection.
func (s *Server) Close() {
	s.monitor.shutdown()
	for _, c := range s.monitor.snapshot() {
		c.close()
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /", s)
}

// ServeHTTP serves the landing page for plain requests and runs the upgrade
// gateway for websocket handshakes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, landingPage)
		return
	}
	s.handleUpgrade(w, r)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		counter := metrics.RejectAuthMissing
		if errors.Is(err, auth.ErrMalformedCredentials) {
			counter = metrics.RejectAuthMalformed
		}
		s.reject(w, counter, reasonBadAuthHeader)
		return
	}

	// Verification is a network round-trip to the identity provider. Nothing
	// is reserved across it: the admission check below runs only after the
	// result resolves, so concurrent joins racing for the last slot are
	// decided by registry order.
	if err := s.verifier.Verify(r.Context(), token); err != nil {
		s.reject(w, metrics.RejectAuthInvalid, reasonBadToken)
		return
	}

	room := r.URL.Query().Get(roomQueryParam)
	if room == "" {
		s.reject(w, metrics.RejectRoomMissing, reasonNoRoom)
		return
	}

	conn := newConn(room, s.closeConn)
	if err := s.registry.Join(room, conn); err != nil {
		s.reject(w, metrics.RejectRoomFull, reasonRoomFull)
		return
	}
	if s.registry.Occupancy(room) == 1 {
		s.metrics.Inc(metrics.EventRoomsCreated)
	}

	// The subprotocol response must echo the token prefix so browsers accept
	// the negotiated protocol.
	ws, err := s.upgrader.Upgrade(w, r, http.Header{
		"Sec-Websocket-Protocol": {auth.SubprotocolName},
	})
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.registry.Leave(room, conn)
		s.log.Warn("websocket upgrade failed", "room", room, "err", err)
		return
	}

	conn.attach(ws)
	s.monitor.track(conn)
	s.metrics.Inc(metrics.EventUpgradeAccepted)
	s.log.Info("connect to room", "room", room, "conn", conn.ID())

	go s.readLoop(conn)
}

func (s *Server) reject(w http.ResponseWriter, counter, reason string) {
	s.metrics.Inc(metrics.EventUpgradeRejected)
	s.metrics.Inc(counter)
	s.log.Warn("upgrade rejected", "reason", reason)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = io.WriteString(w, reason)
}

// closeConn is the single teardown path shared by explicit closes, read
// failures, liveness termination and server shutdown.
func (s *Server) closeConn(c *Conn) {
	s.registry.Leave(c.Room(), c)
	s.monitor.untrack(c)
	s.metrics.Inc(metrics.EventConnectionsClosed)

	if s.registry.Occupancy(c.Room()) == 0 {
		s.metrics.Inc(metrics.EventRoomsDeleted)
		s.log.Info("delete room", "room", c.Room())
	}
}

// readLoop pumps inbound frames from one connection and fans them out to the
// rest of the room. It is the connection's only reader, which also makes it
// the place where pongs are processed.
func (s *Server) readLoop(c *Conn) {
	defer c.close()

	ws := c.ws
	ws.SetReadLimit(s.maxMessageBytes)
	ws.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.log.Info("close connection", "room", c.Room(), "conn", c.ID(), "code", closeErr.Code, "reason", closeErr.Text)
			} else {
				s.log.Debug("connection read ended", "room", c.Room(), "conn", c.ID(), "err", err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.relay(c, messageType, message)
	}
}

// relay forwards one frame verbatim to every other member of the sender's
// room that is alive and open. The frame is never echoed to its sender, and
// per-receiver ordering follows the sender's emission order because the
// fan-out runs on the sender's read goroutine.
func (s *Server) relay(from *Conn, messageType int, message []byte) {
	for _, member := range s.registry.Members(from.Room()) {
		if member == from || !member.Alive() || !member.Open() {
			continue
		}
		if err := member.write(messageType, message); err != nil {
			s.log.Warn("relay write failed", "room", from.Room(), "from", from.ID(), "to", member.ID(), "err", err)
			continue
		}
		s.metrics.Inc(metrics.EventMessagesRelayed)
	}
}
