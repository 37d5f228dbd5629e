package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pingline/pingline-gateway/internal/domain/message"
	"github.com/pingline/pingline-gateway/internal/pkg/response"
	"github.com/pingline/pingline-gateway/internal/pkg/token"
)

// WebSocket constants
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // events only, no message bodies
)

// Per-event rate limit policy. The limiter itself is policy-free; these are
// the caller-supplied parameters for each inbound kind.
const (
	typingRateMax      = 3
	typingRateWindow   = time.Second
	markReadRateMax    = 20
	markReadRateWindow = time.Second
)

const storeTimeout = 5 * time.Second

// Options configures a Gateway
type Options struct {
	Tokens         *token.Service
	Messages       message.Repository
	Redis          *redis.Client
	AllowedOrigins []string

	MaxConnsPerUser int
	TypingTTL       time.Duration
	SweepInterval   time.Duration
}

// Metrics is the health/observability snapshot exposed to the REST layer
type Metrics struct {
	TotalConnections int `json:"total_connections"`
	OnlineUsers      int `json:"online_users"`
	RateLimitEntries int `json:"rate_limit_entries"`
	TypingTimers     int `json:"typing_timers"`
}

// Gateway orchestrates the connection lifecycle: admit, register, serve
// events, clean up. It wires the authenticator, presence registry, rate
// limiter, typing coordinator and broadcaster together and owns their
// construction and teardown.
type Gateway struct {
	auth        *Authenticator
	presence    *Presence
	limiter     *Limiter
	typing      *Typing
	broadcaster *Broadcaster
	messages    message.Repository
	upgrader    websocket.Upgrader
}

// New creates a gateway. Call Start before serving and Shutdown on exit.
func New(opts Options) *Gateway {
	presence := NewPresence(opts.MaxConnsPerUser)
	broadcaster := NewBroadcaster(presence, opts.Redis)

	g := &Gateway{
		auth:        NewAuthenticator(opts.Tokens),
		presence:    presence,
		limiter:     NewLimiter(opts.SweepInterval),
		typing:      NewTyping(opts.TypingTTL, broadcaster),
		broadcaster: broadcaster,
		messages:    opts.Messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")

				// Allow all in development
				if len(opts.AllowedOrigins) == 0 {
					return true
				}

				for _, allowed := range opts.AllowedOrigins {
					if origin == allowed {
						return true
					}
				}

				log.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
				return false
			},
		},
	}
	return g
}

// Start launches the background sweep and opens the push surface
func (g *Gateway) Start() {
	g.limiter.Start()
	g.broadcaster.SetReady(true)
	log.Info().Msg("Gateway started")
}

// Shutdown closes the push surface, stops the sweep and drops all connections
func (g *Gateway) Shutdown() {
	g.broadcaster.SetReady(false)
	g.limiter.Stop()

	g.broadcaster.mu.Lock()
	conns := make([]*Conn, 0, len(g.broadcaster.conns))
	for _, c := range g.broadcaster.conns {
		conns = append(conns, c)
	}
	g.broadcaster.mu.Unlock()

	for _, c := range conns {
		c.sock.Close()
	}
	log.Info().Int("connections", len(conns)).Msg("Gateway shut down")
}

// Programmatic surface for the REST collaborator.

// OnlineUsers returns the ids of all users holding at least one connection
func (g *Gateway) OnlineUsers() []uuid.UUID {
	return g.presence.OnlineUsers()
}

// IsUserOnline reports whether the user holds at least one connection
func (g *Gateway) IsUserOnline(userID uuid.UUID) bool {
	return g.presence.IsOnline(userID)
}

// NotifyUser pushes an event to all of the user's connections. The REST
// layer calls this after persisting a message; the gateway itself never
// originates new_message events.
func (g *Gateway) NotifyUser(userID uuid.UUID, event EventType, payload any) bool {
	return g.broadcaster.NotifyUser(userID, event, payload)
}

// Metrics returns the observability snapshot
func (g *Gateway) Metrics() Metrics {
	return Metrics{
		TotalConnections: g.presence.TotalConnections(),
		OnlineUsers:      len(g.presence.OnlineUsers()),
		RateLimitEntries: g.limiter.Len(),
		TypingTimers:     g.typing.ActiveTimers(),
	}
}

// ServeWS handles the WebSocket handshake: authenticate, enforce the
// connection quota, attach, announce presence, push the online snapshot and
// start the read/write pumps.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, authErr := g.auth.Authenticate(r)
	if authErr != nil {
		log.Debug().Str("reason", string(authErr.Reason)).Msg("WebSocket handshake rejected")
		writeAuthError(w, authErr)
		return
	}

	connID := uuid.New()
	if err := g.presence.Register(userID, connID); err != nil {
		log.Warn().Str("user_id", userID.String()).Msg("Connection quota exceeded")
		writeAuthError(w, &AuthError{Reason: AuthQuotaExceeded, Message: "too many simultaneous connections"})
		return
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		g.presence.Remove(userID, connID)
		return
	}

	conn := &Conn{
		ID:            connID,
		UserID:        userID,
		EstablishedAt: time.Now(),
		sock:          sock,
		send:          make(chan []byte, 256),
	}

	g.broadcaster.Attach(conn)
	g.broadcaster.AnnouncePresence(userID, true)
	g.broadcaster.SendToConn(connID, EventOnlineUsers, OnlineUsersPayload{Users: g.presence.OnlineUsers()})

	log.Debug().Str("user_id", userID.String()).Str("conn_id", connID.String()).Msg("User connected to gateway")

	go g.writePump(conn)
	go g.readPump(conn)
}

func writeAuthError(w http.ResponseWriter, authErr *AuthError) {
	status := http.StatusUnauthorized
	if authErr.Reason == AuthQuotaExceeded {
		status = http.StatusTooManyRequests
	}
	response.Error(w, status, string(authErr.Reason), authErr.Message)
}

func (g *Gateway) readPump(conn *Conn) {
	defer func() {
		g.disconnect(conn)
		conn.sock.Close()
	}()

	conn.sock.SetReadLimit(maxMessageSize)
	conn.sock.SetReadDeadline(time.Now().Add(pongWait))
	conn.sock.SetPongHandler(func(string) error {
		conn.sock.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("user_id", conn.UserID.String()).Msg("WebSocket read error")
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.sendError(conn, EventErrMalformedPayload, "invalid event frame")
			continue
		}

		g.dispatch(conn, &env)
	}
}

func (g *Gateway) writePump(conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.sock.Close()
	}()

	for {
		select {
		case frame, ok := <-conn.send:
			conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Broadcaster detached the connection
				conn.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect runs the full cleanup for one connection. Voluntary close and
// network failure take the same path. Duplicate calls are harmless: every
// step is idempotent.
func (g *Gateway) disconnect(conn *Conn) {
	g.presence.Remove(conn.UserID, conn.ID)
	g.typing.Close(conn.ID)
	g.broadcaster.Detach(conn.ID)

	if !g.presence.IsOnline(conn.UserID) {
		g.broadcaster.AnnouncePresence(conn.UserID, false)
		g.limiter.DropSubject(conn.UserID)
	}

	log.Debug().Str("user_id", conn.UserID.String()).Str("conn_id", conn.ID.String()).Msg("User disconnected from gateway")
}

func (g *Gateway) sendError(conn *Conn, code, msg string) {
	g.broadcaster.SendToConn(conn.ID, EventError, ErrorPayload{Code: code, Message: msg})
}
