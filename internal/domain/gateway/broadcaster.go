package gateway

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis keys for the optional presence mirror
const (
	presenceSetKey  = "gateway:presence:online"
	presenceChannel = "gateway:presence"
	presenceSetTTL  = 5 * time.Minute
)

var (
	wsConnectionsGauge   = expvar.NewInt("gateway_connections")
	wsEventsSentTotal    = expvar.NewInt("gateway_events_sent_total")
	wsEventsDroppedTotal = expvar.NewInt("gateway_events_dropped_total")
)

// Conn represents one admitted WebSocket connection
type Conn struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	EstablishedAt time.Time
	sock          *websocket.Conn
	send          chan []byte
}

// Broadcaster delivers named events to one user's connections or to all
// connections, and exposes the push surface the REST layer calls after
// persisting a message. It owns the connection table; the presence registry
// decides which connection ids a user fan-out targets.
type Broadcaster struct {
	mu       sync.RWMutex
	conns    map[uuid.UUID]*Conn
	presence *Presence
	redis    *redis.Client
	ready    atomic.Bool
}

// NewBroadcaster creates a broadcaster. The Redis client is optional; when
// present the online set is mirrored there for external observers, but the
// in-process registry stays authoritative.
func NewBroadcaster(presence *Presence, redisClient *redis.Client) *Broadcaster {
	return &Broadcaster{
		conns:    make(map[uuid.UUID]*Conn),
		presence: presence,
		redis:    redisClient,
	}
}

// SetReady flips the initialization gate. NotifyUser returns false until the
// gateway has finished starting up.
func (b *Broadcaster) SetReady(ready bool) {
	b.ready.Store(ready)
}

// Attach adds an admitted connection to the table
func (b *Broadcaster) Attach(c *Conn) {
	b.mu.Lock()
	b.conns[c.ID] = c
	b.mu.Unlock()
	wsConnectionsGauge.Add(1)
}

// Detach removes a connection and closes its send channel
func (b *Broadcaster) Detach(connID uuid.UUID) {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if ok {
		delete(b.conns, connID)
		close(c.send)
	}
	b.mu.Unlock()
	if ok {
		wsConnectionsGauge.Add(-1)
	}
}

// NotifyUser delivers an event to every active connection of the user.
// Returns false while the gateway is still initializing; it never panics.
// Delivery is best-effort at-most-once: a full buffer drops the frame for
// that connection without affecting the others.
func (b *Broadcaster) NotifyUser(userID uuid.UUID, event EventType, payload any) bool {
	if !b.ready.Load() {
		return false
	}

	frame := marshalEvent(event, payload)
	if frame == nil {
		return false
	}

	// Snapshot the id set before iterating so a concurrent disconnect
	// cannot invalidate the loop mid-flight.
	for _, connID := range b.presence.ConnectionsOf(userID) {
		b.sendFrame(connID, frame)
	}
	return true
}

// SendToConn delivers an event to a single connection
func (b *Broadcaster) SendToConn(connID uuid.UUID, event EventType, payload any) {
	if frame := marshalEvent(event, payload); frame != nil {
		b.sendFrame(connID, frame)
	}
}

// AnnouncePresence emits user_online or user_offline to all connections and
// updates the Redis mirror when one is configured.
func (b *Broadcaster) AnnouncePresence(userID uuid.UUID, online bool) {
	event := EventUserOffline
	if online {
		event = EventUserOnline
	}

	frame := marshalEvent(event, PresencePayload{UserID: userID})
	if frame == nil {
		return
	}

	b.mu.RLock()
	for _, c := range b.conns {
		b.push(c, frame)
	}
	b.mu.RUnlock()

	b.mirrorPresence(userID, online)
}

// OnlineSnapshot returns the current set of online users
func (b *Broadcaster) OnlineSnapshot() []uuid.UUID {
	return b.presence.OnlineUsers()
}

func (b *Broadcaster) sendFrame(connID uuid.UUID, frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.conns[connID]
	if !ok {
		// Connection went away between snapshot and send
		return
	}
	b.push(c, frame)
}

// push must run under mu so Detach cannot close the send channel mid-send.
// The select never blocks, so holding the read lock here is cheap.
func (b *Broadcaster) push(c *Conn, frame []byte) {
	select {
	case c.send <- frame:
		wsEventsSentTotal.Add(1)
	default:
		// Buffer full, skip this frame
		wsEventsDroppedTotal.Add(1)
		log.Warn().Str("user_id", c.UserID.String()).Msg("WebSocket send buffer full")
	}
}

// mirrorPresence keeps an observable copy of the online set in Redis.
// Failures only cost the mirror, never local delivery.
func (b *Broadcaster) mirrorPresence(userID uuid.UUID, online bool) {
	if b.redis == nil {
		return
	}

	ctx := context.Background()
	if online {
		b.redis.SAdd(ctx, presenceSetKey, userID.String())
		b.redis.Expire(ctx, presenceSetKey, presenceSetTTL)
		b.redis.Publish(ctx, presenceChannel, fmt.Sprintf("%s:online", userID))
	} else {
		b.redis.SRem(ctx, presenceSetKey, userID.String())
		b.redis.Publish(ctx, presenceChannel, fmt.Sprintf("%s:offline", userID))
	}
}
