package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTypingTTL is how long a typing indicator lives without renewal.
const DefaultTypingTTL = 5 * time.Second

// typingNotifier delivers typing indicator events to a user's connections.
type typingNotifier interface {
	NotifyUser(userID uuid.UUID, event EventType, payload any) bool
}

type typingState struct {
	userID uuid.UUID
	target uuid.UUID
	timer  *time.Timer
	// gen increments on every re-arm; a stop task fires only if its
	// generation still matches, so a task racing a renew or cancel is a no-op.
	gen uint64
}

// Typing runs a per-connection typing indicator state machine with an
// auto-expiring stop task. State is keyed strictly by connection id: two
// connections of the same user never share or cross-cancel an indicator.
type Typing struct {
	mu       sync.Mutex
	ttl      time.Duration
	notifier typingNotifier
	states   map[uuid.UUID]*typingState
}

// NewTyping creates a typing coordinator emitting through the notifier
func NewTyping(ttl time.Duration, notifier typingNotifier) *Typing {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Typing{
		ttl:      ttl,
		notifier: notifier,
		states:   make(map[uuid.UUID]*typingState),
	}
}

// Start transitions the connection to Typing(target). A prior stop task for
// this connection is cancelled and replaced; the target may change without an
// intervening stop. Emits user_typing to the target's connections.
func (t *Typing) Start(connID, userID, target uuid.UUID) {
	t.mu.Lock()
	st, ok := t.states[connID]
	if ok {
		st.timer.Stop()
	} else {
		st = &typingState{}
		t.states[connID] = st
	}
	st.userID = userID
	st.target = target
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(t.ttl, func() { t.expire(connID, gen) })
	t.mu.Unlock()

	t.notifier.NotifyUser(target, EventUserTyping, TypingIndicatorPayload{UserID: userID})
}

// Stop handles an explicit stop_typing: cancels the pending task and emits
// user_stop_typing immediately. A connection that is not typing is a no-op.
func (t *Typing) Stop(connID uuid.UUID) {
	t.mu.Lock()
	st, ok := t.states[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	st.timer.Stop()
	delete(t.states, connID)
	userID, target := st.userID, st.target
	t.mu.Unlock()

	t.notifier.NotifyUser(target, EventUserStopTyping, TypingIndicatorPayload{UserID: userID})
}

// Close transitions the connection to its terminal state on disconnect:
// any pending stop task is cancelled and nothing further is emitted.
func (t *Typing) Close(connID uuid.UUID) {
	t.mu.Lock()
	if st, ok := t.states[connID]; ok {
		st.timer.Stop()
		delete(t.states, connID)
	}
	t.mu.Unlock()
}

// expire fires when a stop task reaches its deadline. The generation check
// under the mutex makes expiry mutually exclusive with renew/cancel: a task
// that already lost its slot does nothing. Emission happens after cleanup and
// routes through the presence registry, so it degrades to a no-op when the
// target has meanwhile gone offline.
func (t *Typing) expire(connID uuid.UUID, gen uint64) {
	t.mu.Lock()
	st, ok := t.states[connID]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.states, connID)
	userID, target := st.userID, st.target
	t.mu.Unlock()

	t.notifier.NotifyUser(target, EventUserStopTyping, TypingIndicatorPayload{UserID: userID})
}

// ActiveTimers returns the number of armed stop tasks
func (t *Typing) ActiveTimers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
