package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pingline/pingline-gateway/internal/domain/message"
	"github.com/pingline/pingline-gateway/internal/pkg/token"
)

type fakeMessageRepo struct {
	mu    sync.Mutex
	count int
	err   error
}

func (f *fakeMessageRepo) MarkConversationRead(_ context.Context, senderID, readerID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func (f *fakeMessageRepo) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeMessageRepo) GetByID(context.Context, uuid.UUID) (*message.Message, error) {
	return nil, message.ErrMessageNotFound
}

func (f *fakeMessageRepo) CountUnread(context.Context, uuid.UUID) (int, error) { return 0, nil }

type gatewayFixture struct {
	gw     *Gateway
	srv    *httptest.Server
	tokens *token.Service
	repo   *fakeMessageRepo
}

func newGatewayFixture(t *testing.T, typingTTL time.Duration) *gatewayFixture {
	t.Helper()

	tokens := token.NewService("e2e-secret", 15*time.Minute)
	repo := &fakeMessageRepo{count: 3}

	gw := New(Options{
		Tokens:          tokens,
		Messages:        repo,
		MaxConnsPerUser: 5,
		TypingTTL:       typingTTL,
		SweepInterval:   time.Minute,
	})
	gw.Start()

	r := chi.NewRouter()
	RegisterRoutes(r, NewHandler(gw, "internal-token"))
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		gw.Shutdown()
	})

	return &gatewayFixture{gw: gw, srv: srv, tokens: tokens, repo: repo}
}

func (f *gatewayFixture) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()

	tok, err := f.tokens.GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + tok
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil consumes frames until one of the wanted type arrives. Other
// events (presence echoes and the like) are skipped.
func readUntil(t *testing.T, ws *websocket.Conn, want EventType) Envelope {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	ws.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("timeout waiting for %s", want)
	return Envelope{}
}

// assertNoEvent fails if an event of the given type shows up within the wait.
// Letting the read deadline expire poisons the connection for good, so
// callers must never read from it again afterward.
func assertNoEvent(t *testing.T, ws *websocket.Conn, unwanted EventType, wait time.Duration) {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(wait))
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return // deadline reached without the unwanted event
		}
		if env.Type == unwanted {
			t.Fatalf("received unwanted %s event", unwanted)
		}
	}
}

func sendEvent(t *testing.T, ws *websocket.Conn, event EventType, payload any) {
	t.Helper()
	frame := marshalEvent(event, payload)
	if frame == nil {
		t.Fatal("marshal event")
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func TestWSConnectReceivesOnlineSnapshot(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA := uuid.New()

	ws := f.dial(t, userA)

	env := readUntil(t, ws, EventOnlineUsers)
	var payload OnlineUsersPayload
	if err := unmarshalData(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(payload.Users) != 1 || payload.Users[0] != userA {
		t.Fatalf("snapshot = %v, want [%s]", payload.Users, userA)
	}
}

func TestWSPresenceAnnouncements(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA, userB := uuid.New(), uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)

	wsB := f.dial(t, userB)
	readUntil(t, wsB, EventOnlineUsers)

	env := readUntil(t, wsA, EventUserOnline)
	var online PresencePayload
	if err := unmarshalData(env.Data, &online); err != nil {
		t.Fatalf("unmarshal user_online: %v", err)
	}
	if online.UserID != userB {
		t.Fatalf("user_online for %s, want %s", online.UserID, userB)
	}

	wsB.Close()

	env = readUntil(t, wsA, EventUserOffline)
	var offline PresencePayload
	if err := unmarshalData(env.Data, &offline); err != nil {
		t.Fatalf("unmarshal user_offline: %v", err)
	}
	if offline.UserID != userB {
		t.Fatalf("user_offline for %s, want %s", offline.UserID, userB)
	}
}

func TestWSOfflineOnlyAfterLastConnection(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA, userB := uuid.New(), uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)

	wsB1 := f.dial(t, userB)
	readUntil(t, wsA, EventUserOnline)
	wsB2 := f.dial(t, userB)
	readUntil(t, wsA, EventUserOnline)

	// A dedicated observer absorbs the quiet window so wsA never hits a
	// read deadline before its final assertion.
	observer := f.dial(t, uuid.New())
	readUntil(t, observer, EventOnlineUsers)
	readUntil(t, wsA, EventUserOnline)

	// Closing one of two connections must not announce offline
	wsB1.Close()
	assertNoEvent(t, observer, EventUserOffline, 300*time.Millisecond)
	if !f.gw.IsUserOnline(userB) {
		t.Fatal("user reported offline while a connection remains")
	}

	wsB2.Close()
	env := readUntil(t, wsA, EventUserOffline)
	var offline PresencePayload
	if err := unmarshalData(env.Data, &offline); err != nil {
		t.Fatalf("unmarshal user_offline: %v", err)
	}
	if offline.UserID != userB {
		t.Fatalf("user_offline for %s, want %s", offline.UserID, userB)
	}
}

func TestWSTypingFlow(t *testing.T) {
	f := newGatewayFixture(t, 400*time.Millisecond)
	userA, userB := uuid.New(), uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)
	wsB := f.dial(t, userB)
	readUntil(t, wsB, EventOnlineUsers)

	sendEvent(t, wsA, EventTyping, TypingPayload{ReceiverID: userB.String()})

	env := readUntil(t, wsB, EventUserTyping)
	var typing TypingIndicatorPayload
	if err := unmarshalData(env.Data, &typing); err != nil {
		t.Fatalf("unmarshal user_typing: %v", err)
	}
	if typing.UserID != userA {
		t.Fatalf("user_typing from %s, want %s", typing.UserID, userA)
	}

	// No further typing: the indicator auto-expires exactly once
	env = readUntil(t, wsB, EventUserStopTyping)
	var stopped TypingIndicatorPayload
	if err := unmarshalData(env.Data, &stopped); err != nil {
		t.Fatalf("unmarshal user_stop_typing: %v", err)
	}
	if stopped.UserID != userA {
		t.Fatalf("user_stop_typing from %s, want %s", stopped.UserID, userA)
	}
}

func TestWSTypingInvalidTargetSilentlyIgnored(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA := uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)

	sendEvent(t, wsA, EventTyping, TypingPayload{ReceiverID: "definitely-not-a-uuid"})

	// Best-effort UI hint: no error event comes back
	assertNoEvent(t, wsA, EventError, 300*time.Millisecond)
	if got := f.gw.Metrics().TypingTimers; got != 0 {
		t.Fatalf("invalid target armed a timer (%d)", got)
	}
}

func TestWSTypingRateLimited(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA, userB := uuid.New(), uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)

	for i := 0; i < typingRateMax+1; i++ {
		sendEvent(t, wsA, EventTyping, TypingPayload{ReceiverID: userB.String()})
	}

	env := readUntil(t, wsA, EventError)
	var payload ErrorPayload
	if err := unmarshalData(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != EventErrRateLimited {
		t.Fatalf("error code = %s, want %s", payload.Code, EventErrRateLimited)
	}
}

func TestWSMarkReadFlow(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	sender, reader := uuid.New(), uuid.New()

	wsSender := f.dial(t, sender)
	readUntil(t, wsSender, EventOnlineUsers)
	wsReader := f.dial(t, reader)
	readUntil(t, wsReader, EventOnlineUsers)

	sendEvent(t, wsReader, EventMarkRead, MarkReadPayload{SenderID: sender.String()})

	env := readUntil(t, wsSender, EventMessagesRead)
	var read MessagesReadPayload
	if err := unmarshalData(env.Data, &read); err != nil {
		t.Fatalf("unmarshal messages_read: %v", err)
	}
	if read.ReadBy != reader || read.Count != 3 {
		t.Fatalf("messages_read = %+v, want read_by=%s count=3", read, reader)
	}

	env = readUntil(t, wsReader, EventMarkReadSuccess)
	var success MarkReadSuccessPayload
	if err := unmarshalData(env.Data, &success); err != nil {
		t.Fatalf("unmarshal mark_read_success: %v", err)
	}
	if success.SenderID != sender || success.Count != 3 {
		t.Fatalf("mark_read_success = %+v", success)
	}
}

func TestWSMarkReadStoreFailure(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	f.repo.setErr(errors.New("store unreachable"))
	sender, reader := uuid.New(), uuid.New()

	wsReader := f.dial(t, reader)
	readUntil(t, wsReader, EventOnlineUsers)

	sendEvent(t, wsReader, EventMarkRead, MarkReadPayload{SenderID: sender.String()})

	// Failure is scoped: a mark_read_error comes back and the connection
	// stays usable.
	readUntil(t, wsReader, EventMarkReadError)

	sendEvent(t, wsReader, EventTyping, TypingPayload{ReceiverID: sender.String()})
	if got := f.gw.Metrics().TotalConnections; got != 1 {
		t.Fatalf("connection dropped after store failure (conns = %d)", got)
	}
}

func TestWSSendMessageIgnoredWithoutRateLimitSlot(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA := uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)

	before := f.gw.Metrics().RateLimitEntries
	sendEvent(t, wsA, EventSendMessage, map[string]string{"text": "over the socket"})

	assertNoEvent(t, wsA, EventError, 300*time.Millisecond)
	if got := f.gw.Metrics().RateLimitEntries; got != before {
		t.Fatalf("ignored send_message consumed a rate limit slot (%d -> %d)", before, got)
	}
}

func TestWSConnectionQuota(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userID := uuid.New()

	tok, err := f.tokens.GenerateAccessToken(userID)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + tok

	conns := make([]*websocket.Conn, 0, 5)
	for i := 0; i < 5; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %d: %v", i+1, err)
		}
		defer ws.Close()
		conns = append(conns, ws)
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("6th connection was admitted past the quota")
	}
	if resp == nil || resp.StatusCode != 429 {
		t.Fatalf("6th handshake status = %v, want 429", resp)
	}

	// The original five stay registered and active
	if got := f.gw.Metrics().TotalConnections; got != 5 {
		t.Fatalf("TotalConnections = %d after rejected 6th, want 5", got)
	}
	for i, ws := range conns {
		if err := ws.WriteMessage(websocket.TextMessage, marshalEvent(EventTyping, TypingPayload{ReceiverID: uuid.New().String()})); err != nil {
			t.Fatalf("connection %d unusable after quota rejection: %v", i+1, err)
		}
	}
}

func TestWSHandshakeAuthRejections(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)

	base := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	tests := []struct {
		name   string
		url    string
		status int
		code   string
	}{
		{name: "no credential", url: base, status: 401, code: string(AuthMissingCredential)},
		{name: "garbage token", url: base + "?token=not.a.jwt", status: 401, code: string(AuthInvalidSignature)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if err == nil {
				t.Fatal("handshake unexpectedly succeeded")
			}
			if resp == nil || resp.StatusCode != tt.status {
				t.Fatalf("status = %v, want %d", resp, tt.status)
			}
			defer resp.Body.Close()

			// Rejections use the same envelope as the REST surface
			var env apiEnvelope
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatalf("decode rejection body: %v", err)
			}
			if env.Success || env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("rejection envelope = %+v, want error code %s", env, tt.code)
			}
		})
	}
}

func TestWSStopTypingMissingTargetRejected(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)

	wsA := f.dial(t, uuid.New())
	readUntil(t, wsA, EventOnlineUsers)

	sendEvent(t, wsA, EventStopTyping, struct{}{})

	env := readUntil(t, wsA, EventError)
	var payload ErrorPayload
	if err := unmarshalData(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != EventErrMalformedPayload {
		t.Fatalf("error code = %s, want %s", payload.Code, EventErrMalformedPayload)
	}
}

func TestWSMarkReadInvalidSenderID(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)

	wsA := f.dial(t, uuid.New())
	readUntil(t, wsA, EventOnlineUsers)

	sendEvent(t, wsA, EventMarkRead, MarkReadPayload{SenderID: "not-a-uuid"})

	env := readUntil(t, wsA, EventError)
	var payload ErrorPayload
	if err := unmarshalData(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != EventErrInvalidID {
		t.Fatalf("error code = %s, want %s", payload.Code, EventErrInvalidID)
	}

	// The rejection happens before metering, so no rate window was opened
	if got := f.gw.Metrics().RateLimitEntries; got != 0 {
		t.Fatalf("invalid mark_read consumed a rate limit slot (%d entries)", got)
	}
}

func TestWSDisconnectCleansUp(t *testing.T) {
	f := newGatewayFixture(t, time.Minute)
	userA, userB := uuid.New(), uuid.New()

	wsA := f.dial(t, userA)
	readUntil(t, wsA, EventOnlineUsers)

	sendEvent(t, wsA, EventTyping, TypingPayload{ReceiverID: userB.String()})

	// Wait for the typing timer to be armed
	waitFor(t, func() bool { return f.gw.Metrics().TypingTimers == 1 })

	wsA.Close()

	waitFor(t, func() bool {
		m := f.gw.Metrics()
		return m.TotalConnections == 0 && m.TypingTimers == 0 && m.RateLimitEntries == 0
	})
	if f.gw.IsUserOnline(userA) {
		t.Fatal("user still online after disconnect")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func unmarshalData(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}
