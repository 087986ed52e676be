package socket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chatwire/go-chat-transport/internal/bus"
	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/presence"
	"github.com/chatwire/go-chat-transport/internal/services"
)

type fakeIngress struct {
	mu   sync.Mutex
	reqs []services.SubmitRequest
	err  error
}

func (f *fakeIngress) Submit(_ context.Context, req services.SubmitRequest) (*services.SubmitResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &services.SubmitResult{
		MessageID:     "m-1",
		CorrelationID: "corr-1",
		State:         domain.StatePending,
		AcceptedAt:    time.Now().UTC(),
	}, nil
}

func (f *fakeIngress) last() (services.SubmitRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return services.SubmitRequest{}, false
	}
	return f.reqs[len(f.reqs)-1], true
}

type receiptCall struct {
	MessageID, RecipientID, State string
}

type fakeReceipts struct {
	mu    sync.Mutex
	calls []receiptCall
	err   error
}

func (f *fakeReceipts) Record(_ context.Context, messageID, recipientID, state string) error {
	f.mu.Lock()
	f.calls = append(f.calls, receiptCall{messageID, recipientID, state})
	f.mu.Unlock()
	return f.err
}

func (f *fakeReceipts) snapshot() []receiptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receiptCall(nil), f.calls...)
}

type fakeReplay struct {
	envs     []*domain.Envelope
	complete bool
	err      error
}

func (f *fakeReplay) FetchSince(context.Context, string, string) ([]*domain.Envelope, bool, error) {
	return f.envs, f.complete, f.err
}

type fakePresence struct {
	mu           sync.Mutex
	registered   []string
	heartbeats   []string
	unregistered []string
}

func (f *fakePresence) Register(_ context.Context, userID, socketID string, _ presence.Meta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, userID+"/"+socketID)
	return nil
}

func (f *fakePresence) Heartbeat(_ context.Context, userID, socketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, userID+"/"+socketID)
	return nil
}

func (f *fakePresence) Unregister(_ context.Context, userID, socketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered = append(f.unregistered, userID+"/"+socketID)
	return nil
}

func (f *fakePresence) count(which string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch which {
	case "register":
		return len(f.registered)
	case "heartbeat":
		return len(f.heartbeats)
	default:
		return len(f.unregistered)
	}
}

type fakeAuth struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAuth) Authorize(_ context.Context, requesterID, conversationID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, requesterID+"/"+conversationID)
	f.mu.Unlock()
	return f.err
}

// fixture bundles the fakes behind one socket test server.
type fixture struct {
	srv      *httptest.Server
	hub      *Hub
	bus      *bus.Memory
	ingress  *fakeIngress
	receipts *fakeReceipts
	replay   *fakeReplay
	presence *fakePresence
	auth     *fakeAuth
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fx := &fixture{
		hub:      NewHub(zerolog.Nop()),
		bus:      bus.NewMemory(),
		ingress:  &fakeIngress{},
		receipts: &fakeReceipts{},
		replay:   &fakeReplay{complete: true},
		presence: &fakePresence{},
		auth:     &fakeAuth{},
	}
	h := NewHandler(fx.hub, Deps{
		Ingress:    fx.ingress,
		Receipts:   fx.receipts,
		Replay:     fx.replay,
		Presence:   fx.presence,
		Auth:       fx.auth,
		Bus:        fx.bus,
		Instance:   "node-test",
		SendBuffer: 16,
		Log:        zerolog.Nop(),
	})
	r := gin.New()
	r.GET("/ws", h.Serve)
	fx.srv = httptest.NewServer(r)
	t.Cleanup(fx.srv.Close)
	t.Cleanup(fx.bus.Close)
	return fx
}

func (fx *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ, id string, data interface{}) {
	t.Helper()
	f := Frame{Type: typ, ID: id}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		f.Data = b
	}
	if err := conn.WriteJSON(&f); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return &f
}

// expectNoFrame asserts nothing arrives within the window.
func expectNoFrame(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	var f Frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func payload(t *testing.T, f *Frame, v interface{}) {
	t.Helper()
	if err := f.decode(v); err != nil {
		t.Fatalf("decode %s payload: %v", f.Type, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func join(t *testing.T, conn *websocket.Conn, convID string) {
	t.Helper()
	writeFrame(t, conn, FrameJoin, "join-"+convID, JoinPayload{ConversationID: convID})
	f := readFrame(t, conn)
	if f.Type != FrameAck || f.ReplyTo != "join-"+convID {
		t.Fatalf("join answer = %+v, want ack", f)
	}
	var ack JoinAck
	payload(t, f, &ack)
	if !ack.Joined {
		t.Fatalf("ack = %+v, want joined", ack)
	}
}

func testEnvelope(id, convID, sender string) *domain.Envelope {
	return &domain.Envelope{
		MessageID:      id,
		ConversationID: convID,
		SenderID:       sender,
		Content:        "hello",
		ContentType:    domain.ContentTypeText,
		CorrelationID:  "corr-" + id,
		AcceptedAt:     time.Now().UTC(),
		State:          domain.StatePersisted,
	}
}

func TestSession_JoinAndLiveDelivery(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")

	waitFor(t, "presence register", func() bool { return fx.presence.count("register") == 1 })
	join(t, conn, "conv-1")

	env := testEnvelope("m-42", "conv-1", "bob")
	err := fx.bus.Publish(context.Background(), bus.SubjectConversation("conv-1"),
		&bus.Event{Type: bus.EventMessageReceive, ConversationID: "conv-1", MessageID: env.MessageID, Envelope: env, At: time.Now().UTC()})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	f := readFrame(t, conn)
	if f.Type != FrameMessageReceive {
		t.Fatalf("frame type = %q, want message.receive", f.Type)
	}
	var ev MessageEvent
	payload(t, f, &ev)
	if ev.MessageID != "m-42" || ev.SenderID != "bob" || ev.Content != "hello" || ev.State != domain.StatePersisted {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSession_DuplicateEmitsAreDeduped(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")
	join(t, conn, "conv-1")

	env := testEnvelope("m-7", "conv-1", "bob")
	ev := &bus.Event{Type: bus.EventMessageReceive, ConversationID: "conv-1", MessageID: env.MessageID, Envelope: env, At: time.Now().UTC()}
	for i := 0; i < 2; i++ {
		if err := fx.bus.Publish(context.Background(), bus.SubjectConversation("conv-1"), ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if f := readFrame(t, conn); f.Type != FrameMessageReceive {
		t.Fatalf("frame type = %q", f.Type)
	}
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestSession_SendUsesSessionIdentity(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")

	writeFrame(t, conn, FrameSend, "s1", SendPayload{
		ConversationID:  "conv-1",
		Content:         "hi",
		ClientMessageID: "k1",
	})
	f := readFrame(t, conn)
	if f.Type != FrameAck || f.ReplyTo != "s1" {
		t.Fatalf("answer = %+v, want ack reply_to s1", f)
	}
	var res services.SubmitResult
	payload(t, f, &res)
	if res.MessageID != "m-1" || res.State != domain.StatePending {
		t.Fatalf("result = %+v", res)
	}

	req, ok := fx.ingress.last()
	if !ok {
		t.Fatalf("ingress never called")
	}
	if req.SenderID != "alice" || req.ConversationID != "conv-1" || req.ClientMessageID != "k1" {
		t.Fatalf("request = %+v", req)
	}
}

func TestSession_SendErrorsCarryProtocolCodes(t *testing.T) {
	fx := newFixture(t)
	fx.ingress.err = &services.FieldError{Err: services.ErrFieldTooLong, Field: "content"}
	conn := fx.dial(t, "?user_id=alice")

	writeFrame(t, conn, FrameSend, "s2", SendPayload{ConversationID: "conv-1", Content: "way too long"})
	f := readFrame(t, conn)
	if f.Type != FrameError || f.ReplyTo != "s2" {
		t.Fatalf("answer = %+v, want error reply_to s2", f)
	}
	var body ErrorBody
	payload(t, f, &body)
	if body.Code != "FIELD_TOO_LONG" || body.Details["field"] != "content" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestSession_JoinRejectedByMembership(t *testing.T) {
	fx := newFixture(t)
	fx.auth.err = services.ErrNotMember
	conn := fx.dial(t, "?user_id=eve")

	writeFrame(t, conn, FrameJoin, "j1", JoinPayload{ConversationID: "conv-1"})
	f := readFrame(t, conn)
	if f.Type != FrameError || f.ReplyTo != "j1" {
		t.Fatalf("answer = %+v, want error", f)
	}
	var body ErrorBody
	payload(t, f, &body)
	if body.Code != "NOT_CONVERSATION_MEMBER" {
		t.Fatalf("code = %q", body.Code)
	}

	// Membership failure must not leave a subscription behind.
	env := testEnvelope("m-9", "conv-1", "bob")
	_ = fx.bus.Publish(context.Background(), bus.SubjectConversation("conv-1"),
		&bus.Event{Type: bus.EventMessageReceive, MessageID: env.MessageID, Envelope: env, At: time.Now().UTC()})
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestSession_ReplayAnswersWindowAndFallback(t *testing.T) {
	fx := newFixture(t)
	fx.replay.envs = []*domain.Envelope{
		testEnvelope("m-1", "conv-1", "bob"),
		testEnvelope("m-2", "conv-1", "bob"),
	}
	conn := fx.dial(t, "?user_id=alice")

	writeFrame(t, conn, FrameReplay, "r1", ReplayPayload{ConversationID: "conv-1", AfterMessageID: "m-0"})
	f := readFrame(t, conn)
	if f.Type != FrameAck || f.ReplyTo != "r1" {
		t.Fatalf("answer = %+v", f)
	}
	var res ReplayResult
	payload(t, f, &res)
	if len(res.Items) != 2 || res.Items[0].MessageID != "m-1" || res.Items[1].MessageID != "m-2" {
		t.Fatalf("items = %+v", res.Items)
	}
	if res.Fallback != "" {
		t.Fatalf("fallback = %q, want empty", res.Fallback)
	}

	// Evicted cursor: empty window plus the history fallback marker.
	fx.replay.envs = nil
	fx.replay.complete = false
	writeFrame(t, conn, FrameReplay, "r2", ReplayPayload{ConversationID: "conv-1", AfterMessageID: "m-gone"})
	f = readFrame(t, conn)
	payload(t, f, &res)
	if len(res.Items) != 0 || res.Fallback != "history" {
		t.Fatalf("result = %+v, want empty items and history fallback", res)
	}
}

func TestSession_ReadAndReceivedRecordReceipts(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")

	writeFrame(t, conn, FrameReceived, "", ReceivedPayload{MessageID: "m-5"})
	writeFrame(t, conn, FrameRead, "", ReadPayload{MessageID: "m-5"})

	waitFor(t, "both receipts", func() bool { return len(fx.receipts.snapshot()) == 2 })
	calls := fx.receipts.snapshot()
	if calls[0] != (receiptCall{"m-5", "alice", domain.StateDelivered}) {
		t.Fatalf("first call = %+v", calls[0])
	}
	if calls[1] != (receiptCall{"m-5", "alice", domain.StateRead}) {
		t.Fatalf("second call = %+v", calls[1])
	}
}

func TestSession_TypingRequiresJoin(t *testing.T) {
	fx := newFixture(t)
	alice := fx.dial(t, "?user_id=alice")
	bob := fx.dial(t, "?user_id=bob")

	writeFrame(t, alice, FrameTyping, "t0", TypingPayload{ConversationID: "conv-1", Typing: true})
	f := readFrame(t, alice)
	if f.Type != FrameError {
		t.Fatalf("frame = %+v, want error before join", f)
	}
	var body ErrorBody
	payload(t, f, &body)
	if body.Code != "NOT_CONVERSATION_MEMBER" {
		t.Fatalf("code = %q", body.Code)
	}

	join(t, alice, "conv-1")
	join(t, bob, "conv-1")

	writeFrame(t, alice, FrameTyping, "", TypingPayload{ConversationID: "conv-1", Typing: true})

	f = readFrame(t, bob)
	if f.Type != FrameTyping {
		t.Fatalf("bob frame = %+v, want typing", f)
	}
	var tp TypingPayload
	payload(t, f, &tp)
	if tp.UserID != "alice" || !tp.Typing {
		t.Fatalf("typing payload = %+v", tp)
	}

	// The author never hears their own indicator echoed back.
	expectNoFrame(t, alice, 150*time.Millisecond)
}

func TestSession_HeartbeatTouchesPresence(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")

	writeFrame(t, conn, FrameHeartbeat, "", nil)
	waitFor(t, "heartbeat", func() bool { return fx.presence.count("heartbeat") == 1 })
}

func TestSession_PresenceSubscription(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")

	writeFrame(t, conn, FramePresenceSub, "p1", PresencePayload{UserID: "carol"})
	f := readFrame(t, conn)
	if f.Type != FrameAck || f.ReplyTo != "p1" {
		t.Fatalf("answer = %+v", f)
	}

	_ = fx.bus.Publish(context.Background(), bus.SubjectPresence("carol"),
		&bus.Event{Type: bus.EventPresenceOnline, UserID: "carol", At: time.Now().UTC()})
	f = readFrame(t, conn)
	if f.Type != FramePresenceOnline {
		t.Fatalf("frame = %+v, want presence.online", f)
	}
	var pe PresenceEvent
	payload(t, f, &pe)
	if pe.UserID != "carol" {
		t.Fatalf("payload = %+v", pe)
	}

	writeFrame(t, conn, FramePresenceUnsub, "p2", PresencePayload{UserID: "carol"})
	if f = readFrame(t, conn); f.Type != FrameAck || f.ReplyTo != "p2" {
		t.Fatalf("answer = %+v", f)
	}
	_ = fx.bus.Publish(context.Background(), bus.SubjectPresence("carol"),
		&bus.Event{Type: bus.EventPresenceOffline, UserID: "carol", At: time.Now().UTC()})
	expectNoFrame(t, conn, 150*time.Millisecond)
}

func TestSession_ReceiptUpdatesReachSender(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")
	waitFor(t, "presence register", func() bool { return fx.presence.count("register") == 1 })

	_ = fx.bus.Publish(context.Background(), bus.SubjectUser("alice"),
		&bus.Event{Type: bus.EventReceiptUpdate, ConversationID: "conv-1", MessageID: "m-3", UserID: "bob", State: domain.StateRead, At: time.Now().UTC()})

	f := readFrame(t, conn)
	if f.Type != FrameReceiptUpdate {
		t.Fatalf("frame = %+v, want receipt.update", f)
	}
	var re ReceiptEvent
	payload(t, f, &re)
	if re.MessageID != "m-3" || re.UserID != "bob" || re.State != domain.StateRead {
		t.Fatalf("payload = %+v", re)
	}
}

func TestSession_DisconnectUnregistersPresence(t *testing.T) {
	fx := newFixture(t)
	conn := fx.dial(t, "?user_id=alice")
	waitFor(t, "session in hub", func() bool { return fx.hub.Len() == 1 })

	conn.Close()

	waitFor(t, "presence unregister", func() bool { return fx.presence.count("unregister") == 1 })
	waitFor(t, "hub empty", func() bool { return fx.hub.Len() == 0 })
}

func TestDedupeRing_EvictsOldest(t *testing.T) {
	r := newDedupeRing(2)
	if !r.add("a") || !r.add("b") {
		t.Fatalf("fresh ids should be new")
	}
	if r.add("a") {
		t.Fatalf("a should be a duplicate")
	}
	if !r.add("c") {
		t.Fatalf("c should be new")
	}
	// a was evicted by c, so it counts as new again.
	if !r.add("a") {
		t.Fatalf("a should have been evicted")
	}
}
