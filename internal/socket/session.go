// Package socket implements the per-connection session manager: the gorilla
// WebSocket edge that resolves the user identity from the handshake,
// registers presence, subscribes the connection to its fan-out subjects, and
// pumps frames both ways.
//
// Each connection is owned by exactly one session. Inbound frames are
// handled sequentially on the read goroutine; outbound events traverse a
// bounded mailbox drained by the write goroutine, and a client that cannot
// keep up is closed with a slow-consumer policy instead of blocking the bus
// handler. The session walks Handshaking → Authorized → Active → Draining →
// Closed; frames other than auth are rejected until it is Active.
//
// Protocol errors (malformed frame, unknown type) emit an error frame and
// keep the connection open.
package socket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chatwire/go-chat-transport/internal/bus"
	"github.com/chatwire/go-chat-transport/internal/domain"
	"github.com/chatwire/go-chat-transport/internal/presence"
	"github.com/chatwire/go-chat-transport/internal/services"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong before the peer is considered gone.
	pongWait = 60 * time.Second

	// Ping cadence; must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time a query-less connection gets to send its auth frame.
	handshakeWait = 10 * time.Second

	// A send frame can carry content plus a long recipient list.
	maxFrameBytes = 128 << 10

	// Per-session message.receive dedupe window, in message ids.
	dedupeWindow = 128

	defaultSendBuffer = 256
)

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socket_sessions",
		Help: "Currently open socket sessions on this instance.",
	})
	framesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socket_frames_in_total",
		Help: "Inbound frames by type.",
	}, []string{"type"})
	framesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socket_frames_out_total",
		Help: "Outbound frames by type.",
	}, []string{"type"})
	slowCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socket_slow_consumer_closes_total",
		Help: "Sessions closed because their mailbox overflowed.",
	})
)

func init() {
	prometheus.MustRegister(sessionsGauge, framesIn, framesOut, slowCloses)
}

// State is the session lifecycle position.
type State int32

const (
	StateHandshaking State = iota
	StateAuthorized
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateAuthorized:
		return "authorized"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Submitter accepts message submissions; *services.IngressService satisfies
// it.
type Submitter interface {
	Submit(ctx context.Context, req services.SubmitRequest) (*services.SubmitResult, error)
}

// ReceiptRecorder records delivered/read observations;
// *services.ReceiptService satisfies it.
type ReceiptRecorder interface {
	Record(ctx context.Context, messageID, recipientID, state string) error
}

// ReplaySource serves the recent window; *replay.Cache satisfies it.
type ReplaySource interface {
	FetchSince(ctx context.Context, conversationID, afterMessageID string) ([]*domain.Envelope, bool, error)
}

// PresenceStore is the registry surface sessions touch;
// *presence.Registry satisfies it.
type PresenceStore interface {
	Register(ctx context.Context, userID, socketID string, meta presence.Meta) error
	Heartbeat(ctx context.Context, userID, socketID string) error
	Unregister(ctx context.Context, userID, socketID string) error
}

// Authorizer gates conversation reads; *services.MessageService satisfies
// it.
type Authorizer interface {
	Authorize(ctx context.Context, requesterID, conversationID string) error
}

// Deps carries everything a session needs. All fields are required except
// SendBuffer, which falls back to 256.
type Deps struct {
	Ingress  Submitter
	Receipts ReceiptRecorder
	Replay   ReplaySource
	Presence PresenceStore
	Auth     Authorizer
	Bus      bus.Bus

	Instance   string
	SendBuffer int
	Log        zerolog.Logger
}

// Session owns one WebSocket connection.
type Session struct {
	id     string
	userID string
	agent  string

	conn *websocket.Conn
	hub  *Hub
	deps Deps
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	subs  map[string]bus.Subscription
	send  chan []byte

	seen       *dedupeRing
	writerDone chan struct{}
}

func newSocketID() string {
	id, err := gonanoid.New(21)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return "sck_" + id
}

func newSession(conn *websocket.Conn, hub *Hub, deps Deps) *Session {
	buf := deps.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	id := newSocketID()
	return &Session{
		id:         id,
		conn:       conn,
		hub:        hub,
		deps:       deps,
		log:        deps.Log.With().Str("socket_id", id).Logger(),
		state:      StateHandshaking,
		subs:       make(map[string]bus.Subscription),
		send:       make(chan []byte, buf),
		seen:       newDedupeRing(dedupeWindow),
		writerDone: make(chan struct{}),
	}
}

// run drives the connection to completion. It returns when the peer is gone
// and the session has been torn down.
func (s *Session) run(parent context.Context, queryUserID, agent string) {
	s.agent = agent

	if err := s.handshake(queryUserID); err != nil {
		s.refuse(err)
		return
	}
	s.log = s.log.With().Str("user_id", s.userID).Logger()

	ctx, cancel := context.WithCancel(parent)
	s.ctx, s.cancel = ctx, cancel

	if err := s.authorize(ctx); err != nil {
		s.refuse(err)
		cancel()
		return
	}

	s.hub.add(s)
	s.setState(StateActive)
	s.log.Info().Str("agent", s.agent).Msg("session active")

	go s.writePump()
	s.readLoop()
	s.teardown()
}

// handshake resolves the user identity: the query parameter wins, otherwise
// the first frame must be an auth payload within handshakeWait.
func (s *Session) handshake(queryUserID string) error {
	if queryUserID != "" {
		s.userID = queryUserID
		s.setState(StateAuthorized)
		return nil
	}

	s.conn.SetReadLimit(maxFrameBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		return err
	}
	_, b, err := s.conn.ReadMessage()
	if err != nil {
		return errors.New("no auth frame before deadline")
	}
	f, err := decodeFrame(b)
	if err != nil || f.Type != FrameAuth {
		return errors.New("first frame must be auth")
	}
	var p AuthPayload
	if err := f.decode(&p); err != nil || p.UserID == "" {
		return errors.New("auth frame missing user_id")
	}
	s.userID = p.UserID
	s.setState(StateAuthorized)
	return nil
}

// authorize registers presence and binds the user-level subjects. Presence
// failures are logged, not fatal: the socket still receives locally routed
// events and the registry catches up on the next heartbeat.
func (s *Session) authorize(ctx context.Context) error {
	meta := presence.Meta{Agent: s.agent, Instance: s.deps.Instance}
	if err := s.deps.Presence.Register(ctx, s.userID, s.id, meta); err != nil {
		s.log.Warn().Err(err).Msg("presence register failed")
	}

	for _, subject := range []string{bus.SubjectUser(s.userID), bus.SubjectPresence(s.userID)} {
		if err := s.subscribe(subject); err != nil {
			return err
		}
	}
	return nil
}

// refuse answers a failed handshake with a single error frame and closes.
func (s *Session) refuse(err error) {
	s.log.Debug().Err(err).Msg("handshake refused")
	if b, mErr := encodeFrame(FrameError, "", ErrorBody{Code: "UNAUTHORIZED", Message: err.Error()}); mErr == nil {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = s.conn.Close()
	s.setState(StateClosed)
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.dispatch(b)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case b, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown drains and releases everything the session holds. The mailbox is
// closed after the state flips to Draining, so the write pump flushes what
// was queued and then sends the close frame.
func (s *Session) teardown() {
	s.setState(StateDraining)
	s.cancel()

	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = map[string]bus.Subscription{}
	close(s.send)
	s.mu.Unlock()

	// The session context is already canceled; the registry write gets its
	// own short deadline so the offline edge can still fire.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := s.deps.Presence.Unregister(ctx, s.userID, s.id); err != nil {
		s.log.Warn().Err(err).Msg("presence unregister failed")
	}
	cancel()

	<-s.writerDone
	s.setState(StateClosed)
	s.hub.remove(s.id)
	s.log.Info().Msg("session closed")
}

// dispatch handles one inbound frame on the read goroutine.
func (s *Session) dispatch(b []byte) {
	f, err := decodeFrame(b)
	if err != nil {
		s.sendError("", "INVALID_SCHEMA", "malformed frame", nil)
		return
	}
	framesIn.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case FrameJoin:
		s.handleJoin(f)
	case FrameLeave:
		s.handleLeave(f)
	case FrameSend:
		s.handleSend(f)
	case FrameHeartbeat:
		s.handleHeartbeat()
	case FrameReplay:
		s.handleReplay(f)
	case FrameTyping:
		s.handleTyping(f)
	case FrameRead:
		s.handleRead(f)
	case FrameReceived:
		s.handleReceived(f)
	case FramePresenceSub:
		s.handlePresenceSub(f)
	case FramePresenceUnsub:
		s.handlePresenceUnsub(f)
	case FrameAuth:
		s.sendError(f.ID, "INVALID_SCHEMA", "already authorized", nil)
	default:
		s.sendError(f.ID, "UNKNOWN_EVENT", "unknown frame type: "+f.Type, nil)
	}
}

func (s *Session) handleJoin(f *Frame) {
	var p JoinPayload
	if err := f.decode(&p); err != nil || p.ConversationID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "conversation_id is required", map[string]string{"field": "conversation_id"})
		return
	}
	if err := s.deps.Auth.Authorize(s.ctx, s.userID, p.ConversationID); err != nil {
		s.sendError(f.ID, services.CodeOf(err), err.Error(), nil)
		return
	}
	if err := s.subscribe(bus.SubjectConversation(p.ConversationID)); err != nil {
		s.sendError(f.ID, "INTERNAL", "subscription failed", nil)
		return
	}
	s.ack(f.ID, JoinAck{Joined: true})
}

func (s *Session) handleLeave(f *Frame) {
	var p JoinPayload
	if err := f.decode(&p); err != nil || p.ConversationID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "conversation_id is required", map[string]string{"field": "conversation_id"})
		return
	}
	s.unsubscribe(bus.SubjectConversation(p.ConversationID))
	s.ack(f.ID, LeaveAck{Left: true})
}

func (s *Session) handleSend(f *Frame) {
	var p SendPayload
	if err := f.decode(&p); err != nil {
		s.sendError(f.ID, "INVALID_SCHEMA", "malformed message.send payload", nil)
		return
	}
	res, err := s.deps.Ingress.Submit(s.ctx, services.SubmitRequest{
		ConversationID:  p.ConversationID,
		SenderID:        s.userID,
		Content:         p.Content,
		ContentType:     p.ContentType,
		ClientMessageID: p.ClientMessageID,
		RecipientIDs:    p.RecipientIDs,
		ReplyToID:       p.ReplyToID,
		ThreadID:        p.ThreadID,
		AttachmentIDs:   p.AttachmentIDs,
	})
	if err != nil {
		s.sendError(f.ID, services.CodeOf(err), err.Error(), fieldDetails(err))
		return
	}
	s.ack(f.ID, res)
}

func (s *Session) handleHeartbeat() {
	if err := s.deps.Presence.Heartbeat(s.ctx, s.userID, s.id); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (s *Session) handleReplay(f *Frame) {
	var p ReplayPayload
	if err := f.decode(&p); err != nil || p.ConversationID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "conversation_id is required", map[string]string{"field": "conversation_id"})
		return
	}
	if err := s.deps.Auth.Authorize(s.ctx, s.userID, p.ConversationID); err != nil {
		s.sendError(f.ID, services.CodeOf(err), err.Error(), nil)
		return
	}
	envs, complete, err := s.deps.Replay.FetchSince(s.ctx, p.ConversationID, p.AfterMessageID)
	if err != nil {
		s.sendError(f.ID, "INTERNAL", "replay unavailable", nil)
		return
	}
	res := ReplayResult{Items: envs}
	if res.Items == nil {
		res.Items = []*domain.Envelope{}
	}
	if !complete {
		res.Fallback = "history"
	}
	s.ack(f.ID, res)
}

// handleTyping rebroadcasts the indicator on the conversation subject. The
// session must have joined the conversation; join already proved membership.
func (s *Session) handleTyping(f *Frame) {
	var p TypingPayload
	if err := f.decode(&p); err != nil || p.ConversationID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "conversation_id is required", map[string]string{"field": "conversation_id"})
		return
	}
	if !s.subscribed(bus.SubjectConversation(p.ConversationID)) {
		s.sendError(f.ID, "NOT_CONVERSATION_MEMBER", "join the conversation before typing", nil)
		return
	}
	ev := &bus.Event{
		Type:           bus.EventTyping,
		ConversationID: p.ConversationID,
		UserID:         s.userID,
		Typing:         p.Typing,
		At:             time.Now().UTC(),
	}
	if err := s.deps.Bus.Publish(s.ctx, bus.SubjectConversation(p.ConversationID), ev); err != nil {
		s.log.Warn().Err(err).Msg("typing publish failed")
	}
}

func (s *Session) handleRead(f *Frame) {
	var p ReadPayload
	if err := f.decode(&p); err != nil || p.MessageID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "message_id is required", map[string]string{"field": "message_id"})
		return
	}
	if err := s.deps.Receipts.Record(s.ctx, p.MessageID, s.userID, domain.StateRead); err != nil {
		s.sendError(f.ID, services.CodeOf(err), err.Error(), nil)
	}
}

func (s *Session) handleReceived(f *Frame) {
	var p ReceivedPayload
	if err := f.decode(&p); err != nil || p.MessageID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "message_id is required", map[string]string{"field": "message_id"})
		return
	}
	if err := s.deps.Receipts.Record(s.ctx, p.MessageID, s.userID, domain.StateDelivered); err != nil {
		s.sendError(f.ID, services.CodeOf(err), err.Error(), nil)
	}
}

func (s *Session) handlePresenceSub(f *Frame) {
	var p PresencePayload
	if err := f.decode(&p); err != nil || p.UserID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "user_id is required", map[string]string{"field": "user_id"})
		return
	}
	if err := s.subscribe(bus.SubjectPresence(p.UserID)); err != nil {
		s.sendError(f.ID, "INTERNAL", "subscription failed", nil)
		return
	}
	s.ack(f.ID, SubscribeAck{Subscribed: true})
}

func (s *Session) handlePresenceUnsub(f *Frame) {
	var p PresencePayload
	if err := f.decode(&p); err != nil || p.UserID == "" {
		s.sendError(f.ID, "MISSING_REQUIRED_FIELD", "user_id is required", map[string]string{"field": "user_id"})
		return
	}
	if bus.SubjectPresence(p.UserID) == bus.SubjectPresence(s.userID) {
		// The session's own presence subject stays bound for its lifetime.
		s.ack(f.ID, UnsubscribeAck{Unsubscribed: true})
		return
	}
	s.unsubscribe(bus.SubjectPresence(p.UserID))
	s.ack(f.ID, UnsubscribeAck{Unsubscribed: true})
}

// deliver converts one bus event into an outbound frame. It runs on the bus
// delivery goroutine and must only enqueue.
func (s *Session) deliver(_ string, ev *bus.Event) {
	switch ev.Type {
	case bus.EventMessageReceive:
		if ev.Envelope == nil || !s.seen.add(ev.Envelope.MessageID) {
			return
		}
		s.emit(FrameMessageReceive, "", messageEvent(ev.Envelope, ev.At))
	case bus.EventReceiptUpdate:
		s.emit(FrameReceiptUpdate, "", ReceiptEvent{
			ConversationID: ev.ConversationID,
			MessageID:      ev.MessageID,
			UserID:         ev.UserID,
			State:          ev.State,
			TS:             ev.At,
		})
	case bus.EventTyping:
		if ev.UserID == s.userID {
			return
		}
		s.emit(FrameTyping, "", TypingPayload{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			Typing:         ev.Typing,
		})
	case bus.EventPresenceOnline:
		s.emit(FramePresenceOnline, "", PresenceEvent{UserID: ev.UserID, TS: ev.At})
	case bus.EventPresenceOffline:
		s.emit(FramePresenceOffline, "", PresenceEvent{UserID: ev.UserID, TS: ev.At})
	}
}

func (s *Session) ack(replyTo string, data interface{}) {
	s.emit(FrameAck, replyTo, data)
}

// fieldDetails surfaces the offending field of a validation error.
func fieldDetails(err error) map[string]string {
	var fe *services.FieldError
	if errors.As(err, &fe) {
		return map[string]string{"field": fe.Field}
	}
	return nil
}

func (s *Session) sendError(replyTo, code, msg string, details map[string]string) {
	s.emit(FrameError, replyTo, ErrorBody{Code: code, Message: msg, Details: details})
}

// emit serializes and enqueues one outbound frame.
func (s *Session) emit(typ, replyTo string, data interface{}) {
	b, err := encodeFrame(typ, replyTo, data)
	if err != nil {
		s.log.Error().Err(err).Str("frame_type", typ).Msg("encode failed")
		return
	}
	if s.enqueue(b) {
		framesOut.WithLabelValues(typ).Inc()
	}
}

// enqueue places frame bytes in the mailbox. A full mailbox means the client
// is not draining; the session is closed rather than letting it block
// everyone behind the bus handler.
func (s *Session) enqueue(b []byte) bool {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	select {
	case s.send <- b:
		s.mu.Unlock()
		return true
	default:
		s.mu.Unlock()
		s.closeSlow()
		return false
	}
}

// closeSlow enforces the slow-consumer policy: tell the peer why and drop
// the connection. The read loop unblocks on the closed conn and runs the
// normal teardown.
func (s *Session) closeSlow() {
	slowCloses.Inc()
	s.log.Warn().Msg("closing slow consumer")
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow-consumer"),
		time.Now().Add(writeWait))
	_ = s.conn.Close()
}

// shutdown asks the peer to go away; used by the hub during drain.
func (s *Session) shutdown(reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
		time.Now().Add(writeWait))
	_ = s.conn.Close()
}

func (s *Session) subscribe(subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[subject]; ok {
		return nil
	}
	sub, err := s.deps.Bus.Subscribe(subject, s.deliver)
	if err != nil {
		return err
	}
	s.subs[subject] = sub
	return nil
}

func (s *Session) unsubscribe(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[subject]; ok {
		_ = sub.Unsubscribe()
		delete(s.subs, subject)
	}
}

func (s *Session) subscribed(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[subject]
	return ok
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the current lifecycle position; tests and the hub use it.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// dedupeRing remembers the last cap message ids seen by this session.
type dedupeRing struct {
	mu   sync.Mutex
	cap  int
	ids  []string
	seen map[string]struct{}
}

func newDedupeRing(n int) *dedupeRing {
	return &dedupeRing{cap: n, seen: make(map[string]struct{}, n)}
}

// add records id and reports whether it was new.
func (r *dedupeRing) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[id]; dup {
		return false
	}
	r.seen[id] = struct{}{}
	r.ids = append(r.ids, id)
	if len(r.ids) > r.cap {
		delete(r.seen, r.ids[0])
		r.ids = r.ids[1:]
	}
	return true
}
