package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrClosed is returned by Publish after the bus has been closed.
var ErrClosed = errors.New("bus closed")

// Memory is an in-process Bus for tests and single-node development. It
// implements the same subject wildcard grammar as NATS: "*" matches exactly
// one token, a trailing ">" matches one or more. Delivery is synchronous on
// the publisher's goroutine, so handlers must hand off quickly.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int64]*memorySub
	nextID int64
	closed bool
}

type memorySub struct {
	id      int64
	pattern string
	h       Handler
	bus     *Memory
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int64]*memorySub)}
}

// Publish delivers ev to every subscription whose pattern matches subject.
// Each handler receives its own copy, mirroring the decode-per-subscriber
// behavior of the wire implementation.
func (m *Memory) Publish(ctx context.Context, subject string, ev *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	matched := make([]*memorySub, 0, 4)
	for _, s := range m.subs {
		if matchSubject(s.pattern, subject) {
			matched = append(matched, s)
		}
	}
	m.mu.RUnlock()

	if len(matched) == 0 {
		return nil
	}
	b, err := marshalEvent(ev)
	if err != nil {
		return err
	}
	for _, s := range matched {
		copyEv, err := unmarshalEvent(b)
		if err != nil {
			return err
		}
		s.h(subject, copyEv)
	}
	return nil
}

// Subscribe binds h to a subject pattern.
func (m *Memory) Subscribe(pattern string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextID++
	s := &memorySub{id: m.nextID, pattern: pattern, h: h, bus: m}
	m.subs[s.id] = s
	return s, nil
}

// Close drops all subscriptions; subsequent publishes fail with ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int64]*memorySub)
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	return nil
}

// matchSubject implements NATS subject matching over dot-separated tokens.
func matchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		switch tok {
		case ">":
			// Matches one or more remaining tokens; only valid as the tail.
			return i == len(pt)-1 && i < len(st)
		case "*":
			if i >= len(st) {
				return false
			}
		default:
			if i >= len(st) || tok != st[i] {
				return false
			}
		}
	}
	return len(pt) == len(st)
}

// Compile-time interface checks.
var (
	_ Bus = (*Memory)(nil)
	_ Bus = (*Conn)(nil)
)
