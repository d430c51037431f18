// Package speech defines the speech recognition provider contract used by the
// session controller and ships the mock and bus-backed providers.
package speech

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrUnavailable       = errors.New("speech recognizer unavailable")
	ErrCaptureRejected   = errors.New("speech capture rejected")
	ErrLocaleUnsupported = errors.New("locale not supported")
	ErrSessionActive     = errors.New("speech session already active")
	ErrProviderClosed    = errors.New("speech provider closed")
)

// EventKind identifies what a provider is reporting.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventResults EventKind = "results"
	EventEnded   EventKind = "ended"
)

// Event is delivered to listeners in the order the provider produced it.
// Candidates are ordered best first and only set for EventResults.
type Event struct {
	SessionID  string
	Kind       EventKind
	Candidates []string
	At         time.Time
}

// Listener receives provider events. It may be called from any goroutine.
type Listener func(Event)

// Subscription detaches a listener. Close is idempotent.
type Subscription interface {
	Close()
}

// StartRequest carries what a provider needs to open a capture session.
type StartRequest struct {
	SessionID string
	Locale    string
}

// Provider is an external speech recognition engine.
type Provider interface {
	Start(ctx context.Context, req StartRequest) error
	Stop(ctx context.Context) error
	Subscribe(listener Listener) (Subscription, error)
}

// listenerSet is the subscription bookkeeping shared by providers.
type listenerSet struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[uint64]Listener
	closed    bool
}

func (l *listenerSet) subscribe(listener Listener) (Subscription, error) {
	if listener == nil {
		return nil, errors.New("nil speech listener")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrProviderClosed
	}
	if l.listeners == nil {
		l.listeners = make(map[uint64]Listener)
	}
	l.next++
	id := l.next
	l.listeners[id] = listener
	return &subscription{set: l, id: id}, nil
}

func (l *listenerSet) remove(id uint64) {
	l.mu.Lock()
	delete(l.listeners, id)
	l.mu.Unlock()
}

func (l *listenerSet) emit(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	l.mu.RLock()
	targets := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		targets = append(targets, fn)
	}
	l.mu.RUnlock()
	for _, fn := range targets {
		fn(evt)
	}
}

// closeAll drops every listener and refuses new ones.
func (l *listenerSet) closeAll() {
	l.mu.Lock()
	l.closed = true
	l.listeners = nil
	l.mu.Unlock()
}

func (l *listenerSet) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}

type subscription struct {
	set  *listenerSet
	id   uint64
	once sync.Once
}

func (s *subscription) Close() {
	s.once.Do(func() { s.set.remove(s.id) })
}
