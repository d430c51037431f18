package speech

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
)

// MockProvider pretends to listen and hears a fixed phrase shortly after
// every start. It backs local development without an edge device.
type MockProvider struct {
	listeners listenerSet
	phrase    string
	delay     time.Duration

	mu     sync.Mutex
	active string
	wg     sync.WaitGroup
}

func NewMockProvider(phrase string, delay time.Duration) *MockProvider {
	if strings.TrimSpace(phrase) == "" {
		phrase = "hello world"
	}
	return &MockProvider{phrase: phrase, delay: delay}
}

func (m *MockProvider) Subscribe(listener Listener) (Subscription, error) {
	return m.listeners.subscribe(listener)
}

func (m *MockProvider) Start(_ context.Context, req StartRequest) error {
	if _, err := language.Parse(req.Locale); err != nil {
		return fmt.Errorf("%w: %q", ErrLocaleUnsupported, req.Locale)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return ErrSessionActive
	}
	m.active = req.SessionID

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		time.Sleep(m.delay)
		if !m.isActive(req.SessionID) {
			return
		}
		m.listeners.emit(Event{SessionID: req.SessionID, Kind: EventStarted})
		m.listeners.emit(Event{
			SessionID:  req.SessionID,
			Kind:       EventResults,
			Candidates: []string{m.phrase, strings.ToLower(m.phrase) + "?"},
		})
	}()
	return nil
}

func (m *MockProvider) Stop(context.Context) error {
	m.mu.Lock()
	id := m.active
	m.active = ""
	m.mu.Unlock()
	if id != "" {
		m.listeners.emit(Event{SessionID: id, Kind: EventEnded})
	}
	return nil
}

func (m *MockProvider) Close() {
	m.mu.Lock()
	m.active = ""
	m.mu.Unlock()
	m.wg.Wait()
	m.listeners.closeAll()
}

func (m *MockProvider) isActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active == id
}
