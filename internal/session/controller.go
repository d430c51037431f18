// Package session owns the speech recognition session of the dictation screen:
// it starts and stops the provider, applies provider events, and decides
// whether a transcript is available for submission.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/speech"
)

// Config carries the session policy.
type Config struct {
	// Locale is passed to the provider on every start.
	Locale string
	// ClearOnStop resets transcript and timestamps when a session stops.
	// When false, stop only halts capture and Clear resets the screen.
	ClearOnStop bool
}

// Controller is the recognition session state machine. Commands are
// serialized; provider events may arrive on any goroutine.
type Controller struct {
	provider speech.Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics
	clock    func() time.Time
	newID    func() string

	cmdMu sync.Mutex

	notifyMu  sync.Mutex
	delivered uint64

	mu        sync.Mutex
	revision  uint64
	state     State
	starting  *State
	sub       speech.Subscription
	tornDown  bool
	observers []func(State)
}

// Mount creates an idle controller and attaches it to the provider's events.
func Mount(provider speech.Provider, cfg Config, logger *slog.Logger) (*Controller, error) {
	if cfg.Locale == "" {
		cfg.Locale = "en-US"
	}
	c := &Controller{
		provider: provider,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "session")),
		metrics:  newMetrics(logger),
		clock:    time.Now,
		newID:    func() string { return uuid.NewString() },
		state:    State{Phase: PhaseIdle},
	}
	sub, err := provider.Subscribe(c.handleEvent)
	if err != nil {
		return nil, err
	}
	c.sub = sub
	return c, nil
}

// OnChange registers an observer called with a snapshot after every change.
// Observers run one at a time in Revision order and must not call Start, Stop
// or Clear.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the latest recognized text, or "".
func (c *Controller) Transcript() string {
	return c.Snapshot().Transcript
}

// Start opens a new session. Starting while listening fails with
// ErrAlreadyListening. A provider failure leaves the state untouched and is
// returned as *ProviderStartError.
func (c *Controller) Start(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.state.Phase == PhaseListening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	next := &State{
		Phase:     PhaseListening,
		SessionID: c.newID(),
		Epoch:     c.state.Epoch + 1,
	}
	c.starting = next
	c.mu.Unlock()

	err := c.provider.Start(ctx, speech.StartRequest{SessionID: next.SessionID, Locale: c.cfg.Locale})

	c.mu.Lock()
	c.starting = nil
	if err != nil {
		c.mu.Unlock()
		c.metrics.start(ctx, false)
		startErr := &ProviderStartError{Locale: c.cfg.Locale, Err: err}
		c.logger.Error("failed to start recognition", slog.String("error", startErr.Error()))
		return startErr
	}
	if c.tornDown {
		c.mu.Unlock()
		_ = c.provider.Stop(ctx)
		return ErrTornDown
	}
	c.state = *next
	c.bump()
	snapshot := c.state
	c.mu.Unlock()

	c.metrics.start(ctx, true)
	c.logger.Info("recognition started", slog.String("session_id", snapshot.SessionID), slog.String("locale", c.cfg.Locale))
	c.notify(snapshot)
	return nil
}

// Stop halts the provider from any phase and retires the current session so
// that late provider events are discarded. On a provider failure the phase is
// kept but the transcript and timestamps are still cleared; Start keeps
// failing with ErrAlreadyListening until a later Stop succeeds.
func (c *Controller) Stop(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	c.mu.Unlock()

	err := c.provider.Stop(ctx)

	c.mu.Lock()
	c.state.Epoch++
	if err != nil {
		c.state.SessionID = ""
		c.state.clearDisplay()
		c.bump()
		snapshot := c.state
		c.mu.Unlock()

		c.metrics.stop(ctx, false)
		stopErr := &ProviderStopError{Err: err}
		c.logger.Error("failed to stop recognition; retry stop before starting again", slog.String("error", stopErr.Error()))
		c.notify(snapshot)
		return stopErr
	}

	if c.state.Phase == PhaseListening {
		c.state.Phase = PhaseStopped
		c.state.EndedAt = c.clock().UTC()
	}
	if c.cfg.ClearOnStop {
		c.state.clearDisplay()
	}
	c.bump()
	snapshot := c.state
	c.mu.Unlock()

	c.metrics.stop(ctx, true)
	c.logger.Info("recognition stopped", slog.String("session_id", snapshot.SessionID))
	c.notify(snapshot)
	return nil
}

// Clear resets a stopped or idle screen to Idle with no transcript.
func (c *Controller) Clear() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return ErrTornDown
	}
	if c.state.Phase == PhaseListening {
		c.mu.Unlock()
		return ErrStillListening
	}
	c.state = State{Phase: PhaseIdle, Epoch: c.state.Epoch + 1}
	c.bump()
	snapshot := c.state
	c.mu.Unlock()

	c.notify(snapshot)
	return nil
}

// Teardown detaches from the provider. It is safe to call more than once and
// from any phase; later commands fail with ErrTornDown.
func (c *Controller) Teardown() {
	c.mu.Lock()
	if c.tornDown {
		c.mu.Unlock()
		return
	}
	c.tornDown = true
	sub := c.sub
	c.sub = nil
	c.observers = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	c.logger.Debug("session controller torn down")
}

func (c *Controller) handleEvent(evt speech.Event) {
	c.mu.Lock()
	target := c.target(evt.SessionID)
	if target == nil {
		c.mu.Unlock()
		c.metrics.staleEvent(context.Background(), evt.Kind)
		c.logger.Debug("discarded stale speech event",
			slog.String("session_id", evt.SessionID),
			slog.String("kind", string(evt.Kind)))
		return
	}
	changed := c.apply(target, evt)
	live := target == &c.state
	if changed && live {
		c.bump()
	}
	snapshot := c.state
	c.mu.Unlock()

	if changed && live {
		c.notify(snapshot)
	}
}

// target returns the state an event belongs to, or nil when it is stale.
// Callers hold c.mu.
func (c *Controller) target(sessionID string) *State {
	if c.tornDown || sessionID == "" {
		return nil
	}
	if c.starting != nil && c.starting.SessionID == sessionID {
		return c.starting
	}
	if c.state.Phase == PhaseListening && c.state.SessionID == sessionID {
		return &c.state
	}
	return nil
}

func (c *Controller) apply(s *State, evt speech.Event) bool {
	at := evt.At
	if at.IsZero() {
		at = c.clock()
	}
	switch evt.Kind {
	case speech.EventStarted:
		s.StartedAt = at.UTC()
		return true
	case speech.EventEnded:
		s.EndedAt = at.UTC()
		return true
	case speech.EventResults:
		if len(evt.Candidates) == 0 || evt.Candidates[0] == "" {
			return false
		}
		s.Transcript = evt.Candidates[0]
		c.metrics.result(context.Background())
		return true
	default:
		return false
	}
}

// bump stamps the live state with the next revision. Callers hold c.mu.
func (c *Controller) bump() {
	c.revision++
	c.state.Revision = c.revision
}

// notify hands snapshot to observers. Deliveries are serialized and a
// snapshot older than one already delivered is dropped, so observers never
// see the screen move backwards. Observers must not issue commands.
func (c *Controller) notify(snapshot State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if snapshot.Revision <= c.delivered {
		return
	}
	c.delivered = snapshot.Revision

	c.mu.Lock()
	observers := make([]func(State), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(snapshot)
	}
}
