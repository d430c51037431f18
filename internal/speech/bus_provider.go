package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
	"golang.org/x/text/language"
)

// BusProvider drives microphone capture on an edge device over NATS and
// transcribes the streamed audio frames with a local Recognizer.
type BusProvider struct {
	cfg        config.SpeechConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger
	listeners  listenerSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	session *captureSession
}

type captureSession struct {
	id           string
	sub          *nats.Subscription
	buffer       []byte
	started      bool
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	closed       bool
	wg           sync.WaitGroup
}

func NewBusProvider(parent context.Context, cfg config.SpeechConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *BusProvider {
	ctx, cancel := context.WithCancel(parent)
	return &BusProvider{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "speech.bus")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (p *BusProvider) Subscribe(listener Listener) (Subscription, error) {
	return p.listeners.subscribe(listener)
}

// Start asks an edge device to capture audio for req.SessionID. It fails when
// no device answers or the device refuses (for example, missing mic permission).
// The session is registered before the request goes out, so frames the device
// sends right after accepting are kept.
func (p *BusProvider) Start(ctx context.Context, req StartRequest) error {
	if _, err := language.Parse(req.Locale); err != nil {
		return fmt.Errorf("%w: %q", ErrLocaleUnsupported, req.Locale)
	}

	session := &captureSession{id: req.SessionID}
	p.mu.Lock()
	if p.session != nil {
		p.mu.Unlock()
		return ErrSessionActive
	}
	p.session = session
	p.mu.Unlock()

	sub, err := p.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+"."+req.SessionID, func(msg *nats.Msg) {
		p.handleFrame(session, msg)
	})
	if err != nil {
		p.release(session)
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	p.mu.Lock()
	session.sub = sub
	p.mu.Unlock()

	if err := p.requestCapture(ctx, req); err != nil {
		p.release(session)
		_ = sub.Unsubscribe()
		return err
	}

	p.logger.Info("capture started", slog.String("session_id", req.SessionID), slog.String("locale", req.Locale))
	return nil
}

// release forgets session if it is still the current one and stops new
// transcriptions from being scheduled for it.
func (p *BusProvider) release(session *captureSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session.closed = true
	if p.session == session {
		p.session = nil
	}
}

func (p *BusProvider) requestCapture(ctx context.Context, req StartRequest) error {
	if timeout := time.Duration(p.cfg.StartTimeoutMS) * time.Millisecond; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := json.Marshal(protocol.CaptureCommand{
		SessionID: req.SessionID,
		Action:    protocol.CaptureActionStart,
		Locale:    req.Locale,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	msg, err := p.bus.Conn().RequestWithContext(ctx, protocol.SubjectCaptureStart, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return fmt.Errorf("request capture: %w", err)
	}

	var ack protocol.CaptureAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return fmt.Errorf("decode capture ack: %w", err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: %s", ErrCaptureRejected, ack.Reason)
	}
	return nil
}

// Stop tells edge devices to stop capturing, whether or not a session is open,
// and waits for transcriptions already running for the session to finish.
func (p *BusProvider) Stop(ctx context.Context) error {
	p.mu.Lock()
	session := p.session
	p.session = nil
	var sub *nats.Subscription
	if session != nil {
		session.closed = true
		sub = session.sub
	}
	p.mu.Unlock()

	var sessionID string
	if session != nil {
		sessionID = session.id
		if sub != nil {
			if err := sub.Drain(); err != nil {
				p.logger.Warn("failed to drain audio subscription", slogError(err))
			}
		}
	}

	data, err := json.Marshal(protocol.CaptureCommand{
		SessionID: sessionID,
		Action:    protocol.CaptureActionStop,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := p.bus.Conn().Publish(protocol.SubjectCaptureStop, data); err != nil {
		return fmt.Errorf("publish capture stop: %w", err)
	}
	if err := p.bus.Conn().FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush capture stop: %w", err)
	}
	if session != nil {
		if err := session.wait(ctx); err != nil {
			return fmt.Errorf("wait for transcriptions: %w", err)
		}
	}
	return nil
}

// wait blocks until the session's transcriptions are done or ctx ends.
func (s *captureSession) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *BusProvider) Close() {
	p.cancel()
	p.mu.Lock()
	session := p.session
	p.session = nil
	var sub *nats.Subscription
	if session != nil {
		session.closed = true
		sub = session.sub
	}
	p.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	p.wg.Wait()
	p.listeners.closeAll()
}

func (p *BusProvider) Healthy() bool {
	return p.bus.Healthy()
}

func (p *BusProvider) handleFrame(session *captureSession, msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		p.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}

	p.mu.Lock()
	if p.session != session {
		p.mu.Unlock()
		return
	}
	firstFrame := !session.started
	session.started = true
	session.buffer = append(session.buffer, frame.PCM...)
	p.mu.Unlock()

	if firstFrame {
		p.listeners.emit(Event{SessionID: session.id, Kind: EventStarted})
	}
	if frame.Final {
		p.scheduleTranscription(session, true)
		return
	}
	if p.cfg.PublishInterim && p.shouldSchedulePartial(session) {
		p.scheduleTranscription(session, false)
	}
}

func (p *BusProvider) shouldSchedulePartial(session *captureSession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if session.inflight {
		return false
	}
	if session.lastPartial.IsZero() {
		session.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(p.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(session.lastPartial) >= interval {
		session.lastPartial = time.Now()
		return true
	}
	return false
}

func (p *BusProvider) scheduleTranscription(session *captureSession, final bool) {
	p.mu.Lock()
	if session.closed {
		p.mu.Unlock()
		return
	}
	if session.inflight {
		if final {
			session.pendingFinal = true
		}
		p.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), session.buffer...)
	session.inflight = true
	session.wg.Add(1)
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer session.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, 45*time.Second)
		defer cancel()

		result, err := p.recognizer.Transcribe(ctx, pcm, p.cfg.SampleRate, p.cfg.Channels, final)
		if err != nil {
			p.logger.Warn("transcription failed", slog.String("session_id", session.id), slogError(err))
		} else if candidates := result.Candidates(); len(candidates) > 0 {
			p.listeners.emit(Event{SessionID: session.id, Kind: EventResults, Candidates: candidates})
			p.publishTranscript(session.id, candidates, result.Confidence, final)
		}
		if final {
			p.listeners.emit(Event{SessionID: session.id, Kind: EventEnded})
		}

		p.mu.Lock()
		session.inflight = false
		pendingFinal := session.pendingFinal && !final
		session.pendingFinal = false
		if !final {
			session.lastPartial = time.Now()
		}
		p.mu.Unlock()

		if pendingFinal {
			p.scheduleTranscription(session, true)
		}
	}()
}

func (p *BusProvider) publishTranscript(sessionID string, candidates []string, confidence float64, final bool) {
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	data, err := json.Marshal(protocol.Transcript{
		SessionID:  sessionID,
		Text:       candidates[0],
		Candidates: candidates,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	})
	if err != nil {
		p.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
