// Package control exposes the dictation screen's buttons as NATS
// request/reply subjects and broadcasts state changes for UI shells.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/submit"
	"github.com/nats-io/nats.go"
)

var ErrNothingToSubmit = errors.New("nothing to submit: transcript is empty")

// Controller is the part of the session controller the screen drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Clear() error
	Snapshot() session.State
	OnChange(fn func(session.State))
}

// Submitter pushes transcripts without making the caller wait.
type Submitter interface {
	SubmitAsync(ctx context.Context, text string) <-chan submit.Outcome
}

type Service struct {
	cfg        config.ControlConfig
	bus        *bus.Client
	controller Controller
	submitter  Submitter
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	subs       []*nats.Subscription
}

func NewService(parent context.Context, cfg config.ControlConfig, busClient *bus.Client, controller Controller, submitter Submitter, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		controller: controller,
		submitter:  submitter,
		logger:     logger.With(slog.String("component", "control")),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subject returns the full subject for a command.
func Subject(prefix, command string) string {
	return prefix + "." + command
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.CommandStart:  s.handleStart,
		protocol.CommandStop:   s.handleStop,
		protocol.CommandClear:  s.handleClear,
		protocol.CommandSubmit: s.handleSubmit,
		protocol.CommandState:  s.handleState,
	}
	for command, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(Subject(s.cfg.SubjectPrefix, command), handler)
		if err != nil {
			s.drain()
			return fmt.Errorf("subscribe %s: %w", command, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.controller.OnChange(s.publishState)
	s.logger.Info("control surface ready", slog.String("prefix", s.cfg.SubjectPrefix))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, 10*time.Second)
}

func (s *Service) handleStart(msg *nats.Msg) {
	ctx, cancel := s.commandContext()
	defer cancel()
	s.reply(msg, protocol.CommandStart, s.controller.Start(ctx))
}

func (s *Service) handleStop(msg *nats.Msg) {
	ctx, cancel := s.commandContext()
	defer cancel()
	s.reply(msg, protocol.CommandStop, s.controller.Stop(ctx))
}

func (s *Service) handleClear(msg *nats.Msg) {
	s.reply(msg, protocol.CommandClear, s.controller.Clear())
}

func (s *Service) handleState(msg *nats.Msg) {
	s.reply(msg, protocol.CommandState, nil)
}

// handleSubmit acknowledges right away; the outcome reaches the user as a
// notification.
func (s *Service) handleSubmit(msg *nats.Msg) {
	state := s.controller.Snapshot()
	if !state.CanSubmit() {
		s.reply(msg, protocol.CommandSubmit, ErrNothingToSubmit)
		return
	}
	s.submitter.SubmitAsync(s.ctx, state.Transcript)
	s.reply(msg, protocol.CommandSubmit, nil)
}

func (s *Service) reply(msg *nats.Msg, command string, err error) {
	resp := protocol.CommandReply{OK: err == nil, State: ScreenState(s.controller.Snapshot())}
	if err != nil {
		resp.Error = err.Error()
		s.logger.Warn("command failed", slog.String("command", command), slog.String("error", err.Error()))
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("command", command), slog.String("error", err.Error()))
	}
}

// publishState runs on the controller's notification path, which delivers
// snapshots in revision order.
func (s *Service) publishState(state session.State) {
	data, err := json.Marshal(ScreenState(state))
	if err != nil {
		s.logger.Warn("failed to marshal state", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(Subject(s.cfg.SubjectPrefix, protocol.SubjectStateChanged), data); err != nil {
		s.logger.Warn("failed to publish state", slog.String("error", err.Error()))
	}
}

// ScreenState converts a controller snapshot to its wire form.
func ScreenState(state session.State) protocol.ScreenState {
	out := protocol.ScreenState{
		Phase:      state.Phase.String(),
		SessionID:  state.SessionID,
		Transcript: state.Transcript,
		CanSubmit:  state.CanSubmit(),
		Revision:   state.Revision,
		Epoch:      state.Epoch,
	}
	if !state.StartedAt.IsZero() {
		started := state.StartedAt
		out.StartedAt = &started
	}
	if !state.EndedAt.IsZero() {
		ended := state.EndedAt
		out.EndedAt = &ended
	}
	return out
}
