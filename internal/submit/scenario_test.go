package submit

import (
	"context"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/speech"
)

type scriptedProvider struct {
	listener speech.Listener
	last     string
}

type noopSubscription struct{}

func (noopSubscription) Close() {}

func (p *scriptedProvider) Subscribe(l speech.Listener) (speech.Subscription, error) {
	p.listener = l
	return noopSubscription{}, nil
}

func (p *scriptedProvider) Start(_ context.Context, req speech.StartRequest) error {
	p.last = req.SessionID
	return nil
}

func (p *scriptedProvider) Stop(context.Context) error { return nil }

func TestDictateAndSubmitScenario(t *testing.T) {
	provider := &scriptedProvider{}
	controller, err := session.Mount(provider, session.Config{Locale: "en-US", ClearOnStop: true}, newLogger())
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer controller.Teardown()

	w := &fakeWriter{}
	n := &fakeNotifier{}
	submitter := newSubmitter(w, n, "uuid")

	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	provider.listener(speech.Event{SessionID: provider.last, Kind: speech.EventStarted})
	provider.listener(speech.Event{SessionID: provider.last, Kind: speech.EventResults, Candidates: []string{"ok"}})

	state := controller.Snapshot()
	if !state.CanSubmit() {
		t.Fatalf("expected submission to be offered, state %+v", state)
	}
	out := submitter.Submit(context.Background(), state.Transcript)
	if !out.OK() {
		t.Fatalf("submit failed: %v", out.Err)
	}
	sent := n.snapshot()
	if len(sent) != 1 || sent[0].Kind != notify.KindSuccess {
		t.Fatalf("expected success notification, got %+v", sent)
	}
	if got := controller.Transcript(); got != "ok" {
		t.Fatalf("transcript should survive submission, got %q", got)
	}

	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := controller.Transcript(); got != "" {
		t.Fatalf("expected transcript cleared by stop, got %q", got)
	}
}
