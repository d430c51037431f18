package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/docstore"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/loqalabs/loqa-dictate/internal/session"
	"github.com/loqalabs/loqa-dictate/internal/speech"
	"github.com/loqalabs/loqa-dictate/internal/submit"
	"github.com/nats-io/nats.go"
)

const prefix = "dictate.screen"

type harness struct {
	client     *bus.Client
	store      *docstore.SQLiteStore
	controller *session.Controller
	submitter  *submit.Submitter
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startHarness(t *testing.T, clearOnStop bool) *harness {
	t.Helper()
	logger := newLogger()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), "control-test", config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := docstore.OpenSQLite(context.Background(), config.PersistenceConfig{RetentionMode: "ephemeral"}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	provider := speech.NewMockProvider("Hello world", 0)
	t.Cleanup(provider.Close)
	controller, err := session.Mount(provider, session.Config{Locale: "en-US", ClearOnStop: clearOnStop}, logger)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	t.Cleanup(controller.Teardown)

	notifier, err := notify.New(config.NotifyConfig{Mode: "bus", Subject: "ui.notify"}, client, logger)
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	submitter := submit.New(store, notifier, submit.Config{Collection: "extractedtext", WriteTimeout: 2 * time.Second}, logger)
	t.Cleanup(submitter.Wait)

	svc := NewService(context.Background(), config.ControlConfig{Enabled: true, SubjectPrefix: prefix}, client, controller, submitter, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start control: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("expected healthy control service")
	}
	return &harness{client: client, store: store, controller: controller, submitter: submitter}
}

func (h *harness) request(t *testing.T, command string) protocol.CommandReply {
	t.Helper()
	msg, err := h.client.Conn().Request(Subject(prefix, command), nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", command, err)
	}
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func (h *harness) waitForTranscript(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reply := h.request(t, protocol.CommandState); reply.State.Transcript == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("transcript never became %q", want)
}

func TestStartSubmitStop(t *testing.T) {
	h := startHarness(t, true)

	notes := make(chan *nats.Msg, 4)
	sub, err := h.client.Conn().ChanSubscribe("ui.notify", notes)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	reply := h.request(t, protocol.CommandStart)
	if !reply.OK || reply.State.Phase != "listening" {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	h.waitForTranscript(t, "Hello world")

	reply = h.request(t, protocol.CommandSubmit)
	if !reply.OK {
		t.Fatalf("submit failed: %+v", reply)
	}
	if reply.State.Transcript != "Hello world" {
		t.Fatalf("submit should not clear the transcript, got %q", reply.State.Transcript)
	}

	select {
	case msg := <-notes:
		var n protocol.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		if n.Kind != protocol.NotificationSuccess || n.Message != submit.MessageSuccess {
			t.Fatalf("unexpected notification %+v", n)
		}
		doc, err := h.store.GetDocument(context.Background(), "extractedtext", n.DocumentID)
		if err != nil {
			t.Fatalf("get document: %v", err)
		}
		if doc.Fields.Text != "Hello world" {
			t.Fatalf("unexpected stored text %q", doc.Fields.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification received")
	}

	reply = h.request(t, protocol.CommandStop)
	if !reply.OK || reply.State.Phase != "stopped" || reply.State.Transcript != "" {
		t.Fatalf("unexpected stop reply %+v", reply)
	}
	if reply.State.CanSubmit {
		t.Fatalf("stopped screen with a blank transcript cannot submit")
	}
}

func TestSubmitRejectsEmptyTranscript(t *testing.T) {
	h := startHarness(t, true)
	reply := h.request(t, protocol.CommandSubmit)
	if reply.OK || reply.Error != ErrNothingToSubmit.Error() {
		t.Fatalf("expected rejection, got %+v", reply)
	}
}

func TestErrorsBecomeReplyFields(t *testing.T) {
	h := startHarness(t, false)
	if reply := h.request(t, protocol.CommandStart); !reply.OK {
		t.Fatalf("start failed: %+v", reply)
	}
	reply := h.request(t, protocol.CommandStart)
	if reply.OK || reply.Error != session.ErrAlreadyListening.Error() {
		t.Fatalf("expected already listening, got %+v", reply)
	}
	reply = h.request(t, protocol.CommandClear)
	if reply.OK || reply.Error != session.ErrStillListening.Error() {
		t.Fatalf("expected still listening, got %+v", reply)
	}
	h.waitForTranscript(t, "Hello world")

	reply = h.request(t, protocol.CommandStop)
	if !reply.OK || reply.State.Transcript != "Hello world" || reply.State.EndedAt == nil {
		t.Fatalf("halt should keep transcript for review, got %+v", reply)
	}
	reply = h.request(t, protocol.CommandClear)
	if !reply.OK || reply.State.Phase != "idle" || reply.State.Transcript != "" {
		t.Fatalf("unexpected clear reply %+v", reply)
	}
}

func TestStateChangesArePublished(t *testing.T) {
	h := startHarness(t, true)
	changes := make(chan *nats.Msg, 16)
	sub, err := h.client.Conn().ChanSubscribe(Subject(prefix, protocol.SubjectStateChanged), changes)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if reply := h.request(t, protocol.CommandStart); !reply.OK {
		t.Fatalf("start failed: %+v", reply)
	}
	deadline := time.After(2 * time.Second)
	var lastRevision uint64
	for {
		select {
		case msg := <-changes:
			var state protocol.ScreenState
			if err := json.Unmarshal(msg.Data, &state); err != nil {
				t.Fatalf("decode state: %v", err)
			}
			if state.Revision <= lastRevision {
				t.Fatalf("state revision %d published after %d", state.Revision, lastRevision)
			}
			lastRevision = state.Revision
			if state.Transcript == "Hello world" && state.CanSubmit {
				return
			}
		case <-deadline:
			t.Fatalf("no state change carried the transcript")
		}
	}
}
