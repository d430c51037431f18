package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)
	client, err := bus.Connect(context.Background(), "speech-test", config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func testSpeechConfig() config.SpeechConfig {
	return config.SpeechConfig{
		Locale:         "en-US",
		StartTimeoutMS: 500,
		SampleRate:     16000,
		Channels:       1,
		PartialEveryMS: 800,
	}
}

// edgeDevice answers capture requests the way a satellite does.
func edgeDevice(t *testing.T, client *bus.Client, accept bool) <-chan protocol.CaptureCommand {
	t.Helper()
	commands := make(chan protocol.CaptureCommand, 8)
	record := func(msg *nats.Msg) protocol.CaptureCommand {
		var cmd protocol.CaptureCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("decode capture command: %v", err)
		}
		commands <- cmd
		return cmd
	}
	startSub, err := client.Conn().Subscribe(protocol.SubjectCaptureStart, func(msg *nats.Msg) {
		cmd := record(msg)
		ack := protocol.CaptureAck{SessionID: cmd.SessionID, Accepted: accept}
		if !accept {
			ack.Reason = "microphone permission denied"
		}
		data, _ := json.Marshal(ack)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe start: %v", err)
	}
	stopSub, err := client.Conn().Subscribe(protocol.SubjectCaptureStop, func(msg *nats.Msg) { record(msg) })
	if err != nil {
		t.Fatalf("subscribe stop: %v", err)
	}
	t.Cleanup(func() {
		_ = startSub.Unsubscribe()
		_ = stopSub.Unsubscribe()
	})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return commands
}

func sendFrame(t *testing.T, client *bus.Client, sessionID string, seq int, final bool) {
	t.Helper()
	data, err := json.Marshal(protocol.AudioFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		SampleRate: 16000,
		Channels:   1,
		PCM:        make([]byte, 3200),
		Final:      final,
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectAudioFramePrefix+"."+sessionID, data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestBusProviderStreamsEvents(t *testing.T) {
	client := startBus(t)
	commands := edgeDevice(t, client, true)
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, NewMockRecognizer(), newLogger())
	t.Cleanup(provider.Close)

	rec := newRecorder()
	if _, err := provider.Subscribe(rec.listen); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := provider.Start(context.Background(), StartRequest{SessionID: "s1", Locale: "en-US"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if cmd := <-commands; cmd.Action != protocol.CaptureActionStart || cmd.SessionID != "s1" || cmd.Locale != "en-US" {
		t.Fatalf("unexpected capture command %+v", cmd)
	}

	sendFrame(t, client, "s1", 1, false)
	sendFrame(t, client, "s1", 2, true)

	if evt := rec.next(t); evt.Kind != EventStarted || evt.SessionID != "s1" {
		t.Fatalf("unexpected event %+v", evt)
	}
	evt := rec.next(t)
	if evt.Kind != EventResults || len(evt.Candidates) != 2 {
		t.Fatalf("unexpected results %+v", evt)
	}
	if !strings.HasPrefix(evt.Candidates[0], "[final transcript 200ms]") {
		t.Fatalf("unexpected best candidate %q", evt.Candidates[0])
	}
	if evt := rec.next(t); evt.Kind != EventEnded {
		t.Fatalf("unexpected event %+v", evt)
	}

	if err := provider.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cmd := <-commands; cmd.Action != protocol.CaptureActionStop || cmd.SessionID != "s1" {
		t.Fatalf("unexpected capture command %+v", cmd)
	}
}

func TestBusProviderUnavailableWithoutDevice(t *testing.T) {
	client := startBus(t)
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, NewMockRecognizer(), newLogger())
	t.Cleanup(provider.Close)

	err := provider.Start(context.Background(), StartRequest{SessionID: "s1", Locale: "en-US"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// A failed start leaves the provider free for the next attempt.
	edgeDevice(t, client, true)
	if err := provider.Start(context.Background(), StartRequest{SessionID: "s2", Locale: "en-US"}); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
}

func TestBusProviderCaptureRejected(t *testing.T) {
	client := startBus(t)
	edgeDevice(t, client, false)
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, NewMockRecognizer(), newLogger())
	t.Cleanup(provider.Close)

	err := provider.Start(context.Background(), StartRequest{SessionID: "s1", Locale: "en-US"})
	if !errors.Is(err, ErrCaptureRejected) {
		t.Fatalf("expected ErrCaptureRejected, got %v", err)
	}
}

func TestBusProviderIgnoresFramesAfterStop(t *testing.T) {
	client := startBus(t)
	edgeDevice(t, client, true)
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, NewMockRecognizer(), newLogger())
	t.Cleanup(provider.Close)

	rec := newRecorder()
	if _, err := provider.Subscribe(rec.listen); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := provider.Start(context.Background(), StartRequest{SessionID: "s1", Locale: "en-US"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := provider.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sendFrame(t, client, "s1", 1, true)
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	select {
	case evt := <-rec.ch:
		t.Fatalf("unexpected event after stop %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

// eagerEdgeDevice acks a capture request and streams a short utterance from
// inside the request handler, before the requester has seen the reply.
func eagerEdgeDevice(t *testing.T, client *bus.Client) {
	t.Helper()
	sub, err := client.Conn().Subscribe(protocol.SubjectCaptureStart, func(msg *nats.Msg) {
		var cmd protocol.CaptureCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("decode capture command: %v", err)
			return
		}
		data, _ := json.Marshal(protocol.CaptureAck{SessionID: cmd.SessionID, Accepted: true})
		_ = msg.Respond(data)
		sendFrame(t, client, cmd.SessionID, 1, false)
		sendFrame(t, client, cmd.SessionID, 2, true)
	})
	if err != nil {
		t.Fatalf("subscribe start: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestBusProviderKeepsFramesSentWithAck(t *testing.T) {
	client := startBus(t)
	eagerEdgeDevice(t, client)
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, NewMockRecognizer(), newLogger())
	t.Cleanup(provider.Close)

	rec := newRecorder()
	if _, err := provider.Subscribe(rec.listen); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("s%d", i)
		if err := provider.Start(context.Background(), StartRequest{SessionID: id, Locale: "en-US"}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
		for _, want := range []EventKind{EventStarted, EventResults, EventEnded} {
			evt := rec.next(t)
			if evt.Kind != want || evt.SessionID != id {
				t.Fatalf("session %s: expected %s, got %+v", id, want, evt)
			}
		}
		if err := provider.Stop(context.Background()); err != nil {
			t.Fatalf("stop %s: %v", id, err)
		}
	}
}

type gatedRecognizer struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return TranscriptResult{}, ctx.Err()
	}
	return TranscriptResult{Text: "done"}, nil
}

func TestBusProviderStopWaitsForTranscription(t *testing.T) {
	client := startBus(t)
	edgeDevice(t, client, true)
	recognizer := &gatedRecognizer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, recognizer, newLogger())
	t.Cleanup(provider.Close)

	rec := newRecorder()
	if _, err := provider.Subscribe(rec.listen); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := provider.Start(context.Background(), StartRequest{SessionID: "s1", Locale: "en-US"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sendFrame(t, client, "s1", 1, true)
	select {
	case <-recognizer.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("transcription never started")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- provider.Stop(context.Background()) }()
	select {
	case err := <-stopped:
		t.Fatalf("stop returned before transcription finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(recognizer.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stop did not return after transcription finished")
	}

	var kinds []EventKind
	for len(rec.ch) > 0 {
		kinds = append(kinds, (<-rec.ch).Kind)
	}
	want := []EventKind{EventStarted, EventResults, EventEnded}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("expected %v delivered before stop returned, got %v", want, kinds)
	}
}

func TestBusProviderStopGivesUpWithContext(t *testing.T) {
	client := startBus(t)
	edgeDevice(t, client, true)
	recognizer := &gatedRecognizer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	provider := NewBusProvider(context.Background(), testSpeechConfig(), client, recognizer, newLogger())
	t.Cleanup(func() {
		close(recognizer.release)
		provider.Close()
	})

	if err := provider.Start(context.Background(), StartRequest{SessionID: "s1", Locale: "en-US"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	sendFrame(t, client, "s1", 1, true)
	<-recognizer.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := provider.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
