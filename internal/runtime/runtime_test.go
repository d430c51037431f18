package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/speech"
)

func TestHealthAndReadiness(t *testing.T) {
	rt := New(config.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start returned %d", rec.Code)
	}
}

func TestSessionLogsCarryOneComponent(t *testing.T) {
	var buf bytes.Buffer
	rt := New(config.Default(), slog.New(slog.NewJSONHandler(&buf, nil)))
	provider := speech.NewMockProvider("hello", 0)
	defer provider.Close()

	controller, err := rt.mountSession(provider)
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	defer controller.Teardown()
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := controller.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatalf("expected session log lines")
	}
	for _, line := range lines {
		if n := strings.Count(line, `"component":`); n != 1 {
			t.Fatalf("expected one component key, got %d in %s", n, line)
		}
		if !strings.Contains(line, `"component":"session"`) {
			t.Fatalf("expected session component in %s", line)
		}
	}
}
