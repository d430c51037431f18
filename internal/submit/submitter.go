// Package submit pushes a transcript to the document store and tells the
// user how it went.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dictate/internal/docstore"
	"github.com/loqalabs/loqa-dictate/internal/notify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TimestampLayout matches JavaScript's Date.toISOString for UTC instants.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	MessageSuccess = "Text pushed to database successfully"
	MessageFailure = "Error pushing text to database"
)

var ErrEmptyText = errors.New("nothing to submit: transcript is empty")

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Record is the document built for one submission.
type Record struct {
	Text      string
	Timestamp string
}

// Outcome reports how a submission ended. Err is set on failure.
type Outcome struct {
	Status Status
	ID     string
	Record Record
	Err    error
}

func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// SubmissionError wraps a failed document write.
type SubmissionError struct {
	ID  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit document %s: %v", e.ID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

type Config struct {
	Collection string
	// IDStrategy is "uuid" (time-ordered UUIDv7) or "timestamp" (the record
	// timestamp itself, which can collide under rapid submission).
	IDStrategy     string
	WriteTimeout   time.Duration
	NotifyDuration time.Duration
}

type Submitter struct {
	writer   docstore.Writer
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	counter  metric.Int64Counter
	clock    func() time.Time
	wg       sync.WaitGroup
}

func New(writer docstore.Writer, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Submitter {
	if cfg.Collection == "" {
		cfg.Collection = "extractedtext"
	}
	s := &Submitter{
		writer:   writer,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "submit")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-dictate/submit"),
		clock:    time.Now,
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-dictate/submit").Int64Counter(
		"dictate.submissions", metric.WithDescription("Transcript submissions by outcome"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		s.counter = counter
	}
	return s
}

// Submit writes text as a new document. It never panics or returns an error
// past this boundary; the outcome carries any failure.
func (s *Submitter) Submit(ctx context.Context, text string) Outcome {
	if strings.TrimSpace(text) == "" {
		s.logger.Warn("rejected empty submission")
		s.count(ctx, "rejected")
		return Outcome{Status: StatusFailure, Err: ErrEmptyText}
	}

	now := s.clock().UTC()
	record := Record{Text: text, Timestamp: now.Format(TimestampLayout)}
	id := s.documentID(record)

	ctx, span := s.tracer.Start(ctx, "submit.write", trace.WithAttributes(
		attribute.String("dictate.collection", s.cfg.Collection),
		attribute.String("dictate.document_id", id),
	))
	defer span.End()

	writeCtx := ctx
	if s.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
	}

	err := s.writer.WriteDocument(writeCtx, s.cfg.Collection, id, docstore.Fields{
		Text:      record.Text,
		Timestamp: record.Timestamp,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		subErr := &SubmissionError{ID: id, Err: err}
		s.logger.Error("failed to push text", slog.String("id", id), slog.String("error", err.Error()))
		s.count(ctx, "failure")
		s.notify(ctx, notify.KindFailure, MessageFailure, id)
		return Outcome{Status: StatusFailure, ID: id, Record: record, Err: subErr}
	}

	s.logger.Info("text pushed", slog.String("collection", s.cfg.Collection), slog.String("id", id))
	s.count(ctx, "success")
	s.notify(ctx, notify.KindSuccess, MessageSuccess, id)
	return Outcome{Status: StatusSuccess, ID: id, Record: record}
}

// SubmitAsync runs Submit in the background. The submission is detached from
// ctx cancellation; the buffered channel receives exactly one outcome.
func (s *Submitter) SubmitAsync(ctx context.Context, text string) <-chan Outcome {
	out := make(chan Outcome, 1)
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out <- s.Submit(ctx, text)
		close(out)
	}()
	return out
}

// Wait blocks until background submissions finish.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

func (s *Submitter) documentID(record Record) string {
	if s.cfg.IDStrategy == "timestamp" {
		return record.Timestamp
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Submitter) notify(ctx context.Context, kind notify.Kind, message, id string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, notify.Notification{
		Kind:       kind,
		Message:    message,
		DocumentID: id,
		Duration:   s.cfg.NotifyDuration,
		Timestamp:  s.clock().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to deliver notification", slog.String("error", err.Error()))
	}
}

func (s *Submitter) count(ctx context.Context, outcome string) {
	if s.counter != nil {
		s.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
