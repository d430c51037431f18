// Package docstore persists submitted transcripts as create-only documents.
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDocumentExists is returned instead of overwriting an existing record.
	ErrDocumentExists = errors.New("document already exists")
	ErrNotFound       = errors.New("document not found")
)

// Fields is the document body written for every submission.
type Fields struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// Document is a stored record.
type Document struct {
	Collection string
	ID         string
	Fields
	CreatedAt time.Time
}

// Writer is the document persistence provider used by the submitter.
type Writer interface {
	WriteDocument(ctx context.Context, collection, id string, fields Fields) error
}

// Reader looks documents back up; every backend implements it.
type Reader interface {
	GetDocument(ctx context.Context, collection, id string) (Document, error)
}
