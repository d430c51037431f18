package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyListening = errors.New("recognition session already listening")
	ErrStillListening   = errors.New("stop the recognition session before clearing")
	ErrTornDown         = errors.New("session controller torn down")
)

// ProviderStartError means the recognition engine refused to start, e.g. a
// missing microphone permission or an unavailable locale.
type ProviderStartError struct {
	Locale string
	Err    error
}

func (e *ProviderStartError) Error() string {
	return fmt.Sprintf("start speech recognition (%s): %v", e.Locale, e.Err)
}

func (e *ProviderStartError) Unwrap() error { return e.Err }

// ProviderStopError means the engine could not stop cleanly.
type ProviderStopError struct {
	Err error
}

func (e *ProviderStopError) Error() string {
	return fmt.Sprintf("stop speech recognition: %v", e.Err)
}

func (e *ProviderStopError) Unwrap() error { return e.Err }
