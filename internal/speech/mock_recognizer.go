package speech

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	var ms int
	if sampleRate > 0 && channels > 0 {
		ms = len(pcm) / 2 * 1000 / (sampleRate * channels)
	}
	return TranscriptResult{
		Text:         fmt.Sprintf("[%s transcript %dms]", mode, ms),
		Alternatives: []string{fmt.Sprintf("[%s transcript bytes=%d]", mode, len(pcm))},
	}, nil
}
