package speech

import (
	"context"
	"strings"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text         string
	Confidence   float64
	Alternatives []string
}

// Candidates returns the non-empty hypotheses, best first, without duplicates.
func (r TranscriptResult) Candidates() []string {
	seen := make(map[string]struct{}, len(r.Alternatives)+1)
	var out []string
	for _, text := range append([]string{r.Text}, r.Alternatives...) {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, text)
	}
	return out
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}
