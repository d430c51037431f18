package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// CaptureCommand asks an edge device to begin or end microphone capture.
type CaptureCommand struct {
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Locale    string    `json:"locale,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureAck is the edge device reply to a start command.
type CaptureAck struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
}

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Candidates []string  `json:"candidates,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// ScreenState mirrors what a UI shell renders.
type ScreenState struct {
	Phase      string     `json:"phase"`
	SessionID  string     `json:"session_id,omitempty"`
	Transcript string     `json:"transcript"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	CanSubmit  bool       `json:"can_submit"`
	// Revision orders state messages; a lower revision than one already
	// seen is stale.
	Revision uint64 `json:"revision"`
	Epoch    uint64 `json:"epoch"`
}

// CommandReply answers every control request.
type CommandReply struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	State ScreenState `json:"state"`
}

// Notification is a short-lived message for the user.
type Notification struct {
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	DurationMS int       `json:"duration_ms"`
	DocumentID string    `json:"document_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectCaptureStart      = "speech.capture.start"
	SubjectCaptureStop       = "speech.capture.stop"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"

	CaptureActionStart = "start"
	CaptureActionStop  = "stop"

	NotificationSuccess = "success"
	NotificationFailure = "failure"
)

// Control subjects are relative to the configured prefix.
const (
	CommandStart        = "start"
	CommandStop         = "stop"
	CommandClear        = "clear"
	CommandSubmit       = "submit"
	CommandState        = "state"
	SubjectStateChanged = "state.changed"
)
