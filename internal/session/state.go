package session

import (
	"strings"
	"time"
)

// Phase is the controller's position in the Idle/Listening/Stopped cycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseListening Phase = "listening"
	PhaseStopped   Phase = "stopped"
)

func (p Phase) String() string { return string(p) }

// State is a copy of the controller's session state. Zero times are blank.
type State struct {
	Phase      Phase
	SessionID  string
	Transcript string
	StartedAt  time.Time
	EndedAt    time.Time
	// Epoch increases on every start, stop and clear.
	Epoch uint64
	// Revision increases on every change observers are told about.
	Revision uint64
}

// CanSubmit reports whether the transcript may be pushed to the database.
func (s State) CanSubmit() bool {
	return strings.TrimSpace(s.Transcript) != ""
}

func (s *State) clearDisplay() {
	s.Transcript = ""
	s.StartedAt = time.Time{}
	s.EndedAt = time.Time{}
}
