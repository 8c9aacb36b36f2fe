// Package session keeps the transcript of every active call.
//
// A Session is created on the first webhook of a call and deleted exactly
// once when the call ends. Transcripts are append-only. Store splits its map
// into shards and hands out per-call locks, so work on one call never waits
// for another.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	}
	return false
}

// Action is a structured intent attached to an assistant turn.
type Action string

const (
	ActionNone     Action = ""
	ActionSendText Action = "send_text"
)

// Turn is one utterance in the dialogue.
type Turn struct {
	Role   Role
	Text   string
	Action Action
}

// System returns a system turn.
func System(text string) Turn { return Turn{Role: RoleSystem, Text: text} }

// Assistant returns an assistant turn.
func Assistant(text string) Turn { return Turn{Role: RoleAssistant, Text: text} }

// User returns a user turn.
func User(text string) Turn { return Turn{Role: RoleUser, Text: text} }

// Validate checks the role and, for user and assistant turns, that the
// text is not blank.
func (t Turn) Validate() error {
	if !t.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, t.Role)
	}
	if t.Role != RoleSystem && strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("%w: empty %s text", ErrInvalidTurn, t.Role)
	}
	return nil
}

// Session is the conversation state of one call.
type Session struct {
	CallID     string
	Caller     string
	Transcript []Turn
	CreatedAt  time.Time
}

// Last returns the most recent turn.
func (s Session) Last() (Turn, bool) {
	if len(s.Transcript) == 0 {
		return Turn{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

func (s Session) clone() Session {
	out := s
	out.Transcript = make([]Turn, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	return out
}

var (
	// ErrNotFound is returned when no session exists for a call id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTurn is returned when a turn cannot be appended.
	ErrInvalidTurn = errors.New("invalid turn")
)
