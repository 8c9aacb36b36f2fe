package flow

import (
	"time"

	"github.com/agentplexus/omnivoice-callflow/session"
)

// Event types published to an Observer.
const (
	EventCallStarted         = "call.started"
	EventTurnAppended        = "turn.appended"
	EventNotificationPending = "notification.pending"
	EventNotificationSent    = "notification.sent"
	EventNotificationFailed  = "notification.failed"
	EventCallEnded           = "call.ended"
)

// Event describes a change to a call.
type Event struct {
	Type    string       `json:"type"`
	CallID  string       `json:"call_id"`
	At      time.Time    `json:"at"`
	Role    session.Role `json:"role,omitempty"`
	Text    string       `json:"text,omitempty"`
	Outcome Outcome      `json:"outcome,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// Observer receives call events. Publish must not block.
type Observer interface {
	Publish(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// Publish calls f.
func (f ObserverFunc) Publish(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Publish(Event) {}
