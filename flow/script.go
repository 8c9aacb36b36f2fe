package flow

import (
	"errors"
	"strings"

	callflow "github.com/agentplexus/omnivoice-callflow"
)

// Script holds the fixed texts of a call.
type Script struct {
	Persona      string
	Voice        string
	SystemPrompt string
	Greeting     string
	Goodbye      string

	// Apology is spoken when the call cannot continue.
	Apology string

	// NotifyFailed is spoken when the text message could not be sent.
	NotifyFailed string

	// Sentinel in an assistant reply starts the text message handoff.
	Sentinel string

	// ProbePrompt is appended as a transient assistant turn to ask the
	// engine whether the message should be sent now.
	ProbePrompt string

	// BodyPrompt is appended as a transient system turn to ask for the
	// message text.
	BodyPrompt string

	// PauseSeconds separates the parts of a multi-line reply.
	PauseSeconds int
}

// DefaultScript returns the doctor's office scheduling script.
func DefaultScript() Script {
	return Script{
		Persona: "Joanna",
		Voice:   callflow.VoiceJoannaNeural,
		SystemPrompt: "Your name is Joanna. You are a thoughtful and helpful assistant for a doctor's office. " +
			"Your goal is to help someone schedule a doctor's appointment. You need to collect the following information: " +
			"first name, last name, date of birth, insurance provider, insurance id, name of person responsible for paying, " +
			"whether they were referred (either by a person or another provider), address (house number, street name, city, state and zip code), " +
			"marital status, contact number, and email (ensure the email is in a valid format). " +
			"If the caller indicates they are the party responsible for paying, use their name for that information. " +
			"Before asking about the reason for calling, read the information back to the caller and confirm it is correct; if it is not, ask the caller to correct it. " +
			"If all the information is correct, ask about the medical complaint. " +
			"Create a doctor's office with an address and office number. " +
			"Recommend doctors from that office who can help with the medical complaint. " +
			"After the caller has selected a doctor, list available times and dates, using fake data. " +
			"After the caller selects the desired appointment, tell the caller \"I will send you a text message with all the information regarding the appointment.\"",
		Greeting: "Hello, my name is Joanna! I am looking forward to helping you today. " +
			"Before I can do that, I just need to collect some information from you. " +
			"Could you please provide me with your first and last name?",
		Goodbye:      "Thank you, goodbye!",
		Apology:      "I'm sorry, something went wrong on our end. Please call again later. Goodbye!",
		NotifyFailed: "I'm sorry, I was not able to send the text message. Please call again later. Goodbye!",
		Sentinel:     "send you a text message",
		ProbePrompt:  "with a yes or no response, should a text be sent now?",
		BodyPrompt:   "print text message to send",
		PauseSeconds: 1,
	}
}

func (s *Script) applyDefaults() {
	def := DefaultScript()
	if strings.TrimSpace(s.Voice) == "" {
		s.Voice = def.Voice
	}
	if strings.TrimSpace(s.Goodbye) == "" {
		s.Goodbye = def.Goodbye
	}
	if strings.TrimSpace(s.Apology) == "" {
		s.Apology = def.Apology
	}
	if strings.TrimSpace(s.NotifyFailed) == "" {
		s.NotifyFailed = def.NotifyFailed
	}
	if strings.TrimSpace(s.Sentinel) == "" {
		s.Sentinel = def.Sentinel
	}
	if strings.TrimSpace(s.ProbePrompt) == "" {
		s.ProbePrompt = def.ProbePrompt
	}
	if strings.TrimSpace(s.BodyPrompt) == "" {
		s.BodyPrompt = def.BodyPrompt
	}
	if s.PauseSeconds <= 0 {
		s.PauseSeconds = def.PauseSeconds
	}
}

func (s Script) validate() error {
	if strings.TrimSpace(s.SystemPrompt) == "" {
		return errors.New("script: system prompt is required")
	}
	if strings.TrimSpace(s.Greeting) == "" {
		return errors.New("script: greeting is required")
	}
	return nil
}
