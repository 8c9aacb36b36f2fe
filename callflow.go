// Package callflow drives Twilio voice calls through an LLM dialogue agent.
//
// A call is a sequence of Twilio webhooks. Each webhook is routed to the
// flow.Controller, which keeps one transcript per CallSid in a session.Store,
// asks a dialogue.Client for the next assistant turn, and answers with TwiML
// built by the twiml package. When the agent offers to confirm by text, the
// controller hands off to a notify.Sender before ending the call.
//
// # Packages
//
//   - session: per-call transcripts with per-key locking
//   - dialogue: OpenAI and Gemini backends for the next assistant turn
//   - notify: SMS delivery through the Twilio Messages API
//   - flow: the call-flow state machine
//   - twiml, tts, stt: TwiML rendering of flow instructions
//   - callsystem: Twilio call registry (status callbacks, outbound dial)
//   - server: HTTP webhooks, middleware and the live monitor feed
//
// # Environment Variables
//
//	TWILIO_ACCOUNT_SID - Your Twilio Account SID
//	TWILIO_AUTH_TOKEN  - Your Twilio Auth Token
//	CALL_CENTER_NUMBER - Number text messages are sent from
//	OPENAI_API_KEY     - Key for the OpenAI dialogue backend
//
// # Quick Start
//
//	go run ./cmd/callflow serve
//	go run ./cmd/callsim -url http://localhost:8080
package callflow

// Version is the module version.
const Version = "0.2.0"

// ProviderName is the name used to identify this provider in OmniVoice.
const ProviderName = "twilio"

// Twilio API constants.
const (
	// DefaultAPIBaseURL is the Twilio REST API base URL.
	DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"
)

// TwiML voice options.
const (
	VoiceAlice         = "alice"               // Twilio's default voice
	VoicePolly         = "Polly."              // Amazon Polly prefix (e.g., "Polly.Joanna")
	VoiceGoogle        = "Google."             // Google TTS prefix (e.g., "Google.en-US-Standard-A")
	VoiceJoannaNeural  = "Polly.Joanna-Neural" // Default agent voice
	DefaultLanguage    = "en-US"
	DefaultSpeechModel = "experimental_conversations"
)

// Call status constants as sent in Twilio status callbacks.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// IsTerminalStatus reports whether a call status means the call is over.
func IsTerminalStatus(status string) bool {
	switch status {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}

// Webhook paths served for Twilio.
const (
	PathHealthCheck = "/health-check"
	PathStartCall   = "/start-call"
	PathRespond     = "/respond"
	PathTranscribe  = "/transcribe"
	PathEndCall     = "/end-call"
	PathSendSMS     = "/send-sms"
	PathCallStatus  = "/call-status"
	PathCalls       = "/v1/calls"
	PathMonitor     = "/v1/monitor"
)
