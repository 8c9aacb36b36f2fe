// Package stt builds the TwiML <Gather> verb that collects a caller's
// speech. Recognition runs inside Twilio; the result arrives as the
// SpeechResult field of the action webhook.
package stt

import (
	"encoding/xml"
	"net/http"

	callflow "github.com/agentplexus/omnivoice-callflow"
)

// Provider builds <Gather> elements with a fixed recognition setup.
type Provider struct {
	language        string
	speechModel     string
	speechTimeout   string
	method          string
	profanityFilter bool
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	language        string
	speechModel     string
	speechTimeout   string
	method          string
	profanityFilter bool
}

// WithLanguage sets the recognition language.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// WithSpeechModel sets the speech recognition model.
// Options: "default", "numbers_and_commands", "phone_call", "experimental_conversations"
func WithSpeechModel(model string) Option {
	return func(o *options) {
		o.speechModel = model
	}
}

// WithSpeechTimeout sets seconds of silence before speech is finalized,
// or "auto".
func WithSpeechTimeout(timeout string) Option {
	return func(o *options) {
		o.speechTimeout = timeout
	}
}

// WithMethod sets the HTTP method of the action webhook.
func WithMethod(method string) Option {
	return func(o *options) {
		o.method = method
	}
}

// WithProfanityFilter enables or disables the profanity filter.
func WithProfanityFilter(enabled bool) Option {
	return func(o *options) {
		o.profanityFilter = enabled
	}
}

// New creates a provider.
func New(opts ...Option) *Provider {
	cfg := &options{
		language:        callflow.DefaultLanguage,
		speechModel:     callflow.DefaultSpeechModel,
		speechTimeout:   "auto",
		method:          http.MethodPost,
		profanityFilter: true,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Provider{
		language:        cfg.language,
		speechModel:     cfg.speechModel,
		speechTimeout:   cfg.speechTimeout,
		method:          cfg.method,
		profanityFilter: cfg.profanityFilter,
	}
}

// GatherElement represents a TwiML <Gather> element.
type GatherElement struct {
	XMLName         xml.Name `xml:"Gather"`
	Input           string   `xml:"input,attr,omitempty"`
	Action          string   `xml:"action,attr,omitempty"`
	Method          string   `xml:"method,attr,omitempty"`
	Language        string   `xml:"language,attr,omitempty"`
	SpeechModel     string   `xml:"speechModel,attr,omitempty"`
	SpeechTimeout   string   `xml:"speechTimeout,attr,omitempty"`
	ProfanityFilter string   `xml:"profanityFilter,attr,omitempty"`
}

// Gather builds a speech <Gather> that posts its result to action.
func (p *Provider) Gather(action string) *GatherElement {
	g := &GatherElement{
		Input:         "speech",
		Action:        action,
		Method:        p.method,
		Language:      p.language,
		SpeechModel:   p.speechModel,
		SpeechTimeout: p.speechTimeout,
	}
	// Twilio filters profanity unless told otherwise.
	if !p.profanityFilter {
		g.ProfanityFilter = "false"
	}
	return g
}
