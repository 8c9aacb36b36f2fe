// Package tts speaks agent replies on Twilio calls.
//
// Twilio has no audio synthesis endpoint for calls; speech is produced by
// the <Say> verb. Provider builds <Say> elements for the TwiML renderer and
// exposes the voice catalog through the OmniVoice tts.Provider interface.
package tts

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/agentplexus/omnivoice/tts"

	callflow "github.com/agentplexus/omnivoice-callflow"
)

// Verify interface compliance at compile time.
var _ tts.Provider = (*Provider)(nil)

// Provider renders speech as TwiML <Say>.
type Provider struct {
	defaultVoice    string
	defaultLanguage string
	voices          []tts.Voice
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	voice    string
	language string
}

// WithVoice sets the default voice.
func WithVoice(voice string) Option {
	return func(o *options) {
		o.voice = voice
	}
}

// WithLanguage sets the default language.
func WithLanguage(language string) Option {
	return func(o *options) {
		o.language = language
	}
}

// New creates a provider. The default voice must be a known voice or carry
// a Polly. or Google. prefix.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		voice:    callflow.VoiceJoannaNeural,
		language: callflow.DefaultLanguage,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	p := &Provider{
		defaultVoice:    cfg.voice,
		defaultLanguage: cfg.language,
		voices:          catalog(),
	}
	if !p.Supports(cfg.voice) {
		return nil, fmt.Errorf("unsupported voice: %s", cfg.voice)
	}
	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return callflow.ProviderName
}

// DefaultVoice returns the voice used when none is given.
func (p *Provider) DefaultVoice() string {
	return p.defaultVoice
}

// SayElement represents a TwiML <Say> element.
type SayElement struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// Say builds a <Say> element. An empty voice selects the default voice.
// Polly and Google voices pick their own language, so none is set for them.
func (p *Provider) Say(text, voice string) *SayElement {
	if voice == "" {
		voice = p.defaultVoice
	}
	say := &SayElement{Voice: voice, Text: text}
	if !strings.HasPrefix(voice, callflow.VoicePolly) && !strings.HasPrefix(voice, callflow.VoiceGoogle) {
		say.Language = p.defaultLanguage
	}
	return say
}

// Supports reports whether voice can be used with <Say>.
func (p *Provider) Supports(voice string) bool {
	if strings.HasPrefix(voice, callflow.VoicePolly) && len(voice) > len(callflow.VoicePolly) {
		return true
	}
	if strings.HasPrefix(voice, callflow.VoiceGoogle) && len(voice) > len(callflow.VoiceGoogle) {
		return true
	}
	for _, v := range p.voices {
		if v.ID == voice {
			return true
		}
	}
	return false
}

// Synthesize returns a TwiML document that speaks text. Format is "twiml".
func (p *Provider) Synthesize(ctx context.Context, text string, config tts.SynthesisConfig) (*tts.SynthesisResult, error) {
	doc, err := p.document(text, config.VoiceID)
	if err != nil {
		return nil, err
	}
	return &tts.SynthesisResult{
		Audio:          doc,
		Format:         "twiml",
		CharacterCount: len(text),
	}, nil
}

// SynthesizeStream yields the Synthesize document as a single final chunk.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, config tts.SynthesisConfig) (<-chan tts.StreamChunk, error) {
	doc, err := p.document(text, config.VoiceID)
	if err != nil {
		return nil, err
	}
	out := make(chan tts.StreamChunk, 1)
	out <- tts.StreamChunk{Audio: doc, IsFinal: true}
	close(out)
	return out, nil
}

// SynthesizeToWriter writes the Synthesize document to w.
func (p *Provider) SynthesizeToWriter(ctx context.Context, text string, config tts.SynthesisConfig, w io.Writer) error {
	doc, err := p.document(text, config.VoiceID)
	if err != nil {
		return err
	}
	_, err = w.Write(doc)
	return err
}

// ListVoices returns the voice catalog.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, len(p.voices))
	copy(out, p.voices)
	return out, nil
}

// GetVoice returns a voice from the catalog.
func (p *Provider) GetVoice(ctx context.Context, voiceID string) (*tts.Voice, error) {
	for _, v := range p.voices {
		if v.ID == voiceID {
			v := v
			return &v, nil
		}
	}
	return nil, fmt.Errorf("voice not found: %s", voiceID)
}

func (p *Provider) document(text, voice string) ([]byte, error) {
	if voice != "" && !p.Supports(voice) {
		return nil, fmt.Errorf("unsupported voice: %s", voice)
	}
	body, err := xml.Marshal(struct {
		XMLName xml.Name `xml:"Response"`
		Say     *SayElement
	}{Say: p.Say(text, voice)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TwiML: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

func catalog() []tts.Voice {
	v := func(id, name, lang, gender string) tts.Voice {
		return tts.Voice{ID: id, Name: name, Language: lang, Gender: gender, Provider: callflow.ProviderName}
	}
	return []tts.Voice{
		v("alice", "Alice", "en-US", "female"),
		v("man", "Man", "en-US", "male"),
		v("woman", "Woman", "en-US", "female"),

		v("Polly.Joanna-Neural", "Joanna (Polly Neural)", "en-US", "female"),
		v("Polly.Matthew-Neural", "Matthew (Polly Neural)", "en-US", "male"),
		v("Polly.Salli-Neural", "Salli (Polly Neural)", "en-US", "female"),
		v("Polly.Joey-Neural", "Joey (Polly Neural)", "en-US", "male"),
		v("Polly.Amy-Neural", "Amy (Polly Neural)", "en-GB", "female"),
		v("Polly.Joanna", "Joanna (Polly)", "en-US", "female"),
		v("Polly.Matthew", "Matthew (Polly)", "en-US", "male"),
		v("Polly.Kendra", "Kendra (Polly)", "en-US", "female"),
		v("Polly.Lupe-Neural", "Lupe (Polly Neural)", "es-US", "female"),

		v("Google.en-US-Standard-C", "Google US Female C", "en-US", "female"),
		v("Google.en-US-Wavenet-D", "Google US Wavenet Male D", "en-US", "male"),
	}
}
