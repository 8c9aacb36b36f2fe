// Package dialogue asks a language model for the next assistant turn of a
// call.
//
// Backends receive the full transcript and return one assistant turn with
// surrounding whitespace and any echoed role label removed. A backend never
// retries; a failed or empty reply is reported as ErrUnavailable and the
// caller decides what to tell the person on the line.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/agentplexus/omnivoice-callflow/session"
)

var (
	// ErrUnavailable is returned when the dialogue engine cannot produce a reply.
	ErrUnavailable = errors.New("dialogue unavailable")

	// ErrMalformedReply is returned when the engine answered with unusable
	// content. It matches ErrUnavailable under errors.Is.
	ErrMalformedReply = fmt.Errorf("%w: malformed reply", ErrUnavailable)
)

// Client produces the next assistant turn for a transcript.
type Client interface {
	Complete(ctx context.Context, transcript []session.Turn) (session.Turn, error)
}

// Func adapts a function to the Client interface.
type Func func(ctx context.Context, transcript []session.Turn) (session.Turn, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, transcript []session.Turn) (session.Turn, error) {
	return f(ctx, transcript)
}

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Option configures a backend.
type Option func(*options)

type options struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	structured  bool
	persona     string
	httpClient  *http.Client
}

// WithAPIKey sets the backend API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithBaseURL points the backend at a different endpoint.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *options) {
		o.temperature = t
	}
}

// WithStructuredActions asks the backend for a JSON reply carrying an
// explicit action field. Only the OpenAI backend supports it.
func WithStructuredActions(enabled bool) Option {
	return func(o *options) {
		o.structured = enabled
	}
}

// WithPersona adds the agent's name to the role labels stripped from replies.
func WithPersona(name string) Option {
	return func(o *options) {
		o.persona = name
	}
}

// WithHTTPClient sets the HTTP client used by the backend.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func newOptions(opts []Option) *options {
	cfg := &options{temperature: 0.5}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// New creates the backend named by provider.
func New(ctx context.Context, provider string, opts ...Option) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderOpenAI:
		return NewOpenAI(opts...)
	case ProviderGemini:
		return NewGemini(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown dialogue provider %q", provider)
	}
}

var defaultLabels = []string{"assistant", "system", "user", "ai", "bot"}

// labelPattern matches one leading "<label>:" for the given labels.
func labelPattern(extra ...string) *regexp.Regexp {
	labels := make([]string, 0, len(defaultLabels)+len(extra))
	for _, l := range append(append([]string{}, defaultLabels...), extra...) {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, regexp.QuoteMeta(l))
		}
	}
	return regexp.MustCompile(`(?i)^\s*(?:` + strings.Join(labels, "|") + `)\s*:\s*`)
}

var defaultLabelPattern = labelPattern()

// Normalize drops one leading role label such as "Assistant:" (or
// "<persona>:") and trims surrounding whitespace.
func Normalize(text string, persona ...string) string {
	pattern := defaultLabelPattern
	if hasLabel(persona) {
		pattern = labelPattern(persona...)
	}
	return pattern.ReplaceAllString(strings.TrimSpace(text), "")
}

func hasLabel(extra []string) bool {
	for _, l := range extra {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

// reply turns raw backend text into an assistant turn.
func reply(raw string, action session.Action, pattern *regexp.Regexp) (session.Turn, error) {
	text := strings.TrimSpace(pattern.ReplaceAllString(strings.TrimSpace(raw), ""))
	if text == "" {
		return session.Turn{}, ErrMalformedReply
	}
	return session.Turn{Role: session.RoleAssistant, Text: text, Action: action}, nil
}
