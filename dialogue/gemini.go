package dialogue

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/agentplexus/omnivoice-callflow/session"
)

// Verify interface compliance at compile time.
var _ Client = (*Gemini)(nil)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// Gemini implements Client with the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float64
	labels      *regexp.Regexp
}

// NewGemini creates a Gemini backend. Structured actions are not requested
// from Gemini; the sentinel phrase remains the only intent signal.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := newOptions(opts)

	cc := &genai.ClientConfig{
		APIKey:     cfg.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.httpClient,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := cfg.model
	if model == "" {
		model = DefaultGeminiModel
	}

	return &Gemini{
		client:      client,
		model:       model,
		temperature: cfg.temperature,
		labels:      labelPattern(cfg.persona),
	}, nil
}

// Complete returns the next assistant turn.
func (g *Gemini) Complete(ctx context.Context, transcript []session.Turn) (session.Turn, error) {
	system, contents := geminiContents(transcript)

	temperature := float32(g.temperature)
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       &temperature,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return session.Turn{}, fmt.Errorf("%w: gemini: %w", ErrUnavailable, err)
	}
	if resp == nil {
		return session.Turn{}, fmt.Errorf("%w: gemini returned no response", ErrMalformedReply)
	}
	return reply(resp.Text(), session.ActionNone, g.labels)
}

// geminiContents splits a transcript into a system instruction and the
// user/model exchange. Leading system turns form the instruction; a system
// turn after the conversation has started is sent as user content so a
// trailing prompt stays the last thing the model reads.
func geminiContents(transcript []session.Turn) (*genai.Content, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(transcript))
	for _, t := range transcript {
		switch t.Role {
		case session.RoleSystem:
			if len(contents) == 0 {
				system = append(system, t.Text)
				continue
			}
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleUser))
		case session.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleModel))
		case session.RoleUser:
			contents = append(contents, genai.NewContentFromText(t.Text, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}
