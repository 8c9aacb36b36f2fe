package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/agentplexus/omnivoice-callflow/session"
)

// Verify interface compliance at compile time.
var _ Client = (*OpenAI)(nil)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-3.5-turbo"

// OpenAI implements Client with the OpenAI chat completions API.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	structured  bool
	labels      *regexp.Regexp
}

// NewOpenAI creates an OpenAI backend.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := newOptions(opts)

	reqOpts := []option.RequestOption{
		option.WithMaxRetries(0),
	}
	if cfg.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	model := cfg.model
	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAI{
		client:      openai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
		structured:  cfg.structured,
		labels:      labelPattern(cfg.persona),
	}, nil
}

// Complete returns the next assistant turn.
func (o *OpenAI) Complete(ctx context.Context, transcript []session.Turn) (session.Turn, error) {
	params := openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    openAIMessages(transcript),
		Temperature: openai.Float(o.temperature),
	}
	if o.structured {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "voice_turn",
					Description: openai.String("Spoken reply plus the action the call should take next"),
					Schema:      replySchema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return session.Turn{}, fmt.Errorf("%w: openai: %w", ErrUnavailable, err)
	}
	if len(completion.Choices) == 0 {
		return session.Turn{}, fmt.Errorf("%w: openai returned no choices", ErrMalformedReply)
	}

	content := completion.Choices[0].Message.Content
	action := session.ActionNone
	if o.structured {
		if text, act, ok := parseStructured(content); ok {
			content, action = text, act
		}
	}
	return reply(content, action, o.labels)
}

func openAIMessages(transcript []session.Turn) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, t := range transcript {
		switch t.Role {
		case session.RoleSystem:
			messages = append(messages, openai.SystemMessage(t.Text))
		case session.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(t.Text))
		case session.RoleUser:
			messages = append(messages, openai.UserMessage(t.Text))
		}
	}
	return messages
}

var replySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"reply": map[string]any{
			"type":        "string",
			"description": "What the agent says to the caller next.",
		},
		"action": map[string]any{
			"type": "string",
			"enum": []string{"none", string(session.ActionSendText)},
		},
	},
	"required":             []string{"reply", "action"},
	"additionalProperties": false,
}

type structuredReply struct {
	Reply  string `json:"reply"`
	Action string `json:"action"`
}

// parseStructured decodes a JSON reply. ok is false when content is not
// the expected object, in which case the caller treats it as plain text.
func parseStructured(content string) (text string, action session.Action, ok bool) {
	var r structuredReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &r); err != nil {
		return "", session.ActionNone, false
	}
	if r.Action == string(session.ActionSendText) {
		action = session.ActionSendText
	}
	return r.Reply, action, true
}
