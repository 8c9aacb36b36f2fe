package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentplexus/omnivoice-callflow/session"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Assistant: Hello there":        "Hello there",
		"  assistant :  Hi  ":           "Hi",
		"AI: sure":                      "sure",
		"Joanna: I can help":            "I can help",
		"Note: the office opens at 9":   "Note: the office opens at 9",
		"Hello\nAssistant: not leading": "Hello\nAssistant: not leading",
		"\n  plain reply \n":            "plain reply",
	}
	for in, want := range cases {
		if got := Normalize(in, "Joanna"); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeStripsOnlyOneLabel(t *testing.T) {
	if got := Normalize("assistant: user: hi"); got != "user: hi" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestMalformedReplyIsUnavailable(t *testing.T) {
	if !errors.Is(ErrMalformedReply, ErrUnavailable) {
		t.Fatalf("expected ErrMalformedReply to match ErrUnavailable")
	}
	_, err := reply("  assistant:   ", session.ActionNone, labelPattern())
	if !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("expected malformed reply, got %v", err)
	}
}

func TestParseStructured(t *testing.T) {
	text, action, ok := parseStructured(`{"reply":"I will text you now.","action":"send_text"}`)
	if !ok || text != "I will text you now." || action != session.ActionSendText {
		t.Fatalf("unexpected parse: %q %q %v", text, action, ok)
	}

	text, action, ok = parseStructured(`{"reply":"What is your date of birth?","action":"none"}`)
	if !ok || action != session.ActionNone || text == "" {
		t.Fatalf("unexpected parse: %q %q %v", text, action, ok)
	}

	if _, _, ok := parseStructured("plain text reply"); ok {
		t.Fatalf("expected plain text to fall through")
	}
}

func TestFuncAdapter(t *testing.T) {
	var c Client = Func(func(ctx context.Context, transcript []session.Turn) (session.Turn, error) {
		return session.Assistant("echo " + transcript[len(transcript)-1].Text), nil
	})
	turn, err := c.Complete(context.Background(), []session.Turn{session.User("hi")})
	if err != nil || turn.Text != "echo hi" {
		t.Fatalf("unexpected turn %+v err %v", turn, err)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), "llama-on-a-toaster"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
	ResponseFormat map[string]any `json:"response_format"`
}

func completionServer(t *testing.T, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			if err := json.Unmarshal(body, seen); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIComplete(t *testing.T) {
	var seen chatRequest
	srv := completionServer(t, "Assistant:  Thanks John. What is your date of birth? ", &seen)
	defer srv.Close()

	c, err := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/v1/"), WithModel("gpt-test"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	turn, err := c.Complete(context.Background(), []session.Turn{
		session.System("be helpful"),
		session.Assistant("Hello!"),
		session.User("John Smith"),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if turn.Role != session.RoleAssistant || turn.Text != "Thanks John. What is your date of birth?" {
		t.Fatalf("unexpected turn: %+v", turn)
	}
	if seen.Model != "gpt-test" {
		t.Fatalf("unexpected model: %s", seen.Model)
	}
	if len(seen.Messages) != 3 || seen.Messages[0].Role != "system" || seen.Messages[2].Role != "user" {
		t.Fatalf("unexpected messages: %+v", seen.Messages)
	}
	if seen.ResponseFormat != nil {
		t.Fatalf("expected no response format without structured actions")
	}
}

func TestOpenAIStructuredActions(t *testing.T) {
	var seen chatRequest
	srv := completionServer(t, `{"reply":"Great, I will send you a text message.","action":"send_text"}`, &seen)
	defer srv.Close()

	c, err := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/v1/"), WithStructuredActions(true))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	turn, err := c.Complete(context.Background(), []session.Turn{session.User("yes please")})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if turn.Action != session.ActionSendText {
		t.Fatalf("expected send_text action, got %q", turn.Action)
	}
	if turn.Text != "Great, I will send you a text message." {
		t.Fatalf("unexpected text: %q", turn.Text)
	}
	if seen.ResponseFormat["type"] != "json_schema" {
		t.Fatalf("expected json_schema response format, got %v", seen.ResponseFormat)
	}
}

func TestOpenAIEmptyReply(t *testing.T) {
	srv := completionServer(t, "   ", nil)
	defer srv.Close()

	c, _ := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/v1/"))
	_, err := c.Complete(context.Background(), []session.Turn{session.User("hello")})
	if !errors.Is(err, ErrMalformedReply) {
		t.Fatalf("expected ErrMalformedReply, got %v", err)
	}
}

func TestOpenAIServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c, _ := NewOpenAI(WithAPIKey("sk-test"), WithBaseURL(srv.URL+"/v1/"))
	_, err := c.Complete(context.Background(), []session.Turn{session.User("hello")})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if errors.Is(err, ErrMalformedReply) {
		t.Fatalf("service error must not be reported as malformed")
	}
}

func TestGeminiContents(t *testing.T) {
	system, contents := geminiContents([]session.Turn{
		session.System("be helpful"),
		session.Assistant("Hello!"),
		session.User("John Smith"),
		session.System("print text message to send"),
	})
	if system == nil || len(system.Parts) != 1 || system.Parts[0].Text != "be helpful" {
		t.Fatalf("unexpected system instruction: %+v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	if contents[0].Role != "model" || contents[1].Role != "user" || contents[2].Role != "user" {
		t.Fatalf("unexpected roles: %s %s %s", contents[0].Role, contents[1].Role, contents[2].Role)
	}
	if contents[2].Parts[0].Text != "print text message to send" {
		t.Fatalf("trailing prompt must be the last content: %q", contents[2].Parts[0].Text)
	}
}

type geminiRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	SystemInstruction struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
}

func TestGeminiComplete(t *testing.T) {
	var seen geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "g-test" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Joanna: Your appointment is Monday at 9."}]},"finishReason":"STOP"}]}`)
	}))
	defer srv.Close()

	c, err := NewGemini(context.Background(),
		WithAPIKey("g-test"),
		WithBaseURL(srv.URL+"/"),
		WithModel("gemini-test"),
		WithPersona("Joanna"),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	turn, err := c.Complete(context.Background(), []session.Turn{
		session.System("be helpful"),
		session.Assistant("Hello!"),
		session.User("John Smith"),
		session.System("print text message to send"),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if turn.Role != session.RoleAssistant || turn.Text != "Your appointment is Monday at 9." {
		t.Fatalf("unexpected turn: %+v", turn)
	}

	if len(seen.SystemInstruction.Parts) != 1 || seen.SystemInstruction.Parts[0].Text != "be helpful" {
		t.Fatalf("unexpected system instruction: %+v", seen.SystemInstruction)
	}
	if n := len(seen.Contents); n != 3 {
		t.Fatalf("expected 3 contents, got %d", n)
	}
	last := seen.Contents[len(seen.Contents)-1]
	if last.Role != "user" || len(last.Parts) != 1 || last.Parts[0].Text != "print text message to send" {
		t.Fatalf("request must end on the trailing prompt: %+v", last)
	}
}

func TestNormalizeCachesDefaultPattern(t *testing.T) {
	if got := Normalize("Bot: hi", " "); got != "hi" {
		t.Fatalf("unexpected result: %q", got)
	}
	allocs := testing.AllocsPerRun(20, func() { _ = Normalize("Assistant: hello") })
	if allocs > 20 {
		t.Fatalf("default pattern recompiled: %.0f allocs per call", allocs)
	}
}
