package twiml

import (
	"strings"
	"testing"

	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/stt"
	"github.com/agentplexus/omnivoice-callflow/tts"
)

func newRenderer(t *testing.T, opts ...Option) *Renderer {
	t.Helper()
	say, err := tts.New()
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	return New(say, stt.New(), opts...)
}

func TestRenderStartCall(t *testing.T) {
	r := newRenderer(t)
	doc, err := r.Render([]flow.Instruction{
		flow.Speak("Hello & welcome", ""),
		flow.Listen("/respond"),
		flow.Redirect("/end-call"),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(doc)
	if !strings.HasPrefix(s, `<?xml version="1.0" encoding="UTF-8"?>`) {
		t.Fatalf("missing xml header: %s", s)
	}
	for _, want := range []string{
		`<Say voice="Polly.Joanna-Neural">Hello &amp; welcome</Say>`,
		`<Gather input="speech" action="/respond" method="POST" language="en-US" speechModel="experimental_conversations" speechTimeout="auto"></Gather>`,
		`<Redirect method="POST">/end-call</Redirect>`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %s in %s", want, s)
		}
	}
	if strings.Index(s, "<Say") > strings.Index(s, "<Gather") || strings.Index(s, "<Gather") > strings.Index(s, "<Redirect") {
		t.Fatalf("verbs out of order: %s", s)
	}
}

func TestRenderPauseAndHangup(t *testing.T) {
	r := newRenderer(t)
	doc, err := r.Render([]flow.Instruction{
		flow.Speak("one", "alice"),
		flow.Pause(2),
		flow.Speak("two", "alice"),
		flow.Hangup(),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(doc)
	if !strings.Contains(s, `<Say voice="alice" language="en-US">one</Say><Pause length="2"></Pause><Say voice="alice" language="en-US">two</Say><Hangup></Hangup>`) {
		t.Fatalf("unexpected document: %s", s)
	}
}

func TestRenderBaseURL(t *testing.T) {
	r := newRenderer(t, WithBaseURL("https://calls.example.test/"))
	doc, err := r.Render([]flow.Instruction{flow.Redirect("/send-sms"), flow.Redirect("https://other.test/x")})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	s := string(doc)
	if !strings.Contains(s, ">https://calls.example.test/send-sms<") || !strings.Contains(s, ">https://other.test/x<") {
		t.Fatalf("unexpected targets: %s", s)
	}
}

func TestRenderUnknownKind(t *testing.T) {
	r := newRenderer(t)
	if _, err := r.Render([]flow.Instruction{{Kind: "dial"}}); err == nil {
		t.Fatalf("expected error for unknown instruction")
	}
}

func TestParseRoundTrip(t *testing.T) {
	r := newRenderer(t)
	in := []flow.Instruction{
		flow.Speak("part one", "Polly.Joanna-Neural"),
		flow.Pause(1),
		flow.Speak("part two", "Polly.Joanna-Neural"),
		flow.Listen("/respond"),
		flow.Redirect("/end-call"),
	}
	doc, err := r.Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d instructions, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("instruction %d: got %+v want %+v", i, out[i], in[i])
		}
	}
}

func TestParseNestedGather(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Gather input="speech" action="/respond">
        <Say>What is your name?</Say>
    </Gather>
    <Pause/>
    <Hangup/>
</Response>`
	out, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("unexpected instructions: %+v", out)
	}
	if out[0].Kind != flow.KindSpeak || out[0].Text != "What is your name?" {
		t.Fatalf("unexpected first instruction: %+v", out[0])
	}
	if out[1].Kind != flow.KindListen || out[1].Target != "/respond" {
		t.Fatalf("unexpected listen: %+v", out[1])
	}
	if out[2].Kind != flow.KindPause || out[2].Seconds != 1 {
		t.Fatalf("unexpected pause: %+v", out[2])
	}
	if out[3].Kind != flow.KindHangup {
		t.Fatalf("expected hangup, got %+v", out[3])
	}
}

func TestParseRejectsUnknownVerb(t *testing.T) {
	if _, err := Parse([]byte(`<Response><Dial>+15551234567</Dial></Response>`)); err == nil {
		t.Fatalf("expected error for unsupported verb")
	}
	if _, err := Parse([]byte(`<Html></Html>`)); err == nil {
		t.Fatalf("expected error for wrong root")
	}
}
