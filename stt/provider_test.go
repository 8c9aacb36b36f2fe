package stt

import (
	"encoding/xml"
	"strings"
	"testing"
)

func TestGatherDefaults(t *testing.T) {
	g := New().Gather("/respond")
	if g.Input != "speech" || g.Action != "/respond" || g.Method != "POST" {
		t.Fatalf("unexpected gather: %+v", g)
	}
	if g.SpeechModel != "experimental_conversations" || g.SpeechTimeout != "auto" {
		t.Fatalf("unexpected recognition setup: %+v", g)
	}
	if g.ProfanityFilter != "" {
		t.Fatalf("profanity filter attribute should be omitted by default")
	}
}

func TestGatherOptions(t *testing.T) {
	p := New(
		WithLanguage("es-US"),
		WithSpeechModel("phone_call"),
		WithSpeechTimeout("3"),
		WithMethod("GET"),
		WithProfanityFilter(false),
	)
	out, err := xml.Marshal(p.Gather("/respond"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `<Gather input="speech" action="/respond" method="GET" language="es-US" speechModel="phone_call" speechTimeout="3" profanityFilter="false"></Gather>`
	if !strings.Contains(string(out), want) {
		t.Fatalf("got %s want %s", out, want)
	}
}
