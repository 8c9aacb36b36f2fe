package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/server"
	"github.com/agentplexus/omnivoice-callflow/twiml"
)

// maxRedirects bounds redirect chains within one step.
const maxRedirects = 10

// phone plays the telephony gateway: it posts webhooks the way Twilio
// does and acts on the TwiML it gets back.
type phone struct {
	baseURL   string
	publicURL string
	authToken string
	client    *http.Client
	sleep     func(context.Context, time.Duration)

	callID string
	from   string
	to     string
}

// turn is where the call stands after a step.
type turn struct {
	lines  []string
	action string
	rest   []flow.Instruction
	ended  bool
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *phone) resolve(target string) string {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return strings.TrimRight(p.baseURL, "/") + "/" + strings.TrimLeft(target, "/")
}

func (p *phone) form(extra map[string]string) url.Values {
	v := url.Values{
		"CallSid":   {p.callID},
		"From":      {p.from},
		"To":        {p.to},
		"Direction": {"inbound"},
	}
	for k, val := range extra {
		v.Set(k, val)
	}
	return v
}

// post sends a webhook and returns the response body.
func (p *phone) post(ctx context.Context, target string, form url.Values) (int, []byte, error) {
	full := p.resolve(target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, full, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.authToken != "" {
		signed := full
		if p.publicURL != "" {
			signed = strings.Replace(full, strings.TrimRight(p.baseURL, "/"), strings.TrimRight(p.publicURL, "/"), 1)
		}
		req.Header.Set(server.SignatureHeader, server.Sign(p.authToken, signed, form))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func (p *phone) fetch(ctx context.Context, target string, extra map[string]string) ([]flow.Instruction, error) {
	status, body, err := p.post(ctx, target, p.form(extra))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", target, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", target, status)
	}
	ins, err := twiml.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", target, err)
	}
	return ins, nil
}

// play runs instructions until the call waits for speech or hangs up.
// A document that runs out of verbs hangs up, as on a real call.
func (p *phone) play(ctx context.Context, ins []flow.Instruction) (turn, error) {
	var t turn
	redirects := 0
	for {
		next, ok := p.walk(ctx, ins, &t)
		if !ok {
			return t, nil
		}
		redirects++
		if redirects > maxRedirects {
			return t, fmt.Errorf("too many redirects")
		}
		var err error
		ins, err = p.fetch(ctx, next, nil)
		if err != nil {
			return t, err
		}
	}
}

// walk applies ins to t. It returns a redirect target and true when the
// document hands control to another webhook.
func (p *phone) walk(ctx context.Context, ins []flow.Instruction, t *turn) (string, bool) {
	for i, in := range ins {
		switch in.Kind {
		case flow.KindSpeak:
			t.lines = append(t.lines, in.Text)
		case flow.KindPause:
			p.sleep(ctx, time.Duration(in.Seconds)*time.Second)
		case flow.KindListen:
			t.action = in.Target
			t.rest = ins[i+1:]
			return "", false
		case flow.KindRedirect:
			return in.Target, true
		case flow.KindHangup:
			t.ended = true
			return "", false
		}
	}
	t.ended = true
	return "", false
}

// dial starts the call.
func (p *phone) dial(ctx context.Context) (turn, error) {
	ins, err := p.fetch(ctx, callflow.PathStartCall, nil)
	if err != nil {
		return turn{}, err
	}
	return p.play(ctx, ins)
}

// answer responds to a waiting gather. Silence continues with the verbs
// after the gather.
func (p *phone) answer(ctx context.Context, waiting turn, speech string) (turn, error) {
	speech = strings.TrimSpace(speech)
	if speech == "" {
		return p.play(ctx, waiting.rest)
	}
	ins, err := p.fetch(ctx, waiting.action, map[string]string{
		"SpeechResult": speech,
		"Confidence":   "0.9",
	})
	if err != nil {
		return turn{}, err
	}
	return p.play(ctx, ins)
}

// hangup reports the end of the call through the status callback.
func (p *phone) hangup(ctx context.Context) error {
	status, _, err := p.post(ctx, callflow.PathCallStatus, p.form(map[string]string{
		"CallStatus": callflow.CallStatusCompleted,
	}))
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("call status: unexpected status %d", status)
	}
	return nil
}
