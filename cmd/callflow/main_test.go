package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/config"
	"github.com/agentplexus/omnivoice-callflow/dialogue"
	"github.com/agentplexus/omnivoice-callflow/ledger"
	"github.com/agentplexus/omnivoice-callflow/session"
)

func testDeps(cfg config.Config) deps {
	return deps{
		loadConfig: func() (config.Config, error) { return cfg, nil },
		newDialogue: func(context.Context, config.Config) (dialogue.Client, error) {
			return dialogue.Func(func(ctx context.Context, transcript []session.Turn) (session.Turn, error) {
				return session.Assistant("ok"), nil
			}), nil
		},
		openLedger: func(context.Context, config.Config) (ledger.Store, func(), error) {
			return ledger.NewMemoryStore(), func() {}, nil
		},
		listen: (*http.Server).ListenAndServe,
	}
}

func dryRunConfig() config.Config {
	cfg := config.Default()
	cfg.Twilio.DryRun = true
	cfg.Server.ShutdownGracePeriod = time.Second
	return cfg
}

func TestServeAndShutdown(t *testing.T) {
	d := testDeps(dryRunConfig())
	addrc := make(chan string, 1)
	d.listen = func(s *http.Server) error {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		addrc <- ln.Addr().String()
		return s.Serve(ln)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stderr bytes.Buffer
	done := make(chan int, 1)
	go func() { done <- runMain(ctx, []string{"serve"}, &bytes.Buffer{}, &stderr, d) }()

	var addr string
	select {
	case addr = <-addrc:
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not start")
	}

	resp, err := http.Get("http://" + addr + callflow.PathHealthCheck)
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code %d: %s", code, stderr.String())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"bogus"}, &bytes.Buffer{}, &stderr, testDeps(dryRunConfig())); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestDialNeedsCredentials(t *testing.T) {
	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"dial", "5551234567"}, &bytes.Buffer{}, &stderr, testDeps(dryRunConfig())); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "dry run") {
		t.Fatalf("unexpected stderr: %s", stderr.String())
	}
}

func TestDialPlacesCall(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("To") != "+15551234567" || r.PostForm.Get("Url") != "https://calls.example.test/start-call" {
			t.Errorf("unexpected call params: %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	defer api.Close()

	cfg := config.Default()
	cfg.Twilio.AccountSID = "AC1"
	cfg.Twilio.AuthToken = "token"
	cfg.Twilio.CallCenterNumber = "+15550001111"
	cfg.Twilio.APIBaseURL = api.URL
	cfg.Server.PublicURL = "https://calls.example.test"

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"dial", "(555) 123-4567"}, &stdout, &stderr, testDeps(cfg)); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	if strings.TrimSpace(stdout.String()) != "CA42" {
		t.Fatalf("unexpected output: %q", stdout.String())
	}
}

func TestScriptFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Script.Persona = "Sam"
	cfg.Script.Greeting = "Hi, this is Sam."
	cfg.Voice.Voice = "alice"
	cfg.Voice.PauseSeconds = 3

	s := scriptFromConfig(cfg)
	if s.Persona != "Sam" || s.Greeting != "Hi, this is Sam." {
		t.Fatalf("overrides not applied: %+v", s)
	}
	if s.Goodbye != "Thank you, goodbye!" || s.SystemPrompt == "" {
		t.Fatalf("defaults lost: %+v", s)
	}
	if s.Voice != "alice" || s.PauseSeconds != 3 {
		t.Fatalf("voice settings not applied: %+v", s)
	}
}
