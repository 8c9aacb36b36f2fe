// Command callflow serves the Twilio call-flow webhooks.
//
// Usage:
//
//	callflow [serve]        start the webhook server
//	callflow dial <number>  place an outbound call that runs the same flow
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentplexus/omnivoice/callsystem"
	"golang.org/x/sync/errgroup"

	twiliocalls "github.com/agentplexus/omnivoice-callflow/callsystem"
	"github.com/agentplexus/omnivoice-callflow/config"
	"github.com/agentplexus/omnivoice-callflow/dialogue"
	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/internal/dotenv"
	"github.com/agentplexus/omnivoice-callflow/ledger"
	"github.com/agentplexus/omnivoice-callflow/monitor"
	"github.com/agentplexus/omnivoice-callflow/notify"
	"github.com/agentplexus/omnivoice-callflow/server"
	"github.com/agentplexus/omnivoice-callflow/session"
	"github.com/agentplexus/omnivoice-callflow/stt"
	"github.com/agentplexus/omnivoice-callflow/tts"
	"github.com/agentplexus/omnivoice-callflow/twiml"
)

type deps struct {
	loadConfig  func() (config.Config, error)
	newDialogue func(context.Context, config.Config) (dialogue.Client, error)
	openLedger  func(context.Context, config.Config) (ledger.Store, func(), error)
	listen      func(*http.Server) error
}

func defaultDeps() deps {
	return deps{
		loadConfig:  config.LoadFromEnv,
		newDialogue: newDialogue,
		openLedger:  openLedger,
		listen:      (*http.Server).ListenAndServe,
	}
}

// app is the wired set of components behind the server.
type app struct {
	cfg     config.Config
	server  *server.Server
	calls   *twiliocalls.Provider
	hub     *monitor.Hub
	cleanup func()
}

func newDialogue(ctx context.Context, cfg config.Config) (dialogue.Client, error) {
	return dialogue.New(ctx, cfg.Dialogue.Provider,
		dialogue.WithAPIKey(cfg.DialogueAPIKey()),
		dialogue.WithBaseURL(cfg.Dialogue.OpenAIBaseURL),
		dialogue.WithModel(cfg.Dialogue.Model),
		dialogue.WithTemperature(cfg.Dialogue.Temperature),
		dialogue.WithStructuredActions(cfg.Dialogue.StructuredActions),
		dialogue.WithPersona(scriptFromConfig(cfg).Persona),
	)
}

func openLedger(ctx context.Context, cfg config.Config) (ledger.Store, func(), error) {
	if cfg.Ledger.DatabaseURL == "" {
		return ledger.NewMemoryStore(), func() {}, nil
	}
	pg, err := ledger.OpenPostgres(ctx, cfg.Ledger.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

// scriptFromConfig overlays the configured script texts on the default
// script.
func scriptFromConfig(cfg config.Config) flow.Script {
	s := flow.DefaultScript()
	sc := cfg.Script
	for dst, src := range map[*string]string{
		&s.Persona:      sc.Persona,
		&s.SystemPrompt: sc.SystemPrompt,
		&s.Greeting:     sc.Greeting,
		&s.Goodbye:      sc.Goodbye,
		&s.Apology:      sc.Apology,
		&s.NotifyFailed: sc.NotifyFailed,
		&s.Sentinel:     sc.Sentinel,
		&s.ProbePrompt:  sc.ProbePrompt,
		&s.BodyPrompt:   sc.BodyPrompt,
	} {
		if strings.TrimSpace(src) != "" {
			*dst = src
		}
	}
	s.Voice = cfg.Voice.Voice
	s.PauseSeconds = cfg.Voice.PauseSeconds
	return s
}

func newSender(cfg config.Config, logger *slog.Logger) (notify.Sender, error) {
	if cfg.Twilio.DryRun {
		return notify.NewLog(logger, cfg.Twilio.DefaultCountryCode), nil
	}
	return notify.NewTwilio(
		notify.WithAccountSID(cfg.Twilio.AccountSID),
		notify.WithAuthToken(cfg.Twilio.AuthToken),
		notify.WithFrom(cfg.Twilio.CallCenterNumber),
		notify.WithDefaultCountryCode(cfg.Twilio.DefaultCountryCode),
		notify.WithBaseURL(cfg.Twilio.APIBaseURL),
	)
}

func newCallSystem(cfg config.Config) (*twiliocalls.Provider, error) {
	if cfg.Twilio.DryRun {
		return nil, nil
	}
	return twiliocalls.New(
		twiliocalls.WithAccountSID(cfg.Twilio.AccountSID),
		twiliocalls.WithAuthToken(cfg.Twilio.AuthToken),
		twiliocalls.WithPhoneNumber(cfg.Twilio.CallCenterNumber),
		twiliocalls.WithPublicURL(cfg.Server.PublicURL),
		twiliocalls.WithAPIBaseURL(cfg.Twilio.APIBaseURL),
	)
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger, d deps) (*app, error) {
	dlg, err := d.newDialogue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dialogue: %w", err)
	}
	sender, err := newSender(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	calls, err := newCallSystem(cfg)
	if err != nil {
		return nil, fmt.Errorf("callsystem: %w", err)
	}
	if calls != nil {
		calls.OnIncomingCall(func(call callsystem.Call) error {
			logger.Info("incoming call", "call_id", call.ID(), "from", call.From())
			return nil
		})
	}

	say, err := tts.New(tts.WithVoice(cfg.Voice.Voice), tts.WithLanguage(cfg.Voice.Language))
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}
	gather := stt.New(
		stt.WithLanguage(cfg.Voice.Language),
		stt.WithSpeechModel(cfg.Voice.SpeechModel),
		stt.WithSpeechTimeout(cfg.Voice.SpeechTimeout),
	)

	store, closeLedger, err := d.openLedger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	hub := monitor.New(monitor.WithLogger(logger))
	sessions := session.NewStore()
	ctrl, err := flow.New(sessions, dlg, sender,
		flow.WithScript(scriptFromConfig(cfg)),
		flow.WithLogger(logger),
		flow.WithRecorder(store),
		flow.WithObserver(hub),
	)
	if err != nil {
		closeLedger()
		return nil, err
	}

	srv, err := server.New(cfg, logger, server.Deps{
		Flow:     ctrl,
		Renderer: twiml.New(say, gather),
		Sessions: sessions,
		Calls:    calls,
		Ledger:   store,
		Monitor:  hub,
	})
	if err != nil {
		closeLedger()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		server: srv,
		calls:  calls,
		hub:    hub,
		cleanup: func() {
			hub.Close()
			closeLedger()
		},
	}, nil
}

func runServe(ctx context.Context, logger *slog.Logger, d deps) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := buildApp(ctx, cfg, logger, d)
	if err != nil {
		return err
	}
	defer a.cleanup()

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	logger.Info("starting callflow",
		"addr", cfg.Addr(),
		"public_url", cfg.Server.PublicURL,
		"dialogue", cfg.Dialogue.Provider,
		"signatures", cfg.SignaturesEnabled(),
		"dry_run", cfg.Twilio.DryRun,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.listen(httpSrv); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		a.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGracePeriod)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		if a.calls != nil {
			if err := a.calls.Close(); err != nil {
				logger.Warn("hang up active calls", "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("callflow stopped")
	return nil
}

func runDial(ctx context.Context, logger *slog.Logger, stdout io.Writer, d deps, number string) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	calls, err := newCallSystem(cfg)
	if err != nil {
		return err
	}
	if calls == nil {
		return errors.New("dial needs Twilio credentials (dry run is enabled)")
	}

	to := notify.FormatNumber(number, cfg.Twilio.DefaultCountryCode)
	if to == "" {
		return fmt.Errorf("invalid number %q", number)
	}
	call, err := calls.MakeCall(ctx, to)
	if err != nil {
		return err
	}
	logger.Info("call placed", "call_id", call.ID(), "to", to)
	fmt.Fprintln(stdout, call.ID())
	return nil
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger, d deps) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "serve":
		return runServe(ctx, logger, d)
	case "dial":
		if len(args) != 2 {
			return errors.New("usage: callflow dial <number>")
		}
		return runDial(ctx, logger, stdout, d, args[1])
	default:
		return fmt.Errorf("unknown command %q (want serve or dial)", cmd)
	}
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, d deps) int {
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "callflow: %v\n", err)
		return 1
	}
	if err := run(ctx, args, stdout, logger, d); err != nil {
		fmt.Fprintf(stderr, "callflow: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}
