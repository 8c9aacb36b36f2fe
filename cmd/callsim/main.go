// Command callsim simulates a caller against a running callflow server.
//
// It stands in for Twilio: it posts the call webhooks, reads the TwiML
// replies, prints what the agent says and sends typed lines as recognized
// speech. With -watch it also shows the server's live event feed.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/term"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/flow"
	"github.com/agentplexus/omnivoice-callflow/monitor"
)

type options struct {
	url        string
	publicURL  string
	authToken  string
	adminToken string
	from       string
	to         string
	callID     string
	watch      bool
	plain      bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.url, "url", "http://localhost:8080", "callflow server base URL")
	fs.StringVar(&o.publicURL, "public-url", os.Getenv("PUBLIC_URL"), "public URL the server validates signatures against")
	fs.StringVar(&o.authToken, "auth-token", os.Getenv("TWILIO_AUTH_TOKEN"), "sign webhooks with this Twilio auth token")
	fs.StringVar(&o.from, "from", "+15551234567", "caller number")
	fs.StringVar(&o.to, "to", "+15550001111", "called number")
	fs.StringVar(&o.callID, "call-id", "", "CallSid to use (random by default)")
	fs.StringVar(&o.adminToken, "admin-token", os.Getenv("CALLFLOW_ADMIN_TOKEN"), "bearer token for the live event feed")
	fs.BoolVar(&o.watch, "watch", false, "show the server's live event feed")
	fs.BoolVar(&o.plain, "plain", false, "line mode even on a terminal")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.callID == "" {
		o.callID = newCallSID()
	}
	return o, nil
}

// newCallSID returns a Twilio-shaped call id: "CA" and 32 hex digits.
func newCallSID() string {
	return "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newPhone(o options) *phone {
	return &phone{
		baseURL:   strings.TrimRight(o.url, "/"),
		publicURL: o.publicURL,
		authToken: o.authToken,
		client:    &http.Client{Timeout: 60 * time.Second},
		sleep:     sleepCtx,
		callID:    o.callID,
		from:      o.from,
		to:        o.to,
	}
}

func monitorURL(base, callID string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + callflow.PathMonitor + "?call=" + callID
}

// runPlain drives the call line by line.
func runPlain(ctx context.Context, p *phone, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "calling %s from %s (%s)\n", p.to, p.from, p.callID)

	t, err := p.dial(ctx)
	scanner := bufio.NewScanner(in)
	for {
		for _, line := range t.lines {
			fmt.Fprintf(out, "agent: %s\n", line)
		}
		if err != nil {
			_ = p.hangup(context.WithoutCancel(ctx))
			return err
		}
		if t.ended {
			fmt.Fprintln(out, "call ended")
			return p.hangup(context.WithoutCancel(ctx))
		}

		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return p.hangup(context.WithoutCancel(ctx))
		}
		t, err = p.answer(ctx, t, scanner.Text())
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, interactive bool) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	p := newPhone(o)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !interactive || o.plain {
		if o.watch {
			go func() {
				err := monitor.Watch(ctx, monitorURL(o.url, o.callID), o.adminToken, func(e flow.Event) {
					fmt.Fprintf(stderr, "%s\n", formatEvent(e))
				})
				if err != nil {
					fmt.Fprintf(stderr, "watch: %v\n", err)
				}
			}()
		}
		return runPlain(ctx, p, stdin, stdout)
	}

	prog := tea.NewProgram(newModel(ctx, p), tea.WithContext(ctx))
	if o.watch {
		go func() {
			_ = monitor.Watch(ctx, monitorURL(o.url, o.callID), o.adminToken, func(e flow.Event) {
				prog.Send(eventMsg(e))
			})
		}()
	}
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	interactive := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, interactive)
	stop()
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}
