// Package flow is the call-flow state machine.
//
// Every Twilio webhook maps to one Controller operation. An operation holds
// the call's lock for its whole duration, reads and appends the transcript,
// talks to the dialogue engine or the messaging gateway, and returns the
// instructions for the caller. Operations never fail outright: a fatal
// problem still yields a spoken apology and a hangup, with the cause in
// Result.Err.
//
// States:
//
//	New -> AwaitingFirstInput -> AwaitingUserTurn* -> PendingNotification -> Ended
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/dialogue"
	"github.com/agentplexus/omnivoice-callflow/ledger"
	"github.com/agentplexus/omnivoice-callflow/notify"
	"github.com/agentplexus/omnivoice-callflow/session"
)

var (
	// ErrSessionNotFound is returned when a webhook refers to a call with
	// no live session outside of Start.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMissingCallID is returned for webhooks without a CallSid.
	ErrMissingCallID = errors.New("missing call id")
)

// Outcome summarizes what an operation did to the call.
type Outcome string

const (
	OutcomeContinue            Outcome = "continue"
	OutcomeNotificationPending Outcome = "notification_pending"
	OutcomeEnded               Outcome = "ended"
	OutcomeNotificationSent    Outcome = "notification_sent"
	OutcomeNotificationFailed  Outcome = "notification_failed"
	OutcomeSessionNotFound     Outcome = "session_not_found"
	OutcomeDialogueUnavailable Outcome = "dialogue_unavailable"
)

// Terminal reports whether the call is over after this outcome.
func (o Outcome) Terminal() bool {
	return o != OutcomeContinue && o != OutcomeNotificationPending
}

// Callback is the part of a webhook the controller needs.
type Callback struct {
	CallID string
	From   string
	To     string
	Speech string
}

// Result is the outcome of one operation.
type Result struct {
	Instructions []Instruction
	Outcome      Outcome
	Err          error
}

// Pending is a text message decided in one turn and sent in the next step.
type Pending struct {
	To   string
	Body string
}

// Routes are the webhook targets used in listen and redirect instructions.
type Routes struct {
	Respond string
	End     string
	Notify  string
}

// DefaultRoutes returns the standard webhook paths.
func DefaultRoutes() Routes {
	return Routes{
		Respond: callflow.PathRespond,
		End:     callflow.PathEndCall,
		Notify:  callflow.PathSendSMS,
	}
}

// Option configures a Controller.
type Option func(*options)

type options struct {
	script   *Script
	routes   Routes
	logger   *slog.Logger
	recorder ledger.Store
	observer Observer
	now      func() time.Time
}

// WithScript replaces the default script.
func WithScript(s Script) Option {
	return func(o *options) {
		o.script = &s
	}
}

// WithRoutes sets the webhook targets.
func WithRoutes(r Routes) Option {
	return func(o *options) {
		o.routes = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRecorder records one outcome per ended call.
func WithRecorder(s ledger.Store) Option {
	return func(o *options) {
		o.recorder = s
	}
}

// WithObserver publishes call events.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Controller drives calls.
type Controller struct {
	store    *session.Store
	dialogue dialogue.Client
	sender   notify.Sender
	script   Script
	routes   Routes
	logger   *slog.Logger
	recorder ledger.Store
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]Pending
}

// New creates a controller.
func New(store *session.Store, dlg dialogue.Client, sender notify.Sender, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("flow: session store is required")
	}
	if dlg == nil {
		return nil, errors.New("flow: dialogue client is required")
	}
	if sender == nil {
		return nil, errors.New("flow: notification sender is required")
	}

	cfg := &options{
		routes:   DefaultRoutes(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	script := DefaultScript()
	if cfg.script != nil {
		script = *cfg.script
	}
	script.applyDefaults()
	if err := script.validate(); err != nil {
		return nil, fmt.Errorf("flow: %w", err)
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Controller{
		store:    store,
		dialogue: dlg,
		sender:   sender,
		script:   script,
		routes:   cfg.routes,
		logger:   logger,
		recorder: cfg.recorder,
		observer: cfg.observer,
		now:      cfg.now,
		pending:  make(map[string]Pending),
	}, nil
}

// Script returns the script in use.
func (c *Controller) Script() Script {
	return c.script
}

// Start opens the call. A second Start for a live call keeps its transcript.
func (c *Controller) Start(ctx context.Context, cb Callback) Result {
	if cb.CallID == "" {
		return c.reject()
	}
	unlock := c.store.Lock(cb.CallID)
	defer unlock()

	_, created, err := c.store.Create(cb.CallID, cb.From, []session.Turn{
		session.System(c.script.SystemPrompt),
		session.Assistant(c.script.Greeting),
	})
	if err != nil {
		return c.fail(ctx, cb.CallID, OutcomeEnded, fmt.Errorf("create session: %w", err))
	}
	if created {
		c.logger.Info("call started", "call_id", cb.CallID, "from", cb.From)
		c.publish(Event{Type: EventCallStarted, CallID: cb.CallID, Detail: cb.From})
	} else {
		c.logger.Debug("call already started", "call_id", cb.CallID)
	}

	return Result{
		Instructions: []Instruction{
			Speak(c.script.Greeting, c.script.Voice),
			Listen(c.routes.Respond),
			Redirect(c.routes.End),
		},
		Outcome: OutcomeContinue,
	}
}

// Respond handles one recognized utterance.
func (c *Controller) Respond(ctx context.Context, cb Callback) Result {
	if cb.CallID == "" {
		return c.reject()
	}
	unlock := c.store.Lock(cb.CallID)
	defer unlock()

	speech := strings.TrimSpace(cb.Speech)
	if speech == "" {
		return c.end(ctx, cb.CallID)
	}

	sess, ok := c.store.Get(cb.CallID)
	if !ok {
		return c.notFound(ctx, cb.CallID)
	}

	user := session.User(speech)
	if err := c.append(cb.CallID, user); err != nil {
		return c.fail(ctx, cb.CallID, OutcomeEnded, err)
	}
	transcript := append(sess.Transcript, user)

	reply, err := c.dialogue.Complete(ctx, transcript)
	if err != nil {
		return c.dialogueFailed(ctx, cb.CallID, err)
	}
	if err := c.append(cb.CallID, reply); err != nil {
		return c.fail(ctx, cb.CallID, OutcomeEnded, err)
	}
	transcript = append(transcript, reply)

	if c.wantsNotification(reply) {
		res, handled := c.offerNotification(ctx, cb.CallID, sess.Caller, transcript)
		if handled {
			return res
		}
	}

	ins := c.speakParts(reply.Text)
	ins = append(ins, Listen(c.routes.Respond), Redirect(c.routes.End))
	return Result{Instructions: ins, Outcome: OutcomeContinue}
}

// offerNotification asks the engine whether to send the text now and, if
// so, for its body. handled is false when the engine declined, in which
// case the voice dialogue continues.
func (c *Controller) offerNotification(ctx context.Context, callID, caller string, transcript []session.Turn) (Result, bool) {
	probe, err := c.dialogue.Complete(ctx, appendTurn(transcript, session.Assistant(c.script.ProbePrompt)))
	if err != nil {
		return c.dialogueFailed(ctx, callID, err), true
	}
	if err := c.append(callID, probe); err != nil {
		return c.fail(ctx, callID, OutcomeEnded, err), true
	}
	transcript = append(transcript, probe)

	if !affirmative(probe) {
		c.logger.Info("text message declined", "call_id", callID)
		return Result{}, false
	}

	body, err := c.dialogue.Complete(ctx, appendTurn(transcript, session.System(c.script.BodyPrompt)))
	if err != nil {
		return c.dialogueFailed(ctx, callID, err), true
	}
	if err := c.append(callID, body); err != nil {
		return c.fail(ctx, callID, OutcomeEnded, err), true
	}

	c.mu.Lock()
	c.pending[callID] = Pending{To: caller, Body: body.Text}
	c.mu.Unlock()

	c.logger.Info("text message pending", "call_id", callID)
	c.publish(Event{Type: EventNotificationPending, CallID: callID, Text: body.Text})

	return Result{
		Instructions: []Instruction{Redirect(c.routes.Notify)},
		Outcome:      OutcomeNotificationPending,
	}, true
}

// Listen waits for the caller's next utterance.
func (c *Controller) Listen(ctx context.Context, cb Callback) Result {
	if cb.CallID == "" {
		return c.reject()
	}
	unlock := c.store.Lock(cb.CallID)
	defer unlock()

	if _, ok := c.store.Get(cb.CallID); !ok {
		return c.notFound(ctx, cb.CallID)
	}
	return Result{
		Instructions: []Instruction{Listen(c.routes.Respond), Redirect(c.routes.End)},
		Outcome:      OutcomeContinue,
	}
}

// Notify sends the pending text message and ends the call either way.
func (c *Controller) Notify(ctx context.Context, cb Callback) Result {
	if cb.CallID == "" {
		return c.reject()
	}
	unlock := c.store.Lock(cb.CallID)
	defer unlock()

	c.mu.Lock()
	p, ok := c.pending[cb.CallID]
	delete(c.pending, cb.CallID)
	c.mu.Unlock()
	if !ok {
		return c.notFound(ctx, cb.CallID)
	}

	if err := c.sender.Send(ctx, p.To, p.Body); err != nil {
		if !errors.Is(err, notify.ErrNotificationFailed) {
			err = &notify.Failure{Code: notify.CodeTransport, Err: err}
		}
		var code string
		var f *notify.Failure
		if errors.As(err, &f) {
			code = f.Code
		}
		c.logger.Warn("text message failed", "call_id", cb.CallID, "code", code, "err", err)
		c.publish(Event{Type: EventNotificationFailed, CallID: cb.CallID, Detail: code})
		c.finish(ctx, cb.CallID, OutcomeNotificationFailed, code)
		return Result{
			Instructions: []Instruction{Speak(c.script.NotifyFailed, c.script.Voice), Hangup()},
			Outcome:      OutcomeNotificationFailed,
			Err:          fmt.Errorf("send text message: %w", err),
		}
	}

	c.logger.Info("text message sent", "call_id", cb.CallID)
	c.publish(Event{Type: EventNotificationSent, CallID: cb.CallID})
	c.finish(ctx, cb.CallID, OutcomeNotificationSent, "")
	return Result{
		Instructions: []Instruction{Speak(c.script.Goodbye, c.script.Voice), Hangup()},
		Outcome:      OutcomeNotificationSent,
	}
}

// End says goodbye and removes the call. Ending an unknown call is not an
// error.
func (c *Controller) End(ctx context.Context, cb Callback) Result {
	if cb.CallID == "" {
		return c.reject()
	}
	unlock := c.store.Lock(cb.CallID)
	defer unlock()
	return c.end(ctx, cb.CallID)
}

// PendingFor returns the pending text message of a call.
func (c *Controller) PendingFor(callID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[callID]
	return p, ok
}

func (c *Controller) end(ctx context.Context, callID string) Result {
	c.finish(ctx, callID, OutcomeEnded, "")
	return Result{
		Instructions: []Instruction{Speak(c.script.Goodbye, c.script.Voice), Hangup()},
		Outcome:      OutcomeEnded,
	}
}

func (c *Controller) notFound(ctx context.Context, callID string) Result {
	c.logger.Warn("unknown call", "call_id", callID)
	c.finish(ctx, callID, OutcomeSessionNotFound, "")
	return Result{
		Instructions: []Instruction{Speak(c.script.Apology, c.script.Voice), Hangup()},
		Outcome:      OutcomeSessionNotFound,
		Err:          fmt.Errorf("call %s: %w", callID, ErrSessionNotFound),
	}
}

func (c *Controller) fail(ctx context.Context, callID string, outcome Outcome, err error) Result {
	c.logger.Error("call failed", "call_id", callID, "outcome", outcome, "err", err)
	c.finish(ctx, callID, outcome, "")
	return Result{
		Instructions: []Instruction{Speak(c.script.Apology, c.script.Voice), Hangup()},
		Outcome:      outcome,
		Err:          fmt.Errorf("call %s: %w", callID, err),
	}
}

// dialogueFailed ends the call with an apology. When the webhook request
// itself was cancelled the session is kept; the transcript is then one
// assistant turn short and the status callback removes it.
func (c *Controller) dialogueFailed(ctx context.Context, callID string, err error) Result {
	if ctx.Err() != nil {
		c.logger.Warn("request cancelled during dialogue", "call_id", callID, "err", err)
		return Result{
			Instructions: []Instruction{Speak(c.script.Apology, c.script.Voice), Hangup()},
			Outcome:      OutcomeDialogueUnavailable,
			Err:          fmt.Errorf("call %s: %w", callID, err),
		}
	}
	return c.fail(ctx, callID, OutcomeDialogueUnavailable, err)
}

func (c *Controller) reject() Result {
	return Result{
		Instructions: []Instruction{Speak(c.script.Apology, c.script.Voice), Hangup()},
		Outcome:      OutcomeSessionNotFound,
		Err:          ErrMissingCallID,
	}
}

// finish deletes the session and records the outcome. Only the path that
// actually deletes the session records it, so each call is recorded once.
func (c *Controller) finish(ctx context.Context, callID string, outcome Outcome, failureCode string) {
	c.mu.Lock()
	delete(c.pending, callID)
	c.mu.Unlock()

	sess, ok := c.store.Get(callID)
	if !ok {
		return
	}
	if err := c.store.Delete(callID); err != nil {
		return
	}

	now := c.now()
	c.logger.Info("call ended", "call_id", callID, "outcome", outcome, "turns", len(sess.Transcript))
	c.publish(Event{Type: EventCallEnded, CallID: callID, Outcome: outcome, Detail: failureCode})

	if c.recorder == nil {
		return
	}
	rec := ledger.Record{
		CallID:      callID,
		Caller:      sess.Caller,
		Outcome:     string(outcome),
		FailureCode: failureCode,
		Turns:       len(sess.Transcript),
		StartedAt:   sess.CreatedAt,
		EndedAt:     now,
	}
	if err := c.recorder.Put(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("record call outcome", "call_id", callID, "err", err)
	}
}

func (c *Controller) append(callID string, turn session.Turn) error {
	if err := c.store.Append(callID, turn); err != nil {
		return fmt.Errorf("append %s turn: %w", turn.Role, err)
	}
	c.publish(Event{Type: EventTurnAppended, CallID: callID, Role: turn.Role, Text: turn.Text})
	return nil
}

func (c *Controller) publish(e Event) {
	if e.At.IsZero() {
		e.At = c.now()
	}
	c.observer.Publish(e)
}

func (c *Controller) wantsNotification(reply session.Turn) bool {
	if reply.Action == session.ActionSendText {
		return true
	}
	return strings.Contains(strings.ToLower(reply.Text), strings.ToLower(c.script.Sentinel))
}

// speakParts speaks each non-blank line of text with a pause between
// consecutive parts.
func (c *Controller) speakParts(text string) []Instruction {
	var ins []Instruction
	for _, part := range strings.Split(text, "\n") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if len(ins) > 0 {
			ins = append(ins, Pause(c.script.PauseSeconds))
		}
		ins = append(ins, Speak(part, c.script.Voice))
	}
	return ins
}

// affirmative reports whether a probe reply agrees to send the text: it
// must open with the word "yes" or carry the send action.
func affirmative(t session.Turn) bool {
	if t.Action == session.ActionSendText {
		return true
	}
	s := strings.TrimLeftFunc(strings.ToLower(t.Text), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	rest, ok := strings.CutPrefix(s, "yes")
	if !ok {
		return false
	}
	next, _ := utf8.DecodeRuneInString(rest)
	return rest == "" || !(unicode.IsLetter(next) || unicode.IsDigit(next))
}

// appendTurn returns a new slice so transient turns never alias the
// caller's transcript.
func appendTurn(transcript []session.Turn, t session.Turn) []session.Turn {
	out := make([]session.Turn, 0, len(transcript)+1)
	out = append(out, transcript...)
	return append(out, t)
}
