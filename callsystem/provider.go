// Package callsystem tracks live Twilio calls and places outbound calls.
//
// Calls are driven by webhooks, so the registry only mirrors what Twilio
// reports: a call is added when its first webhook or MakeCall arrives and
// removed when a status callback says it is over. Conversation state lives
// in the flow package.
package callsystem

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentplexus/omnivoice/agent"
	"github.com/agentplexus/omnivoice/callsystem"
	omnitransport "github.com/agentplexus/omnivoice/transport"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/internal/client"
)

// Verify interface compliance at compile time.
var (
	_ callsystem.CallSystem = (*Provider)(nil)
	_ callsystem.Call       = (*Call)(nil)
)

// ErrAgentUnsupported is returned by AttachAgent: webhook calls are driven
// by the flow controller, not by a streaming agent session.
var ErrAgentUnsupported = errors.New("streaming agents are not supported on webhook calls")

// Provider implements callsystem.CallSystem using Twilio webhooks.
type Provider struct {
	client *client.Client

	mu          sync.RWMutex
	config      callsystem.CallSystemConfig
	handler     callsystem.CallHandler
	defaultFrom string
	calls       map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	accountSID  string
	authToken   string
	phoneNumber string
	publicURL   string
	baseURL     string
	httpClient  *http.Client
}

// WithAccountSID sets the Twilio Account SID.
func WithAccountSID(sid string) Option {
	return func(o *options) {
		o.accountSID = sid
	}
}

// WithAuthToken sets the Twilio Auth Token.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithPhoneNumber sets the default outbound phone number.
func WithPhoneNumber(number string) Option {
	return func(o *options) {
		o.phoneNumber = number
	}
}

// WithPublicURL sets the externally reachable base URL of the webhook
// server. Outbound calls fetch their first TwiML from it.
func WithPublicURL(url string) Option {
	return func(o *options) {
		o.publicURL = url
	}
}

// WithAPIBaseURL overrides the Twilio API base URL.
func WithAPIBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client for the Twilio API.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New creates a new Twilio CallSystem provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	twilioClient, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	return &Provider{
		client:      twilioClient,
		defaultFrom: cfg.phoneNumber,
		calls:       make(map[string]*Call),
		config: callsystem.CallSystemConfig{
			AccountSID:  twilioClient.AccountSID(),
			AuthToken:   cfg.authToken,
			PhoneNumber: cfg.phoneNumber,
			WebhookURL:  strings.TrimRight(cfg.publicURL, "/"),
		},
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return callflow.ProviderName
}

// Configure replaces the call system configuration.
func (p *Provider) Configure(config callsystem.CallSystemConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	config.WebhookURL = strings.TrimRight(config.WebhookURL, "/")
	p.config = config
	if config.PhoneNumber != "" {
		p.defaultFrom = config.PhoneNumber
	}
	return nil
}

// OnIncomingCall sets the handler run when a new inbound call is registered.
func (p *Provider) OnIncomingCall(handler callsystem.CallHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// MakeCall dials to. Once answered, Twilio fetches the start-call webhook
// and the call proceeds like an inbound one.
func (p *Provider) MakeCall(ctx context.Context, to string, opts ...callsystem.CallOption) (callsystem.Call, error) {
	callOpts := &callsystem.CallOptions{}
	for _, opt := range opts {
		opt(callOpts)
	}

	p.mu.RLock()
	from := callOpts.From
	if from == "" {
		from = p.defaultFrom
	}
	base := p.config.WebhookURL
	p.mu.RUnlock()

	if from == "" {
		return nil, fmt.Errorf("from number is required (use WithFrom or set default phone number)")
	}
	if base == "" {
		return nil, fmt.Errorf("public URL is required for outbound calls")
	}

	params := &client.MakeCallParams{
		To:                  to,
		From:                from,
		URL:                 base + callflow.PathStartCall,
		StatusCallback:      base + callflow.PathCallStatus,
		StatusCallbackEvent: []string{"initiated", "ringing", "answered", "completed"},
	}
	if callOpts.StatusCallback != "" {
		params.StatusCallback = callOpts.StatusCallback
	}
	if callOpts.Timeout > 0 {
		params.Timeout = int(callOpts.Timeout.Seconds())
	}
	if callOpts.MachineDetect {
		params.MachineDetection = "Enable"
	}
	if callOpts.Record {
		params.Record = true
	}

	twilioCall, err := p.client.MakeCall(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to make call: %w", err)
	}

	call := &Call{
		id:        twilioCall.SID,
		direction: callsystem.Outbound,
		status:    mapCallStatus(twilioCall.Status),
		from:      from,
		to:        to,
		startTime: time.Now(),
		provider:  p,
	}

	p.mu.Lock()
	p.calls[call.id] = call
	p.mu.Unlock()

	return call, nil
}

// GetCall returns a registered call, or asks Twilio for one it does not know.
func (p *Provider) GetCall(ctx context.Context, callID string) (callsystem.Call, error) {
	p.mu.RLock()
	if call, ok := p.calls[callID]; ok {
		p.mu.RUnlock()
		return call, nil
	}
	p.mu.RUnlock()

	twilioCall, err := p.client.GetCall(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return &Call{
		id:        twilioCall.SID,
		direction: mapDirection(twilioCall.Direction),
		status:    mapCallStatus(twilioCall.Status),
		from:      twilioCall.From,
		to:        twilioCall.To,
		provider:  p,
	}, nil
}

// ListCalls lists registered calls.
func (p *Provider) ListCalls(ctx context.Context) ([]callsystem.Call, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	calls := make([]callsystem.Call, 0, len(p.calls))
	for _, call := range p.calls {
		calls = append(calls, call)
	}
	return calls, nil
}

// Close hangs up every registered call and clears the registry.
func (p *Provider) Close() error {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*Call)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, call := range calls {
		if call.Status() == callsystem.StatusEnded {
			continue
		}
		if err := call.Hangup(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleIncomingWebhook registers the call named by a start-call webhook.
// Known calls (outbound dials, repeated webhooks) are marked answered; new
// ones are registered as inbound and passed to the OnIncomingCall handler.
func (p *Provider) HandleIncomingWebhook(callSID, from, to string) (callsystem.Call, error) {
	p.mu.Lock()
	if call, ok := p.calls[callSID]; ok {
		p.mu.Unlock()
		call.setStatus(callsystem.StatusAnswered)
		return call, nil
	}
	call := &Call{
		id:        callSID,
		direction: callsystem.Inbound,
		status:    callsystem.StatusAnswered,
		from:      from,
		to:        to,
		startTime: time.Now(),
		provider:  p,
	}
	p.calls[callSID] = call
	handler := p.handler
	p.mu.Unlock()

	if handler != nil {
		if err := handler(call); err != nil {
			return nil, err
		}
	}
	return call, nil
}

// HandleStatusCallback applies a Twilio status callback and reports whether
// the call is over. Finished calls leave the registry.
func (p *Provider) HandleStatusCallback(callSID, status string) (ended bool) {
	ended = callflow.IsTerminalStatus(status)

	p.mu.Lock()
	call, ok := p.calls[callSID]
	if ok && ended {
		delete(p.calls, callSID)
	}
	p.mu.Unlock()

	if ok {
		call.setStatus(mapCallStatus(status))
	}
	return ended
}

// Forget drops a call the app itself hung up. Inbound calls get no status
// callback, so this is how they leave the registry. It reports whether the
// call was registered.
func (p *Provider) Forget(callSID string) bool {
	p.mu.Lock()
	call, ok := p.calls[callSID]
	if ok {
		delete(p.calls, callSID)
	}
	p.mu.Unlock()

	if ok {
		call.setStatus(callsystem.StatusEnded)
	}
	return ok
}

// Call implements callsystem.Call for Twilio calls.
type Call struct {
	id        string
	direction callsystem.CallDirection
	from      string
	to        string
	startTime time.Time
	provider  *Provider

	mu     sync.RWMutex
	status callsystem.CallStatus
}

// ID returns the call identifier.
func (c *Call) ID() string {
	return c.id
}

// Direction returns inbound or outbound.
func (c *Call) Direction() callsystem.CallDirection {
	return c.direction
}

// Status returns the current call status.
func (c *Call) Status() callsystem.CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Call) setStatus(s callsystem.CallStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// From returns the caller ID.
func (c *Call) From() string {
	return c.from
}

// To returns the called number.
func (c *Call) To() string {
	return c.to
}

// StartTime returns when the call was registered.
func (c *Call) StartTime() time.Time {
	return c.startTime
}

// Duration returns the time since the call was registered.
func (c *Call) Duration() time.Duration {
	if c.startTime.IsZero() {
		return 0
	}
	return time.Since(c.startTime)
}

// Answer marks an inbound call answered. Twilio answers on its own when
// it fetches the start-call webhook.
func (c *Call) Answer(ctx context.Context) error {
	c.setStatus(callsystem.StatusAnswered)
	return nil
}

// Hangup ends the call through the Twilio API.
func (c *Call) Hangup(ctx context.Context) error {
	if _, err := c.provider.client.HangupCall(ctx, c.id); err != nil {
		return fmt.Errorf("failed to hangup %s: %w", c.id, err)
	}
	c.setStatus(callsystem.StatusEnded)
	return nil
}

// Transport returns nil: webhook calls carry no media stream.
func (c *Call) Transport() omnitransport.Connection {
	return nil
}

// AttachAgent always fails with ErrAgentUnsupported.
func (c *Call) AttachAgent(ctx context.Context, session agent.Session) error {
	return ErrAgentUnsupported
}

// DetachAgent is a no-op.
func (c *Call) DetachAgent(ctx context.Context) error {
	return nil
}

// mapCallStatus maps Twilio status to OmniVoice status.
func mapCallStatus(status string) callsystem.CallStatus {
	switch status {
	case callflow.CallStatusQueued, callflow.CallStatusRinging:
		return callsystem.StatusRinging
	case callflow.CallStatusInProgress:
		return callsystem.StatusAnswered
	case callflow.CallStatusCompleted:
		return callsystem.StatusEnded
	case callflow.CallStatusBusy:
		return callsystem.StatusBusy
	case callflow.CallStatusNoAnswer:
		return callsystem.StatusNoAnswer
	case callflow.CallStatusFailed, callflow.CallStatusCanceled:
		return callsystem.StatusFailed
	default:
		return callsystem.StatusRinging
	}
}

// mapDirection maps Twilio direction to OmniVoice direction.
func mapDirection(dir string) callsystem.CallDirection {
	if dir == "inbound" {
		return callsystem.Inbound
	}
	return callsystem.Outbound
}
