// Package notify sends the confirmation text message at the end of a call.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentplexus/omnivoice-callflow/internal/client"
)

// ErrNotificationFailed is matched by every error returned from Send.
var ErrNotificationFailed = errors.New("notification failed")

// Failure codes that do not come from the messaging gateway.
const (
	CodeMissingDestination = "missing_destination"
	CodeEmptyBody          = "empty_body"
	CodeTransport          = "transport"
)

// Failure reports a rejected or errored message. Code is the gateway
// error code when one was returned.
type Failure struct {
	Code string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("notification failed: %s", f.Code)
	}
	return fmt.Sprintf("notification failed: %s: %v", f.Code, f.Err)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error { return f.Err }

// Is makes every Failure match ErrNotificationFailed.
func (f *Failure) Is(target error) bool { return target == ErrNotificationFailed }

// Sender delivers a single text message.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, to, body string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, to, body string) error { return f(ctx, to, body) }

// Verify interface compliance at compile time.
var _ Sender = (*Twilio)(nil)

// Twilio sends messages through the Twilio Messages API.
type Twilio struct {
	client      *client.Client
	from        string
	countryCode string
}

// Option configures a Twilio sender.
type Option func(*options)

type options struct {
	accountSID  string
	authToken   string
	from        string
	countryCode string
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

// WithFrom sets the sending number.
func WithFrom(number string) Option {
	return func(o *options) {
		o.from = number
	}
}

// WithDefaultCountryCode sets the prefix used for numbers without one.
func WithDefaultCountryCode(code string) Option {
	return func(o *options) {
		o.countryCode = code
	}
}

// WithBaseURL overrides the Twilio API base URL.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// NewTwilio creates a Twilio sender.
func NewTwilio(opts ...Option) (*Twilio, error) {
	cfg := &options{countryCode: DefaultCountryCode}
	for _, opt := range opts {
		opt(cfg)
	}

	if strings.TrimSpace(cfg.from) == "" {
		return nil, fmt.Errorf("sending number is required")
	}

	c, err := client.New(&client.Config{
		AccountSID: cfg.accountSID,
		AuthToken:  cfg.authToken,
		BaseURL:    cfg.baseURL,
		HTTPClient: cfg.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Twilio client: %w", err)
	}

	return &Twilio{
		client:      c,
		from:        FormatNumber(cfg.from, cfg.countryCode),
		countryCode: cfg.countryCode,
	}, nil
}

// Send formats the destination and queues the message. The message is
// never re-sent by Send.
func (t *Twilio) Send(ctx context.Context, to, body string) error {
	to = FormatNumber(to, t.countryCode)
	if to == "" {
		return &Failure{Code: CodeMissingDestination}
	}
	if strings.TrimSpace(body) == "" {
		return &Failure{Code: CodeEmptyBody}
	}

	msg, err := t.client.SendMessage(ctx, &client.SendMessageParams{
		To:   to,
		From: t.from,
		Body: body,
	})
	if err != nil {
		var apiErr *client.Error
		if errors.As(err, &apiErr) {
			return &Failure{Code: fmt.Sprintf("%d", apiErr.Code), Err: err}
		}
		return &Failure{Code: CodeTransport, Err: err}
	}
	if msg.ErrorCode != nil {
		return &Failure{Code: fmt.Sprintf("%d", *msg.ErrorCode), Err: errors.New(msg.ErrorMessage)}
	}
	return nil
}

// DefaultCountryCode is prefixed to numbers given without one.
const DefaultCountryCode = "+1"

// FormatNumber converts a phone number to E.164. Punctuation and spaces are
// dropped; numbers without a leading "+" get countryCode, unless they
// already start with its digits and have more than ten digits.
func FormatNumber(number, countryCode string) string {
	number = strings.TrimSpace(number)
	if number == "" {
		return ""
	}

	plus := strings.HasPrefix(number, "+")
	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return ""
	}
	if plus {
		return "+" + d
	}

	cc := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if cc == "" {
		return "+" + d
	}
	if len(d) > 10 && strings.HasPrefix(d, cc) {
		return "+" + d
	}
	return "+" + cc + d
}
