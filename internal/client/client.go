// Package client provides a Twilio API client for internal use.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	callflow "github.com/agentplexus/omnivoice-callflow"
)

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	accountSID := cfg.AccountSID
	if accountSID == "" {
		accountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if accountSID == "" {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID is required")
	}

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if authToken == "" {
		return nil, fmt.Errorf("TWILIO_AUTH_TOKEN is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = callflow.DefaultAPIBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Message represents a Twilio message resource.
type Message struct {
	SID          string `json:"sid"`
	To           string `json:"to"`
	From         string `json:"from"`
	Body         string `json:"body"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// SendMessageParams are parameters for sending a text message.
type SendMessageParams struct {
	To             string
	From           string
	Body           string
	StatusCallback string
}

// SendMessage queues an SMS for delivery.
func (c *Client) SendMessage(ctx context.Context, params *SendMessageParams) (*Message, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	data.Set("Body", params.Body)
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
	}

	var msg Message
	if err := c.post(ctx, endpoint, data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Call represents a Twilio call resource.
type Call struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
}

// MakeCallParams are parameters for making a call.
type MakeCallParams struct {
	To                  string
	From                string
	URL                 string   // TwiML URL
	StatusCallback      string   // Webhook for status updates
	StatusCallbackEvent []string // Events to receive
	MachineDetection    string   // "Enable" or "DetectMessageEnd"
	Timeout             int      // Ring timeout in seconds
	Record              bool
}

// MakeCall initiates an outbound call.
func (c *Client) MakeCall(ctx context.Context, params *MakeCallParams) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	data.Set("Url", params.URL)

	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
	}
	for _, event := range params.StatusCallbackEvent {
		data.Add("StatusCallbackEvent", event)
	}
	if params.MachineDetection != "" {
		data.Set("MachineDetection", params.MachineDetection)
	}
	if params.Timeout > 0 {
		data.Set("Timeout", fmt.Sprintf("%d", params.Timeout))
	}
	if params.Record {
		data.Set("Record", "true")
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	var call Call
	if err := c.get(ctx, endpoint, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends an in-progress call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	data := url.Values{}
	data.Set("Status", "completed")

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// Error represents a Twilio API error.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

// get performs a GET request.
func (c *Client) get(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

// post performs a POST request with form data.
func (c *Client) post(ctx context.Context, url string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

// do executes a request with authentication.
func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, &apiErr); err != nil {
			return fmt.Errorf("twilio error: %s", string(body))
		}
		return &apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}
