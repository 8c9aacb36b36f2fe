package notify

import (
	"context"
	"log/slog"
	"strings"
)

var _ Sender = (*Log)(nil)

// Log writes messages to a logger instead of sending them. It applies the
// same destination and body checks as Twilio.
type Log struct {
	logger      *slog.Logger
	countryCode string
}

// NewLog returns a Log sender. A nil logger discards output.
func NewLog(logger *slog.Logger, countryCode string) *Log {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return &Log{logger: logger, countryCode: countryCode}
}

// Send logs the message.
func (l *Log) Send(ctx context.Context, to, body string) error {
	to = FormatNumber(to, l.countryCode)
	if to == "" {
		return &Failure{Code: CodeMissingDestination}
	}
	if strings.TrimSpace(body) == "" {
		return &Failure{Code: CodeEmptyBody}
	}
	l.logger.InfoContext(ctx, "text message (dry run)", "to", to, "body", body)
	return nil
}
