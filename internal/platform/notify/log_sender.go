package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogEmailSender writes outgoing mail to the log instead of a gateway. Used
// when no SMTP integration is configured.
type LogEmailSender struct {
	Log zerolog.Logger
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Log.Info().
		Str("channel", string(ChannelEmail)).
		Str("to", to).
		Str("subject", subject).
		Int("body_bytes", len(body)).
		Msg("outgoing mail")
	return nil
}

// LogSMSSender writes outgoing SMS to the log instead of a gateway.
type LogSMSSender struct {
	Log zerolog.Logger
}

func (s *LogSMSSender) SendSMS(_ context.Context, to, body string) error {
	s.Log.Info().
		Str("channel", string(ChannelSMS)).
		Str("to", to).
		Str("body", body).
		Msg("outgoing sms")
	return nil
}
