// Package mailer delivers transactional email. Today that is a single
// template: the service completion OTP.
package mailer

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/garagelink/garagelink/internal/logging"
)

// SMTPMailer sends mail over SMTP. Implements the execution engine's
// Mailer.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// Config is the SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func NewSMTP(cfg Config) *SMTPMailer {
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

// SendOTP mails the completion code to the request owner. The
// recipient is the owner's email address resolved upstream.
func (m *SMTPMailer) SendOTP(ctx context.Context, recipient, otp string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", recipient)
	msg.SetHeader("Subject", "Your service completion code")
	msg.SetBody("text/plain", fmt.Sprintf(
		"Your workshop has marked the service as finished.\n\n"+
			"Share this code with the mechanic ONLY after inspecting the work:\n\n"+
			"    %s\n\n"+
			"Entering the code releases the escrowed payment to the workshop.\n", otp))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("send otp mail: %w", err)
	}
	logging.L(ctx).Info("otp mail sent", "recipient", recipient)
	return nil
}

// LogMailer writes mail to the log instead of the wire. Used in
// development where no SMTP server is configured.
type LogMailer struct{}

func NewLog() *LogMailer { return &LogMailer{} }

func (m *LogMailer) SendOTP(ctx context.Context, recipient, otp string) error {
	logging.L(ctx).Info("otp mail (dev, not sent)", "recipient", recipient, "otp", otp)
	return nil
}
