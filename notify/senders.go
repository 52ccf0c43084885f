package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"gopkg.in/gomail.v2"
)

// LogSender writes messages to the log instead of sending them.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m Message) error {
	log.Printf("[Notify] to=%s subject=%q", m.To, m.Subject)
	return nil
}

// =============================================================================
// SMTP
// =============================================================================

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPSender struct {
	cfg    SMTPConfig
	dialer *gomail.Dialer
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

func (s *SMTPSender) Send(_ context.Context, m Message) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", s.cfg.From)
	msg.SetAddressHeader("To", m.To, m.ToName)
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Body)
	if err := s.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// =============================================================================
// SENDGRID
// =============================================================================

type SendGridSender struct {
	client   *sendgrid.Client
	fromName string
	fromAddr string
}

func NewSendGridSender(apiKey, fromName, fromAddr string) *SendGridSender {
	return &SendGridSender{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromAddr: fromAddr,
	}
}

func (s *SendGridSender) Send(ctx context.Context, m Message) error {
	from := mail.NewEmail(s.fromName, s.fromAddr)
	to := mail.NewEmail(m.ToName, m.To)
	message := mail.NewSingleEmail(from, m.Subject, to, m.Body, "")
	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}
