// Package notification delivers alert summaries by mail.
package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"Go2NatPeer/internal/config"
	"Go2NatPeer/internal/model"
)

// EmailNotifier implements model.Notifier over SMTP.
type EmailNotifier struct {
	cfg  config.SMTPConfig
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig) model.Notifier {
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	return &EmailNotifier{cfg: cfg, auth: auth, send: smtp.SendMail}
}

// Recipients returns the trimmed, non-empty addresses of cfg.To.
func Recipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Message builds the RFC 822 message for subject and an HTML body.
func Message(cfg config.SMTPConfig, subject, body string) []byte {
	return []byte("To: " + cfg.To + "\r\n" +
		"From: " + cfg.From + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)
}

// Send sends an email to the configured recipients.
func (n *EmailNotifier) Send(subject, body string) error {
	recipients := Recipients(n.cfg.To)
	if len(recipients) == 0 {
		return fmt.Errorf("no mail recipients configured")
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, n.auth, n.cfg.From, recipients, Message(n.cfg, subject, body)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
