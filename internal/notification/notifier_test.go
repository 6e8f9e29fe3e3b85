package notification

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"Go2NatPeer/internal/config"

	"github.com/go-playground/assert/v2"
)

func TestRecipients(t *testing.T) {
	assert.Equal(t, Recipients(" a@x.org, ,b@x.org,"), []string{"a@x.org", "b@x.org"})
	assert.Equal(t, len(Recipients("")), 0)
}

func TestEmailNotifier_Send(t *testing.T) {
	cfg := config.SMTPConfig{Host: "mail.example.org", Port: 587, From: "np@example.org", To: "ops@example.org"}
	n := NewEmailNotifier(cfg).(*EmailNotifier)

	var gotAddr string
	var gotMsg []byte
	n.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotMsg = addr, msg
		return nil
	}
	assert.Equal(t, n.Send("alert", "<p>hi</p>"), nil)
	assert.Equal(t, gotAddr, "mail.example.org:587")
	assert.Equal(t, strings.Contains(string(gotMsg), "Subject: alert\r\n"), true)
	assert.Equal(t, strings.HasSuffix(string(gotMsg), "\r\n\r\n<p>hi</p>"), true)

	n.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.NotEqual(t, n.Send("alert", ""), nil)

	n.cfg.To = ""
	assert.NotEqual(t, n.Send("alert", ""), nil)
}
