package model

// Notifier delivers an alert summary to operators.
type Notifier interface {
	Send(subject, body string) error
}
