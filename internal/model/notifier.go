package model

// Notifier delivers alert messages. The body is HTML.
type Notifier interface {
	Send(subject, body string) error
}
