package model

// Notifier delivers out-of-band notifications such as alert emails.
type Notifier interface {
	Send(subject, body string) error
}

// EventPublisher broadcasts named realtime events. Publish never blocks.
type EventPublisher interface {
	Publish(name string, payload interface{})
}
