// Package notify renders and sends notifications to clients and brokers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Channels.
const (
	ChannelEmail = "email"
	ChannelInApp = "in_app"
)

// Message is one rendered notification.
type Message struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`

	// Key identifies the notification across redeliveries.
	Key string `json:"key"`
}

// Notifier delivers messages.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Template is the subject and body of a notification, with ${name}
// placeholders.
type Template struct {
	Channel string
	Subject string
	Body    string
}

var strict = NewExpander(MissingError)

// Render fills the template. Every placeholder must have a value.
func (t Template) Render(recipient, key string, vars map[string]any) (Message, error) {
	subject, err := strict.Expand(t.Subject, vars)
	if err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := strict.Expand(t.Body, vars)
	if err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	channel := t.Channel
	if channel == "" {
		channel = ChannelEmail
	}
	return Message{Channel: channel, Recipient: recipient, Subject: subject, Body: body, Key: key}, nil
}

// LogNotifier writes messages to a logger instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

// Send implements Notifier.
func (n LogNotifier) Send(ctx context.Context, msg Message) error {
	if n.Logger == nil {
		return nil
	}
	n.Logger.InfoContext(ctx, "notification sent",
		slog.String("channel", msg.Channel),
		slog.String("recipient", msg.Recipient),
		slog.String("subject", msg.Subject),
		slog.String("key", msg.Key),
	)
	return nil
}

// ErrUnavailable is returned by Recorder while it is failing.
var ErrUnavailable = errors.New("notification service unavailable")

// Recorder keeps sent messages in memory. It can be told to fail, for
// exercising retries.
type Recorder struct {
	mu       sync.Mutex
	sent     []Message
	failures int
	calls    int
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailNext makes the next n sends return ErrUnavailable.
func (r *Recorder) FailNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = n
}

// Send implements Notifier.
func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return ErrUnavailable
	}
	r.sent = append(r.sent, msg)
	return nil
}

// Sent returns the delivered messages in order.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// Calls returns the number of Send calls, failed ones included.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*Recorder)(nil)
)
