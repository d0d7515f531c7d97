package notify

import (
	"context"
	"log/slog"
	"sync"
)

// LogSender writes alerts to the log. It is used when Twilio is not configured.
type LogSender struct{}

func (LogSender) SendMessage(_ context.Context, to string, body string) error {
	slog.Info("LogSender.SendMessage: reviewer alert", "to", to, "body", body)
	return nil
}

// MockSender records messages for tests. Set Err to make every send fail.
type MockSender struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// SentMessage is one message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendMessage(_ context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
