package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// LogSender writes every message to the log instead of delivering it. The
// server uses it for all channels until real providers are configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.Log.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Str("body", body).Msg("notification")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Log.Info().Str("channel", "sms").Str("to", to).Str("body", body).Msg("notification")
	return nil
}

func (s LogSender) SendPush(_ context.Context, to, title, body string, urgent bool) error {
	s.Log.Info().Str("channel", "push").Str("to", to).Str("title", title).Str("body", body).
		Bool("urgent", urgent).Msg("notification")
	return nil
}

// Call records a single delivery attempt on a MockSender.
type Call struct {
	Channel Channel
	To      string
	Subject string
	Body    string
	Urgent  bool
}

// MockSender is a test double for all three sender interfaces.
type MockSender struct {
	mu         sync.Mutex
	calls      []Call
	ShouldFail bool
	FailError  string
}

func (m *MockSender) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockSender) SendEmail(_ context.Context, to, subject, body string) error {
	return m.record(Call{Channel: ChannelEmail, To: to, Subject: subject, Body: body})
}

func (m *MockSender) SendSMS(_ context.Context, to, body string) error {
	return m.record(Call{Channel: ChannelSMS, To: to, Body: body})
}

func (m *MockSender) SendPush(_ context.Context, to, title, body string, urgent bool) error {
	return m.record(Call{Channel: ChannelPush, To: to, Subject: title, Body: body, Urgent: urgent})
}

// SetFailing toggles failure mode under the lock.
func (m *MockSender) SetFailing(fail bool) {
	m.mu.Lock()
	m.ShouldFail = fail
	m.mu.Unlock()
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
