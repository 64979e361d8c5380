// Package notification delivers medication reminders and alerts over email,
// SMS and push. Each channel sits behind its own circuit breaker so a failing
// provider is skipped quickly instead of stalling every notification.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/medtrack/medtrack/internal/domain/medication"
)

// Channel is a delivery method named in a command's reminder settings.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// EmailSender sends email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender sends SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender sends push notifications to a device or user token.
type PushSender interface {
	SendPush(ctx context.Context, to, title, body string, urgent bool) error
}

// ErrNoChannel is returned when none of the requested methods has a sender.
var ErrNoChannel = errors.New("notification: no configured channel")

// BreakerConfig tunes the per-channel circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long a tripped breaker rejects before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns the breaker settings used by the server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second, HalfOpenRequests: 1}
}

type channel struct {
	name    Channel
	breaker *gobreaker.CircuitBreaker[struct{}]
	send    func(ctx context.Context, to string, n medication.Notification) error
}

// Dispatcher implements medication.Notifier. It fans a notification out to
// every recipient on every requested channel and reports how many deliveries
// succeeded.
type Dispatcher struct {
	log      zerolog.Logger
	mu       sync.RWMutex
	channels map[Channel]*channel
	cfg      BreakerConfig
	fallback []Channel
}

var _ medication.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher with no channels. Register senders with
// WithEmail, WithSMS and WithPush.
func NewDispatcher(log zerolog.Logger, cfg BreakerConfig) *Dispatcher {
	def := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = def.HalfOpenRequests
	}
	return &Dispatcher{
		log:      log.With().Str("component", "notification").Logger(),
		channels: make(map[Channel]*channel),
		cfg:      cfg,
		fallback: []Channel{ChannelPush},
	}
}

// WithEmail registers the email channel.
func (d *Dispatcher) WithEmail(s EmailSender) *Dispatcher {
	d.register(ChannelEmail, func(ctx context.Context, to string, n medication.Notification) error {
		return s.SendEmail(ctx, to, n.Title, render(n))
	})
	return d
}

// WithSMS registers the SMS channel.
func (d *Dispatcher) WithSMS(s SMSSender) *Dispatcher {
	d.register(ChannelSMS, func(ctx context.Context, to string, n medication.Notification) error {
		return s.SendSMS(ctx, to, render(n))
	})
	return d
}

// WithPush registers the push channel.
func (d *Dispatcher) WithPush(s PushSender) *Dispatcher {
	d.register(ChannelPush, func(ctx context.Context, to string, n medication.Notification) error {
		return s.SendPush(ctx, to, n.Title, n.Message, n.Urgency == medication.UrgencyHigh)
	})
	return d
}

func (d *Dispatcher) register(name Channel, send func(context.Context, string, medication.Notification) error) {
	cfg := d.cfg
	log := d.log
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        string(name),
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("channel", name).Str("from", from.String()).Str("to", to.String()).
				Msg("notification breaker state changed")
		},
	})
	d.mu.Lock()
	d.channels[name] = &channel{name: name, breaker: cb, send: send}
	d.mu.Unlock()
}

// State reports the breaker state of a channel, or false if it is not registered.
func (d *Dispatcher) State(name Channel) (gobreaker.State, bool) {
	d.mu.RLock()
	ch, ok := d.channels[name]
	d.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed, false
	}
	return ch.breaker.State(), true
}

// SendNotification delivers n to each recipient on each requested method.
// Methods without a registered sender are skipped; when none is usable the
// fallback channel is tried. An error is returned only if nothing was sent.
func (d *Dispatcher) SendNotification(ctx context.Context, n medication.Notification) (medication.SendResult, error) {
	if len(n.Recipients) == 0 {
		return medication.SendResult{}, fmt.Errorf("notification %s: no recipients", n.ID)
	}
	chans := d.resolve(n.Methods)
	if len(chans) == 0 {
		return medication.SendResult{}, ErrNoChannel
	}

	var (
		res  medication.SendResult
		errs []error
	)
	for _, ch := range chans {
		for _, to := range n.Recipients {
			if err := ctx.Err(); err != nil {
				errs = append(errs, err)
				break
			}
			_, err := ch.breaker.Execute(func() (struct{}, error) {
				return struct{}{}, ch.send(ctx, to, n)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s to %s: %w", ch.name, to, err))
				d.log.Debug().Err(err).Str("channel", string(ch.name)).
					Str("notification_id", n.ID.String()).Msg("delivery failed")
				continue
			}
			res.TotalSent++
		}
	}

	if res.TotalSent == 0 {
		return res, errors.Join(errs...)
	}
	if len(errs) > 0 {
		d.log.Warn().Int("sent", res.TotalSent).Int("failed", len(errs)).
			Str("notification_id", n.ID.String()).Msg("partial delivery")
	}
	return res, nil
}

func (d *Dispatcher) resolve(methods []string) []*channel {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := make(map[Channel]bool)
	var out []*channel
	pick := func(names []Channel) {
		for _, name := range names {
			if seen[name] {
				continue
			}
			if ch, ok := d.channels[name]; ok {
				seen[name] = true
				out = append(out, ch)
			}
		}
	}
	names := make([]Channel, 0, len(methods))
	for _, m := range methods {
		names = append(names, Channel(strings.ToLower(strings.TrimSpace(m))))
	}
	pick(names)
	if len(out) == 0 {
		pick(d.fallback)
	}
	return out
}

// render builds the plain-text body used by email and SMS.
func render(n medication.Notification) string {
	var b strings.Builder
	if n.Urgency == medication.UrgencyHigh {
		b.WriteString("[URGENT] ")
	}
	b.WriteString(n.Title)
	if n.Message != "" {
		b.WriteString(": ")
		b.WriteString(n.Message)
	}
	return b.String()
}
