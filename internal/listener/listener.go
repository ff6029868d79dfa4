package listener

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pghook/pghook/internal/cdc"
	"github.com/pghook/pghook/internal/forward"
	"github.com/pghook/pghook/internal/telemetry"
	"github.com/rs/zerolog"
)

// ErrSubscribe is returned by Run when a channel cannot be subscribed to.
var ErrSubscribe = errors.New("failed to subscribe")

const defaultUnlistenTimeout = 5 * time.Second

// Session is a database session able to LISTEN on channels. It is owned by a
// single Loop and must not be shared.
type Session interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*cdc.Notification, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, payload string) *forward.Result
}

type FailureRecorder interface {
	RecordFailure(n *cdc.Notification, event *cdc.Event, res *forward.Result) error
}

type Config struct {
	Channels []string
	// Tables restricts which tables decoded events may name. Empty allows any.
	Tables []string
	// UnlistenTimeout bounds the cleanup on exit. Defaults to five seconds.
	UnlistenTimeout time.Duration
}

// Loop relays notifications from a Session to a Deliverer, one at a time, in
// the order the session returns them.
type Loop struct {
	session   Session
	config    *Config
	deliverer Deliverer
	recorder  FailureRecorder
	logger    zerolog.Logger
	started   atomic.Bool
	state     atomic.Int32
}

func NewLoop(session Session, config *Config, deliverer Deliverer, logger zerolog.Logger) *Loop {
	return &Loop{
		session:   session,
		config:    config,
		deliverer: deliverer,
		logger:    logger,
	}
}

// SetFailureRecorder makes the loop record every failed delivery.
func (l *Loop) SetFailureRecorder(r FailureRecorder) {
	l.recorder = r
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
	telemetry.ListenerState.Set(float64(s))
}

// Run subscribes to every configured channel and processes notifications
// until ctx is canceled or the session fails. Every channel that was
// subscribed is unsubscribed before Run returns, whatever the reason for
// returning. Cancellation of ctx is a clean exit and returns nil.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already started")
	}

	var subscribed []string
	defer func() {
		if uerr := l.unsubscribe(subscribed); uerr != nil {
			err = errors.Join(err, uerr)
		}
		l.setState(Unsubscribed)
	}()

	for _, channel := range l.config.Channels {
		if err := l.session.Listen(ctx, channel); err != nil {
			return fmt.Errorf("%w to %s: %w", ErrSubscribe, channel, err)
		}
		subscribed = append(subscribed, channel)
		l.logger.Info().Str("channel", channel).Msg("listening for notifications")
	}
	l.setState(Subscribed)

	for {
		l.setState(Waiting)
		n, err := l.session.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info().Msg("listener shutting down")
				return nil
			}
			return fmt.Errorf("waiting for notification: %w", err)
		}

		l.setState(Processing)
		l.Process(ctx, n)
	}
}

// unsubscribe runs on its own context so that it still happens after the
// caller's context is canceled.
func (l *Loop) unsubscribe(channels []string) error {
	timeout := l.config.UnlistenTimeout
	if timeout <= 0 {
		timeout = defaultUnlistenTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, channel := range channels {
		if err := l.session.Unlisten(ctx, channel); err != nil {
			l.logger.Error().Err(err).Str("channel", channel).Msg("failed to unlisten")
			errs = append(errs, fmt.Errorf("unlisten %s: %w", channel, err))
			continue
		}
		l.logger.Info().Str("channel", channel).Msg("stopped listening")
	}
	return errors.Join(errs...)
}

// Process decodes and forwards a single notification. Decode and delivery
// failures are logged and do not propagate.
func (l *Loop) Process(ctx context.Context, n *cdc.Notification) {
	telemetry.NotificationsTotal.With(n.Channel).Inc()

	event, err := cdc.Decode(n.Payload, l.config.Tables)
	if err != nil {
		telemetry.DecodeFailuresTotal.Inc()
		l.logger.Error().
			Err(err).
			Str("channel", n.Channel).
			Uint32("pid", n.PID).
			Str("payload", n.Payload).
			Msg("skipping undecodable notification")
		return
	}

	logger := l.logger.With().
		Str("channel", n.Channel).
		Uint32("pid", n.PID).
		Str("table", event.Table).
		Str("action", string(event.Action)).
		Logger()
	logger.Info().Msg("received notification")

	res := l.deliverer.Deliver(ctx, n.Payload)
	telemetry.DeliveryDurationSeconds.Observe(res.Duration.Seconds())

	if res.Err != nil {
		telemetry.DeliveriesTotal.With("failed").Inc()
		logger.Error().
			Err(res.Err).
			Int("status", res.StatusCode).
			Int("attempts", res.Attempts).
			Msg("delivery failed")

		if l.recorder != nil {
			if err := l.recorder.RecordFailure(n, event, res); err != nil {
				logger.Error().Err(err).Msg("failed to record delivery failure")
			}
		}
		return
	}

	telemetry.DeliveriesTotal.With("success").Inc()
	logger.Debug().
		Int("status", res.StatusCode).
		Dur("duration", res.Duration).
		Msg("delivered")
}
