package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Breaker fails fast once the wrapped sender keeps failing.
type Breaker struct {
	next Sender
	cb   *gobreaker.CircuitBreaker[struct{}]
}

// BreakerSettings controls when the circuit opens. Zero values use defaults.
type BreakerSettings struct {
	MaxFailures uint32
	Cooldown    time.Duration
}

func NewBreaker(next Sender, s BreakerSettings, logger *zap.Logger) *Breaker {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.Cooldown == 0 {
		s.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "mail",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("mail breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker[struct{}](settings)}
}

func (b *Breaker) SendInvite(ctx context.Context, inv Invitation) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.SendInvite(ctx, inv)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return err
}

// State reports the breaker state, for health output.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
