package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Supervisor reconnects a Session after the connection drops unexpectedly.
// Subscribers stay registered across reconnects and see Connected again.
// An explicit Disconnect is not treated as a drop.
type Supervisor struct {
	session *Session
	log     zerolog.Logger
	// NewBackOff builds the retry schedule for one outage.
	NewBackOff func() backoff.BackOff
}

func NewSupervisor(s *Session) *Supervisor {
	return &Supervisor{
		session: s,
		log:     s.log.With().Str("component", "supervisor").Logger(),
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run blocks until ctx ends.
func (sv *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.session.lost:
		}
		userID := sv.session.UserID()
		attempt := 0
		op := func() error {
			attempt++
			return sv.session.Connect(ctx, userID)
		}
		notify := func(err error, wait time.Duration) {
			sv.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("reconnect failed")
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(sv.NewBackOff(), ctx), notify); err != nil {
			if ctx.Err() == nil {
				sv.log.Error().Err(err).Msg("giving up on reconnect")
			}
			continue
		}
		sv.log.Info().Int("attempts", attempt).Msg("push session restored")
	}
}
