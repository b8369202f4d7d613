// Package janitor keeps the physical terminal's intent queue clean. The
// hardware exposes at most one active transaction; any leftover queued intent
// makes the next transaction misbehave (wrong amount displayed, refusal to
// start, double-charge risk), so resolved intents are cleared aggressively and
// a periodic sweep catches anything missed.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/MachinePay/totem-payments/internal/gateway"
	"github.com/MachinePay/totem-payments/internal/lock"
	"github.com/MachinePay/totem-payments/internal/obs"
	"github.com/MachinePay/totem-payments/internal/resilience"
)

// Gateway is the subset of the payment gateway the sweeper needs.
type Gateway interface {
	ListIntents(ctx context.Context, deviceID string) ([]gateway.Intent, error)
	DeleteIntent(ctx context.Context, intentID string) error
}

// Sweeper lists and deletes stale intents on a single terminal device.
type Sweeper struct {
	Gateway     Gateway
	DeviceID    string
	Locker      lock.Locker
	LockTTL     time.Duration
	DeleteRetry resilience.Policy
	Logger      zerolog.Logger
}

// PassiveSweep removes every terminal-state intent queued on the device. It is
// best-effort hygiene: individual failures are logged and never surfaced. The
// device lock keeps multiple replicas from sweeping concurrently.
func (s *Sweeper) PassiveSweep(ctx context.Context) error {
	_, err := s.Locker.TryWithLock(ctx, "sweep:"+s.DeviceID, s.LockTTL, func(ctx context.Context) error {
		intents, err := s.Gateway.ListIntents(ctx, s.DeviceID)
		if err != nil {
			return fmt.Errorf("janitor: list intents: %w", err)
		}
		for _, intent := range intents {
			if !intent.State.Terminal() {
				continue
			}
			s.deleteLogged(ctx, intent.ID, "passive")
		}
		return nil
	})
	return err
}

// AggressiveSweep clears the just-resolved intent with retries, then clears
// every other queued intent so one stuck entry cannot block the rest. Invoked
// synchronously by the status resolver once resolution succeeds.
func (s *Sweeper) AggressiveSweep(ctx context.Context, intentID string) {
	err := s.DeleteRetry.Run(ctx, func(ctx context.Context) error {
		return s.Gateway.DeleteIntent(ctx, intentID)
	})
	s.count("aggressive", err)
	if err != nil {
		s.Logger.Warn().Err(err).Str("intent_id", intentID).Msg("aggressive sweep: delete resolved intent")
	}

	intents, err := s.Gateway.ListIntents(ctx, s.DeviceID)
	if err != nil {
		s.Logger.Warn().Err(err).Str("device_id", s.DeviceID).Msg("aggressive sweep: list queue")
		return
	}
	for _, intent := range intents {
		if intent.ID == intentID {
			continue
		}
		s.deleteLogged(ctx, intent.ID, "aggressive")
	}
}

// ClearQueue deletes every intent currently queued on the device and returns
// how many deletions succeeded.
func (s *Sweeper) ClearQueue(ctx context.Context) (int, error) {
	intents, err := s.Gateway.ListIntents(ctx, s.DeviceID)
	if err != nil {
		return 0, fmt.Errorf("janitor: list intents: %w", err)
	}
	cleared := 0
	for _, intent := range intents {
		err := s.Gateway.DeleteIntent(ctx, intent.ID)
		s.count("clear", err)
		if err != nil {
			s.Logger.Warn().Err(err).Str("intent_id", intent.ID).Msg("clear queue: delete intent")
			continue
		}
		cleared++
	}
	return cleared, nil
}

func (s *Sweeper) deleteLogged(ctx context.Context, intentID, mode string) {
	err := s.Gateway.DeleteIntent(ctx, intentID)
	s.count(mode, err)
	if err != nil {
		s.Logger.Warn().Err(err).Str("intent_id", intentID).Str("mode", mode).Msg("sweep: delete intent")
		return
	}
	s.Logger.Debug().Str("intent_id", intentID).Str("mode", mode).Msg("sweep: intent deleted")
}

func (s *Sweeper) count(mode string, err error) {
	if obs.SweepDeletionsTotal == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	obs.SweepDeletionsTotal.WithLabelValues(mode, result).Inc()
}
