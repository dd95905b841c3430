package nexusmods

import (
	"context"
	"math"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// PollConfig holds configuration for waiting on server side processing.
type PollConfig struct {
	// InitialInterval is the wait after the first status query.
	// Default: 2 seconds
	InitialInterval time.Duration

	// Multiplier grows the wait after every further query.
	// Default: 1.5
	Multiplier float64

	// MaxInterval caps a single wait.
	// Default: 30 seconds
	MaxInterval time.Duration

	// MaxAttempts is the maximum number of status queries.
	// Default: 60
	MaxAttempts int
}

// DefaultPollConfig returns the default configuration.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 2 * time.Second,
		Multiplier:      1.5,
		MaxInterval:     30 * time.Second,
		MaxAttempts:     60,
	}
}

// Delay returns the wait after the given zero based attempt:
// min(InitialInterval * Multiplier^attempt, MaxInterval).
func (c PollConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(attempt))
	if c.MaxInterval > 0 && d > float64(c.MaxInterval) {
		return c.MaxInterval
	}
	return time.Duration(d)
}

// Sleeper suspends the caller between status queries.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep ...
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusQuery returns the current processing state of an upload.
type StatusQuery func(ctx context.Context) (UploadState, error)

// Poller waits for an upload to reach a terminal processing state.
type Poller struct {
	config  PollConfig
	sleeper Sleeper
	logger  log.Logger
}

// NewPoller creates a Poller. A nil sleeper waits on a real timer.
func NewPoller(config PollConfig, sleeper Sleeper, logger log.Logger) Poller {
	if sleeper == nil {
		sleeper = timerSleeper{}
	}
	return Poller{
		config:  config,
		sleeper: sleeper,
		logger:  logger,
	}
}

// Wait queries the state until it is available, failed or the attempts run out.
// It returns the number of queries made. Errors are *StepError of kind StatusFailed,
// ProcessingFailed or ProcessingTimedOut.
func (p Poller) Wait(ctx context.Context, uploadID string, query StatusQuery) (int, error) {
	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		attempts := attempt + 1

		state, err := query(ctx)
		if err != nil {
			stepErr := newStepError(StatusFailed, uploadID, err)
			stepErr.Attempts = attempts
			return attempts, stepErr
		}
		p.logger.Printf("Polling upload %s: state = %s", uploadID, state)

		switch state {
		case UploadAvailable:
			return attempts, nil
		case UploadFailed:
			return attempts, &StepError{Kind: ProcessingFailed, UploadID: uploadID, Attempts: attempts}
		}

		if attempts == p.config.MaxAttempts {
			break
		}

		delay := p.config.Delay(attempt)
		p.logger.Debugf("Waiting %s before the next status query (attempt %d/%d)", delay, attempts, p.config.MaxAttempts)
		if err := p.sleeper.Sleep(ctx, delay); err != nil {
			return attempts, &StepError{Kind: ProcessingTimedOut, UploadID: uploadID, Attempts: attempts, Err: err}
		}
	}

	return p.config.MaxAttempts, &StepError{Kind: ProcessingTimedOut, UploadID: uploadID, Attempts: p.config.MaxAttempts}
}
