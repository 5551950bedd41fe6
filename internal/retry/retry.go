// Package retry runs a stage under a bounded exponential backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how quickly a failed stage is attempted again.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" toml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" toml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" toml:"multiplier" json:"multiplier"`
	// Jitter is the randomization factor applied to every interval, between 0 and 1. Nil takes
	// the default; an explicit 0 waits exactly the computed interval.
	Jitter *float64 `yaml:"jitter" toml:"jitter" json:"jitter,omitempty"`
}

// Float returns a pointer to v, for setting Jitter.
func Float(v float64) *float64 {
	return &v
}

// DefaultFetchPolicy applies to downloads.
func DefaultFetchPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          Float(0.2),
	}
}

// DefaultTransportPolicy applies to zVM uploads.
func DefaultTransportPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 5 * time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		Jitter:          Float(0.2),
	}
}

// WithDefaults fills unset fields from def.
func (p Policy) WithDefaults(def Policy) Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter == nil {
		p.Jitter = def.Jitter
	}
	return p
}

// Validate rejects policies that cannot terminate or make no sense.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialInterval < 0 || p.MaxInterval < 0:
		return errors.New("intervals must not be negative")
	case p.Multiplier != 0 && p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	case p.Jitter != nil && (*p.Jitter < 0 || *p.Jitter > 1):
		return fmt.Errorf("jitter must be between 0 and 1, got %g", *p.Jitter)
	}
	return nil
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	if p.Jitter != nil {
		exp.RandomizationFactor = *p.Jitter
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// Notify is called before every wait with the attempt that just failed.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns an error retryable rejects, the policy is
// exhausted or ctx ends. A nil retryable treats every error as retryable. It returns the
// number of attempts made and the last error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(attempt int) error, notify Notify) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		err := op(attempts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || (retryable != nil && !retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), onRetry)
	return attempts, err
}
