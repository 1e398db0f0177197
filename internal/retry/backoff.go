// Package retry runs operations against flaky collaborators with bounded
// exponential backoff. Every retry is logged; the final failure is returned
// to the caller with the last error preserved.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           `koanf:"max_retries" json:"max_retries"` // retries after the first attempt
	BaseDelay  time.Duration `koanf:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay" json:"max_delay"`
	Multiplier float64       `koanf:"multiplier" json:"multiplier"`
	Jitter     bool          `koanf:"jitter" json:"jitter"` // +/-10% to avoid synchronized retries
}

// Result describes how an operation fared across all attempts
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	Reasons       []string      `json:"reasons"` // one per failed attempt
}

// DefaultConfig is the budget used for dispatch gateway submissions.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 4,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   15 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// QueryConfig is a tighter budget for interactive lookups (corpus search,
// model calls made while a meeting is live).
func QueryConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as not worth retrying. Do stops immediately and
// reports the wrapped error as LastError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes operation until it succeeds, returns a Permanent error, the
// context ends, or MaxRetries retries have been spent. The attempt number
// passed to operation starts at 1.
func Do(ctx context.Context, cfg Config, logger zerolog.Logger, operation func(attempt int) error) Result {
	start := time.Now()
	result := Result{Reasons: make([]string, 0)}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation(attempt + 1)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			if attempt > 0 {
				logger.Debug().Int("attempts", result.Attempts).Dur("elapsed", result.TotalDuration).Msg("operation succeeded after retries")
			}
			return result
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			result.LastError = perm.err
			result.Reasons = append(result.Reasons, perm.err.Error())
			result.TotalDuration = time.Since(start)
			logger.Debug().Err(perm.err).Int("attempt", result.Attempts).Msg("permanent failure, not retrying")
			return result
		}

		result.LastError = err
		result.Reasons = append(result.Reasons, err.Error())

		if attempt >= cfg.MaxRetries {
			result.TotalDuration = time.Since(start)
			logger.Warn().Err(err).Int("attempts", result.Attempts).Dur("elapsed", result.TotalDuration).Msg("retry budget exhausted")
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		}

		delay := calculateDelay(cfg, attempt)
		logger.Debug().Err(err).
			Int("attempt", result.Attempts).
			Int("max_attempts", cfg.MaxRetries+1).
			Dur("backoff", delay).
			Msg("operation failed, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

// calculateDelay returns baseDelay * multiplier^attempt, capped at MaxDelay.
func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryableError classifies transport-level failures by message. Used for
// collaborators that do not return typed errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
		"eof",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
