package scheduler

import (
	"math"
	"time"

	kerrors "kestrel/core/errors"
)

// BackoffPolicy returns how long a failed process waits before its next
// attempt. attempt is the number of attempts made so far (1 after the first failure).
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// LinearBackoff waits Step per attempt made.
type LinearBackoff struct {
	Step time.Duration
}

func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * b.Step
}

// ExponentialBackoff waits Base * Multiplier^(attempt-1), capped at Max when Max > 0.
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ConstantBackoff always waits Interval.
type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration { return b.Interval }

// NewBackoff builds a policy by name: linear, exponential or constant.
func NewBackoff(policy string, base, max time.Duration, multiplier float64) (BackoffPolicy, error) {
	switch policy {
	case "", "linear":
		return LinearBackoff{Step: base}, nil
	case "exponential":
		return ExponentialBackoff{Base: base, Max: max, Multiplier: multiplier}, nil
	case "constant":
		return ConstantBackoff{Interval: base}, nil
	default:
		return nil, kerrors.Validation(kerrors.ErrInvalidInput, "unknown backoff policy %q", policy)
	}
}
