package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrExhaustedRetries matches every *RetryError.
var ErrExhaustedRetries = errors.New("retries exhausted")

// Limiter is the rate budget consulted before every attempt.
type Limiter interface {
	Acquire(ctx context.Context, source string, weight int) error
	WaitForReset(ctx context.Context, source string) error
}

// ExecutorConfig controls single remote call retries.
type ExecutorConfig struct {
	// MaxAttempts is the total number of attempts. Default: 3.
	MaxAttempts int
	// BaseBackoff is the first network backoff. Default: 1s.
	BaseBackoff time.Duration
	// MaxBackoff caps network backoff. Default: 30s.
	MaxBackoff time.Duration
	// OtherDelay is the pause before the single retry of an unclassified
	// failure. Default: 500ms.
	OtherDelay time.Duration
	// OpTimeout bounds each attempt. Default: 30s.
	OpTimeout time.Duration

	// OnRetry is called before every retry with the failed attempt number.
	OnRetry func(req Request, attempt int, kind Kind, err error)
}

// DefaultExecutorConfig returns the production call policy.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		OtherDelay:  500 * time.Millisecond,
		OpTimeout:   30 * time.Second,
	}
}

// Request describes one remote call.
type Request struct {
	Source string
	Op     string
	Weight int
	// Detail identifies the call in errors and logs, e.g. the symbol.
	Detail string
}

// RetryError is returned once every attempt of a retryable call failed.
type RetryError struct {
	Source   string
	Op       string
	Detail   string
	Attempts int
	Kind     Kind
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("resilience: %s %s on %s failed after %d attempts (%s): %v",
		e.Op, e.Detail, e.Source, e.Attempts, e.Kind, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrExhaustedRetries) hold.
func (e *RetryError) Is(target error) bool {
	return target == ErrExhaustedRetries
}

// Executor runs remote calls under the rate budget, per-source breakers and
// the kind-specific retry policy.
type Executor struct {
	cfg      ExecutorConfig
	limiter  Limiter
	breakers *Breakers

	// sleepFunc allows test injection of time.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor. A nil limiter disables budgeting; nil
// breakers get a fresh registry that stays open until Reset.
func NewExecutor(cfg ExecutorConfig, limiter Limiter, breakers *Breakers) *Executor {
	def := DefaultExecutorConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.OtherDelay <= 0 {
		cfg.OtherDelay = def.OtherDelay
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if limiter == nil {
		limiter = noopLimiter{}
	}
	if breakers == nil {
		breakers = NewBreakers(0)
	}
	return &Executor{cfg: cfg, limiter: limiter, breakers: breakers, sleepFunc: sleepCtx}
}

// Breakers returns the executor's breaker registry.
func (ex *Executor) Breakers() *Breakers {
	return ex.breakers
}

// Execute runs fn for req. Unavailable trips the source breaker and returns
// at once; NotFound and DataInsufficient return at once; RateLimited waits
// for the budget window to reset without growing the backoff; Network backs
// off exponentially; anything else is retried once. Cancellation of ctx is
// returned unwrapped.
func Execute[T any](ctx context.Context, ex *Executor, req Request, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var (
		lastErr      error
		lastKind     Kind
		networkN     int
		otherRetried bool
		attempts     int
	)

	for attempts < ex.cfg.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if err := ex.breakers.Allow(req.Source); err != nil {
			return zero, NewKindError(KindUnavailable, err)
		}
		if err := ex.limiter.Acquire(ctx, req.Source, req.Weight); err != nil {
			return zero, err
		}

		attempts++
		val, err := callWithTimeout(ctx, ex.cfg.OpTimeout, fn)
		if err == nil {
			ex.breakers.Success(req.Source)
			return val, nil
		}
		kind := Classify(err)
		if kind != KindUnavailable {
			ex.breakers.Release(req.Source)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr, lastKind = err, kind

		switch kind {
		case KindUnavailable:
			ex.breakers.Trip(req.Source, err)
			zap.L().Warn("resilience: source unavailable, excluding for this run",
				zap.String("source", req.Source),
				zap.String("op", req.Op),
				zap.Error(err),
			)
			return zero, err
		case KindNotFound, KindDataInsufficient:
			return zero, err
		}

		if attempts >= ex.cfg.MaxAttempts {
			break
		}
		if kind == KindOther {
			if otherRetried {
				break
			}
			otherRetried = true
		}

		if ex.cfg.OnRetry != nil {
			ex.cfg.OnRetry(req, attempts, kind, err)
		}

		var waitErr error
		switch kind {
		case KindRateLimited:
			waitErr = ex.limiter.WaitForReset(ctx, req.Source)
		case KindNetwork:
			networkN++
			waitErr = ex.sleepFunc(ctx, ex.backoff(networkN))
		default:
			waitErr = ex.sleepFunc(ctx, ex.cfg.OtherDelay)
		}
		if waitErr != nil {
			return zero, waitErr
		}
	}

	return zero, &RetryError{
		Source:   req.Source,
		Op:       req.Op,
		Detail:   req.Detail,
		Attempts: attempts,
		Kind:     lastKind,
		Err:      lastErr,
	}
}

// callWithTimeout invokes fn under the op timeout. A timeout of the attempt
// itself is reported as a network failure.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := fn(opCtx)
	if err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		var ke *KindError
		if !errors.As(err, &ke) {
			err = NewKindError(KindNetwork, eris.Wrapf(err, "operation timed out after %s", timeout))
		}
	}
	return val, err
}

// backoff returns min(MaxBackoff, BaseBackoff * 2^n) for the nth network
// retry, counting from 1.
func (ex *Executor) backoff(n int) time.Duration {
	return computeBackoff(n, RetryConfig{
		InitialBackoff: ex.cfg.BaseBackoff,
		MaxBackoff:     ex.cfg.MaxBackoff,
		Multiplier:     2,
	})
}

type noopLimiter struct{}

func (noopLimiter) Acquire(context.Context, string, int) error { return nil }

func (noopLimiter) WaitForReset(context.Context, string) error { return nil }
