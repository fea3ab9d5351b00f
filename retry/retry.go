// Package retry implements the shared retry policy used for every call to a
// collaborating service: hosted secret stores, the attestation primitive,
// recovery agents and ledger nodes.
//
// Failures are classified as Retryable (connection reset, timeout, DNS failure,
// HTTP 408/409/5xx) or Fatal (other 4xx, validation errors, cancellation).
// Retryable failures are retried with a jittered delay for a bounded number of
// attempts; exhaustion surfaces the last error.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 5 * time.Second
	DefaultJitter     = 15 * time.Second
)

// Policy is the retry schedule and classifier applied by Do.
type Policy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	Jitter     time.Duration
	Classifier func(error) Class
	// Notify is called before every retry with the failed attempt number (1-based).
	Notify func(err error, attempt int, next time.Duration)
}

// Option customizes a Policy.
type Option func(*Policy)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n uint64) Option {
	return func(p *Policy) { p.MaxRetries = n }
}

// WithDelay sets the delay before each retry to base + rand(0..jitter).
func WithDelay(base, jitter time.Duration) Option {
	return func(p *Policy) {
		p.BaseDelay = base
		p.Jitter = jitter
	}
}

// WithClassifier replaces the default classifier.
func WithClassifier(c func(error) Class) Option {
	return func(p *Policy) { p.Classifier = c }
}

// WithNotify registers a callback invoked before every retry.
func WithNotify(fn func(err error, attempt int, next time.Duration)) Option {
	return func(p *Policy) { p.Notify = fn }
}

// NewPolicy returns the default policy with opts applied.
func NewPolicy(opts ...Option) Policy {
	p := Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Jitter:     DefaultJitter,
		Classifier: Classify,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Classifier == nil {
		p.Classifier = Classify
	}
	return p
}

// jitterBackOff waits base + rand(0..jitter) between attempts.
type jitterBackOff struct {
	base, jitter time.Duration
}

func (b *jitterBackOff) Reset() {}

func (b *jitterBackOff) NextBackOff() time.Duration {
	if b.jitter <= 0 {
		return b.base
	}
	return b.base + time.Duration(rand.Int63n(int64(b.jitter)))
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(&jitterBackOff{base: p.BaseDelay, jitter: p.Jitter}, p.MaxRetries)
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, fails fatally or the retries are exhausted.
func Do(ctx context.Context, op func(context.Context) error, opts ...Option) error {
	_, err := DoWithData(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoWithData is Do for operations that produce a value.
func DoWithData[T any](ctx context.Context, op func(context.Context) (T, error), opts ...Option) (T, error) {
	p := NewPolicy(opts...)

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || p.Classifier(err) == Fatal {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	var notify backoff.Notify
	if p.Notify != nil {
		notify = func(err error, next time.Duration) {
			p.Notify(err, attempt, next)
		}
	}

	return backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
}
