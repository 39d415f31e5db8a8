// Package opx wraps blocking operations in explicit, composable middleware:
// tracing spans, bounded retries and timing hooks.
//
// Callers build the chain at the call site, so the wrapping is visible where
// the operation runs:
//
//	eval := opx.Chain("llm.evaluate", call,
//		opx.Tracing[*Evaluation](nil),
//		opx.Retry[*Evaluation](opx.RetryConfig{MaxTries: 3}),
//	)
//	res, err := eval(ctx)
package opx

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
)

var defaultTracer = otel.Tracer("github.com/Virgo-Alpha/Sentinel-sub001/internal/opx")

// Op is a cancellable unit of work.
type Op[T any] func(ctx context.Context) (T, error)

// Middleware wraps an Op. name identifies the operation for spans and hooks.
type Middleware[T any] func(name string, next Op[T]) Op[T]

// Chain applies mws to op. The first middleware is the outermost.
func Chain[T any](name string, op Op[T], mws ...Middleware[T]) Op[T] {
	for i := len(mws) - 1; i >= 0; i-- {
		op = mws[i](name, op)
	}
	return op
}

// Tracing starts a span per call and marks it failed when the op errors.
// A nil tracer uses the global provider.
func Tracing[T any](tracer trace.Tracer, attrs ...attribute.KeyValue) Middleware[T] {
	if tracer == nil {
		tracer = defaultTracer
	}
	return func(name string, next Op[T]) Op[T] {
		return func(ctx context.Context) (T, error) {
			ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
				append([]attribute.KeyValue{attribute.String("sentinel.op", name)}, attrs...)...,
			))
			defer span.End()

			res, err := next(ctx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return res, err
			}
			span.SetStatus(codes.Ok, "")
			return res, nil
		}
	}
}

// RetryConfig bounds Retry.
type RetryConfig struct {
	MaxTries   uint
	MaxElapsed time.Duration
	// BackOff overrides the default exponential schedule. It is shared by
	// concurrent calls, so it must be stateless (ZeroBackOff, ConstantBackOff).
	BackOff backoff.BackOff
	// OnRetry is called before each wait.
	OnRetry func(name string, err error, wait time.Duration)
}

// Retry re-runs the op on failure with exponential backoff. Errors that a
// fresh attempt cannot fix (validation, not-found, invalid transition,
// conflict) stop immediately and are returned unwrapped.
func Retry[T any](cfg RetryConfig) Middleware[T] {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}
	return func(name string, next Op[T]) Op[T] {
		return func(ctx context.Context) (T, error) {
			b := cfg.BackOff
			if b == nil {
				eb := backoff.NewExponentialBackOff()
				eb.InitialInterval = 200 * time.Millisecond
				eb.MaxInterval = 5 * time.Second
				b = eb
			}
			b.Reset()

			opts := []backoff.RetryOption{
				backoff.WithBackOff(b),
				backoff.WithMaxTries(cfg.MaxTries),
				backoff.WithMaxElapsedTime(cfg.MaxElapsed),
			}
			if cfg.OnRetry != nil {
				opts = append(opts, backoff.WithNotify(func(err error, d time.Duration) {
					cfg.OnRetry(name, err, d)
				}))
			}

			return backoff.Retry(ctx, func() (T, error) {
				res, err := next(ctx)
				var stopped *backoff.PermanentError
				if err != nil && !errors.As(err, &stopped) && Permanent(err) {
					return res, backoff.Permanent(err)
				}
				return res, err
			}, opts...)
		}
	}
}

// Stop marks err so Retry returns it after the current attempt. Use it for
// failures the op knows a fresh attempt cannot fix.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Permanent reports whether retrying err cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, article.ErrValidation) ||
		errors.Is(err, article.ErrNotFound) ||
		errors.Is(err, article.ErrInvalidTransition) ||
		errors.Is(err, article.ErrConflict) ||
		errors.Is(err, context.Canceled)
}

// Observe reports the duration and error of every call to fn.
func Observe[T any](fn func(name string, d time.Duration, err error)) Middleware[T] {
	return func(name string, next Op[T]) Op[T] {
		return func(ctx context.Context) (T, error) {
			start := time.Now()
			res, err := next(ctx)
			fn(name, time.Since(start), err)
			return res, err
		}
	}
}

// Timeout bounds each call with its own deadline.
func Timeout[T any](d time.Duration) Middleware[T] {
	return func(_ string, next Op[T]) Op[T] {
		return func(ctx context.Context) (T, error) {
			if d <= 0 {
				return next(ctx)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx)
		}
	}
}
