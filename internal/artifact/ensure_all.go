package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	pkgerrors "github.com/beebs-dev/dorch-sub000/pkg/errors"
)

// Result is the outcome of ensuring one artifact.
type Result struct {
	Name   string
	Source Source
	Err    error
}

// EnsureWithRetry calls Ensure with exponential backoff, up to
// cfg.MaxAttempts tries. Invalid names are not retried.
func (p *Populator) EnsureWithRetry(ctx context.Context, name string) (Source, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.RetryInitial
	if p.cfg.RetryMax > 0 {
		b.MaxInterval = p.cfg.RetryMax
	}

	return backoff.Retry(ctx, func() (Source, error) {
		src, err := p.Ensure(ctx, name)
		if errors.Is(err, pkgerrors.ErrInvalidName) {
			return "", backoff.Permanent(err)
		}
		return src, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("ensure failed, retrying",
				zap.String("artifact", name), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
}

// EnsureAll ensures every name, cfg.Concurrency at a time. One failing name
// does not stop the others; the returned error joins every failure.
func (p *Populator) EnsureAll(ctx context.Context, names []string) ([]Result, error) {
	results := make([]Result, len(names))

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			src, err := p.EnsureWithRetry(ctx, name)
			results[i] = Result{Name: name, Source: src, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
