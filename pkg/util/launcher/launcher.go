// Package launcher runs long-lived components side by side
package launcher

import (
	"context"
	"golang.org/x/sync/errgroup"
)

type Runner interface {
	Run(ctx context.Context) error
}

// RunAll runs all runners until the first one returns, then cancels the rest
// and waits for them. The first non-nil error is returned.
func RunAll(ctx context.Context, runners ...Runner) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error {
			defer cancel()
			return r.Run(ctx)
		})
	}
	return g.Wait()
}

type lambdaRunner struct {
	f func(ctx context.Context) error
}

func (r lambdaRunner) Run(ctx context.Context) error {
	return r.f(ctx)
}

// AsRunner converts lambda func into runner
func AsRunner(f func(ctx context.Context) error) Runner {
	return lambdaRunner{f}
}
