// Package resolver turns user-supplied sources into playable queue tracks.
package resolver

import (
	"context"

	"github.com/pravuX/ksunira/queue"
)

// Resolver resolves a source string into a Track. Failures wrap
// errs.ErrUnresolvableSource.
type Resolver interface {
	Resolve(ctx context.Context, source string) (queue.Track, error)
}

// Func adapts a plain function to Resolver.
type Func func(ctx context.Context, source string) (queue.Track, error)

func (f Func) Resolve(ctx context.Context, source string) (queue.Track, error) {
	return f(ctx, source)
}
