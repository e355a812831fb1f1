package peering

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Runner is satisfied by the sync Loop's Run method.
type Runner interface {
	Run(ctx context.Context) error
}

// APIServer is the lifecycle surface RunWithServer needs from the HTTP
// adapter: just enough to shut it down once the sync loop's context ends.
type APIServer interface {
	Shutdown(ctx context.Context) error
}

// RunWithServer runs loop under an errgroup-derived context and shuts
// apiServer down once that context ends, whether because the caller
// cancelled ctx (e.g. on a shutdown signal) or because the loop itself
// returned an error. It coordinates the two long-lived tasks this binary
// manages beyond its own signal handling — the sync loop and the HTTP
// server — under one cancellation, the same way an errgroup-based runner
// joins a set of sibling goroutines that must all unwind together.
func RunWithServer(ctx context.Context, loop Runner, apiServer APIServer, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)

	return g.Wait()
}
