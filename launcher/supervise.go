package launcher

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Broker is a service that must be reachable for the lifetime of a launch.
type Broker interface {
	// Start binds the listener and returns the chosen port.
	Start() (int, error)
	// Serve blocks until Shutdown.
	Serve() error
	Shutdown(ctx context.Context) error
	// ShutdownTimeout bounds Shutdown once the launch has returned.
	ShutdownTimeout() time.Duration
}

// RunWithBroker starts the broker, runs launch with the broker's port and
// shuts the broker down once launch returns. A broker failure cancels the
// launch context.
func RunWithBroker(ctx context.Context, broker Broker, launch func(ctx context.Context, port int) error) error {
	port, err := broker.Start()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(broker.Serve)
	g.Go(func() error {
		err := launch(gctx, port)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), broker.ShutdownTimeout())
		defer cancel()
		if shutdownErr := broker.Shutdown(shutdownCtx); err == nil {
			err = shutdownErr
		}
		return err
	})
	return g.Wait()
}
