package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mcplease/mcplease-go/faults"
)

// Transport carries raw messages between clients and the server. A
// transport owns connection framing and calls the server once per
// message; it returns when its context is canceled or its input is
// exhausted.
type Transport interface {
	Serve(ctx context.Context, srv *Server) error
}

// Run serves all transports and the background sweepers until the
// context is canceled or a transport fails. Sweeper exits from context
// cancellation are not treated as errors.
func (s *Server) Run(ctx context.Context, transports ...Transport) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.enforcer.RunSweeper(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.sessions.RunSweeper(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	for _, t := range transports {
		t := t
		g.Go(func() error {
			return t.Serve(ctx, s)
		})
	}

	err := g.Wait()
	if cerr := s.contexts.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		// A transport failure tears the whole server down; record it as a
		// terminating fault before surfacing it.
		s.faults.Handle(context.Background(),
			fmt.Errorf("%w: %v", faults.ErrShutdown, err),
			faults.WithoutRecovery())
	}
	return err
}
