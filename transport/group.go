package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/localrivet/opgate/mcp"
)

// Group runs several transports against one Handler. A transport that
// returns an error cancels the others; one that returns nil (stdio at EOF)
// leaves the rest running.
type Group struct {
	transports []Transport
}

// NewGroup returns a Group over ts.
func NewGroup(ts ...Transport) *Group {
	return &Group{transports: ts}
}

func (g *Group) Name() string {
	names := make([]string, len(g.transports))
	for i, t := range g.transports {
		names[i] = t.Name()
	}
	return strings.Join(names, "+")
}

// Transports returns the members of the group.
func (g *Group) Transports() []Transport {
	return g.transports
}

func (g *Group) Start(ctx context.Context, h Handler) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, t := range g.transports {
		eg.Go(func() error {
			if err := t.Start(ctx, h); err != nil {
				return fmt.Errorf("%s: %w", t.Name(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Shutdown stops every member concurrently and joins their errors.
func (g *Group) Shutdown(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range g.transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Send pushes msg through every member. Members that are not running or
// cannot push are skipped.
func (g *Group) Send(ctx context.Context, msg mcp.Message) error {
	var errs []error
	for _, t := range g.transports {
		if err := t.Send(ctx, msg); err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrPushUnsupported) {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
