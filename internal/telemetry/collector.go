package telemetry

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

type Collector struct {
	src Sources
}

func NewCollector(src Sources) *Collector {
	return &Collector{src: src}
}

// Snapshot queries all four sources concurrently. If any of them fails the
// others are canceled and no snapshot is returned.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Position, err = c.src.Position(ctx)
		return wrap("position", err)
	})
	g.Go(func() (err error) {
		snap.Battery, err = c.src.Battery(ctx)
		return wrap("battery", err)
	})
	g.Go(func() (err error) {
		snap.Health, err = c.src.Health(ctx)
		return wrap("health", err)
	})
	g.Go(func() (err error) {
		snap.InAir, err = c.src.InAir(ctx)
		return wrap("in air", err)
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func wrap(source string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("reading %s: %w", source, err)
}
