package telemetry

import (
	"context"
	"log/slog"

	"github.com/skyfleet/missionagent/internal/model"
)

// Publisher takes a snapshot, encodes it and hands it to the uploader.
type Publisher struct {
	collector *Collector
	format    string
	uploader  model.Uploader
}

func NewPublisher(c *Collector, format string, u model.Uploader) *Publisher {
	return &Publisher{collector: c, format: format, uploader: u}
}

func (p *Publisher) Publish(ctx context.Context) error {
	snap, err := p.collector.Snapshot(ctx)
	if err != nil {
		return err
	}
	raw, err := Encode(p.format, snap)
	if err != nil {
		return err
	}
	if err := p.uploader.Upload(ctx, raw); err != nil {
		return err
	}
	slog.DebugContext(ctx, "telemetry published", "format", p.format, "bytes", len(raw), "in_air", snap.InAir)
	return nil
}
