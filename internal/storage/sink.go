package storage

import (
	"context"

	"github.com/fieldmesh/comsrv/internal/driver"
	"github.com/fieldmesh/comsrv/internal/model"
)

// DriverSink adapts a Writer to driver.Sink, translating a driver's
// decoded PointSample batch into storage writes over spec.md §4.5's two
// write paths: C/A kinds go through WritePointWithTrigger (hash fields plus
// a todo enqueue), T/S kinds through the C2M/C2C-routed WriteBatch.
type DriverSink struct {
	writer *Writer
}

func NewDriverSink(w *Writer) *DriverSink {
	return &DriverSink{writer: w}
}

func (s *DriverSink) WriteBatch(ctx context.Context, channelID uint16, kind model.Kind, samples []driver.PointSample) error {
	// Control/Adjustment acknowledgment writes use write_point_with_trigger
	// (spec.md §4.4/§4.5): two hash fields plus a todo-list enqueue, not the
	// C2M/C2C-routed batch path telemetry/signal polling uses.
	if kind.WritableKind() {
		for _, p := range samples {
			if err := s.writer.WritePointWithTrigger(ctx, channelID, kind, p.PointID, p.Engineered); err != nil {
				return err
			}
		}
		return nil
	}

	updates := make([]Update, 0, len(samples))
	for _, p := range samples {
		updates = append(updates, Update{
			ChannelID:  channelID,
			Kind:       kind,
			PointID:    p.PointID,
			Engineered: p.Engineered,
			Raw:        p.Raw,
			HasRaw:     true,
		})
	}
	return s.writer.WriteBatch(ctx, updates)
}
