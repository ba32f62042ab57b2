// Package processor turns raw device fixes into filtered points: it resolves
// the tracking, feeds the segment's filter engine, persists both logs and
// republishes what the engine accepts.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gpsrelay/internal/bus"
	"gpsrelay/internal/db"
	"gpsrelay/internal/filter"
	"gpsrelay/internal/tracking"

	"go.uber.org/zap"
)

type resolver interface {
	Resolve(ctx context.Context, key string) (tracking.Resolution, error)
}

type segmentStore interface {
	FindOrCreateSegment(ctx context.Context, trackingID int64, startTs, fixTs int64) (tracking.Segment, error)
	UpdateSegment(ctx context.Context, id int64, distanceMeters float64, lastFix int64) error
}

type pointStore interface {
	AppendRaw(ctx context.Context, seg tracking.Segment, raw []byte) error
	AppendFiltered(ctx context.Context, seg tracking.Segment, p tracking.Point) error
	ReadRaw(ctx context.Context, seg tracking.Segment) ([][]byte, error)
}

type publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Topics names the output topics.
type Topics struct {
	Points     string
	LogUpdates string
}

type Processor struct {
	resolver resolver
	segments segmentStore
	points   pointStore
	pub      publisher
	engines  *filter.Engines
	topics   Topics
	logger   *zap.Logger
}

func New(r resolver, segments segmentStore, points pointStore, pub publisher, engines *filter.Engines, topics Topics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		resolver: r,
		segments: segments,
		points:   points,
		pub:      pub,
		engines:  engines,
		topics:   topics,
		logger:   logger,
	}
}

// Handle processes one raw fix message. Malformed fixes and unknown trackings
// are dropped with a log line and reported as handled. Store failures are
// returned wrapping db.ErrStoreUnavailable and leave the engine untouched, so
// the message can be handled again. Publish failures happen after the point
// is persisted and are returned as plain errors.
func (p *Processor) Handle(ctx context.Context, msg bus.Message) error {
	var in tracking.RawPointMsg
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		p.logger.Warn("Dropping undecodable raw point message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}
	key := in.Key
	if key == "" {
		key = msg.Key
	}

	fix, err := tracking.DecodeFix(in.Point)
	if err != nil {
		p.logger.Warn("Dropping malformed fix",
			zap.String("key", key),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	res, err := p.resolver.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Info("Dropping fix for unknown tracking", zap.String("key", key))
			return nil
		}
		return fmt.Errorf("resolve %q: %w", key, err)
	}

	inst, err := p.engines.Acquire(ctx, filter.Key{TrackingID: res.TrackingID, StartTimestamp: fix.StartTimestamp}, p.loader(res.TrackingID, fix))
	if err != nil {
		return fmt.Errorf("acquire engine for %q: %w", key, err)
	}
	seg := inst.Segment()

	// The engine only moves forward once the fix is persisted, so a fix that
	// fails here is filtered the same way when it is handled again.
	out := inst.Process(fix)

	if err := p.points.AppendRaw(ctx, seg, in.Point); err != nil {
		return err
	}
	if !out.Accepted {
		p.commit(inst, out, key, fix.Timestamp)
		p.logger.Debug("Fix filtered out",
			zap.String("key", key),
			zap.Int64("timestamp", fix.Timestamp),
			zap.String("provider", fix.Provider),
			zap.String("active_provider", out.Active),
		)
		return nil
	}

	if err := p.segments.UpdateSegment(ctx, seg.ID, out.Distance, out.Point.Timestamp); err != nil {
		return err
	}
	if err := p.points.AppendFiltered(ctx, seg, out.Point); err != nil {
		return err
	}
	p.commit(inst, out, key, fix.Timestamp)

	if err := p.publish(ctx, p.topics.Points, key, tracking.PointMsg{Key: key, Point: out.Point}); err != nil {
		return err
	}
	return p.publish(ctx, p.topics.LogUpdates, key, tracking.SegmentUpdateMsg{
		Key:      key,
		LogID:    seg.ID,
		Started:  seg.Key(),
		Distance: out.Distance,
		Last:     out.Point.Timestamp,
	})
}

func (p *Processor) commit(inst *filter.Instance, out filter.Result, key string, ts int64) {
	if !inst.Commit(out) {
		p.logger.Warn("Filter engine changed while a fix was persisted",
			zap.String("key", key),
			zap.Int64("timestamp", ts),
		)
	}
}

// loader finds or creates the segment of fix and returns the raw fixes
// already persisted for it so the engine can be rebuilt.
func (p *Processor) loader(trackingID int64, fix tracking.Point) filter.Loader {
	return func(ctx context.Context) (tracking.Segment, []tracking.Point, error) {
		seg, err := p.segments.FindOrCreateSegment(ctx, trackingID, fix.StartTimestamp, fix.Timestamp)
		if err != nil {
			return tracking.Segment{}, nil, err
		}
		lines, err := p.points.ReadRaw(ctx, seg)
		if err != nil {
			return tracking.Segment{}, nil, err
		}

		history := make([]tracking.Point, 0, len(lines))
		for _, line := range lines {
			pt, err := tracking.DecodeFix(line)
			if err != nil {
				p.logger.Warn("Skipping unreadable persisted fix",
					zap.Int64("segment_id", seg.ID),
					zap.Error(err),
				)
				continue
			}
			history = append(history, pt)
		}
		if len(history) > 0 {
			p.logger.Info("Rebuilt filter engine from history",
				zap.Int64("tracking_id", trackingID),
				zap.Int64("segment_id", seg.ID),
				zap.Int("fixes", len(history)),
			)
		}
		return seg, history, nil
	}
}

func (p *Processor) publish(ctx context.Context, topic, key string, v interface{}) error {
	if topic == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.pub.Publish(ctx, topic, key, data)
}
