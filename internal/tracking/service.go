package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gpsrelay/internal/db"

	"github.com/jackc/pgx/v5"
)

// Service is the relational store of trackings and their segments.
type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// TrackingByKey loads a tracking and whether it currently has an active
// segment.
func (s *Service) TrackingByKey(ctx context.Context, key string) (Tracking, bool, error) {
	t := Tracking{Key: key}
	var active bool
	row := s.db.QueryRow(ctx, `
		SELECT t.id, t.name, t.started,
		       EXISTS (SELECT 1 FROM gps_log l WHERE l.tracking_id = t.id AND l.active)
		FROM gps_tracking t
		WHERE t.key=$1
	`, key)
	if err := row.Scan(&t.ID, &t.Name, &t.StartedAt, &active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tracking{}, false, fmt.Errorf("tracking %q: %w", key, db.ErrNotFound)
		}
		return Tracking{}, false, db.Unavailable("load tracking", err)
	}
	return t, active, nil
}

// FindOrCreateSegment returns the segment of trackingID that started at
// startTs, inserting it with zero distance when it does not exist yet.
func (s *Service) FindOrCreateSegment(ctx context.Context, trackingID int64, startTs, fixTs int64) (Segment, error) {
	started := time.Unix(startTs, 0).UTC()
	seg := Segment{TrackingID: trackingID}

	row := s.db.QueryRow(ctx, `
		SELECT id, started, last, distance, active
		FROM gps_log
		WHERE tracking_id=$1 AND started=$2
		LIMIT 1
	`, trackingID, started)
	err := row.Scan(&seg.ID, &seg.Started, &seg.Last, &seg.DistanceMeters, &seg.Active)
	if err == nil {
		return seg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Segment{}, db.Unavailable("find segment", err)
	}

	seg.Started = started
	seg.Last = time.Unix(fixTs, 0).UTC()
	seg.Active = true
	row = s.db.QueryRow(ctx, `
		INSERT INTO gps_log (tracking_id, started, last, distance, active)
		VALUES ($1,$2,$3,0,true)
		RETURNING id
	`, trackingID, seg.Started, seg.Last)
	if err := row.Scan(&seg.ID); err != nil {
		return Segment{}, db.Unavailable("create segment", err)
	}
	return seg, nil
}

// UpdateSegment records the cumulative distance and last fix time of a
// segment and marks it active.
func (s *Service) UpdateSegment(ctx context.Context, id int64, distanceMeters float64, lastFix int64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE gps_log
		SET distance=$2, last=$3, active=true
		WHERE id=$1
	`, id, distanceMeters, time.Unix(lastFix, 0).UTC())
	if err != nil {
		return db.Unavailable("update segment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("segment %d: %w", id, db.ErrNotFound)
	}
	return nil
}

// SegmentsSince lists the segments of trackingID that started at or after
// since, oldest first.
func (s *Service) SegmentsSince(ctx context.Context, trackingID int64, since int64) ([]Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, started, last, distance, active
		FROM gps_log
		WHERE tracking_id=$1 AND started >= $2
		ORDER BY started
	`, trackingID, time.Unix(since, 0).UTC())
	if err != nil {
		return nil, db.Unavailable("list segments", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		seg := Segment{TrackingID: trackingID}
		if err := rows.Scan(&seg.ID, &seg.Started, &seg.Last, &seg.DistanceMeters, &seg.Active); err != nil {
			return nil, db.Unavailable("scan segment", err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("list segments", err)
	}
	return segments, nil
}
