package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"gpsrelay/internal/db"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

func TestTrackingByKey(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	started := time.Unix(1700000000, 0)
	mock.ExpectQuery(`SELECT t.id, t.name, t.started`).
		WithArgs("k1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "started", "active"}).AddRow(int64(7), "Kim", started, true))

	svc := NewService(mock)
	tr, active, err := svc.TrackingByKey(context.Background(), "k1")
	if err != nil {
		t.Fatalf("tracking by key: %v", err)
	}
	if tr.ID != 7 || tr.Name != "Kim" || tr.Key != "k1" || !active {
		t.Fatalf("unexpected tracking: %+v active=%v", tr, active)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTrackingByKeyNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT t.id, t.name, t.started`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, _, err = NewService(mock).TrackingByKey(context.Background(), "missing")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTrackingByKeyStoreError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT t.id, t.name, t.started`).
		WithArgs("k1").
		WillReturnError(errTrack)

	_, _, err = NewService(mock).TrackingByKey(context.Background(), "k1")
	if !errors.Is(err, db.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestFindOrCreateSegmentExisting(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	started := time.Unix(1000, 0).UTC()
	mock.ExpectQuery(`SELECT id, started, last, distance, active\s+FROM gps_log`).
		WithArgs(int64(7), started).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started", "last", "distance", "active"}).
			AddRow(int64(3), started, time.Unix(1100, 0).UTC(), 42.5, true))

	seg, err := NewService(mock).FindOrCreateSegment(context.Background(), 7, 1000, 1200)
	if err != nil {
		t.Fatalf("find segment: %v", err)
	}
	if seg.ID != 3 || seg.Key() != 1000 || seg.DistanceMeters != 42.5 || seg.TrackingID != 7 {
		t.Fatalf("unexpected segment: %+v", seg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindOrCreateSegmentCreates(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	started := time.Unix(1000, 0).UTC()
	mock.ExpectQuery(`SELECT id, started, last, distance, active\s+FROM gps_log`).
		WithArgs(int64(7), started).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO gps_log`).
		WithArgs(int64(7), started, time.Unix(1005, 0).UTC()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	seg, err := NewService(mock).FindOrCreateSegment(context.Background(), 7, 1000, 1005)
	if err != nil {
		t.Fatalf("create segment: %v", err)
	}
	if seg.ID != 11 || !seg.Active || seg.DistanceMeters != 0 || seg.Last.Unix() != 1005 {
		t.Fatalf("unexpected segment: %+v", seg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindOrCreateSegmentInsertError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, started, last, distance, active\s+FROM gps_log`).
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO gps_log`).
		WithArgs(int64(7), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errTrack)

	_, err = NewService(mock).FindOrCreateSegment(context.Background(), 7, 1000, 1005)
	if !errors.Is(err, db.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestUpdateSegment(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`UPDATE gps_log`).
		WithArgs(int64(3), 120.5, time.Unix(2000, 0).UTC()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE gps_log`).
		WithArgs(int64(4), 1.0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	svc := NewService(mock)
	if err := svc.UpdateSegment(context.Background(), 3, 120.5, 2000); err != nil {
		t.Fatalf("update segment: %v", err)
	}
	if err := svc.UpdateSegment(context.Background(), 4, 1.0, 2000); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSegmentsSince(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, started, last, distance, active\s+FROM gps_log\s+WHERE tracking_id=\$1 AND started >= \$2`).
		WithArgs(int64(7), time.Unix(100, 0).UTC()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "started", "last", "distance", "active"}).
			AddRow(int64(1), time.Unix(100, 0), time.Unix(150, 0), 10.0, false).
			AddRow(int64(2), time.Unix(200, 0), time.Unix(260, 0), 20.0, true))

	segs, err := NewService(mock).SegmentsSince(context.Background(), 7, 100)
	if err != nil {
		t.Fatalf("segments since: %v", err)
	}
	if len(segs) != 2 || segs[0].Key() != 100 || segs[1].Key() != 200 {
		t.Fatalf("unexpected segments: %+v", segs)
	}
}

func TestSegmentsSinceQueryError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, started, last, distance, active`).
		WithArgs(int64(7), pgxmock.AnyArg()).
		WillReturnError(errTrack)

	if _, err := NewService(mock).SegmentsSince(context.Background(), 7, 0); !errors.Is(err, db.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

var errTrack = errors.New("track error")
