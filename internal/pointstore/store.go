// Package pointstore persists the per-segment point logs in Redis.
//
// Every segment owns three append-only string keys: the raw fixes as received
// (one JSON document per line), the filtered points as JSON lines, and the
// filtered points in the compact "timestamp,lat,lng" text form read by
// catch-up.
package pointstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gpsrelay/internal/db"
	"gpsrelay/internal/tracking"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	redis *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{redis: client}
}

func logKey(segmentID int64) string {
	return "log-" + strconv.FormatInt(segmentID, 10)
}

func rawKey(segmentID int64) string  { return logKey(segmentID) + "-point-raw" }
func jsonKey(segmentID int64) string { return logKey(segmentID) + "-point-json" }
func textKey(segmentID int64) string { return logKey(segmentID) + "-point-text" }

// TextLine renders a point in the compact log format, newline included.
func TextLine(p tracking.Point) string {
	return strconv.FormatInt(p.Timestamp, 10) + "," +
		strconv.FormatFloat(p.Lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(p.Lng, 'f', -1, 64) + "\n"
}

// AppendRaw appends the verbatim raw fix document to the segment's raw log.
func (s *Store) AppendRaw(ctx context.Context, seg tracking.Segment, raw []byte) error {
	var line bytes.Buffer
	if err := json.Compact(&line, raw); err != nil {
		return fmt.Errorf("compact raw fix: %w", err)
	}
	line.WriteByte('\n')
	if err := s.redis.Append(ctx, rawKey(seg.ID), line.String()).Err(); err != nil {
		return db.Unavailable("append raw", err)
	}
	return nil
}

func (s *Store) AppendFilteredStructured(ctx context.Context, seg tracking.Segment, p tracking.Point) error {
	line, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.redis.Append(ctx, jsonKey(seg.ID), string(line)+"\n").Err(); err != nil {
		return db.Unavailable("append point json", err)
	}
	return nil
}

func (s *Store) AppendFilteredText(ctx context.Context, seg tracking.Segment, p tracking.Point) error {
	if err := s.redis.Append(ctx, textKey(seg.ID), TextLine(p)).Err(); err != nil {
		return db.Unavailable("append point text", err)
	}
	return nil
}

// AppendFiltered writes both filtered representations in one transaction so
// readers never see one without the other.
func (s *Store) AppendFiltered(ctx context.Context, seg tracking.Segment, p tracking.Point) error {
	line, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Append(ctx, jsonKey(seg.ID), string(line)+"\n")
		pipe.Append(ctx, textKey(seg.ID), TextLine(p))
		return nil
	})
	if err != nil {
		return db.Unavailable("append filtered point", err)
	}
	return nil
}

// ReadRaw returns the persisted raw fix documents of a segment in append
// order. A segment without history yields no lines.
func (s *Store) ReadRaw(ctx context.Context, seg tracking.Segment) ([][]byte, error) {
	data, err := s.redis.Get(ctx, rawKey(seg.ID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, db.Unavailable("read raw", err)
	}

	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// ReadFilteredText returns the compact text log of a segment.
func (s *Store) ReadFilteredText(ctx context.Context, seg tracking.Segment) (string, error) {
	text, err := s.redis.Get(ctx, textKey(seg.ID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", db.Unavailable("read point text", err)
	}
	return text, nil
}

// ReadSegmentsText concatenates the text logs of segs, each introduced by a
// "#log <start>" marker line.
func (s *Store) ReadSegmentsText(ctx context.Context, segs []tracking.Segment) (string, error) {
	var b strings.Builder
	for _, seg := range segs {
		text, err := s.ReadFilteredText(ctx, seg)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "#log %d\n", seg.Key())
		b.WriteString(text)
	}
	return b.String(), nil
}
