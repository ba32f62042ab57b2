// Package rawdump archives raw fixes exactly as devices sent them, one
// JSON-lines file per tracking key and segment.
package rawdump

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gpsrelay/internal/bus"
	"gpsrelay/internal/cache"
	"gpsrelay/internal/tracking"

	"go.uber.org/zap"
)

// DefaultIdleTTL is how long an unused segment file stays open.
const DefaultIdleTTL = time.Hour

var ErrInvalidKey = errors.New("tracking key not usable as a directory name")

// segmentFile is an open archive file. Writes after close are refused so a
// writer racing an eviction reopens the file instead.
type segmentFile struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

func (s *segmentFile) write(line []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	_, err := s.f.Write(line)
	return true, err
}

func (s *segmentFile) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// Archiver appends raw fixes under <root>/<key>/<segment start>.jsonl.
type Archiver struct {
	root   string
	files  *cache.Cache[string, *segmentFile]
	logger *zap.Logger
}

func New(root string, idleTTL time.Duration, logger *zap.Logger) *Archiver {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archiver{root: root, logger: logger}
	a.files = cache.New[string, *segmentFile](idleTTL).OnEvict(func(path string, f *segmentFile) {
		if err := f.close(); err != nil {
			a.logger.Warn("Failed to close archive file", zap.String("path", path), zap.Error(err))
		}
	})
	return a
}

// WithClock replaces the time source of the idle eviction; used by tests.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.files.WithClock(now)
	return a
}

// FileName is the archive file of the segment started at start: its UTC
// ISO-8601 time with colons replaced by dashes.
func FileName(start int64) string {
	return time.Unix(start, 0).UTC().Format("2006-01-02T15-04-05.000Z") + ".jsonl"
}

// Handle archives one raw point message. Messages without a key or a usable
// segment start are dropped with a log line; write failures are returned.
func (a *Archiver) Handle(_ context.Context, msg bus.Message) error {
	var in tracking.RawPointMsg
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		a.logger.Warn("Dropping undecodable raw point message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}
	key := in.Key
	if key == "" {
		key = msg.Key
	}
	if key == "" || len(in.Point) == 0 {
		return nil
	}

	var fix tracking.RawFix
	if err := json.Unmarshal(in.Point, &fix); err != nil {
		a.logger.Warn("Dropping undecodable raw fix", zap.String("key", key), zap.Error(err))
		return nil
	}
	start, err := tracking.ParseSeconds("starttimestamp", fix.StartTimestamp)
	if err != nil {
		a.logger.Warn("Dropping raw fix without segment start", zap.String("key", key), zap.Error(err))
		return nil
	}

	var line bytes.Buffer
	if err := json.Compact(&line, in.Point); err != nil {
		return fmt.Errorf("compact raw fix: %w", err)
	}
	line.WriteByte('\n')

	if err := a.Append(key, start, line.Bytes()); err != nil {
		if errors.Is(err, ErrInvalidKey) {
			a.logger.Warn("Dropping raw fix", zap.String("key", key), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// Append writes line to the archive file of key's segment started at start.
func (a *Archiver) Append(key string, start int64, line []byte) error {
	if !usableKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	path := filepath.Join(a.root, key, FileName(start))

	for {
		f, ok := a.files.Get(path)
		if !ok {
			a.files.Sweep()
			opened, err := a.open(path)
			if err != nil {
				return err
			}
			f = a.files.PutIfAbsent(path, opened)
			if f != opened {
				_ = opened.close()
			}
		}

		written, err := f.write(line)
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		if written {
			return nil
		}
	}
}

func (a *Archiver) open(path string) (*segmentFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	a.logger.Debug("Opened archive file", zap.String("path", path))
	return &segmentFile{f: f}, nil
}

// Open is the number of archive files currently held open.
func (a *Archiver) Open() int {
	return a.files.Len()
}

// Close closes every open archive file.
func (a *Archiver) Close() {
	a.files.Clear()
}

func usableKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return !strings.ContainsAny(key, `/\`+"\x00")
}
