// Package stream is the Distribution Server: it fans filtered points out to
// WebSocket subscribers, replaying persisted history to each new subscriber
// before switching it to the live feed.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gpsrelay/internal/bus"
	"gpsrelay/internal/tracking"

	"go.uber.org/zap"
)

type resolver interface {
	Resolve(ctx context.Context, key string) (tracking.Resolution, error)
}

type segmentLister interface {
	SegmentsSince(ctx context.Context, trackingID int64, since int64) ([]tracking.Segment, error)
}

type textReader interface {
	ReadSegmentsText(ctx context.Context, segs []tracking.Segment) (string, error)
}

type Options struct {
	KeepaliveTimeout time.Duration
	SendBuffer       int
	// LogUpdateTopic carries segment updates; messages from any other topic
	// are treated as filtered points.
	LogUpdateTopic string
}

const (
	DefaultKeepaliveTimeout = 30 * time.Second
	DefaultSendBuffer       = 1024
)

type sessionSet map[*Session]struct{}

// Hub keeps the sessions of every tracking key, split into those still
// catching up and those receiving the live feed.
type Hub struct {
	resolver resolver
	segments segmentLister
	points   textReader
	opts     Options
	logger   *zap.Logger

	mu      sync.RWMutex
	pending map[string]sessionSet
	live    map[string]sessionSet
}

func NewHub(r resolver, segments segmentLister, points textReader, opts Options, logger *zap.Logger) *Hub {
	if opts.KeepaliveTimeout <= 0 {
		opts.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		resolver: r,
		segments: segments,
		points:   points,
		opts:     opts,
		logger:   logger,
		pending:  map[string]sessionSet{},
		live:     map[string]sessionSet{},
	}
}

// Serve runs a session on conn until the connection closes.
func (h *Hub) Serve(ctx context.Context, conn Conn) {
	s := newSession(h, conn)
	h.logger.Debug("Client connected", zap.String("session_id", s.ID))
	err := s.run(ctx)
	h.logger.Debug("Client disconnected",
		zap.String("session_id", s.ID),
		zap.NamedError("reason", err),
	)
}

// Publish fans a filtered point out to every session of key.
func (h *Hub) Publish(key string, p tracking.Point) {
	for _, s := range h.sessions(key) {
		s.Push(p)
	}
}

// PublishDistance forwards a segment's cumulative distance to live sessions.
func (h *Hub) PublishDistance(key string, segment int64, meters float64) {
	for _, s := range h.sessions(key) {
		s.PushDistance(segment, meters)
	}
}

// HandleMessage is the bus handler feeding the hub.
func (h *Hub) HandleMessage(_ context.Context, msg bus.Message) error {
	if msg.Key == "" {
		return nil
	}

	if h.opts.LogUpdateTopic != "" && msg.Topic == h.opts.LogUpdateTopic {
		var upd tracking.SegmentUpdateMsg
		if err := json.Unmarshal(msg.Value, &upd); err != nil {
			h.logger.Warn("Dropping undecodable segment update", zap.String("message_id", msg.ID), zap.Error(err))
			return nil
		}
		h.PublishDistance(msg.Key, upd.Started, upd.Distance)
		return nil
	}

	var pm tracking.PointMsg
	if err := json.Unmarshal(msg.Value, &pm); err != nil {
		h.logger.Warn("Dropping undecodable point", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	h.Publish(msg.Key, pm.Point)
	return nil
}

// Counts reports how many sessions of key are catching up and live.
func (h *Hub) Counts(key string) (pending, live int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending[key]), len(h.live[key])
}

func (h *Hub) sessions(key string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.pending[key])+len(h.live[key]))
	for s := range h.pending[key] {
		out = append(out, s)
	}
	for s := range h.live[key] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) addPending(s *Session) {
	key := s.TrackingKey()
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.isClosed() {
		return
	}
	add(h.pending, key, s)
}

func (h *Hub) promote(s *Session) {
	key := s.TrackingKey()
	h.mu.Lock()
	defer h.mu.Unlock()
	drop(h.pending, key, s)
	if s.isClosed() {
		return
	}
	add(h.live, key, s)
}

func (h *Hub) remove(s *Session) {
	key := s.TrackingKey()
	h.mu.Lock()
	defer h.mu.Unlock()
	drop(h.pending, key, s)
	drop(h.live, key, s)
}

func add(m map[string]sessionSet, key string, s *Session) {
	if m[key] == nil {
		m[key] = sessionSet{}
	}
	m[key][s] = struct{}{}
}

func drop(m map[string]sessionSet, key string, s *Session) {
	if set, ok := m[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}
