package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"gpsrelay/internal/db"
	"gpsrelay/internal/pointstore"
	"gpsrelay/internal/tracking"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a client session.
type State int

const (
	StateConnected State = iota
	StateAwaitingSubscribe
	StateCatchingUp
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingSubscribe:
		return "awaiting_subscribe"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	default:
		return "closed"
	}
}

// Conn is the part of a WebSocket connection a session needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Session is one subscribed client. Outbound frames go through a buffered
// channel drained by a single writer.
//
// While catching up, fan-out only queues points; the catch-up goroutine owns
// the delivery cursor until it has drained the queue and flipped the session
// live under mu. From then on the cursor belongs to the fan-out path.
type Session struct {
	ID string

	hub    *Hub
	conn   Conn
	logger *zap.Logger

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	trackingKey   string
	lastSegment   int64
	lastTimestamp int64
	queue         []tracking.Point
	cancel        context.CancelFunc
}

func newSession(h *Hub, conn Conn) *Session {
	return &Session{
		ID:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		logger: h.logger,
		out:    make(chan []byte, h.opts.SendBuffer),
		closed: make(chan struct{}),
		state:  StateConnected,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TrackingKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackingKey
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// run serves the connection until it closes. It returns the reason.
func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	if err := s.armKeepalive(); err != nil {
		s.Close()
		return err
	}
	s.setState(StateAwaitingSubscribe)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	err := s.readLoop(ctx)
	s.Close()
	<-writerDone
	return err
}

func (s *Session) armKeepalive() error {
	return s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.KeepaliveTimeout))
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = st
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrKeepaliveExpired
			}
			return err
		}

		in, err := DecodeInbound(data)
		if err != nil {
			return err
		}

		switch in.Type {
		case TypePing:
			if err := s.armKeepalive(); err != nil {
				return err
			}
			s.trySend(encodePong())
		case TypeSubscribe:
			if err := s.subscribe(ctx, *in.Subscribe); err != nil {
				return err
			}
		}
	}
}

func (s *Session) subscribe(ctx context.Context, sub Subscribe) error {
	s.mu.Lock()
	if s.state != StateAwaitingSubscribe {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("Unexpected subscribe",
			zap.String("session_id", s.ID),
			zap.Stringer("state", state),
		)
		return ErrProtocolViolation
	}
	s.state = StateCatchingUp
	s.trackingKey = sub.TrackingKey
	s.lastSegment = sub.ResumeSegment
	s.lastTimestamp = sub.ResumeTimestamp
	s.mu.Unlock()

	// registered before any history is read so no live point is missed
	s.hub.addPending(s)
	go s.catchUp(ctx, sub)
	return nil
}

// catchUp replays persisted history, then drains what fan-out queued in the
// meantime and goes live.
func (s *Session) catchUp(ctx context.Context, sub Subscribe) {
	if err := s.backfill(ctx, sub); err != nil {
		if ctx.Err() == nil && !s.isClosed() {
			s.logger.Warn("Catch-up failed",
				zap.String("session_id", s.ID),
				zap.String("tracking_key", sub.TrackingKey),
				zap.Error(err),
			)
		}
		s.Close()
		return
	}

	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.state = StateLive
			s.queue = nil
			s.mu.Unlock()
			s.hub.promote(s)
			catchingUp, live := s.hub.Counts(sub.TrackingKey)
			s.logger.Debug("Session went live",
				zap.String("session_id", s.ID),
				zap.String("tracking_key", sub.TrackingKey),
				zap.Int("live_sessions", live),
				zap.Int("catching_up", catchingUp),
			)
			return
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !s.deliver(p.StartTimestamp, p.Timestamp, p.Lat, p.Lng, s.sendBlocking) {
			return
		}
	}
}

func (s *Session) backfill(ctx context.Context, sub Subscribe) error {
	res, err := s.hub.resolver.Resolve(ctx, sub.TrackingKey)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Info("Subscribe for unknown tracking",
				zap.String("session_id", s.ID),
				zap.String("tracking_key", sub.TrackingKey),
			)
		}
		return err
	}

	segments, err := s.hub.segments.SegmentsSince(ctx, res.TrackingID, sub.ResumeSegment)
	if err != nil {
		return err
	}
	text, err := s.hub.points.ReadSegmentsText(ctx, segments)
	if err != nil {
		return err
	}

	ok := true
	pointstore.ParseText(text, func(rec pointstore.TextRecord) bool {
		if ctx.Err() != nil {
			ok = false
			return false
		}
		if rec.Marker {
			if rec.Segment > s.lastTimestamp {
				ok = s.announce(rec.Segment, s.sendBlocking)
			}
		} else {
			ok = s.deliver(rec.Segment, rec.Timestamp, rec.Lat, rec.Lng, s.sendBlocking)
		}
		return ok
	})
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("session closed during catch-up")
	}
	return nil
}

// Push hands a live point to the session. During catch-up it is queued;
// afterwards it is delivered without blocking, and a session that cannot
// keep up is closed.
func (s *Session) Push(p tracking.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCatchingUp:
		s.queue = append(s.queue, p)
	case StateLive:
		s.deliver(p.StartTimestamp, p.Timestamp, p.Lat, p.Lng, s.trySend)
	}
}

// PushDistance forwards a segment distance update to a live session.
func (s *Session) PushDistance(segment int64, meters float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLive {
		s.trySend(encodeDistance(segment, meters))
	}
}

// deliver applies the monotonic timestamp guard, announces a new segment
// when needed and sends the point. It reports false once the session is
// closed.
func (s *Session) deliver(segment, ts int64, lat, lng float64, send func([]byte) bool) bool {
	if ts <= s.lastTimestamp {
		return !s.isClosed()
	}
	if !s.announce(segment, send) {
		return false
	}
	s.lastTimestamp = ts
	return send(encodePoint(segment, WirePoint{Lat: lat, Lng: lng, Timestamp: ts}))
}

func (s *Session) announce(segment int64, send func([]byte) bool) bool {
	if segment == s.lastSegment {
		return !s.isClosed()
	}
	s.lastSegment = segment
	return send(encodeLog(segment))
}

// sendBlocking waits for room in the outbound buffer; used by catch-up,
// which owns its goroutine.
func (s *Session) sendBlocking(msg []byte) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.closed:
		return false
	}
}

// trySend never blocks; a full buffer closes the session.
func (s *Session) trySend(msg []byte) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		s.logger.Warn("Closing slow session", zap.String("session_id", s.ID))
		go s.Close()
		return false
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// Close tears the session down. Safe to call repeatedly and from any
// goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		s.state = StateClosed
		s.queue = nil
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.hub.remove(s)
		_ = s.conn.Close()
	})
}
