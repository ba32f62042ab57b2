package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MessageType tags an envelope on the client protocol.
type MessageType int

const (
	TypePing MessageType = iota
	TypePong
	TypeSubscribe
	TypePoint
	TypeLog
	TypeDistance
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrKeepaliveExpired  = errors.New("keepalive expired")
)

// WirePoint is the position part of a POINT envelope.
type WirePoint struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp"`
}

// Subscribe asks for the points of one tracking, declaring the segment and
// timestamp the client has already seen.
type Subscribe struct {
	TrackingKey     string `json:"name" validate:"required"`
	ResumeSegment   int64  `json:"log" validate:"gte=0"`
	ResumeTimestamp int64  `json:"timestamp" validate:"gte=0"`
}

// Inbound is a decoded client envelope. Subscribe is set only for
// TypeSubscribe.
type Inbound struct {
	Type      MessageType
	Subscribe *Subscribe
}

type header struct {
	Type *MessageType `json:"type"`
}

var validate = validator.New()

// DecodeInbound parses a client frame. Only PING and SUBSCRIBE are accepted
// from clients.
func DecodeInbound(data []byte) (Inbound, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if h.Type == nil {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	switch *h.Type {
	case TypePing:
		return Inbound{Type: TypePing}, nil
	case TypeSubscribe:
		var sub Subscribe
		if err := json.Unmarshal(data, &sub); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		if err := validate.Struct(sub); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
		}
		return Inbound{Type: TypeSubscribe, Subscribe: &sub}, nil
	default:
		return Inbound{}, fmt.Errorf("%w: unexpected type %d from client", ErrProtocolViolation, *h.Type)
	}
}

type pongEnvelope struct {
	Type MessageType `json:"type"`
}

type logEnvelope struct {
	Type MessageType `json:"type"`
	Log  int64       `json:"log"`
}

type pointEnvelope struct {
	Type  MessageType `json:"type"`
	Log   int64       `json:"log"`
	Point WirePoint   `json:"point"`
}

type distanceEnvelope struct {
	Type     MessageType `json:"type"`
	Log      int64       `json:"log"`
	Distance float64     `json:"distance"`
}

func encodePong() []byte {
	data, _ := json.Marshal(pongEnvelope{Type: TypePong})
	return data
}

func encodeLog(segment int64) []byte {
	data, _ := json.Marshal(logEnvelope{Type: TypeLog, Log: segment})
	return data
}

func encodePoint(segment int64, p WirePoint) []byte {
	data, _ := json.Marshal(pointEnvelope{Type: TypePoint, Log: segment, Point: p})
	return data
}

func encodeDistance(segment int64, meters float64) []byte {
	data, _ := json.Marshal(distanceEnvelope{Type: TypeDistance, Log: segment, Distance: meters})
	return data
}
