package stream

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":0}`))
	if err != nil || in.Type != TypePing {
		t.Fatalf("expected ping, got %+v %v", in, err)
	}

	in, err = DecodeInbound([]byte(`{"type":2,"name":"k1","log":100,"timestamp":105}`))
	if err != nil {
		t.Fatalf("decode subscribe: %v", err)
	}
	sub := in.Subscribe
	if in.Type != TypeSubscribe || sub == nil || sub.TrackingKey != "k1" || sub.ResumeSegment != 100 || sub.ResumeTimestamp != 105 {
		t.Fatalf("unexpected subscribe %+v", in)
	}
}

func TestDecodeInboundErrors(t *testing.T) {
	cases := map[string]error{
		`nope`:                           ErrMalformedEnvelope,
		`{}`:                             ErrMalformedEnvelope,
		`{"type":"x"}`:                   ErrMalformedEnvelope,
		`{"type":2}`:                     ErrMalformedEnvelope,
		`{"type":2,"name":"k","log":-1}`: ErrMalformedEnvelope,
		`{"type":3}`:                     ErrProtocolViolation,
		`{"type":1}`:                     ErrProtocolViolation,
		`{"type":42}`:                    ErrProtocolViolation,
	}
	for data, want := range cases {
		if _, err := DecodeInbound([]byte(data)); !errors.Is(err, want) {
			t.Fatalf("%s: expected %v, got %v", data, want, err)
		}
	}
}

func TestEncodeEnvelopes(t *testing.T) {
	cases := map[string][]byte{
		`{"type":1}`:                         encodePong(),
		`{"type":4,"log":100}`:               encodeLog(100),
		`{"type":5,"log":7,"distance":12.5}`: encodeDistance(7, 12.5),
		`{"type":3,"log":100,"point":{"lat":1.5,"lng":-2,"timestamp":103}}`: encodePoint(100, WirePoint{Lat: 1.5, Lng: -2, Timestamp: 103}),
	}
	for want, got := range cases {
		var a, b interface{}
		_ = json.Unmarshal([]byte(want), &a)
		if err := json.Unmarshal(got, &b); err != nil {
			t.Fatalf("encoded envelope is not json: %s", got)
		}
		wantJSON, _ := json.Marshal(a)
		gotJSON, _ := json.Marshal(b)
		if string(wantJSON) != string(gotJSON) {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}
