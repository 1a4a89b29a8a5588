// Package protocol defines the logical frames exchanged over a tunnel
// session and their JSON wire encoding. One frame is carried per
// transport message; binary bodies travel as base64 so the default
// text transport stays self-describing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType tags a frame variant on the wire.
type FrameType string

const (
	// TypeAttach is the first frame an agent sends after dialing.
	TypeAttach FrameType = "attach"
	// TypeAck confirms a successful attach handshake.
	TypeAck FrameType = "ack"
	// TypeError reports a handshake or protocol failure with a kind.
	TypeError FrameType = "error"
	// TypeRequest carries a serialized HTTP request toward the agent.
	TypeRequest FrameType = "request"
	// TypeResponse carries the correlated HTTP response back.
	TypeResponse FrameType = "response"
	// TypePing and TypePong implement session heartbeats.
	TypePing FrameType = "ping"
	TypePong FrameType = "pong"
	// TypeClose announces session teardown with a reason.
	TypeClose FrameType = "close"
)

// DefaultMaxFrameBytes bounds a single encoded frame, base64 overhead
// included. Oversized frames tear the session down.
const DefaultMaxFrameBytes = 16 << 20

// Codec decode failures. Decode wraps these so callers can classify
// with errors.Is.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown frame type")
	ErrFieldMissing   = errors.New("required field missing")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// Headers is an ordered header list that preserves duplicate keys.
// It encodes as [[k,v],...] on the wire.
type Headers [][2]string

// Add appends a header pair.
func (h *Headers) Add(key, value string) {
	*h = append(*h, [2]string{key, value})
}

// Get returns the first value for key (case-sensitive match on the
// already-canonicalized wire form) or "".
func (h Headers) Get(key string) string {
	for _, kv := range h {
		if kv[0] == key {
			return kv[1]
		}
	}
	return ""
}

// Frame is the logical message carried over a session transport. A
// single struct covers all variants; Type selects which fields are
// meaningful. Unknown fields on the wire are ignored for forward
// compatibility.
type Frame struct {
	Type FrameType `json:"type"`

	// attach
	AuthToken string `json:"auth_token,omitempty"`

	// error, close
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`

	// request, response
	ID      string  `json:"id,omitempty"`
	Method  string  `json:"method,omitempty"`
	Path    string  `json:"path,omitempty"`
	Query   string  `json:"query,omitempty"`
	Status  int     `json:"status,omitempty"`
	Headers Headers `json:"headers,omitempty"`
	Body    []byte  `json:"body_b64,omitempty"`

	// ping, pong: monotonic tag echoed back in the pong
	T int64 `json:"t,omitempty"`
}

// Encode serializes the frame and enforces the size cap.
func Encode(f *Frame, maxBytes int) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(data), maxBytes)
	}
	return data, nil
}

// Decode parses a single wire frame, enforcing the size cap, the tag
// set, and the required fields for each tag.
func Decode(data []byte, maxBytes int) (*Frame, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(data), maxBytes)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeAttach:
		if f.AuthToken == "" {
			return nil, fmt.Errorf("%w: attach.auth_token", ErrFieldMissing)
		}
	case TypeAck, TypePing, TypePong:
		// no required payload
	case TypeError, TypeClose:
		if f.Kind == "" {
			return nil, fmt.Errorf("%w: %s.kind", ErrFieldMissing, f.Type)
		}
	case TypeRequest:
		if f.ID == "" {
			return nil, fmt.Errorf("%w: request.id", ErrFieldMissing)
		}
		if f.Method == "" {
			return nil, fmt.Errorf("%w: request.method", ErrFieldMissing)
		}
		if f.Path == "" {
			return nil, fmt.Errorf("%w: request.path", ErrFieldMissing)
		}
	case TypeResponse:
		if f.ID == "" {
			return nil, fmt.Errorf("%w: response.id", ErrFieldMissing)
		}
		if f.Status == 0 {
			return nil, fmt.Errorf("%w: response.status", ErrFieldMissing)
		}
	case "":
		return nil, fmt.Errorf("%w: type", ErrFieldMissing)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return &f, nil
}
