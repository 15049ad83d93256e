package transport

import (
	"encoding/json"
	"errors"
	"time"
)

type FrameKind string

const (
	FrameHello FrameKind = "hello"
	FrameData  FrameKind = "data"
	FrameAck   FrameKind = "ack"
)

const maxFrameSize = 64 * 1024

var errBadFrame = errors.New("malformed frame")

// Frame is one inbound unit delivered by a Stream.
type Frame struct {
	Kind       FrameKind
	Seq        uint64
	From       string
	Payload    []byte
	ReceivedAt time.Time
}

type wireFrame struct {
	Kind    FrameKind `json:"k"`
	Seq     uint64    `json:"seq,omitempty"`
	NodeID  string    `json:"node,omitempty"`
	Reply   bool      `json:"reply,omitempty"`
	Payload []byte    `json:"p,omitempty"`
}

func encodeFrame(f wireFrame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(raw) > maxFrameSize {
		return nil, errors.New("frame too large")
	}
	return raw, nil
}

func decodeFrame(raw []byte) (wireFrame, error) {
	var f wireFrame
	if len(raw) == 0 || len(raw) > maxFrameSize {
		return f, errBadFrame
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, errBadFrame
	}
	switch f.Kind {
	case FrameHello:
		if f.NodeID == "" {
			return f, errBadFrame
		}
	case FrameData:
		if len(f.Payload) == 0 {
			return f, errBadFrame
		}
	case FrameAck:
		if f.Seq == 0 {
			return f, errBadFrame
		}
	default:
		return f, errBadFrame
	}
	return f, nil
}
