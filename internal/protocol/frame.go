// ABOUTME: Event codec that turns raw gateway messages into Frames and back
// ABOUTME: Inflates zlib-compressed payloads and peeks op/s/t/d with gjson

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/tidwall/gjson"
)

// Frame is one decoded gateway message. Frames are never mutated after Decode.
type Frame struct {
	Op       Opcode
	Sequence *int64 // nil when the frame carries no sequence
	Type     string // event name for dispatch frames, empty otherwise
	Data     json.RawMessage
}

// DecodeError is returned for malformed frames. It is a per-frame error:
// the session skips the frame and keeps reading.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding frame: %s: %v", e.Reason, e.Err)
	}
	return "decoding frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrPayloadTooLarge is wrapped by the DecodeError of a compressed frame
// that inflates past the size limit.
var ErrPayloadTooLarge = errors.New("inflated payload too large")

// maxInflatedSize matches the transport's default read limit.
var maxInflatedSize int64 = 64 << 20

// zlib streams start with a CMF byte of 0x78 for the default 32K window.
const zlibMagic = 0x78

// Decode parses a raw transport message into a Frame.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: "empty message"}
	}

	data := raw
	if raw[0] == zlibMagic {
		inflated, err := inflate(raw)
		if err != nil {
			return nil, &DecodeError{Reason: "inflating payload", Err: err}
		}
		data = inflated
	}

	if !gjson.ValidBytes(data) {
		return nil, &DecodeError{Reason: "invalid json"}
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, &DecodeError{Reason: "frame is not an object"}
	}

	fields := gjson.GetManyBytes(data, "op", "s", "t", "d")
	op, seq, name, payload := fields[0], fields[1], fields[2], fields[3]

	if op.Type != gjson.Number {
		return nil, &DecodeError{Reason: "missing or non-numeric op"}
	}

	frame := &Frame{Op: Opcode(op.Int())}

	switch seq.Type {
	case gjson.Number:
		s := seq.Int()
		frame.Sequence = &s
	case gjson.Null:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("sequence has type %s", seq.Type)}
	}

	switch name.Type {
	case gjson.String:
		frame.Type = name.String()
	case gjson.Null:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("event name has type %s", name.Type)}
	}

	if frame.Op == OpDispatch && frame.Type == "" {
		return nil, &DecodeError{Reason: "dispatch frame without event name"}
	}

	if payload.Exists() {
		frame.Data = json.RawMessage(append([]byte(nil), payload.Raw...))
	}

	return frame, nil
}

func inflate(raw []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxInflatedSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, maxInflatedSize)
	}
	return out, nil
}

// outbound is the wire shape of frames this client sends.
type outbound struct {
	Op Opcode `json:"op"`
	D  any    `json:"d"`
}

// Encode serializes an outbound frame. A nil payload encodes as "d": null.
func Encode(op Opcode, payload any) ([]byte, error) {
	b, err := json.Marshal(outbound{Op: op, D: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", op, err)
	}
	return b, nil
}
