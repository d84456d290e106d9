// Package frame implements the telemetry envelope:
//
//	crc32:4 length:4 payload:length
//
// Both header fields are big-endian. crc32 covers payload only.
// Payload is UTF-8 JSON object with top-level "sequence" (integer),
// "timestamp" (float seconds) and opaque "data".
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jixiexiaoge/cplink/crc"
	"github.com/juju/errors"
)

const HeaderSize = crc.Size + 4

const (
	DefaultMinPayload = 20
	DefaultMaxPacket  = 4096
)

// Limits bound accepted payload length to [MinPayload, MaxPacket-HeaderSize].
type Limits struct {
	MinPayload int
	MaxPacket  int
}

func DefaultLimits() Limits { return Limits{MinPayload: DefaultMinPayload, MaxPacket: DefaultMaxPacket} }

func (l Limits) maxPayload() int {
	max := l.MaxPacket
	if max == 0 {
		max = DefaultMaxPacket
	}
	return max - HeaderSize
}

type Frame struct {
	Sequence   uint64
	Timestamp  float64
	ReceivedAt time.Time
	Data       json.RawMessage // nil if payload has no "data"
	Payload    []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("(seq=%d ts=%.3f size=%d)", f.Sequence, f.Timestamp, len(f.Payload))
}

// Encode returns header+payload. Payload is not validated.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	crc.Put(buf[0:4], payload)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeJSON marshals v and wraps it in envelope.
func EncodeJSON(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "frame payload")
	}
	return Encode(payload), nil
}

// Decode validates envelope then parses payload.
// Returned error is always *DecodeError. Returned Frame.Payload aliases b.
func Decode(b []byte, lim Limits) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, newDecodeError(TooShort, "size=%d", len(b))
	}
	length := binary.BigEndian.Uint32(b[4:8])
	if int64(length) < int64(lim.MinPayload) || int64(length) > int64(lim.maxPayload()) {
		return nil, newDecodeError(LengthOutOfRange, "length=%d range=[%d,%d]", length, lim.MinPayload, lim.maxPayload())
	}
	rest := b[HeaderSize:]
	if len(rest) < int(length) {
		return nil, newDecodeError(Truncated, "length=%d available=%d", length, len(rest))
	}
	if len(rest) > int(length) {
		return nil, newDecodeError(LengthOutOfRange, "length=%d trailing=%d", length, len(rest)-int(length))
	}
	payload := rest[:length]
	if expect, actual, ok := crc.Check(b[0:4], payload); !ok {
		return nil, newDecodeError(ChecksumMismatch, "header=%08x actual=%08x", expect, actual)
	}

	f := &Frame{Payload: payload}
	if err := f.parse(payload); err != nil {
		return nil, &DecodeError{Kind: MalformedDocument, Detail: err.Error()}
	}
	return f, nil
}

type document struct {
	Sequence  json.RawMessage `json:"sequence"`
	Timestamp json.RawMessage `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (f *Frame) parse(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.NotValidf("payload not JSON object")
	}
	var doc document
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return errors.Annotate(err, "payload")
	}
	if isPresent(doc.Sequence) {
		seq, err := strconv.ParseUint(string(doc.Sequence), 10, 64)
		if err != nil {
			return errors.NotValidf("sequence=%s", string(doc.Sequence))
		}
		f.Sequence = seq
	}
	if isPresent(doc.Timestamp) {
		ts, err := strconv.ParseFloat(string(doc.Timestamp), 64)
		if err != nil {
			return errors.NotValidf("timestamp=%s", string(doc.Timestamp))
		}
		f.Timestamp = ts
	}
	if isPresent(doc.Data) {
		f.Data = doc.Data
	}
	return nil
}

func isPresent(raw json.RawMessage) bool {
	return len(raw) != 0 && !bytes.Equal(raw, []byte("null"))
}
