package p2p

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxRecordSize bounds a single line on the wire, terminator included. Readers
// skip longer lines like any other malformed record.
const MaxRecordSize = 64 << 10 // 64 KiB

// MaxPort is the largest valid TCP port.
const MaxPort = 65535

// ErrMalformedRecord is returned by Decode for any line that is not a valid
// record. Readers drop such lines and keep the connection open.
var ErrMalformedRecord = errors.New("malformed record")

// ErrRecordTooLong is reported for a line over MaxRecordSize.
var ErrRecordTooLong = fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedRecord, MaxRecordSize)

// LineJSONCodec implements Codec. Each record is a JSON object on its own
// line:
//
//	{"type":"MESSAGE","ip":"10.0.0.7","port":5001,"message":"hello"}\n
//
// "message" is only written for MESSAGE records.
type LineJSONCodec struct{}

// NewLineJSONCodec is a ctor helper; the codec has no state.
func NewLineJSONCodec() *LineJSONCodec {
	return &LineJSONCodec{}
}

// wireRecord uses pointers so Decode can tell a missing field from a zero one.
type wireRecord struct {
	Type    MessageType `json:"type"`
	IP      *string     `json:"ip"`
	Port    *int        `json:"port"`
	Message *string     `json:"message,omitempty"`
}

// Encode implements the Encoder interface.
func (c *LineJSONCodec) Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("encode: unknown record type %q", m.Type)
	}

	rec := wireRecord{
		Type: m.Type,
		IP:   &m.IP,
		Port: &m.Port,
	}
	if m.Type == MsgChat {
		rec.Message = &m.Text
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode: json marshal error: %w", err)
	}
	if len(data)+1 > MaxRecordSize {
		return nil, fmt.Errorf("encode: record too large (%d > %d)", len(data)+1, MaxRecordSize)
	}

	// json.Marshal escapes control characters, so data never contains a
	// raw newline and the terminator below is unambiguous.
	return append(data, '\n'), nil
}

// Decode implements the Decoder interface. A trailing "\n" or "\r\n" is
// accepted and ignored.
func (c *LineJSONCodec) Decode(line []byte) (Message, error) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return Message{}, fmt.Errorf("decode: %w: empty line", ErrMalformedRecord)
	}

	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Message{}, fmt.Errorf("decode: %w: %v", ErrMalformedRecord, err)
	}

	switch {
	case !rec.Type.Valid():
		return Message{}, fmt.Errorf("decode: %w: unknown type %q", ErrMalformedRecord, rec.Type)
	case rec.IP == nil:
		return Message{}, fmt.Errorf("decode: %w: missing ip", ErrMalformedRecord)
	case rec.Port == nil:
		return Message{}, fmt.Errorf("decode: %w: missing port", ErrMalformedRecord)
	case *rec.Port < 0 || *rec.Port > MaxPort:
		return Message{}, fmt.Errorf("decode: %w: port %d out of range", ErrMalformedRecord, *rec.Port)
	case rec.Type == MsgChat && rec.Message == nil:
		return Message{}, fmt.Errorf("decode: %w: MESSAGE without message", ErrMalformedRecord)
	}

	m := Message{
		Type: rec.Type,
		IP:   *rec.IP,
		Port: *rec.Port,
	}
	if rec.Type == MsgChat {
		m.Text = *rec.Message
	}
	return m, nil
}
