package p2p

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineJSONCodec_RoundTrip(t *testing.T) {
	c := NewLineJSONCodec()

	cases := []struct {
		name string
		msg  Message
	}{
		{"connect", Message{Type: MsgConnect, IP: "192.168.1.20", Port: 5001}},
		{"terminate", Message{Type: MsgTerminate, IP: "192.168.1.20", Port: 5001}},
		{"chat", Message{Type: MsgChat, IP: "10.0.0.7", Port: 4000, Text: "hello"}},
		{"chat 100 chars", Message{Type: MsgChat, IP: "10.0.0.7", Port: 4000, Text: strings.Repeat("x", 100)}},
		{"chat empty text", Message{Type: MsgChat, IP: "10.0.0.7", Port: 4000, Text: ""}},
		{"chat with newline", Message{Type: MsgChat, IP: "10.0.0.7", Port: 4000, Text: "two\nlines"}},
		{"unspecified ip", Message{Type: MsgConnect, IP: "0.0.0.0", Port: 1}},
		{"port zero", Message{Type: MsgConnect, IP: "127.0.0.1", Port: 0}},
		{"max port", Message{Type: MsgTerminate, IP: "127.0.0.1", Port: 65535}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := c.Encode(tc.msg)
			require.NoError(t, err)

			// One record per line.
			require.True(t, bytes.HasSuffix(b, []byte("\n")))
			assert.Equal(t, 1, bytes.Count(b, []byte("\n")))

			got, err := c.Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, got)
		})
	}
}

func TestLineJSONCodec_WireFormat(t *testing.T) {
	c := NewLineJSONCodec()

	b, err := c.Encode(Message{Type: MsgChat, IP: "10.0.0.7", Port: 4000, Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"MESSAGE","ip":"10.0.0.7","port":4000,"message":"hi"}`, string(b))

	b, err = c.Encode(Message{Type: MsgConnect, IP: "10.0.0.7", Port: 4000, Text: "ignored"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CONNECT","ip":"10.0.0.7","port":4000}`, string(b))
}

func TestLineJSONCodec_DecodeAcceptsCRLF(t *testing.T) {
	c := NewLineJSONCodec()

	got, err := c.Decode([]byte(`{"type":"TERMINATE","ip":"1.2.3.4","port":9}` + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Message{Type: MsgTerminate, IP: "1.2.3.4", Port: 9}, got)
}

func TestLineJSONCodec_DecodeMalformed(t *testing.T) {
	c := NewLineJSONCodec()

	lines := map[string]string{
		"empty":           "",
		"not json":        "hello there",
		"truncated":       `{"type":"CONNECT","ip":"1.2.3.4"`,
		"unknown type":    `{"type":"PING","ip":"1.2.3.4","port":1}`,
		"missing type":    `{"ip":"1.2.3.4","port":1}`,
		"missing ip":      `{"type":"CONNECT","port":1}`,
		"missing port":    `{"type":"CONNECT","ip":"1.2.3.4"}`,
		"port too large":  `{"type":"CONNECT","ip":"1.2.3.4","port":65536}`,
		"negative port":   `{"type":"CONNECT","ip":"1.2.3.4","port":-1}`,
		"string port":     `{"type":"CONNECT","ip":"1.2.3.4","port":"5001"}`,
		"chat no message": `{"type":"MESSAGE","ip":"1.2.3.4","port":1}`,
	}

	for name, line := range lines {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode([]byte(line))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}
}

func TestLineJSONCodec_EncodeRejectsUnknownType(t *testing.T) {
	c := NewLineJSONCodec()

	_, err := c.Encode(Message{Type: "PING", IP: "1.2.3.4", Port: 1})
	assert.Error(t, err)
}

func TestLineJSONCodec_EncodeTooLarge(t *testing.T) {
	c := NewLineJSONCodec()

	_, err := c.Encode(Message{Type: MsgChat, IP: "1.2.3.4", Port: 1, Text: strings.Repeat("a", MaxRecordSize)})
	assert.Error(t, err, "encode should fail for a record over MaxRecordSize")
}
