package frame_test

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/jixiexiaoge/cplink/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const examplePayload = `{"sequence":5,"timestamp":1000.0,"data":{"x":1}}`

func TestEncode(t *testing.T) {
	t.Parallel()

	b := frame.Encode([]byte("123456789"))
	assert.Equal(t, "cbf4392600000009313233343536373839", hex.EncodeToString(b))
}

func TestDecodeExample(t *testing.T) {
	t.Parallel()

	b := frame.Encode([]byte(examplePayload))
	f, err := frame.Decode(b, frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.Sequence)
	assert.Equal(t, 1000.0, f.Timestamp)
	assert.JSONEq(t, `{"x":1}`, string(f.Data))
	assert.Equal(t, examplePayload, string(f.Payload))
}

func TestDecodeLengthOffByOne(t *testing.T) {
	t.Parallel()

	for _, delta := range []int{+1, -1} {
		delta := delta
		t.Run(fmt.Sprintf("delta=%+d", delta), func(t *testing.T) {
			b := frame.Encode([]byte(examplePayload))
			binary.BigEndian.PutUint32(b[4:8], uint32(len(examplePayload)+delta))
			// decode twice to check determinism
			for i := 0; i < 2; i++ {
				_, err := frame.Decode(b, frame.DefaultLimits())
				require.Error(t, err)
				kind := frame.KindOf(err)
				assert.Contains(t, []frame.DecodeErrorKind{frame.LengthOutOfRange, frame.Truncated}, kind, err.Error())
				if delta > 0 {
					assert.Equal(t, frame.Truncated, kind)
				} else {
					assert.Equal(t, frame.LengthOutOfRange, kind)
				}
			}
		})
	}
}

func TestDecodeTooShort(t *testing.T) {
	t.Parallel()

	full := frame.Encode([]byte(examplePayload))
	for n := 0; n < frame.HeaderSize; n++ {
		_, err := frame.Decode(full[:n], frame.DefaultLimits())
		require.Error(t, err, "n=%d", n)
		assert.Equal(t, frame.TooShort, frame.KindOf(err), "n=%d", n)
	}
}

func TestDecodeBitFlip(t *testing.T) {
	t.Parallel()

	orig := frame.Encode([]byte(examplePayload))
	for i := frame.HeaderSize; i < len(orig); i++ {
		for bit := uint(0); bit < 8; bit++ {
			b := append([]byte(nil), orig...)
			b[i] ^= 1 << bit
			_, err := frame.Decode(b, frame.DefaultLimits())
			require.Error(t, err, "byte=%d bit=%d", i, bit)
			assert.Equal(t, frame.ChecksumMismatch, frame.KindOf(err), "byte=%d bit=%d", i, bit)
		}
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	lim := frame.DefaultLimits()
	for i := 0; i < 200; i++ {
		// pad to random length inside accepted range
		pad := strings.Repeat("z", rnd.Intn(lim.MaxPacket-frame.HeaderSize-128))
		seq := rnd.Uint64() >> 1
		payload := []byte(fmt.Sprintf(`{"sequence":%d,"timestamp":%d.5,"data":{"pad":"%s"}}`, seq, rnd.Intn(1<<30), pad))
		require.True(t, len(payload) >= lim.MinPayload)
		require.True(t, len(payload) <= lim.MaxPacket-frame.HeaderSize)

		f, err := frame.Decode(frame.Encode(payload), lim)
		require.NoError(t, err)
		assert.Equal(t, payload, f.Payload)
		assert.Equal(t, seq, f.Sequence)
		var data struct{ Pad string }
		require.NoError(t, json.Unmarshal(f.Data, &data))
		assert.Equal(t, pad, data.Pad)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	lim := frame.Limits{MinPayload: 20, MaxPacket: 128}
	cases := []struct {
		name   string
		input  []byte
		expect frame.DecodeErrorKind
	}{
		{"below-min", frame.Encode([]byte(`{"sequence":1}`)), frame.LengthOutOfRange},
		{"above-max", frame.Encode([]byte(`{"data":"` + strings.Repeat("a", 128) + `"}`)), frame.LengthOutOfRange},
		{"huge-length", append([]byte{0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}, []byte(examplePayload)...), frame.LengthOutOfRange},
		{"trailing", append(frame.Encode([]byte(examplePayload)), 0), frame.LengthOutOfRange},
		{"crc-header", func() []byte { b := frame.Encode([]byte(examplePayload)); b[0] ^= 0x80; return b }(), frame.ChecksumMismatch},
		{"not-json", frame.Encode([]byte(strings.Repeat("x", 32))), frame.MalformedDocument},
		{"json-array", frame.Encode([]byte(`[1,2,3,4,5,6,7,8,9,10,11,12]`)), frame.MalformedDocument},
		{"broken-json", frame.Encode([]byte(`{"sequence":1,"timestamp":`)), frame.MalformedDocument},
		{"sequence-string", frame.Encode([]byte(`{"sequence":"5","timestamp":1.0}`)), frame.MalformedDocument},
		{"sequence-negative", frame.Encode([]byte(`{"sequence":-5,"timestamp":1.0}`)), frame.MalformedDocument},
		{"timestamp-string", frame.Encode([]byte(`{"sequence":5,"timestamp":"now"}`)), frame.MalformedDocument},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f, err := frame.Decode(c.input, lim)
			require.Error(t, err)
			assert.Nil(t, f)
			assert.Equal(t, c.expect, frame.KindOf(err), err.Error())
			assert.Contains(t, err.Error(), c.expect.String())
		})
	}
}

func TestDecodeOptionalFields(t *testing.T) {
	t.Parallel()

	f, err := frame.Decode(frame.Encode([]byte(`{"vEgo":12.5,"aEgo":0.1,"x":null}`)), frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), f.Sequence)
	assert.Equal(t, 0.0, f.Timestamp)
	assert.Nil(t, f.Data)

	f, err = frame.Decode(frame.Encode([]byte(`{"sequence":7,"timestamp":null,"data":null}`)), frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.Sequence)
	assert.Nil(t, f.Data)
}

func TestEncodeJSON(t *testing.T) {
	t.Parallel()

	b, err := frame.EncodeJSON(map[string]interface{}{"sequence": 9, "timestamp": 1.5, "data": map[string]int{"y": 2}})
	require.NoError(t, err)
	f, err := frame.Decode(b, frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, uint64(9), f.Sequence)
	assert.Equal(t, 1.5, f.Timestamp)
	assert.JSONEq(t, `{"y":2}`, string(f.Data))

	_, err = frame.EncodeJSON(make(chan int))
	assert.Error(t, err)
}
