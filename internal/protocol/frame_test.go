// ABOUTME: Tests for the event codec and close-code classification
// ABOUTME: Covers plain and zlib frames, malformed input, and shard mapping

package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(raw)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecode_Dispatch(t *testing.T) {
	raw := []byte(`{"op":0,"s":42,"t":"MESSAGE_CREATE","d":{"id":"1","content":"hi"}}`)

	frame, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, OpDispatch, frame.Op)
	require.NotNil(t, frame.Sequence)
	assert.Equal(t, int64(42), *frame.Sequence)
	assert.Equal(t, "MESSAGE_CREATE", frame.Type)
	assert.JSONEq(t, `{"id":"1","content":"hi"}`, string(frame.Data))
}

func TestDecode_NullFields(t *testing.T) {
	frame, err := Decode([]byte(`{"op":10,"s":null,"t":null,"d":{"heartbeat_interval":41250}}`))
	require.NoError(t, err)

	assert.Equal(t, OpHello, frame.Op)
	assert.Nil(t, frame.Sequence)
	assert.Empty(t, frame.Type)

	var hello Hello
	require.NoError(t, (&Event{Name: "HELLO", Data: frame.Data}).Decode(&hello))
	assert.Equal(t, int64(41250), hello.HeartbeatInterval)
}

func TestDecode_Compressed(t *testing.T) {
	raw := compress(t, []byte(`{"op":11,"s":null,"t":null,"d":null}`))

	frame, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, OpHeartbeatAck, frame.Op)
	assert.Equal(t, "null", string(frame.Data))
}

func TestDecode_CompressedSizeLimit(t *testing.T) {
	prev := maxInflatedSize
	maxInflatedSize = 64
	t.Cleanup(func() { maxInflatedSize = prev })

	small := []byte(`{"op":11,"d":null}`)
	_, err := Decode(compress(t, small))
	require.NoError(t, err)

	big := []byte(`{"op":0,"s":1,"t":"MESSAGE_CREATE","d":{"content":"` + strings.Repeat("a", 200) + `"}}`)
	frame, err := Decode(compress(t, big))
	assert.Nil(t, frame)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDecode_Errors(t *testing.T) {
	cases := map[string][]byte{
		"empty":              {},
		"not json":           []byte(`op=1`),
		"array":              []byte(`[1,2,3]`),
		"missing op":         []byte(`{"s":1}`),
		"string op":          []byte(`{"op":"1"}`),
		"string sequence":    []byte(`{"op":0,"s":"1","t":"X"}`),
		"numeric event name": []byte(`{"op":0,"s":1,"t":5}`),
		"unnamed dispatch":   []byte(`{"op":0,"s":1,"d":{}}`),
		"corrupt zlib":       {0x78, 0x9c, 0x01, 0x02},
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			frame, err := Decode(raw)
			assert.Nil(t, frame)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %v", err)
		})
	}
}

func TestDecode_DoesNotAliasInput(t *testing.T) {
	raw := []byte(`{"op":0,"s":1,"t":"X","d":{"a":1}}`)
	frame, err := Decode(raw)
	require.NoError(t, err)

	copy(raw, bytes.Repeat([]byte("x"), len(raw)))
	assert.JSONEq(t, `{"a":1}`, string(frame.Data))
}

func TestEncode(t *testing.T) {
	seq := int64(7)
	b, err := Encode(OpHeartbeat, &seq)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":7}`, string(b))

	b, err = Encode(OpHeartbeat, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":1,"d":null}`, string(b))

	b, err = Encode(OpResume, Resume{Token: "t", SessionID: "abc", Seq: 9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":6,"d":{"token":"t","session_id":"abc","seq":9}}`, string(b))
}

func TestEncodeDecode_Identify(t *testing.T) {
	b, err := Encode(OpIdentify, Identify{
		Token:   "token",
		Intents: 513,
		Shard:   &[2]int{1, 4},
	})
	require.NoError(t, err)

	frame, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, OpIdentify, frame.Op)

	var identify Identify
	require.NoError(t, (&Event{Name: "IDENTIFY", Data: frame.Data}).Decode(&identify))
	assert.Equal(t, uint64(513), identify.Intents)
	assert.Equal(t, [2]int{1, 4}, *identify.Shard)
}

func TestClassifyClose(t *testing.T) {
	assert.Equal(t, CloseActionResume, ClassifyClose(0))
	assert.Equal(t, CloseActionResume, ClassifyClose(CloseUnknownError))
	assert.Equal(t, CloseActionResume, ClassifyClose(CloseServiceRestart))
	assert.Equal(t, CloseActionReidentify, ClassifyClose(CloseNormal))
	assert.Equal(t, CloseActionReidentify, ClassifyClose(CloseInvalidSeq))
	assert.Equal(t, CloseActionReidentify, ClassifyClose(CloseSessionTimedOut))
	assert.Equal(t, CloseActionFatal, ClassifyClose(CloseAuthenticationFailed))
	assert.Equal(t, CloseActionFatal, ClassifyClose(CloseDisallowedIntents))
}

func TestShardForGuild(t *testing.T) {
	// 1 << 22 maps to shard 1 of any count above 1
	shard, err := ShardForGuild("4194304", 4)
	require.NoError(t, err)
	assert.Equal(t, 1, shard)

	shard, err = ShardForGuild("81384788765712384", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, shard)

	_, err = ShardForGuild("not-a-snowflake", 2)
	assert.Error(t, err)

	_, err = ShardForGuild("1", 0)
	assert.Error(t, err)
}
