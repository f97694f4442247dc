package coap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodeGet,
		MessageID: 0x1234,
		Token:     []byte{0xAB, 0xCD},
		Options: Options{
			UriPath:     []string{"sensors", "temp"},
			HaveContent: true,
			ContentFormat: 0, // text/plain
		},
		Payload: []byte("hello"),
	}
	raw := Encode(msg)
	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, msg.Type, got.Type)
	require.Equal(t, msg.Code, got.Code)
	require.Equal(t, msg.MessageID, got.MessageID)
	require.Equal(t, msg.Token, got.Token)
	require.Equal(t, []string{"sensors", "temp"}, got.Options.UriPath)
	require.Equal(t, []byte("hello"), got.Payload)
}

func TestDecodeUnknownCriticalOption(t *testing.T) {
	t.Parallel()
	msg := Message{
		Type:      TypeConfirmable,
		Code:      CodeGet,
		MessageID: 1,
		Options: Options{
			Raw: []Option{{Number: 9, Value: []byte{1}}}, // odd = critical, unrecognized
		},
	}
	raw := Encode(msg)
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrUnknownCritical)
}

func TestBlockOptionRoundTrip(t *testing.T) {
	t.Parallel()
	b := BlockOption{Num: 5, More: true, SizeExp: 6}
	enc := encodeBlockOption(b)
	dec := decodeBlockOption(enc)
	require.Equal(t, b, dec)
	require.Equal(t, 1024, b.Size())
}

func TestCodeClassDetail(t *testing.T) {
	t.Parallel()
	require.Equal(t, uint8(2), CodeContent.Class())
	require.Equal(t, uint8(5), CodeContent.Detail())
	require.False(t, CodeContent.IsError())
	require.True(t, CodeBadRequest.IsError())
}
