package tftp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequest(t *testing.T) {
	t.Parallel()
	raw := encodeRRQ("boot.bin", "octet")
	op, err := decodeOpcode(raw)
	require.NoError(t, err)
	require.Equal(t, OpRRQ, op)

	name, mode, err := decodeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "boot.bin", name)
	require.Equal(t, "octet", mode)
}

func TestEncodeDecodeDataAndAck(t *testing.T) {
	t.Parallel()
	raw := encodeData(7, []byte("payload"))
	block, data, err := decodeData(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(7), block)
	require.Equal(t, []byte("payload"), data)

	ackRaw := encodeAck(7)
	ackBlock, err := decodeAck(ackRaw)
	require.NoError(t, err)
	require.Equal(t, uint16(7), ackBlock)
}

func TestEncodeDecodeError(t *testing.T) {
	t.Parallel()
	raw := encodeError(1, "file not found")
	code, msg, err := decodeErrorBody(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(1), code)
	require.Equal(t, "file not found", msg)
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	t.Parallel()
	_, err := safeJoin("/srv/tftp", "../../etc/passwd")
	require.ErrorIs(t, err, ErrPathTraversal)

	p, err := safeJoin("/srv/tftp", "images/boot.bin")
	require.NoError(t, err)
	require.Equal(t, "/srv/tftp/images/boot.bin", p)
}
