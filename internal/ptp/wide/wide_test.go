package wide

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	t.Parallel()
	a := FromInt64(1_000_000_000_000)
	b := FromInt64(3)
	require.Equal(t, int64(3_000_000_000_000), a.Mul(b).Int64())
	require.Equal(t, int64(1_000_000_000_003), a.Add(b).Int64())
	require.Equal(t, int64(999_999_999_997), a.Sub(b).Int64())
	require.Equal(t, int64(333_333_333_333), a.Div(b).Int64())
}

func TestShifts(t *testing.T) {
	t.Parallel()
	a := FromInt64(1)
	require.Equal(t, int64(1<<40), a.Shl(40).Int64())
	require.Equal(t, int64(1), a.Shl(40).Shr(40).Int64())

	neg := FromInt64(-8)
	require.Equal(t, int64(-4), neg.Shr(1).Int64(), "arithmetic shift preserves sign")
}

func TestClamp(t *testing.T) {
	t.Parallel()
	limit := FromInt64(100)
	require.Equal(t, int64(100), FromInt64(500).Clamp(limit).Int64())
	require.Equal(t, int64(-100), FromInt64(-500).Clamp(limit).Int64())
	require.Equal(t, int64(42), FromInt64(42).Clamp(limit).Int64())
}

func TestInt64Saturates(t *testing.T) {
	t.Parallel()
	huge := FromInt64(1).Shl(200)
	require.Equal(t, int64(1)<<63-1, huge.Int64())
	require.Equal(t, -(int64(1) << 63), huge.Neg().Int64())
}

func TestAbs(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(5), FromInt64(-5).Abs().Int64())
	require.Equal(t, int64(5), FromInt64(5).Abs().Int64())
}
