package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeb128RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7F, 0x80, 0xFF, 0x3FFF, 0x4000, 0xFFFF, 1 << 21, 1<<24 - 1, 1 << 24, 0xDEADBEEF, 1<<32 - 1}
	for _, v := range values {
		buf := make([]byte, leb128MaxSize)
		n := writeLeb128(v, buf)
		require.Equal(t, leb128Size(v), n, "size mismatch for %d", v)

		decoded, consumed := readLeb128(buf[:n])
		require.Equal(t, n, consumed)
		require.Equal(t, v, decoded)
	}
}

func TestLeb128RoundTripSweep(t *testing.T) {
	for v := uint64(0); v < 1<<18; v += 37 {
		buf := make([]byte, leb128MaxSize)
		n := writeLeb128(v, buf)
		decoded, consumed := readLeb128(buf[:n])
		require.Equal(t, n, consumed)
		require.Equal(t, v, decoded)
	}
}

func TestLeb128Truncated(t *testing.T) {
	buf := make([]byte, leb128MaxSize)
	n := writeLeb128(300, buf)
	require.Equal(t, 2, n)

	_, consumed := readLeb128(buf[:1])
	require.Equal(t, 0, consumed)
}
