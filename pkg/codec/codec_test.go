package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	PutUint32(buf, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), Uint32(buf))
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)
}

func TestUint64RoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	PutUint64(buf, 0x0102030405060708)
	require.Equal(t, uint64(0x0102030405060708), Uint64(buf))
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}

func TestAtHelpers(t *testing.T) {
	buf := make([]byte, 20)
	WriteUint32At(buf, 4, 42)
	WriteUint64At(buf, 8, 1<<40)
	require.Equal(t, uint32(42), ReadUint32At(buf, 4))
	require.Equal(t, uint64(1<<40), ReadUint64At(buf, 8))
}
