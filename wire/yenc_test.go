package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestYEncRoundTrip(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog\x00\x0a\x0d=")
	parts, _ := yEncEncode(data, 0)
	require.Len(t, parts, 1)

	decoded, err := yEncDecode(parts[0].Lines, parts[0].CRC32)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestYEncRoundTripBinary(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	parts, _ := yEncEncode(data, 0)
	decoded, err := yEncDecode(parts[0].Lines, parts[0].CRC32)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}

func TestYEncEncodeSplitsIntoParts(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	parts, whole := yEncEncode(data, 300)
	require.Len(t, parts, 4) // 300,300,300,100

	var reassembled []byte
	for _, p := range parts {
		decoded, err := yEncDecode(p.Lines, p.CRC32)
		require.NoError(t, err)
		reassembled = append(reassembled, decoded...)
	}
	require.Equal(t, data, reassembled)

	require.NotZero(t, whole)
}

func TestYEncDecodeRejectsCRCMismatch(t *testing.T) {
	parts, _ := yEncEncode([]byte("hello"), 0)
	_, err := yEncDecode(parts[0].Lines, parts[0].CRC32+1)
	require.Error(t, err)
}
