package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Key_PrintableRoundTrip(t *testing.T) {
	key := NewKey([]byte("hello world"))
	require.Equal(t, "hello world", key.String())

	parsed := KeyFromString(key.String())
	require.True(t, key.Equals(parsed))
}

func Test_Key_BinaryRoundTrip(t *testing.T) {
	key := NewKey([]byte{0x01, 0x02, 0xff})
	require.Equal(t, "0x0102ff", key.String())

	parsed := KeyFromString(key.String())
	require.True(t, key.Equals(parsed))
}

func Test_Key_EmptyPrintsAsHex(t *testing.T) {
	key := NewKey(nil)
	require.Equal(t, "0x", key.String())
}

func Test_Key_NewlineIsNotPrintable(t *testing.T) {
	key := NewKey([]byte("line\nbreak"))
	require.Equal(t, "0x6c696e650a627265616b", key.String())
	require.True(t, key.Equals(KeyFromString(key.String())))
}

func Test_Key_Target(t *testing.T) {
	key := NewKey([]byte("hello"))
	require.Equal(t, HashKey([]byte("hello")), key.Target())
}
