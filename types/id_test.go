package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func Test_ID_HexRoundTrip(t *testing.T) {
	id := NewRandomID(nil)

	parsed, err := IDFromHex(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	// Upper-case input parses to the same id.
	parsed, err = IDFromHex(strings.ToUpper(id.String()))
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func Test_ID_InvalidHex(t *testing.T) {
	_, err := IDFromHex("abc")
	require.True(t, xerrors.Is(err, ErrInvalidHex))

	_, err = IDFromHex(strings.Repeat("z", 40))
	require.True(t, xerrors.Is(err, ErrInvalidHex))

	_, err = IDFromHex(strings.Repeat("a", 42))
	require.True(t, xerrors.Is(err, ErrInvalidHex))
}

func Test_ID_FromBytes(t *testing.T) {
	raw := make([]byte, IDBytes)
	raw[0] = 0xca
	raw[19] = 0xfe

	id, err := IDFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, byte(0xca), id.Byte(0))
	require.Equal(t, byte(0xfe), id.Byte(19))

	_, err = IDFromBytes(raw[:19])
	require.True(t, xerrors.Is(err, ErrInvalidIDSize))
}

func Test_ID_Distance(t *testing.T) {
	a := NewRandomID(nil)
	b := NewRandomID(nil)

	// d(a,b) == d(b,a), d(a,a) == 0
	require.Equal(t, a.Distance(b), b.Distance(a))
	require.True(t, a.Distance(a).IsZero())

	// d(a,b) != 0 for distinct ids
	if !a.Equals(b) {
		require.False(t, a.Distance(b).IsZero())
	}

	// The XOR triangle is an equality: d(a,c) == d(a,b) XOR d(b,c)
	c := NewRandomID(nil)
	require.Equal(t, a.Distance(c), a.Distance(b).Distance(b.Distance(c)))
}

func Test_ID_BitNumbering(t *testing.T) {
	var id ID
	id[0] = 0x80
	require.True(t, id.Bit(0))
	require.False(t, id.Bit(1))

	id = ID{}
	id[0] = 0x01
	require.True(t, id.Bit(7))
	require.False(t, id.Bit(6))

	id = ID{}
	id[19] = 0x01
	require.True(t, id.Bit(159))
}

func Test_ID_HashKey(t *testing.T) {
	id := HashKey([]byte("hello"))
	require.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", id.String())
}

func Test_ID_Ordering(t *testing.T) {
	var a, b ID
	a[19] = 0x01
	b[19] = 0x02

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}
