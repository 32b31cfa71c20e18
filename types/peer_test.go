package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func Test_Peer_Liveness(t *testing.T) {
	now := NowMillis()
	p := Peer{ID: NewRandomID(nil), IP: "1.2.3.4", Port: 4000, LastSeen: now}

	require.True(t, p.Live(now))
	require.True(t, p.Live(now+LivenessWindow.Milliseconds()-1))
	require.False(t, p.Live(now+LivenessWindow.Milliseconds()))
	require.False(t, p.Live(now+(30*time.Minute).Milliseconds()))
}

func Test_Peer_TouchIsMonotonic(t *testing.T) {
	p := Peer{LastSeen: 1000}

	p.Touch(2000)
	require.EqualValues(t, 2000, p.LastSeen)

	// An older observation never rewinds the clock.
	p.Touch(1500)
	require.EqualValues(t, 2000, p.LastSeen)
}

func Test_Peer_EqualityByID(t *testing.T) {
	id := NewRandomID(nil)
	a := Peer{ID: id, IP: "1.1.1.1", Port: 4000}
	b := Peer{ID: id, IP: "2.2.2.2", Port: 5000}

	require.True(t, a.Equals(b))
}

func Test_Peer_ParseAddress(t *testing.T) {
	ip, port, err := ParseAddress("192.168.0.1:4000")
	require.NoError(t, err)
	require.Equal(t, "192.168.0.1", ip)
	require.EqualValues(t, 4000, port)

	for _, bad := range []string{
		"192.168.0.1",      // no port
		"not-an-ip:4000",   // bad ip
		"192.168.0.1:80",   // privileged port
		"192.168.0.1:-1",   // negative port
		"192.168.0.1:port", // non-numeric port
	} {
		_, _, err := ParseAddress(bad)
		require.True(t, xerrors.Is(err, ErrInvalidAddress), "expected rejection of %q", bad)
	}
}
