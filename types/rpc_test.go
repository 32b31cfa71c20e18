package types

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func Test_RPC_MarshalRoundTrip(t *testing.T) {
	msg := RPCMessage{
		Type:       RPCFindValue,
		Sender:     NewRandomID(nil),
		Receiver:   NewRandomID(nil),
		SenderIP:   "10.0.0.7",
		SenderPort: 4001,
		RequestID:  NewRequestID(),
		// Payload bytes may collide with the frame separators.
		Payload: []byte("colons:and\nnewlines\x00\xff"),
	}

	parsed, err := UnmarshalRPC(msg.Marshal())
	require.NoError(t, err)
	require.Equal(t, msg, parsed)
}

func Test_RPC_EmptyPayload(t *testing.T) {
	msg := RPCMessage{
		Type:       RPCPing,
		Sender:     NewRandomID(nil),
		Receiver:   NewRandomID(nil),
		SenderIP:   "127.0.0.1",
		SenderPort: 4000,
		RequestID:  NewRequestID(),
	}

	parsed, err := UnmarshalRPC(msg.Marshal())
	require.NoError(t, err)
	require.Equal(t, RPCPing, parsed.Type)
	require.Empty(t, parsed.Payload)
}

func Test_RPC_MalformedDatagrams(t *testing.T) {
	malformed := [][]byte{
		nil,
		[]byte("garbage"),
		[]byte("99:aa:bb:cc:dd:ee:"),                // unknown type
		[]byte("0:short:short:1.2.3.4:4000:rid:"),   // bad sender id
		[]byte("0:" + zeros40() + ":" + zeros40() + ":1.2.3.4:99999:rid:"), // bad port
	}

	for _, data := range malformed {
		_, err := UnmarshalRPC(data)
		require.True(t, xerrors.Is(err, ErrMalformedRPC), "expected drop for %q", data)
	}
}

func zeros40() string {
	return ID{}.String()
}

func Test_RPC_StorePayload(t *testing.T) {
	// Key and value of different lengths must survive the trip; the old
	// halfway split could not do this.
	key := NewKey([]byte("k"))
	value := []byte("a much longer value than the key")

	gotKey, gotValue, err := DecodeStorePayload(EncodeStorePayload(key, value))
	require.NoError(t, err)
	require.True(t, key.Equals(gotKey))
	require.Equal(t, value, gotValue)
}

func Test_RPC_StorePayloadMalformed(t *testing.T) {
	_, _, err := DecodeStorePayload([]byte{0x01})
	require.True(t, xerrors.Is(err, ErrMalformedRPC))

	// Declared key length longer than the payload.
	_, _, err = DecodeStorePayload([]byte{0x00, 0x00, 0x00, 0xff, 'a'})
	require.True(t, xerrors.Is(err, ErrMalformedRPC))
}

func Test_RPC_PeerList(t *testing.T) {
	peers := []Peer{
		NewPeer(NewRandomID(nil), "192.168.1.10", 4000),
		NewPeer(NewRandomID(nil), "10.0.0.1", 5123),
	}

	decoded := DecodePeerList(EncodePeerList(peers))
	require.Len(t, decoded, 2)
	for i := range peers {
		require.True(t, peers[i].Equals(decoded[i]))
		require.Equal(t, peers[i].IP, decoded[i].IP)
		require.Equal(t, peers[i].Port, decoded[i].Port)
	}
}

func Test_RPC_PeerListSkipsMalformedLines(t *testing.T) {
	payload := append(EncodePeerList([]Peer{NewPeer(NewRandomID(nil), "1.2.3.4", 4000)}),
		[]byte("not-a-peer-line\n")...)

	decoded := DecodePeerList(payload)
	require.Len(t, decoded, 1)
}
