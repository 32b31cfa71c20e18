package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// RPCType identifies the kind of an RPC message.
type RPCType int

const (
	// RPCPing probes liveness; the reply is a PING echoing the request id.
	RPCPing RPCType = iota
	// RPCStore carries a key/value record to be stored.
	RPCStore
	// RPCFindNode requests the k closest peers to a target id. Replies use
	// the same type with a peer-list payload.
	RPCFindNode
	// RPCFindValue requests the value for a key. A hit replies with
	// RPCFindValue carrying the value; a miss replies with RPCFindNode
	// carrying the closest peers.
	RPCFindValue
	// RPCHolePunchRequest asks the receiver to start punching towards the
	// sender.
	RPCHolePunchRequest
	// RPCHolePunchResponse confirms a punch request; observed only.
	RPCHolePunchResponse
)

// ErrMalformedRPC is returned for datagrams that do not parse. Callers drop
// such datagrams silently.
var ErrMalformedRPC = xerrors.New("malformed rpc datagram")

// RPCMessage is one request or reply. The wire form is a single UDP
// datagram:
//
//	<type>:<sender-hex>:<receiver-hex>:<sender-ip>:<sender-port>:<reqid>:<payload>
//
// The request id correlates replies with requests; the payload runs to the
// end of the datagram and may contain arbitrary bytes.
type RPCMessage struct {
	Type       RPCType
	Sender     ID
	Receiver   ID
	SenderIP   string
	SenderPort uint16
	RequestID  string
	Payload    []byte
}

// NewRequestID returns a fresh request id. The encoding is colon-free so
// ids can sit inside the frame unescaped.
func NewRequestID() string {
	return xid.New().String()
}

// Marshal serializes the message into a datagram.
func (m RPCMessage) Marshal() []byte {
	header := fmt.Sprintf("%d:%s:%s:%s:%d:%s:",
		int(m.Type), m.Sender, m.Receiver, m.SenderIP, m.SenderPort, m.RequestID)

	frame := make([]byte, 0, len(header)+len(m.Payload))
	frame = append(frame, header...)
	frame = append(frame, m.Payload...)
	return frame
}

// UnmarshalRPC parses a datagram. Only the first six fields are split on
// ':'; everything after the sixth separator is payload.
func UnmarshalRPC(data []byte) (RPCMessage, error) {
	var m RPCMessage

	fields := bytes.SplitN(data, []byte{':'}, 7)
	if len(fields) != 7 {
		return m, xerrors.Errorf("%d fields: %w", len(fields), ErrMalformedRPC)
	}

	typ, err := strconv.Atoi(string(fields[0]))
	if err != nil || typ < int(RPCPing) || typ > int(RPCHolePunchResponse) {
		return m, xerrors.Errorf("type %q: %w", fields[0], ErrMalformedRPC)
	}

	sender, err := IDFromHex(string(fields[1]))
	if err != nil {
		return m, xerrors.Errorf("sender: %w", ErrMalformedRPC)
	}
	receiver, err := IDFromHex(string(fields[2]))
	if err != nil {
		return m, xerrors.Errorf("receiver: %w", ErrMalformedRPC)
	}

	port, err := strconv.ParseUint(string(fields[4]), 10, 16)
	if err != nil {
		return m, xerrors.Errorf("port %q: %w", fields[4], ErrMalformedRPC)
	}

	m.Type = RPCType(typ)
	m.Sender = sender
	m.Receiver = receiver
	m.SenderIP = string(fields[3])
	m.SenderPort = uint16(port)
	m.RequestID = string(fields[5])
	m.Payload = append([]byte(nil), fields[6]...)

	return m, nil
}

// SenderPeer synthesizes a peer descriptor from the sender fields.
func (m RPCMessage) SenderPeer() Peer {
	return NewPeer(m.Sender, m.SenderIP, m.SenderPort)
}

// EncodeStorePayload frames a record as a 4-byte big-endian key length
// followed by the key bytes and the value bytes.
func EncodeStorePayload(key DHTKey, value []byte) []byte {
	payload := make([]byte, 4, 4+len(key.Data)+len(value))
	binary.BigEndian.PutUint32(payload, uint32(len(key.Data)))
	payload = append(payload, key.Data...)
	payload = append(payload, value...)
	return payload
}

// DecodeStorePayload inverts EncodeStorePayload.
func DecodeStorePayload(payload []byte) (DHTKey, []byte, error) {
	if len(payload) < 4 {
		return DHTKey{}, nil, xerrors.Errorf("store payload of %d bytes: %w", len(payload), ErrMalformedRPC)
	}
	keyLen := binary.BigEndian.Uint32(payload)
	if uint32(len(payload)-4) < keyLen {
		return DHTKey{}, nil, xerrors.Errorf("store key length %d: %w", keyLen, ErrMalformedRPC)
	}

	key := NewKey(append([]byte(nil), payload[4:4+keyLen]...))
	value := append([]byte(nil), payload[4+keyLen:]...)
	return key, value, nil
}

// EncodePeerList frames peers as newline-separated "<id-hex>:<ip>:<port>"
// entries.
func EncodePeerList(peers []Peer) []byte {
	var buf bytes.Buffer
	for _, p := range peers {
		fmt.Fprintf(&buf, "%s:%s:%d\n", p.ID, p.IP, p.Port)
	}
	return buf.Bytes()
}

// DecodePeerList inverts EncodePeerList. Malformed lines are skipped.
func DecodePeerList(payload []byte) []Peer {
	var peers []Peer

	for _, line := range strings.Split(string(payload), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		id, err := IDFromHex(parts[0])
		if err != nil {
			continue
		}
		port, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			continue
		}
		peers = append(peers, NewPeer(id, parts[1], uint16(port)))
	}

	return peers
}
