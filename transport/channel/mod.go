package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/punchkad/punchkad/transport"
)

const bufferedFrames = 1024

// NewTransport returns an in-memory transport implementation. Sockets
// created from the same transport exchange frames through channels, which
// makes multi-node tests deterministic and free of real networking.
func NewTransport() transport.Transport {
	return &Transport{
		incomings: make(map[string]chan transport.Frame),
		nextPort:  45000,
	}
}

// Transport implements an in-memory transport
//
// - implements transport.Transport
type Transport struct {
	sync.Mutex
	incomings map[string]chan transport.Frame
	nextPort  uint16
}

// CreateSocket implements transport.Transport
func (t *Transport) CreateSocket(address string) (transport.ClosableSocket, error) {
	t.Lock()
	defer t.Unlock()

	if strings.HasSuffix(address, ":0") {
		address = fmt.Sprintf("%s%d", address[:len(address)-1], t.nextPort)
		t.nextPort++
	}

	if _, ok := t.incomings[address]; ok {
		return nil, xerrors.Errorf("address already in use: %s", address)
	}

	incoming := make(chan transport.Frame, bufferedFrames)
	t.incomings[address] = incoming

	return &Socket{transport: t, address: address, incoming: incoming}, nil
}

func (t *Transport) release(address string) {
	t.Lock()
	defer t.Unlock()

	delete(t.incomings, address)
}

func (t *Transport) deliver(dest string, frame transport.Frame) {
	t.Lock()
	incoming, ok := t.incomings[dest]
	t.Unlock()

	if !ok {
		// Unknown destination: dropped, as UDP would.
		return
	}

	select {
	case incoming <- frame:
	default:
	}
}

// Socket implements an in-memory socket.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	transport *Transport
	address   string
	incoming  chan transport.Frame

	closedMu sync.Mutex
	closed   bool
}

// Close implements transport.ClosableSocket.
func (s *Socket) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()

	if s.closed {
		return xerrors.Errorf("socket already closed: %s", s.address)
	}

	s.closed = true
	s.transport.release(s.address)
	return nil
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, data []byte, timeout time.Duration) error {
	frame := transport.Frame{
		Data:   append([]byte(nil), data...),
		Source: s.address,
	}
	s.transport.deliver(dest, frame)
	return nil
}

// Recv implements transport.Socket
func (s *Socket) Recv(timeout time.Duration) (transport.Frame, error) {
	if timeout == 0 {
		return <-s.incoming, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-s.incoming:
		return frame, nil
	case <-timer.C:
		return transport.Frame{}, transport.TimeoutErr(timeout)
	}
}

// GetAddress implements transport.Socket
func (s *Socket) GetAddress() string {
	return s.address
}
