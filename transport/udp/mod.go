package udp

import (
	"errors"
	"net"
	"os"
	"time"

	"github.com/punchkad/punchkad/transport"
)

const bufSize = 65000

// NewUDP returns a new udp transport implementation.
func NewUDP() transport.Transport {
	return &UDP{}
}

// UDP implements a transport layer using UDP
//
// - implements transport.Transport
type UDP struct {
}

// CreateSocket implements transport.Transport
func (n *UDP) CreateSocket(address string) (transport.ClosableSocket, error) {
	pc, err := net.ListenPacket("udp4", address)
	if err != nil {
		return &Socket{}, err
	}

	return &Socket{pc: pc}, nil
}

// Socket implements a network socket using UDP.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	pc net.PacketConn
}

// Close implements transport.ClosableSocket. It returns an error if already
// closed.
func (s *Socket) Close() error {
	return s.pc.Close()
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, data []byte, timeout time.Duration) error {
	raddr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return err
	}

	if timeout == 0 {
		s.pc.SetWriteDeadline(time.Time{})
	} else {
		s.pc.SetWriteDeadline(time.Now().Add(timeout))
	}

	writtenBytes, err := s.pc.WriteTo(data, raddr)
	if err != nil {
		if os.IsTimeout(err) {
			return transport.TimeoutErr(timeout)
		}
		return err
	}
	if writtenBytes < len(data) {
		return errors.New("[transport.udp.Socket.Send]: Didn't write all bytes")
	}

	return nil
}

// Recv implements transport.Socket. It blocks until a datagram is received,
// or the timeout is reached. In the case the timeout is reached, return a
// TimeoutErr.
func (s *Socket) Recv(timeout time.Duration) (transport.Frame, error) {
	if timeout == 0 {
		s.pc.SetReadDeadline(time.Time{})
	} else {
		s.pc.SetReadDeadline(time.Now().Add(timeout))
	}

	buffer := make([]byte, bufSize)

	n, from, err := s.pc.ReadFrom(buffer)
	if err != nil {
		if os.IsTimeout(err) {
			return transport.Frame{}, transport.TimeoutErr(timeout)
		}
		return transport.Frame{}, err
	}

	frame := transport.Frame{
		Data:   append([]byte(nil), buffer[:n]...),
		Source: from.String(),
	}

	return frame, nil
}

// GetAddress implements transport.Socket. It returns the address assigned.
// Can be useful in the case one provided a :0 address, which makes the
// system use a random free port.
func (s *Socket) GetAddress() string {
	return s.pc.LocalAddr().String()
}
