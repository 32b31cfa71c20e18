package nat

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// STUN message types (RFC 5389 binding subset).
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
)

// STUN attribute types.
const (
	stunAttrMappedAddress    = 0x0001
	stunAttrXorMappedAddress = 0x0020
)

const stunMagicCookie = 0x2112A442

const stunHeaderSize = 20

const stunTimeout = 5 * time.Second

// DefaultStunServers are tried in order; the first parseable response wins.
var DefaultStunServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun2.l.google.com:19302",
	"stun.ekiga.net:3478",
	"stun.ideasip.com:3478",
	"stun.schlund.de:3478",
}

// ErrStunFailure is returned when no STUN server produced a parseable
// response within the timeout.
var ErrStunFailure = xerrors.New("no stun server responded")

// buildBindingRequest assembles a 20-byte binding request: type, zero
// length, magic cookie and a 96-bit random transaction id.
func buildBindingRequest() []byte {
	request := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(request[0:], stunBindingRequest)
	binary.BigEndian.PutUint16(request[2:], 0)
	binary.BigEndian.PutUint32(request[4:], stunMagicCookie)
	rand.Read(request[8:20])
	return request
}

// parseBindingResponse walks the TLV attributes of a binding response
// looking for XOR-MAPPED-ADDRESS, then MAPPED-ADDRESS, IPv4 family only.
// Attributes are padded to 4-byte boundaries.
func parseBindingResponse(response []byte) (string, uint16, error) {
	if len(response) < stunHeaderSize {
		return "", 0, xerrors.Errorf("stun response of %d bytes", len(response))
	}

	if binary.BigEndian.Uint16(response[0:]) != stunBindingResponse {
		return "", 0, xerrors.Errorf("not a binding response")
	}
	if binary.BigEndian.Uint32(response[4:]) != stunMagicCookie {
		return "", 0, xerrors.Errorf("bad magic cookie")
	}

	messageLength := int(binary.BigEndian.Uint16(response[2:]))

	var mappedIP string
	var mappedPort uint16

	pos := stunHeaderSize
	for pos+4 <= len(response) && pos-stunHeaderSize < messageLength {
		attrType := binary.BigEndian.Uint16(response[pos:])
		attrLength := int(binary.BigEndian.Uint16(response[pos+2:]))
		pos += 4

		if pos+attrLength > len(response) {
			break
		}

		switch attrType {
		case stunAttrXorMappedAddress:
			if attrLength >= 8 && response[pos+1] == 0x01 { // IPv4
				port := binary.BigEndian.Uint16(response[pos+2:]) ^ uint16(stunMagicCookie>>16)
				addr := binary.BigEndian.Uint32(response[pos+4:]) ^ stunMagicCookie

				var ip [4]byte
				binary.BigEndian.PutUint32(ip[:], addr)
				return net.IP(ip[:]).String(), port, nil
			}

		case stunAttrMappedAddress:
			if attrLength >= 8 && response[pos+1] == 0x01 && mappedIP == "" {
				port := binary.BigEndian.Uint16(response[pos+2:])
				addr := binary.BigEndian.Uint32(response[pos+4:])

				var ip [4]byte
				binary.BigEndian.PutUint32(ip[:], addr)
				mappedIP = net.IP(ip[:]).String()
				mappedPort = port
			}
		}

		pos += attrLength
		if attrLength%4 != 0 {
			pos += 4 - attrLength%4
		}
	}

	if mappedIP != "" {
		return mappedIP, mappedPort, nil
	}
	return "", 0, xerrors.Errorf("no mapped address attribute")
}

// PublicEndpoint discovers the publicly visible endpoint by querying the
// configured STUN servers in order. The first successful parse wins.
func (p *Puncher) PublicEndpoint() (string, uint16, error) {
	for _, server := range p.servers {
		ip, port, err := p.publicEndpointFromServer(server)
		if err != nil {
			// Failures are silent; the next server is tried.
			continue
		}
		return ip, port, nil
	}

	return "", 0, xerrors.Errorf("tried %d servers: %w", len(p.servers), ErrStunFailure)
}

// publicEndpointFromServer runs one binding exchange against a single
// server from a fresh ephemeral socket.
func (p *Puncher) publicEndpointFromServer(server string) (string, uint16, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", 0, xerrors.Errorf("resolve %s: %w", server, err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return "", 0, xerrors.Errorf("stun socket: %w", err)
	}
	defer conn.Close()

	request := buildBindingRequest()
	if _, err := conn.WriteToUDP(request, raddr); err != nil {
		return "", 0, xerrors.Errorf("stun send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(stunTimeout))

	buffer := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buffer)
	if err != nil {
		return "", 0, xerrors.Errorf("stun recv: %w", err)
	}

	ip, port, err := parseBindingResponse(buffer[:n])
	if err != nil {
		return "", 0, err
	}

	p.mu.Lock()
	p.connInfo.PublicIP = ip
	p.connInfo.PublicPort = port
	p.connInfo.Timestamp = time.Now()
	p.mu.Unlock()

	return ip, port, nil
}

// RegisterWithServer announces our public endpoint to a rendezvous server
// and waits for its acknowledgement.
func (p *Puncher) RegisterWithServer(serverIP string, serverPort uint16) error {
	publicIP, publicPort, err := p.PublicEndpoint()
	if err != nil {
		return err
	}

	conn, err := net.Dial("udp4", fmt.Sprintf("%s:%d", serverIP, serverPort))
	if err != nil {
		return xerrors.Errorf("rendezvous dial: %w", err)
	}
	defer conn.Close()

	regMsg := fmt.Sprintf("REGISTER %s:%d", publicIP, publicPort)
	if _, err := conn.Write([]byte(regMsg)); err != nil {
		return xerrors.Errorf("rendezvous send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(stunTimeout))

	buffer := make([]byte, 1024)
	n, err := conn.Read(buffer)
	if err != nil {
		return xerrors.Errorf("rendezvous recv: %w", err)
	}

	if !bytes.Contains(buffer[:n], []byte("OK")) {
		log.Info().Msgf("[nat.Puncher.RegisterWithServer] unexpected reply: %q", buffer[:n])
		return xerrors.Errorf("rendezvous server refused registration")
	}

	return nil
}
