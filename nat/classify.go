package nat

import (
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// NATType labels the translator in front of this node.
type NATType int

const (
	NATUnknown NATType = iota
	NATOpen
	NATFullCone
	NATRestricted
	NATPortRestricted
	NATSymmetric
)

func (t NATType) String() string {
	switch t {
	case NATOpen:
		return "Open (No NAT)"
	case NATFullCone:
		return "Full Cone NAT"
	case NATRestricted:
		return "Restricted NAT"
	case NATPortRestricted:
		return "Port Restricted NAT"
	case NATSymmetric:
		return "Symmetric NAT"
	default:
		return "Unknown"
	}
}

// DetectNATType classifies the NAT with a two-server probe. The mapping
// observed by a second server from the same local port either matches the
// first (cone) or not (symmetric). A true Restricted/Port-Restricted split
// would need a change-request round-trip; Full Cone is assumed for matching
// mappings and Port Restricted is the conservative default when the second
// server is unreachable.
func (p *Puncher) DetectNATType() NATType {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return NATUnknown
	}
	defer conn.Close()

	var publicIP1 string
	var publicPort1 uint16
	gotFirst := false
	for _, server := range p.servers {
		if publicIP1, publicPort1, gotFirst = querySecondServer(conn, server); gotFirst {
			break
		}
	}
	if !gotFirst {
		return NATUnknown
	}

	localPort := uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	p.mu.Lock()
	p.connInfo.LocalPort = localPort
	localIP := p.connInfo.LocalIP
	p.mu.Unlock()

	secondServer := p.servers[0]
	if len(p.servers) > 1 {
		secondServer = p.servers[1]
	}

	natType := NATUnknown
	publicIP2, publicPort2, gotSecond := querySecondServer(conn, secondServer)

	switch {
	case publicIP1 == localIP:
		natType = NATOpen
	case !gotSecond:
		natType = NATPortRestricted
	case publicIP1 == publicIP2 && publicPort1 == publicPort2:
		natType = NATFullCone
	default:
		natType = NATSymmetric
	}

	log.Info().Msgf("[nat.Puncher.DetectNATType] classified as %s", natType)

	p.mu.Lock()
	p.connInfo.NATType = natType
	p.connInfo.PublicIP = publicIP1
	p.connInfo.PublicPort = publicPort1
	p.connInfo.Timestamp = time.Now()
	p.mu.Unlock()

	return natType
}

// querySecondServer runs a binding exchange against server from the
// already-bound conn, so both mappings DetectNATType compares are observed
// for the same local port.
func querySecondServer(conn *net.UDPConn, server string) (string, uint16, bool) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return "", 0, false
	}

	if _, err := conn.WriteToUDP(buildBindingRequest(), raddr); err != nil {
		return "", 0, false
	}

	conn.SetReadDeadline(time.Now().Add(stunTimeout))

	buffer := make([]byte, 1024)
	n, _, err := conn.ReadFromUDP(buffer)
	if err != nil {
		return "", 0, false
	}

	ip, port, err := parseBindingResponse(buffer[:n])
	if err != nil {
		return "", 0, false
	}

	return ip, port, true
}
