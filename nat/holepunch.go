package nat

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"

	"github.com/punchkad/punchkad/types"
)

// Packet strings exchanged during the punching sequences.
const (
	msgDirectConnect        = "DIRECT_CONNECT"
	msgLocalConnect         = "LOCAL_CONNECT"
	msgLocalConnectResponse = "LOCAL_CONNECT_RESPONSE"
	msgHolePunch            = "HOLE_PUNCH"
	msgHolePunchResponse    = "HOLE_PUNCH_RESPONSE"
	msgHolePunchConfirm     = "HOLE_PUNCH_CONFIRM"
	msgStunConnect          = "STUN_CONNECT"
)

const (
	punchRound    = 2 * time.Second
	localPoll     = 500 * time.Millisecond
	packetSpacing = 100 * time.Millisecond
	punchAttempts = 5
	punchPackets  = 10
)

// ErrHolePunchFailure is returned when every punching strategy has been
// exhausted.
var ErrHolePunchFailure = xerrors.New("all hole punch strategies failed")

// ConnectionInfo describes what we know about our own reachability.
type ConnectionInfo struct {
	PublicIP   string
	PublicPort uint16
	LocalIP    string
	LocalPort  uint16
	NATType    NATType
	Timestamp  time.Time
}

// PunchCallback reports the outcome of a punch: on success the endpoint the
// session was established with, on failure ("", 0).
type PunchCallback func(ok bool, ip string, port uint16)

// RPCSender sends one RPC message to a peer. The protocol engine injects
// its sender at construction so the puncher never needs a reference back to
// the node.
type RPCSender func(to types.Peer, msg types.RPCMessage) error

// Puncher drives NAT traversal: STUN discovery, NAT classification and the
// layered UDP/TCP hole-punching sequences. One mutex guards the connection
// info and the pending-punches registry.
type Puncher struct {
	mu       sync.Mutex
	connInfo ConnectionInfo
	pending  map[types.ID]PunchCallback

	servers []string
	sendRPC RPCSender
	local   types.Peer
}

// NewPuncher creates a puncher using the given STUN servers (nil for the
// defaults) and RPC sender.
func NewPuncher(servers []string, sender RPCSender) *Puncher {
	if len(servers) == 0 {
		servers = DefaultStunServers
	}

	p := &Puncher{
		connInfo: ConnectionInfo{NATType: NATUnknown, Timestamp: time.Now()},
		pending:  make(map[types.ID]PunchCallback),
		servers:  servers,
		sendRPC:  sender,
	}

	p.detectLocalIP()
	return p
}

// SetLocalPeer tells the puncher who we are; used as the sender of
// HOLE_PUNCH_REQUEST messages.
func (p *Puncher) SetLocalPeer(local types.Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = local
	if p.connInfo.LocalPort == 0 {
		p.connInfo.LocalPort = local.Port
	}
}

// ConnectionInfo returns a copy of the current connection information.
func (p *Puncher) ConnectionInfo() ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connInfo
}

// UpdateConnectionInfo replaces the connection information.
func (p *Puncher) UpdateConnectionInfo(info ConnectionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connInfo = info
}

// detectLocalIP learns the outbound interface address by connecting a UDP
// socket towards a public resolver; nothing is actually sent.
func (p *Puncher) detectLocalIP() {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		p.mu.Lock()
		p.connInfo.LocalIP = addr.IP.String()
		p.mu.Unlock()
	}
}

// isLocalConnection reports whether ip points at this machine.
func (p *Puncher) isLocalConnection(ip string) bool {
	p.mu.Lock()
	localIP := p.connInfo.LocalIP
	p.mu.Unlock()

	return ip == "127.0.0.1" ||
		ip == "localhost" ||
		ip == "::1" ||
		ip == localIP
}

// Punch attempts to establish a direct session with the target and blocks
// until an outcome is known.
func (p *Puncher) Punch(target types.Peer) (string, uint16, error) {
	type outcome struct {
		ok   bool
		ip   string
		port uint16
	}

	done := make(chan outcome, 1)
	p.InitiatePunch(target, func(ok bool, ip string, port uint16) {
		done <- outcome{ok, ip, port}
	})

	res := <-done
	if !res.ok {
		return "", 0, xerrors.Errorf("punch %s: %w", target.ID, ErrHolePunchFailure)
	}
	return res.ip, res.port, nil
}

// InitiatePunch runs the punching cascade towards the target and reports
// the outcome through the callback. Local targets short-circuit to a plain
// UDP echo handshake and never register a pending entry.
func (p *Puncher) InitiatePunch(target types.Peer, callback PunchCallback) {
	if p.isLocalConnection(target.IP) {
		log.Info().Msgf("[nat.Puncher.InitiatePunch] %s is local, using local connection", target.IP)

		if p.attemptLocalConnection(target.IP, target.Port) {
			callback(true, target.IP, target.Port)
		} else {
			callback(false, "", 0)
		}
		return
	}

	p.mu.Lock()
	p.pending[target.ID] = callback
	local := p.local
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, target.ID)
		p.mu.Unlock()
	}()

	// Ask the target to punch towards us so both translators build state.
	if p.sendRPC != nil {
		req := types.RPCMessage{
			Type:       types.RPCHolePunchRequest,
			Sender:     local.ID,
			Receiver:   target.ID,
			SenderIP:   local.IP,
			SenderPort: local.Port,
			RequestID:  types.NewRequestID(),
		}
		if err := p.sendRPC(target, req); err != nil {
			log.Error().Msgf("<[nat.Puncher.InitiatePunch] send request>: <%s>", err.Error())
		}
	}

	if p.attemptDirectConnection(target.IP, target.Port) {
		callback(true, target.IP, target.Port)
		return
	}

	if p.attemptSTUNConnection(target) {
		callback(true, target.IP, target.Port)
		return
	}

	if p.attemptTCPHolePunch(target) {
		callback(true, target.IP, target.Port)
		return
	}

	callback(false, "", 0)
}

// HandleRequest is the response side of a punch: called when a
// HOLE_PUNCH_REQUEST arrives.
func (p *Puncher) HandleRequest(requester types.Peer) {
	if p.isLocalConnection(requester.IP) {
		log.Info().Msgf("[nat.Puncher.HandleRequest] local request from %s", requester.Addr())

		conn, err := net.ListenUDP("udp4", nil)
		if err != nil {
			return
		}
		defer conn.Close()

		dest := &net.UDPAddr{IP: net.ParseIP(requester.IP), Port: int(requester.Port)}
		for i := 0; i < punchAttempts; i++ {
			conn.WriteToUDP([]byte(msgLocalConnectResponse), dest)
			time.Sleep(packetSpacing)
		}
		return
	}

	publicIP, publicPort, err := p.PublicEndpoint()
	if err != nil {
		log.Error().Msgf("<[nat.Puncher.HandleRequest] public endpoint>: <%s>", err.Error())
		return
	}

	conn, err := p.listenOnMappedPort()
	if err != nil {
		return
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.ParseIP(requester.IP), Port: int(requester.Port)}

	// Opens a hole in our NAT and hands the requester our endpoint.
	msg := fmt.Sprintf("%s %s:%d", msgHolePunchResponse, publicIP, publicPort)
	for i := 0; i < punchPackets; i++ {
		conn.WriteToUDP([]byte(msg), dest)
		time.Sleep(packetSpacing)
	}

	conn.SetReadDeadline(time.Now().Add(punchRound))

	buffer := make([]byte, 1024)
	_, from, err := conn.ReadFromUDP(buffer)
	if err != nil {
		return
	}

	if from.IP.String() == requester.IP {
		for i := 0; i < 3; i++ {
			conn.WriteToUDP([]byte(msgHolePunchConfirm), from)
			time.Sleep(packetSpacing)
		}
	}
}

// listenOnMappedPort binds to the local port the NAT maps to our public
// port when we know it, falling back to an ephemeral one.
func (p *Puncher) listenOnMappedPort() (*net.UDPConn, error) {
	p.mu.Lock()
	localPort := p.connInfo.LocalPort
	p.mu.Unlock()

	if localPort != 0 {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: int(localPort)})
		if err == nil {
			return conn, nil
		}
	}
	return net.ListenUDP("udp4", nil)
}

// attemptLocalConnection runs a UDP echo handshake against another node on
// this machine from a fresh ephemeral port.
func (p *Puncher) attemptLocalConnection(ip string, port uint16) bool {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return false
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.ParseIP(ip), Port: int(port)}
	buffer := make([]byte, 1024)

	for attempt := 0; attempt < punchAttempts; attempt++ {
		conn.WriteToUDP([]byte(msgLocalConnect), dest)

		conn.SetReadDeadline(time.Now().Add(localPoll))
		if _, _, err := conn.ReadFromUDP(buffer); err == nil {
			return true
		}

		time.Sleep(packetSpacing)
	}

	return false
}

// attemptDirectConnection probes the target's known endpoint directly.
func (p *Puncher) attemptDirectConnection(ip string, port uint16) bool {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return false
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.ParseIP(ip), Port: int(port)}
	conn.WriteToUDP([]byte(msgDirectConnect), dest)

	conn.SetReadDeadline(time.Now().Add(punchRound))

	buffer := make([]byte, 1024)
	_, from, err := conn.ReadFromUDP(buffer)
	if err != nil {
		return false
	}

	return from.IP.String() == ip && uint16(from.Port) == port
}

// sendHolePunchingPackets fires count packets at ip:port to create
// return-path state in the NAT.
func (p *Puncher) sendHolePunchingPackets(ip string, port uint16, count int) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return
	}
	defer conn.Close()

	dest := &net.UDPAddr{IP: net.ParseIP(ip), Port: int(port)}
	for i := 0; i < count; i++ {
		conn.WriteToUDP([]byte(msgHolePunch), dest)
		time.Sleep(packetSpacing)
	}
}

// attemptSTUNConnection punches over UDP using our STUN-discovered public
// endpoint.
func (p *Puncher) attemptSTUNConnection(target types.Peer) bool {
	publicIP, publicPort, err := p.PublicEndpoint()
	if err != nil {
		return false
	}

	conn, err := p.listenOnMappedPort()
	if err != nil {
		return false
	}
	defer conn.Close()

	p.sendHolePunchingPackets(target.IP, target.Port, punchPackets)

	dest := &net.UDPAddr{IP: net.ParseIP(target.IP), Port: int(target.Port)}
	msg := fmt.Sprintf("%s %s:%d", msgStunConnect, publicIP, publicPort)
	buffer := make([]byte, 1024)

	for attempt := 0; attempt < punchAttempts; attempt++ {
		conn.WriteToUDP([]byte(msg), dest)

		conn.SetReadDeadline(time.Now().Add(punchRound))
		_, from, err := conn.ReadFromUDP(buffer)
		if err == nil && from.IP.String() == target.IP && uint16(from.Port) == target.Port {
			return true
		}

		time.Sleep(localPoll)
	}

	return false
}

// attemptTCPHolePunch performs a TCP simultaneous open: listen on an
// ephemeral port while repeatedly connecting towards the target.
func (p *Puncher) attemptTCPHolePunch(target types.Peer) bool {
	if _, _, err := p.PublicEndpoint(); err != nil {
		return false
	}

	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{Port: 0})
	if err != nil {
		return false
	}
	defer listener.Close()

	targetAddr := fmt.Sprintf("%s:%d", target.IP, target.Port)

	for attempt := 0; attempt < punchAttempts; attempt++ {
		dialed := make(chan net.Conn, 1)
		go func() {
			conn, err := net.DialTimeout("tcp4", targetAddr, punchRound)
			if err != nil {
				dialed <- nil
				return
			}
			dialed <- conn
		}()

		listener.SetDeadline(time.Now().Add(punchRound))
		if conn, err := listener.AcceptTCP(); err == nil {
			remote, _ := conn.RemoteAddr().(*net.TCPAddr)
			if remote != nil && remote.IP.String() == target.IP {
				conn.Close()
				if c := <-dialed; c != nil {
					c.Close()
				}
				return true
			}
			conn.Close()
		}

		if conn := <-dialed; conn != nil {
			conn.Close()
			return true
		}

		// The connector is recreated on the next round.
		time.Sleep(localPoll)
	}

	return false
}
