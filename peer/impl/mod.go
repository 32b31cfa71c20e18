package impl

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/punchkad/punchkad/nat"
	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/transport"
	"github.com/punchkad/punchkad/types"
)

// NewPeer creates a new peer
func NewPeer(conf peer.Configuration) peer.Peer {
	if conf.MaintenanceInterval == 0 {
		conf.MaintenanceInterval = peer.DefaultMaintenanceInterval
	}
	if conf.RecordTTL == 0 {
		conf.RecordTTL = peer.DefaultRecordTTL
	}
	if conf.SocketTimeout == 0 {
		conf.SocketTimeout = peer.DefaultSocketTimeout
	}
	if conf.LookupTimeout == 0 {
		conf.LookupTimeout = peer.DefaultLookupTimeout
	}
	if conf.Clock == nil {
		conf.Clock = types.NowMillis
	}

	localID := conf.LocalID
	if localID.IsZero() {
		localID = types.NewRandomID(nil)
	}

	localIP, localPort := splitSocketAddress(conf.Socket.GetAddress())

	n := &node{
		conf:          conf,
		stop:          make(chan bool),
		table:         NewRoutingTable(localID),
		store:         newLocalStore(conf.Clock),
		replyChannels: ReplyChannels{channelsMap: make(map[string]chan types.RPCMessage)},
		issued:        NewRequestHistory(1024),
	}

	n.puncher = nat.NewPuncher(conf.StunServers, n.sendRPC)

	// A wildcard bind is no use as a sender address; advertise the
	// detected interface address instead.
	if localIP == "" || localIP == "0.0.0.0" || localIP == "::" {
		if detected := n.puncher.ConnectionInfo().LocalIP; detected != "" {
			localIP = detected
		} else {
			localIP = "127.0.0.1"
		}
	}

	n.localPeer = types.NewPeer(localID, localIP, localPort)
	n.puncher.SetLocalPeer(n.localPeer)

	return n
}

// node implements a Kademlia peer with NAT traversal
//
// - implements peer.Peer
type node struct {
	conf      peer.Configuration
	localPeer types.Peer

	running SafeBool
	stop    chan bool
	wg      sync.WaitGroup

	table         *RoutingTable
	store         *localStore
	puncher       *nat.Puncher
	replyChannels ReplyChannels
	issued        *RequestHistory
}

// Start implements peer.Service
func (n *node) Start() error {
	if n.running.Get() {
		return errors.New("[peer.Peer.Start] node already started")
	}
	n.running.Set(true)

	n.wg.Add(2)

	go func() { // recv loop
		defer n.wg.Done()
		for {
			select {
			case <-n.stop:
				return
			default:
				frame, err := n.conf.Socket.Recv(n.conf.SocketTimeout)
				if errors.Is(err, transport.TimeoutErr(0)) {
					continue
				}
				if err != nil {
					if n.running.Get() {
						log.Error().Msgf("<[peer.Peer.Start] Recv error>: <%s>", err.Error())
					}
					continue
				}

				n.processFrame(frame)
			}
		}
	}()

	go n.maintenanceLoop()

	return nil
}

// Stop implements peer.Service
func (n *node) Stop() error {
	if !n.running.Get() {
		return nil
	}
	n.running.Set(false)
	close(n.stop)
	n.wg.Wait()
	return n.conf.Socket.Close()
}

// GetLocalPeer implements peer.DHT
func (n *node) GetLocalPeer() types.Peer {
	return n.localPeer
}

// GetPeer implements peer.DHT
func (n *node) GetPeer(id types.ID) (types.Peer, bool) {
	return n.table.Get(id)
}

// GetRoutingPeers implements peer.DHT
func (n *node) GetRoutingPeers() []types.Peer {
	return n.table.All()
}

// DetectNATType implements peer.Traversal
func (n *node) DetectNATType() nat.NATType {
	return n.puncher.DetectNATType()
}

// PublicEndpoint implements peer.Traversal
func (n *node) PublicEndpoint() (string, uint16, error) {
	return n.puncher.PublicEndpoint()
}

// Punch implements peer.Traversal
func (n *node) Punch(target types.Peer) (string, uint16, error) {
	return n.puncher.Punch(target)
}

// RegisterRendezvous implements peer.Traversal
func (n *node) RegisterRendezvous(ip string, port uint16) error {
	return n.puncher.RegisterWithServer(ip, port)
}

// ConnectionInfo implements peer.Traversal
func (n *node) ConnectionInfo() nat.ConnectionInfo {
	return n.puncher.ConnectionInfo()
}

// sendRPC marshals and sends msg to the peer's known endpoint. Also
// injected into the hole puncher so it can reach peers without a reference
// back to the node.
func (n *node) sendRPC(to types.Peer, msg types.RPCMessage) error {
	return n.sendToAddr(to.Addr(), msg)
}

func (n *node) sendToAddr(addr string, msg types.RPCMessage) error {
	return n.conf.Socket.Send(addr, msg.Marshal(), time.Second)
}

// newRequest assembles an outbound message stamped with a fresh request id.
func (n *node) newRequest(typ types.RPCType, receiver types.ID, payload []byte) types.RPCMessage {
	requestID := types.NewRequestID()
	n.issued.Add(requestID)

	return types.RPCMessage{
		Type:       typ,
		Sender:     n.localPeer.ID,
		Receiver:   receiver,
		SenderIP:   n.localPeer.IP,
		SenderPort: n.localPeer.Port,
		RequestID:  requestID,
		Payload:    payload,
	}
}

// reply echoes the request id of req back with the given type and payload.
func (n *node) reply(req types.RPCMessage, typ types.RPCType, payload []byte) types.RPCMessage {
	return types.RPCMessage{
		Type:       typ,
		Sender:     n.localPeer.ID,
		Receiver:   req.Sender,
		SenderIP:   n.localPeer.IP,
		SenderPort: n.localPeer.Port,
		RequestID:  req.RequestID,
		Payload:    payload,
	}
}

// addPeer upserts a peer into the routing table. When its bucket is full
// of live peers the head is pinged; if it stays silent its last-seen time
// goes stale and the next upsert replaces it.
func (n *node) addPeer(p types.Peer) {
	if p.ID.Equals(n.localPeer.ID) {
		return
	}

	if res := n.table.Add(p, n.conf.Clock()); res == Rejected {
		if head, ok := n.table.HeadOf(p.ID); ok {
			go n.Ping(head)
		}
	}
}

// splitSocketAddress splits the socket's ip:port form. The socket address
// is system-provided, so a parse failure is a programming error and yields
// the zero endpoint.
func splitSocketAddress(address string) (string, uint16) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return address, 0
	}

	var port uint16
	for _, c := range address[idx+1:] {
		if c < '0' || c > '9' {
			return address[:idx], 0
		}
		port = port*10 + uint16(c-'0')
	}

	return address[:idx], port
}
