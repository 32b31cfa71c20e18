package peer

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/punchkad/punchkad/nat"
	"github.com/punchkad/punchkad/transport"
	"github.com/punchkad/punchkad/types"
)

// K is the bucket size, the replication factor and the lookup result
// cardinality.
const K = 20

// Alpha is the lookup parallelism factor.
const Alpha = 3

// ErrEmptyRoutingTable is returned when a lookup starts with no peers known.
var ErrEmptyRoutingTable = xerrors.New("empty routing table")

// ErrNotFound is returned when a value lookup completes without finding a
// value.
var ErrNotFound = xerrors.New("value not found")

// Peer defines the functions of a DHT node.
type Peer interface {
	Service
	DHT
	Traversal
}

// Service describes the lifecycle functions of a node.
type Service interface {
	// Start starts the node's workers. It returns an error in case the
	// node is already started.
	Start() error

	// Stop stops the node. It flips the running flag and joins the
	// receiver and maintenance workers. Calling Stop on a stopped node is
	// a no-op.
	Stop() error
}

// DHT describes the key/value functions of a node.
type DHT interface {
	// Store writes the record locally, finds the k closest peers to the
	// key's target and replicates the record to each of them. It returns a
	// non-nil error if any replica send failed; the record stays present
	// locally regardless.
	Store(key types.DHTKey, value []byte) error

	// FindValue resolves a key, first locally then through an iterative
	// value lookup. It returns ErrNotFound when the lookup exhausts
	// without a hit.
	FindValue(key types.DHTKey) ([]byte, error)

	// FindNode runs an iterative node lookup and returns up to K peers
	// closest to the target.
	FindNode(target types.ID) ([]types.Peer, error)

	// Ping sends a PING to the given peer. The result is the send
	// success; the reply is processed asynchronously and refreshes the
	// peer's last-seen time.
	Ping(p types.Peer) bool

	// Bootstrap joins the network through the given "ip:port" endpoint:
	// it learns the remote node's identifier with a correlated ping, adds
	// it to the routing table and performs a lookup of the local
	// identifier.
	Bootstrap(address string) error

	// GetLocalPeer returns the local node's descriptor.
	GetLocalPeer() types.Peer

	// GetPeer looks a peer up in the routing table by identifier.
	GetPeer(id types.ID) (types.Peer, bool)

	// GetRoutingPeers returns a snapshot of every peer in the routing
	// table.
	GetRoutingPeers() []types.Peer
}

// Traversal describes the NAT-traversal functions of a node.
type Traversal interface {
	// DetectNATType classifies the NAT in front of this node.
	DetectNATType() nat.NATType

	// PublicEndpoint discovers the node's publicly visible endpoint via
	// STUN.
	PublicEndpoint() (string, uint16, error)

	// Punch attempts to establish a direct session with the target peer,
	// escalating from direct UDP to STUN-assisted UDP to TCP simultaneous
	// open. It returns the endpoint the session was established with.
	Punch(target types.Peer) (string, uint16, error)

	// RegisterRendezvous announces this node's public endpoint to a
	// rendezvous server and waits for its acknowledgement.
	RegisterRendezvous(ip string, port uint16) error

	// ConnectionInfo returns the current NAT connection information.
	ConnectionInfo() nat.ConnectionInfo
}

// Configuration holds everything a node needs. Zero values fall back to the
// defaults below.
type Configuration struct {
	// Socket is the bound datagram socket the node lives on.
	Socket transport.ClosableSocket

	// LocalID overrides the node identifier. Zero means a fresh random
	// identifier.
	LocalID types.ID

	// StunServers overrides the list of STUN servers tried in order.
	StunServers []string

	// MaintenanceInterval is the cadence of the refresh/republish/expire
	// sweep.
	MaintenanceInterval time.Duration

	// RecordTTL is how long a stored record lives before expiry.
	RecordTTL time.Duration

	// SocketTimeout bounds each blocking receive so shutdown latency is
	// bounded.
	SocketTimeout time.Duration

	// LookupTimeout is how long a lookup waits for each reply.
	LookupTimeout time.Duration

	// Clock returns the current time in milliseconds. Tests inject their
	// own to drive expiry.
	Clock func() int64
}

// Defaults for the zero values of Configuration.
const (
	DefaultMaintenanceInterval = 10 * time.Minute
	DefaultRecordTTL           = 24 * time.Hour
	DefaultSocketTimeout       = 100 * time.Millisecond
	DefaultLookupTimeout       = 2 * time.Second
)
