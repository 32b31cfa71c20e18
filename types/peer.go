package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// LivenessWindow is how long a peer counts as live after it was last seen.
const LivenessWindow = 15 * time.Minute

// ErrInvalidAddress is returned when parsing a malformed ip:port string.
var ErrInvalidAddress = xerrors.New("invalid address")

// Peer describes a remote node: identifier, IPv4 endpoint and the moment it
// was last observed. Peers are value types; equality is by ID alone.
type Peer struct {
	ID       ID
	IP       string
	Port     uint16
	LastSeen int64 // milliseconds, monotonic
}

// NewPeer builds a peer observed now.
func NewPeer(id ID, ip string, port uint16) Peer {
	return Peer{ID: id, IP: ip, Port: port, LastSeen: NowMillis()}
}

// Live reports whether the peer was seen within the liveness window.
func (p Peer) Live(now int64) bool {
	return now-p.LastSeen < LivenessWindow.Milliseconds()
}

// Touch refreshes LastSeen. Updates are monotonic: an older timestamp never
// overwrites a newer one.
func (p *Peer) Touch(now int64) {
	if now > p.LastSeen {
		p.LastSeen = now
	}
}

// Addr returns the ip:port form.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Equals compares by ID.
func (p Peer) Equals(other Peer) bool {
	return p.ID.Equals(other.ID)
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s:%d", p.ID, p.IP, p.Port)
}

// NowMillis returns the current time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ParseAddress splits an "ip:port" string and validates both halves. Ports
// at or below 1023 are rejected.
func ParseAddress(address string) (string, uint16, error) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return "", 0, xerrors.Errorf("parse %q: %w", address, ErrInvalidAddress)
	}

	ip := address[:idx]
	if net.ParseIP(ip) == nil || strings.Contains(ip, ":") {
		return "", 0, xerrors.Errorf("parse ip %q: %w", ip, ErrInvalidAddress)
	}

	port, err := strconv.ParseUint(address[idx+1:], 10, 16)
	if err != nil || port <= 1023 {
		return "", 0, xerrors.Errorf("parse port %q: %w", address[idx+1:], ErrInvalidAddress)
	}

	return ip, uint16(port), nil
}
