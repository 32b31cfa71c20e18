package impl

import (
	"sort"
	"sync"

	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/types"
)

// AddResult is the outcome of inserting a peer into a bucket.
type AddResult int

const (
	// Accepted: the peer was appended or refreshed.
	Accepted AddResult = iota
	// Replaced: a stale head was evicted to make room.
	Replaced
	// Rejected: the bucket is full of live peers; the caller may schedule
	// a ping of the head.
	Rejected
)

/* ========== KBucket ========== */

// KBucket holds up to K peers ordered least-recently-seen first. Each
// bucket owns its own mutex so operations on different buckets do not
// serialize.
type KBucket struct {
	sync.Mutex
	peers []types.Peer
}

// Add applies the least-recently-seen eviction policy described in the
// Kademlia paper: refresh in place, append while there is room, replace a
// stale head, otherwise reject.
func (bucket *KBucket) Add(p types.Peer, now int64) AddResult {
	bucket.Lock()
	defer bucket.Unlock()

	for i := range bucket.peers {
		if bucket.peers[i].Equals(p) {
			// Already present: move to the tail as most recently seen.
			refreshed := bucket.peers[i]
			refreshed.Touch(now)
			bucket.peers = append(bucket.peers[:i], bucket.peers[i+1:]...)
			bucket.peers = append(bucket.peers, refreshed)
			return Accepted
		}
	}

	if len(bucket.peers) < peer.K {
		bucket.peers = append(bucket.peers, p)
		return Accepted
	}

	if !bucket.peers[0].Live(now) {
		bucket.peers = append(bucket.peers[1:], p)
		return Replaced
	}

	return Rejected
}

// Remove erases the peer with the given id, idempotently.
func (bucket *KBucket) Remove(id types.ID) {
	bucket.Lock()
	defer bucket.Unlock()

	for i := range bucket.peers {
		if bucket.peers[i].ID.Equals(id) {
			bucket.peers = append(bucket.peers[:i], bucket.peers[i+1:]...)
			return
		}
	}
}

// Get looks a peer up by id.
func (bucket *KBucket) Get(id types.ID) (types.Peer, bool) {
	bucket.Lock()
	defer bucket.Unlock()

	for i := range bucket.peers {
		if bucket.peers[i].ID.Equals(id) {
			return bucket.peers[i], true
		}
	}
	return types.Peer{}, false
}

// Head returns the least-recently-seen peer.
func (bucket *KBucket) Head() (types.Peer, bool) {
	bucket.Lock()
	defer bucket.Unlock()

	if len(bucket.peers) == 0 {
		return types.Peer{}, false
	}
	return bucket.peers[0], true
}

// Snapshot copies the current peers in order.
func (bucket *KBucket) Snapshot() []types.Peer {
	bucket.Lock()
	defer bucket.Unlock()

	return append([]types.Peer(nil), bucket.peers...)
}

// IsFull reports whether the bucket holds K peers.
func (bucket *KBucket) IsFull() bool {
	bucket.Lock()
	defer bucket.Unlock()

	return len(bucket.peers) >= peer.K
}

// Size returns the number of peers in the bucket.
func (bucket *KBucket) Size() int {
	bucket.Lock()
	defer bucket.Unlock()

	return len(bucket.peers)
}

/* ========== RoutingTable ========== */

// RoutingTable owns 160 distance-indexed buckets. The table-level mutex is
// held only when iterating all buckets; add/get/remove take only the
// per-bucket lock.
type RoutingTable struct {
	localID types.ID
	buckets [types.IDBits]KBucket
	mu      sync.Mutex
}

// NewRoutingTable returns a routing table for the given local identifier.
func NewRoutingTable(localID types.ID) *RoutingTable {
	return &RoutingTable{localID: localID}
}

// BucketIndex returns the index of the bucket holding id: the position of
// the first 1-bit of the XOR distance to the local id, MSB first. A zero
// distance maps to the last bucket, but the local id itself is never
// inserted.
func (table *RoutingTable) BucketIndex(id types.ID) int {
	dist := table.localID.Distance(id)
	for i := 0; i < types.IDBits; i++ {
		if dist.Bit(i) {
			return i
		}
	}
	return types.IDBits - 1
}

// Add inserts the peer into its bucket. The local peer is never added.
func (table *RoutingTable) Add(p types.Peer, now int64) AddResult {
	if p.ID.Equals(table.localID) {
		return Rejected
	}
	return table.buckets[table.BucketIndex(p.ID)].Add(p, now)
}

// Remove erases the peer with the given id, idempotently.
func (table *RoutingTable) Remove(id types.ID) {
	table.buckets[table.BucketIndex(id)].Remove(id)
}

// Get looks a peer up by id.
func (table *RoutingTable) Get(id types.ID) (types.Peer, bool) {
	return table.buckets[table.BucketIndex(id)].Get(id)
}

// HeadOf returns the least-recently-seen peer of the bucket id belongs to.
func (table *RoutingTable) HeadOf(id types.ID) (types.Peer, bool) {
	return table.buckets[table.BucketIndex(id)].Head()
}

// Closest returns up to n peers sorted by ascending XOR distance to the
// target, ties broken by the lexicographic ordering of the ids.
func (table *RoutingTable) Closest(target types.ID, n int) []types.Peer {
	peers := table.All()

	sort.Slice(peers, func(i, j int) bool {
		di := peers[i].ID.Distance(target)
		dj := peers[j].ID.Distance(target)
		if !di.Equals(dj) {
			return di.Less(dj)
		}
		return peers[i].ID.Less(peers[j].ID)
	})

	if len(peers) > n {
		peers = peers[:n]
	}
	return peers
}

// All snapshots every peer across all buckets.
func (table *RoutingTable) All() []types.Peer {
	table.mu.Lock()
	defer table.mu.Unlock()

	peers := make([]types.Peer, 0, peer.K)
	for i := range table.buckets {
		peers = append(peers, table.buckets[i].Snapshot()...)
	}
	return peers
}
