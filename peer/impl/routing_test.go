package impl

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/types"
)

// idWithByte returns an id whose byte at pos is b, zero elsewhere.
func idWithByte(pos int, b byte) types.ID {
	var id types.ID
	id[pos] = b
	return id
}

func testPeer(id types.ID, lastSeen int64) types.Peer {
	return types.Peer{ID: id, IP: "127.0.0.1", Port: 4000, LastSeen: lastSeen}
}

func Test_Routing_BucketPlacement(t *testing.T) {
	table := NewRoutingTable(types.ID{}) // local id = 00..00

	require.Equal(t, 0, table.BucketIndex(idWithByte(0, 0x80)))
	require.Equal(t, 1, table.BucketIndex(idWithByte(0, 0x40)))
	require.Equal(t, 159, table.BucketIndex(idWithByte(19, 0x01)))
}

func Test_Routing_ClosestOrdering(t *testing.T) {
	table := NewRoutingTable(idWithByte(0, 0xff))
	now := types.NowMillis()

	a := testPeer(idWithByte(19, 0x01), now)
	b := testPeer(idWithByte(19, 0x02), now)
	c := testPeer(idWithByte(19, 0x04), now)

	// Inserted out of order on purpose.
	require.Equal(t, Accepted, table.Add(c, now))
	require.Equal(t, Accepted, table.Add(a, now))
	require.Equal(t, Accepted, table.Add(b, now))

	closest := table.Closest(types.ID{}, 3)
	require.Len(t, closest, 3)
	require.True(t, closest[0].Equals(a))
	require.True(t, closest[1].Equals(b))
	require.True(t, closest[2].Equals(c))

	// Result size is min(n, total peers).
	require.Len(t, table.Closest(types.ID{}, 10), 3)
	require.Len(t, table.Closest(types.ID{}, 2), 2)
}

func Test_Routing_LocalNeverInserted(t *testing.T) {
	local := types.NewRandomID(nil)
	table := NewRoutingTable(local)
	now := types.NowMillis()

	require.Equal(t, Rejected, table.Add(testPeer(local, now), now))
	_, ok := table.Get(local)
	require.False(t, ok)
	require.Empty(t, table.All())
}

func Test_Routing_GetAfterAdd(t *testing.T) {
	table := NewRoutingTable(types.ID{})
	now := types.NowMillis()

	p := testPeer(idWithByte(0, 0x80), now)
	require.Equal(t, Accepted, table.Add(p, now))

	got, ok := table.Get(p.ID)
	require.True(t, ok)
	require.True(t, got.Equals(p))
}

func Test_Bucket_LRUReplacement(t *testing.T) {
	var bucket KBucket
	now := types.NowMillis()

	// Fill the bucket with K live peers.
	for i := 0; i < peer.K; i++ {
		var id types.ID
		id[18] = byte(i + 1)
		require.Equal(t, Accepted, bucket.Add(testPeer(id, now), now))
	}
	require.True(t, bucket.IsFull())

	head, ok := bucket.Head()
	require.True(t, ok)

	// Full of live peers: the newcomer is rejected and nothing changes.
	q := testPeer(idWithByte(17, 0xaa), now)
	require.Equal(t, Rejected, bucket.Add(q, now))
	require.Equal(t, peer.K, bucket.Size())
	_, ok = bucket.Get(q.ID)
	require.False(t, ok)

	// Age the head past the liveness window and retry.
	stale := now - (30 * time.Minute).Milliseconds()
	bucket.Lock()
	bucket.peers[0].LastSeen = stale
	bucket.Unlock()

	require.Equal(t, Replaced, bucket.Add(q, now))
	require.Equal(t, peer.K, bucket.Size())

	_, ok = bucket.Get(head.ID)
	require.False(t, ok)
	got, ok := bucket.Get(q.ID)
	require.True(t, ok)
	require.True(t, got.Equals(q))
}

func Test_Bucket_UpsertMovesToTail(t *testing.T) {
	var bucket KBucket
	now := types.NowMillis()

	a := testPeer(idWithByte(18, 0x01), now)
	b := testPeer(idWithByte(18, 0x02), now)

	require.Equal(t, Accepted, bucket.Add(a, now))
	require.Equal(t, Accepted, bucket.Add(b, now))

	// Re-observing a moves it behind b.
	require.Equal(t, Accepted, bucket.Add(a, now+1))

	snapshot := bucket.Snapshot()
	require.Len(t, snapshot, 2)
	require.True(t, snapshot[0].Equals(b))
	require.True(t, snapshot[1].Equals(a))
	require.EqualValues(t, now+1, snapshot[1].LastSeen)
}

func Test_Routing_NoDuplicateAcrossBuckets(t *testing.T) {
	table := NewRoutingTable(types.ID{})
	now := types.NowMillis()

	p := testPeer(idWithByte(0, 0x80), now)
	table.Add(p, now)
	table.Add(p, now+1)

	require.Len(t, table.All(), 1)
}

func Test_Routing_ClosestSortsByDistance(t *testing.T) {
	local := idWithByte(0, 0xff)
	table := NewRoutingTable(local)
	now := types.NowMillis()

	lo := testPeer(idWithByte(19, 0x01), now)
	hi := testPeer(idWithByte(18, 0x01), now)
	table.Add(hi, now)
	table.Add(lo, now)

	// Target chosen so that both ids map to distances equal to themselves.
	closest := table.Closest(types.ID{}, 2)
	require.Len(t, closest, 2)
	require.True(t, closest[0].ID.Distance(types.ID{}).Less(closest[1].ID.Distance(types.ID{})),
		fmt.Sprintf("unexpected order: %s before %s", closest[0].ID, closest[1].ID))
}
