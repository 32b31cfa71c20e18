package impl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/types"
)

// lookupKind selects the RPC an iterative lookup issues.
type lookupKind int

const (
	nodeLookup lookupKind = iota
	valueLookup
)

// queryReply is what one queried peer contributed to a round.
type queryReply struct {
	from  types.Peer
	peers []types.Peer
	value []byte
}

// FindNode implements peer.DHT: iterative node lookup for the k closest
// peers to target.
func (n *node) FindNode(target types.ID) ([]types.Peer, error) {
	peers, _, err := n.iterate(target, nil, nodeLookup)
	return peers, err
}

// FindValue implements peer.DHT. The local store is consulted first; a
// network lookup is identical to a node lookup except that it halts as
// soon as any peer returns the value.
func (n *node) FindValue(key types.DHTKey) ([]byte, error) {
	if value, ok := n.store.Get(key); ok {
		return value, nil
	}

	_, value, err := n.iterate(key.Target(), &key, valueLookup)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, xerrors.Errorf("find %s: %w", key, peer.ErrNotFound)
	}
	return value, nil
}

// iterate runs the iterative lookup from the Kademlia paper: rounds of
// alpha parallel queries against the closest un-queried peers, merging
// replies into the candidate list, until a full round brings nothing
// closer and the alpha closest known peers have all been queried.
func (n *node) iterate(target types.ID, key *types.DHTKey, kind lookupKind) ([]types.Peer, []byte, error) {
	kClosest := n.table.Closest(target, peer.Alpha)
	if len(kClosest) == 0 {
		return nil, nil, xerrors.Errorf("lookup %s: %w", target, peer.ErrEmptyRoutingTable)
	}

	queried := &threadSafeIDSet{ids: *newIDSet(n.localPeer.ID)}

	// Peers that answered a value lookup without the value; the closest
	// one receives a cache-write once the value is found.
	var misses []types.Peer

	for {
		toQuery := pickNUnqueried(kClosest, peer.Alpha, queried)

		value, newKClosest, closer := n.queryRound(target, key, kind, kClosest, toQuery, queried, &misses)
		if value != nil {
			n.cacheValue(*key, value, target, misses)
			return nil, value, nil
		}

		if closer {
			kClosest = newKClosest
			continue
		}

		// No improvement: give every un-queried candidate among the k
		// closest one final chance before concluding.
		toQuery = pickNUnqueried(newKClosest, peer.K, queried)
		value, newKClosest, closer = n.queryRound(target, key, kind, newKClosest, toQuery, queried, &misses)
		if value != nil {
			n.cacheValue(*key, value, target, misses)
			return nil, value, nil
		}

		alphaClosest := newKClosest
		if len(alphaClosest) > peer.Alpha {
			alphaClosest = alphaClosest[:peer.Alpha]
		}
		if closer || !allQueried(alphaClosest, queried) {
			kClosest = newKClosest
			continue
		}

		// The alpha closest known candidates were all queried and the final
		// round brought nothing closer.
		return newKClosest, nil, nil
	}
}

// queryRound queries toQuery in parallel and merges the replies with
// current. It reports the merged k closest and whether anything closer
// than the previous best was learned.
func (n *node) queryRound(target types.ID, key *types.DHTKey, kind lookupKind,
	current, toQuery []types.Peer, queried *threadSafeIDSet, misses *[]types.Peer) ([]byte, []types.Peer, bool) {

	if len(toQuery) == 0 {
		return nil, current, false
	}

	var mu sync.Mutex
	var foundValue []byte
	merged := append([]types.Peer(nil), current...)

	g, _ := errgroup.WithContext(context.Background())

	for _, p := range toQuery {
		p := p
		queried.Add(p.ID)

		g.Go(func() error {
			reply, ok := n.queryPeer(p, target, key, kind)
			if !ok {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()

			if reply.value != nil {
				if foundValue == nil {
					foundValue = reply.value
				}
				return nil
			}

			if kind == valueLookup {
				*misses = append(*misses, p)
			}
			merged = append(merged, reply.peers...)
			return nil
		})
	}

	g.Wait()

	if foundValue != nil {
		return foundValue, nil, false
	}

	merged = dedupePeers(merged, n.localPeer.ID)
	sortByDistance(merged, target)

	closer := len(current) == 0 ||
		(len(merged) > 0 && merged[0].ID.Distance(target).Less(current[0].ID.Distance(target)))

	if len(merged) > peer.K {
		merged = merged[:peer.K]
	}

	return nil, merged, closer
}

// queryPeer sends one FIND_NODE or FIND_VALUE and waits for the
// correlated reply. Peers learned from the reply are folded into the
// routing table.
func (n *node) queryPeer(p types.Peer, target types.ID, key *types.DHTKey, kind lookupKind) (queryReply, bool) {
	var msg types.RPCMessage
	if kind == valueLookup {
		msg = n.newRequest(types.RPCFindValue, p.ID, key.Data)
	} else {
		msg = n.newRequest(types.RPCFindNode, p.ID, []byte(target.String()))
	}

	channel := n.replyChannels.Set(msg.RequestID, make(chan types.RPCMessage, 1))
	defer n.replyChannels.Delete(msg.RequestID)

	if err := n.sendRPC(p, msg); err != nil {
		log.Error().Msgf("<[peer.Peer.queryPeer] send to %s>: <%s>", p.Addr(), err.Error())
		return queryReply{}, false
	}

	reply, ok := n.waitReply(channel)
	if !ok {
		return queryReply{}, false
	}

	if kind == valueLookup && reply.Type == types.RPCFindValue {
		return queryReply{from: p, value: reply.Payload}, true
	}

	peers := types.DecodePeerList(reply.Payload)
	for _, learned := range peers {
		n.addPeer(learned)
	}

	return queryReply{from: p, peers: peers}, true
}

// waitReply blocks on the channel until the reply arrives, the lookup
// timeout fires or the node stops.
func (n *node) waitReply(channel chan types.RPCMessage) (types.RPCMessage, bool) {
	timer := time.NewTimer(n.conf.LookupTimeout)
	defer timer.Stop()

	select {
	case reply := <-channel:
		return reply, true
	case <-timer.C:
		return types.RPCMessage{}, false
	case <-n.stop:
		return types.RPCMessage{}, false
	}
}

// cacheValue writes a found value onto the closest observed peer that did
// not have it.
func (n *node) cacheValue(key types.DHTKey, value []byte, target types.ID, misses []types.Peer) {
	if len(misses) == 0 {
		return
	}

	sortByDistance(misses, target)
	closest := misses[0]

	msg := n.newRequest(types.RPCStore, closest.ID, types.EncodeStorePayload(key, value))
	if err := n.sendRPC(closest, msg); err != nil {
		log.Error().Msgf("<[peer.Peer.cacheValue] store at %s>: <%s>", closest.Addr(), err.Error())
	}
}

// Store implements peer.DHT. The record is written locally, then
// replicated to the k closest peers to the key's target.
func (n *node) Store(key types.DHTKey, value []byte) error {
	n.store.Set(key, value)

	closest, err := n.FindNode(key.Target())
	if err != nil {
		return xerrors.Errorf("store %s: %w", key, err)
	}

	payload := types.EncodeStorePayload(key, value)

	sem := semaphore.NewWeighted(peer.Alpha)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, p := range closest {
		p := p
		if err := sem.Acquire(context.Background(), 1); err != nil {
			break
		}
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			msg := n.newRequest(types.RPCStore, p.ID, payload)
			if err := n.sendRPC(p, msg); err != nil {
				log.Error().Msgf("<[peer.Peer.Store] send to %s>: <%s>", p.Addr(), err.Error())
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if failed > 0 {
		return xerrors.Errorf("store %s: %d of %d replica sends failed", key, failed, len(closest))
	}
	return nil
}

// Ping implements peer.DHT. The result is the send success; the echoed
// reply refreshes the peer's last-seen time when it lands.
func (n *node) Ping(p types.Peer) bool {
	msg := n.newRequest(types.RPCPing, p.ID, nil)

	channel := n.replyChannels.Set(msg.RequestID, make(chan types.RPCMessage, 1))

	if err := n.sendRPC(p, msg); err != nil {
		n.replyChannels.Delete(msg.RequestID)
		log.Error().Msgf("<[peer.Peer.Ping] send to %s>: <%s>", p.Addr(), err.Error())
		return false
	}

	// The echo is absorbed in the background; the sender upsert in the
	// receiver already refreshed the peer by the time it lands.
	go func() {
		defer n.replyChannels.Delete(msg.RequestID)
		n.waitReply(channel)
	}()

	return true
}

// pingWait sends a PING and blocks for the echo; used where the caller
// needs the reply, such as learning a bootstrap node's identifier.
func (n *node) pingWait(address string) (types.RPCMessage, bool) {
	msg := n.newRequest(types.RPCPing, types.ID{}, nil)

	channel := n.replyChannels.Set(msg.RequestID, make(chan types.RPCMessage, 1))
	defer n.replyChannels.Delete(msg.RequestID)

	if err := n.sendToAddr(address, msg); err != nil {
		log.Error().Msgf("<[peer.Peer.pingWait] send to %s>: <%s>", address, err.Error())
		return types.RPCMessage{}, false
	}

	return n.waitReply(channel)
}

// Bootstrap implements peer.DHT. The configured endpoint is pinged to
// learn the bootstrap node's identifier, then a self-lookup populates the
// surrounding buckets.
func (n *node) Bootstrap(address string) error {
	ip, port, err := types.ParseAddress(address)
	if err != nil {
		return xerrors.Errorf("bootstrap: %w", err)
	}

	pong, ok := n.pingWait(address)
	if !ok {
		return xerrors.Errorf("bootstrap: no answer from %s:%d", ip, port)
	}

	n.addPeer(pong.SenderPeer())

	if _, err := n.FindNode(n.localPeer.ID); err != nil {
		log.Error().Msgf("<[peer.Peer.Bootstrap] self lookup>: <%s>", err.Error())
	}

	return nil
}

// pickNUnqueried returns at most N closest peers which have not been
// queried yet. Expects peers sorted in ascending order by distance.
func pickNUnqueried(peers []types.Peer, N int, queried *threadSafeIDSet) []types.Peer {
	toQuery := make([]types.Peer, 0, N)

	for _, p := range peers {
		if queried.Contains(p.ID) {
			continue
		}

		toQuery = append(toQuery, p)
		if len(toQuery) == N {
			break
		}
	}

	return toQuery
}

func allQueried(peers []types.Peer, queried *threadSafeIDSet) bool {
	for _, p := range peers {
		if !queried.Contains(p.ID) {
			return false
		}
	}
	return true
}

func dedupePeers(peers []types.Peer, self types.ID) []types.Peer {
	seen := newIDSet(self)
	deduped := make([]types.Peer, 0, len(peers))

	for _, p := range peers {
		if seen.Contains(p.ID) {
			continue
		}
		deduped = append(deduped, p)
		seen.Add(p.ID)
	}

	return deduped
}

func sortByDistance(peers []types.Peer, target types.ID) {
	sort.Slice(peers, func(i, j int) bool {
		di := peers[i].ID.Distance(target)
		dj := peers[j].ID.Distance(target)
		if !di.Equals(dj) {
			return di.Less(dj)
		}
		return peers[i].ID.Less(peers[j].ID)
	})
}
