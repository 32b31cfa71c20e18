package impl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/punchkad/punchkad/peer"
	"github.com/punchkad/punchkad/types"
)

// maintenanceLoop wakes on the configured cadence and runs, in order,
// bucket refresh, republish and expiry. Errors here are best-effort only.
func (n *node) maintenanceLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.conf.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			n.refreshBuckets()
			n.republish()
			n.expire()
		}
	}
}

// refreshBuckets probes each of the 160 buckets with a lookup for a target
// that differs from the local id at exactly that bucket's bit. Fills
// sparse buckets and exercises liveness.
func (n *node) refreshBuckets() {
	sem := semaphore.NewWeighted(peer.Alpha)
	var wg sync.WaitGroup

	for i := 0; i < types.IDBits; i++ {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		wg.Add(1)

		go func(bit int) {
			defer wg.Done()
			defer sem.Release(1)

			target := flipBit(n.localPeer.ID, bit)
			_, err := n.FindNode(target)
			if err != nil && !errors.Is(err, peer.ErrEmptyRoutingTable) {
				log.Error().Msgf("<[peer.Peer.refreshBuckets] bucket %d>: <%s>", bit, err.Error())
			}
		}(i)
	}

	wg.Wait()
}

// republish re-issues a store for every locally held record. The store is
// snapshotted first so its lock is not held across RPCs.
func (n *node) republish() {
	records := n.store.Snapshot()

	sem := semaphore.NewWeighted(peer.Alpha)
	var wg sync.WaitGroup

	for _, rec := range records {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		wg.Add(1)

		go func(rec record) {
			defer wg.Done()
			defer sem.Release(1)

			if err := n.Store(rec.Key, rec.Value); err != nil {
				log.Error().Msgf("<[peer.Peer.republish] %s>: <%s>", rec.Key, err.Error())
			}
		}(rec)
	}

	wg.Wait()
}

// expire drops records past their TTL.
func (n *node) expire() {
	removed := n.store.Expire(n.conf.RecordTTL)
	for _, key := range removed {
		log.Info().Msgf("[peer.Peer.expire] record %s expired", key)
	}
}

// flipBit returns id with bit i inverted.
func flipBit(id types.ID, i int) types.ID {
	id[i/8] ^= 1 << (7 - i%8)
	return id
}
