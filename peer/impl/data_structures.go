package impl

import (
	"sync"

	"github.com/punchkad/punchkad/types"
)

/* ========== ReplyChannels ========== */

// Thread-safe map which maps request id -> channel
// Used for asynchronous notification
// When the receiver demuxes a reply it sends the message to the
// corresponding channel
type ReplyChannels struct {
	sync.Mutex
	channelsMap map[string]chan types.RPCMessage
}

func (r *ReplyChannels) Set(key string, val chan types.RPCMessage) chan types.RPCMessage {
	r.Lock()
	defer r.Unlock()

	r.channelsMap[key] = val
	return val
}

func (r *ReplyChannels) Get(key string) (chan types.RPCMessage, bool) {
	r.Lock()
	defer r.Unlock()

	val, ok := r.channelsMap[key]
	return val, ok
}

func (r *ReplyChannels) Delete(key string) {
	r.Lock()
	defer r.Unlock()

	delete(r.channelsMap, key)
}

/* ========== RequestHistory ========== */

// Bounded set of the request ids this node issued. A reply that arrives
// after its waiter gave up must be recognized and dropped: re-handling it
// as a request would answer an answer, and two nodes would echo pings at
// each other forever.
type RequestHistory struct {
	sync.Mutex
	set   map[string]struct{}
	order []string
	cap   int
}

func NewRequestHistory(cap int) *RequestHistory {
	return &RequestHistory{
		set: make(map[string]struct{}),
		cap: cap,
	}
}

func (h *RequestHistory) Add(id string) {
	h.Lock()
	defer h.Unlock()

	if _, ok := h.set[id]; ok {
		return
	}

	if len(h.order) >= h.cap {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.set, oldest)
	}

	h.set[id] = struct{}{}
	h.order = append(h.order, id)
}

func (h *RequestHistory) Contains(id string) bool {
	h.Lock()
	defer h.Unlock()

	_, ok := h.set[id]
	return ok
}

/* ========= SafeBool ============= */

type SafeBool struct {
	sync.Mutex
	val bool
}

func (p *SafeBool) Set(val bool) {
	p.Lock()
	defer p.Unlock()
	p.val = val
}

func (p *SafeBool) Get() bool {
	p.Lock()
	defer p.Unlock()
	return p.val
}

/* ======== idSet ========= */

// Simple set of identifiers - not thread-safe
type idSet struct {
	set map[types.ID]struct{}
}

func newIDSet(elems ...types.ID) *idSet {
	s := &idSet{set: make(map[types.ID]struct{})}
	for _, elem := range elems {
		s.Add(elem)
	}
	return s
}

func (s *idSet) Add(elem types.ID) *idSet {
	s.set[elem] = struct{}{}
	return s
}

func (s *idSet) Contains(elem types.ID) bool {
	_, ok := s.set[elem]
	return ok
}

func (s *idSet) Len() int {
	return len(s.set)
}

/* ======== threadSafeIDSet ======== */

// Tracks queried peers during a lookup:
// thread-safe wrapper over idSet
type threadSafeIDSet struct {
	sync.Mutex
	ids idSet
}

func (p *threadSafeIDSet) Add(id types.ID) {
	p.Lock()
	defer p.Unlock()

	p.ids.Add(id)
}

func (p *threadSafeIDSet) Contains(id types.ID) bool {
	p.Lock()
	defer p.Unlock()

	return p.ids.Contains(id)
}
