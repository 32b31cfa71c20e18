package impl

import (
	"sync"
	"time"

	"github.com/punchkad/punchkad/types"
)

// record is one stored key/value pair with its insertion time.
type record struct {
	Key      types.DHTKey
	Value    []byte
	Inserted int64
}

// localStore is the in-memory record store. Values and insertion
// timestamps live in the same entry, so deleting a record removes both
// atomically. The clock is injectable so tests can drive expiry.
type localStore struct {
	sync.Mutex
	records map[string]record
	now     func() int64
}

func newLocalStore(now func() int64) *localStore {
	if now == nil {
		now = types.NowMillis
	}
	return &localStore{
		records: make(map[string]record),
		now:     now,
	}
}

// Set inserts or overwrites the record with the current timestamp.
func (s *localStore) Set(key types.DHTKey, value []byte) {
	s.Lock()
	defer s.Unlock()

	s.records[key.String()] = record{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Inserted: s.now(),
	}
}

// SetInserted overwrites a record with an explicit insertion time; used by
// tests to age records.
func (s *localStore) SetInserted(key types.DHTKey, value []byte, inserted int64) {
	s.Lock()
	defer s.Unlock()

	s.records[key.String()] = record{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Inserted: inserted,
	}
}

// Get returns a copy of the value for key.
func (s *localStore) Get(key types.DHTKey) ([]byte, bool) {
	s.Lock()
	defer s.Unlock()

	rec, ok := s.records[key.String()]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), rec.Value...), true
}

// Delete erases the record, idempotently.
func (s *localStore) Delete(key types.DHTKey) {
	s.Lock()
	defer s.Unlock()

	delete(s.records, key.String())
}

// Snapshot copies all records so callers can iterate without holding the
// lock across RPCs.
func (s *localStore) Snapshot() []record {
	s.Lock()
	defer s.Unlock()

	records := make([]record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Value = append([]byte(nil), rec.Value...)
		records = append(records, rec)
	}
	return records
}

// Expire removes records older than ttl and returns their printable keys.
func (s *localStore) Expire(ttl time.Duration) []string {
	s.Lock()
	defer s.Unlock()

	now := s.now()
	var removed []string

	for key, rec := range s.records {
		if now-rec.Inserted > ttl.Milliseconds() {
			removed = append(removed, key)
			delete(s.records, key)
		}
	}

	return removed
}

// Len returns the number of stored records.
func (s *localStore) Len() int {
	s.Lock()
	defer s.Unlock()

	return len(s.records)
}
