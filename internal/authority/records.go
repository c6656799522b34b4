package authority

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offene-werkstatt/maco-core/internal/ev2"
)

// pendingAuth ties an in-progress three-pass exchange to a tag. Created
// at protocol start, consumed exactly once at completion or dropped by
// the expiry sweep.
type pendingAuth struct {
	id        string
	tagUID    string
	machineID string
	handshake *ev2.Handshake
	createdAt time.Time
}

// recordRegistry holds pending authentication records in memory.
//
// Records are deliberately not persisted: a restart mid-handshake simply
// forces the tag through a fresh exchange.
type recordRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]*pendingAuth
	now     func() time.Time
}

func newRecordRegistry(ttl time.Duration) *recordRegistry {
	return &recordRegistry{
		ttl:     ttl,
		records: make(map[string]*pendingAuth),
		now:     time.Now,
	}
}

// create registers a new pending exchange and returns its record id,
// which doubles as the provisional session id on the wire.
func (r *recordRegistry) create(tagUID, machineID string, hs *ev2.Handshake) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	id := uuid.NewString()
	r.records[id] = &pendingAuth{
		id:        id,
		tagUID:    tagUID,
		machineID: machineID,
		handshake: hs,
		createdAt: r.now(),
	}
	return id
}

// consume removes and returns a pending record. A record can be consumed
// once; unknown or expired ids report false.
func (r *recordRegistry) consume(id string) (*pendingAuth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()

	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	delete(r.records, id)
	return rec, true
}

// sweepLocked drops expired records. Caller holds the mutex.
func (r *recordRegistry) sweepLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, rec := range r.records {
		if rec.createdAt.Before(cutoff) {
			delete(r.records, id)
		}
	}
}
