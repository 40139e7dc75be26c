// Package ackreg implements the acknowledgement registry: correlating
// a sent request with its eventual reply, with timeout-versus-arrival
// race resolution. This is the hardest invariant in the fabric — a
// reply and a timeout can occur concurrently, and exactly one of them
// must win while the other's resources are released exactly once.
package ackreg

import (
	"sync"
	"time"

	"github.com/capfabric/capfabric/internal/clock"
	"github.com/capfabric/capfabric/slotpool"
	"github.com/capfabric/capfabric/wire"
)

// Reply carries what a matched acknowledgement delivered.
type Reply struct {
	Header      wire.Header
	UserPayload []byte
	UserFD      int
}

// Waiter tracks one in-flight request awaiting its ack. received and
// cancelled are the two flags whose interaction resolves the
// reply-versus-timeout race; both are only ever read or written while
// holding the registry's lock; there is deliberately no independent
// atomic access to either; that is what makes the race resolution exact.
type Waiter struct {
	correlationID uint64
	done          chan struct{}
	received      bool
	cancelled     bool
	reply         Reply
}

// Registry allocates correlation ids, tracks in-flight waiters, and
// matches incoming acks to them.
type Registry struct {
	mu      sync.Mutex
	pool    *slotpool.FreeList[*Waiter]
	byCorr  map[uint64]int
	nextCID uint64
}

// New creates a registry with room for capacity concurrent in-flight
// requests.
func New(capacity int) *Registry {
	return &Registry{
		pool:   slotpool.NewFreeList[*Waiter](capacity),
		byCorr: make(map[uint64]int, capacity),
	}
}

// NextCorrelationID returns a fresh, process-unique, non-zero
// correlation id. A correlation id of 0 means "no ack expected" and is
// never issued here.
func (r *Registry) NextCorrelationID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCID++
	return r.nextCID
}

// ErrFull is returned by Register when the waiter pool has no free slot.
type ErrFull struct{}

func (ErrFull) Error() string { return "ackreg: waiter pool is full" }

// Register allocates a waiter for correlationID. The caller must
// eventually call Release, whether or not Await ever returns success.
func (r *Registry) Register(correlationID uint64) (*Waiter, error) {
	w := &Waiter{correlationID: correlationID, done: make(chan struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.pool.Push(w)
	if slot == -1 {
		return nil, ErrFull{}
	}
	r.byCorr[correlationID] = slot
	return w, nil
}

// Release returns the waiter's slot to the pool. Safe to call exactly
// once per successful Register.
func (r *Registry) Release(w *Waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.byCorr[w.correlationID]
	delete(r.byCorr, w.correlationID)
	if ok {
		r.pool.Pop(slot)
	}
}

// Await blocks until the waiter's ack arrives or deadline passes,
// returning the reply on success. On timeout it sets cancelled so a
// late-arriving ack is discarded by HandleAck instead of delivered.
//
// This is the critical section described by the fabric's hardest
// invariant: received and cancelled are only ever inspected together,
// under the registry lock, so the outcome is exact regardless of which
// goroutine — this one or the receive loop calling HandleAck — observes
// the race first.
func (r *Registry) Await(w *Waiter, deadline time.Time) (Reply, bool) {
	timer := time.NewTimer(clock.Remaining(deadline))
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w.received && !w.cancelled {
		return w.reply, true
	}
	w.cancelled = true
	return Reply{}, false
}

// HandleAck matches an incoming ack frame to its waiter and delivers
// the reply. It reports whether it took ownership of the frame's
// payload (true) or the caller must release it itself (false, meaning
// unknown or already-cancelled correlation id).
func (r *Registry) HandleAck(correlationID uint64, header wire.Header, userPayload []byte, userFD int) bool {
	if correlationID == 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.byCorr[correlationID]
	var w *Waiter
	if ok {
		if v, active := r.pool.Get(slot); active && v.correlationID == correlationID {
			w = v
		}
	}
	if w == nil {
		// Fast-path index missed or is stale; fall back to a linear
		// scan before giving up, in case of a slot reused mid-lookup.
		r.pool.Range(func(index int, value *Waiter) {
			if w == nil && value.correlationID == correlationID {
				w = value
			}
		})
	}
	if w == nil {
		return false
	}

	if w.cancelled || w.received {
		return false
	}

	w.reply = Reply{Header: header, UserPayload: userPayload, UserFD: userFD}
	w.received = true
	close(w.done)
	return true
}

// Len reports how many waiters are currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCorr)
}
