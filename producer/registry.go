package producer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/inferq/envelope"
)

// ErrDuplicateID is returned by Register when the id is still outstanding.
var ErrDuplicateID = errors.New("duplicate correlation id")

// PendingWait is the resolution slot of one in-flight request. It is
// completed exactly once, either with a reply or with an error.
type PendingWait struct {
	id       string
	deadline time.Time
	done     chan struct{}
	once     sync.Once
	reply    envelope.Reply
	err      error
}

// ID returns the correlation id.
func (w *PendingWait) ID() string { return w.id }

// Deadline returns the time after which the wait is abandoned.
func (w *PendingWait) Deadline() time.Time { return w.deadline }

// Done is closed when the wait completes.
func (w *PendingWait) Done() <-chan struct{} { return w.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (w *PendingWait) Result() (envelope.Reply, error) {
	<-w.done
	return w.reply, w.err
}

func (w *PendingWait) complete(reply envelope.Reply, err error) {
	w.once.Do(func() {
		w.reply = reply
		w.err = err
		close(w.done)
	})
}

// Registry maps correlation ids to pending waits. An entry leaves the map
// under the lock before its wait is completed, so Resolve, Remove, Sweep
// and Close agree on a single winner per id.
type Registry struct {
	mu      sync.Mutex
	waits   map[string]*PendingWait
	closing error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{waits: make(map[string]*PendingWait)}
}

// Register adds a wait for id.
func (r *Registry) Register(id string, deadline time.Time) (*PendingWait, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing != nil {
		return nil, r.closing
	}
	if _, ok := r.waits[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	w := &PendingWait{
		id:       id,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	r.waits[id] = w
	return w, nil
}

// Resolve completes the wait for reply.ID. It returns false when no such
// wait is outstanding.
func (r *Registry) Resolve(reply envelope.Reply) bool {
	r.mu.Lock()
	w, ok := r.waits[reply.ID]
	if ok {
		delete(r.waits, reply.ID)
	}
	r.mu.Unlock()

	if ok {
		w.complete(reply, nil)
	}
	return ok
}

// Remove drops the wait for id without completing it. It returns false if
// the wait was already resolved or removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.waits[id]; !ok {
		return false
	}
	delete(r.waits, id)
	return true
}

// Len returns the number of outstanding waits.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waits)
}

// Sweep fails every wait whose deadline is before now with ErrTimeout and
// returns how many it evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*PendingWait
	for id, w := range r.waits {
		if w.deadline.Before(now) {
			expired = append(expired, w)
			delete(r.waits, id)
		}
	}
	r.mu.Unlock()

	for _, w := range expired {
		w.complete(envelope.Reply{}, fmt.Errorf("%w: request %s swept", ErrTimeout, w.id))
	}
	return len(expired)
}

// Close fails every outstanding wait with err and rejects later Register
// calls with it.
func (r *Registry) Close(err error) int {
	r.mu.Lock()
	r.closing = err
	waits := r.waits
	r.waits = make(map[string]*PendingWait)
	r.mu.Unlock()

	for _, w := range waits {
		w.complete(envelope.Reply{}, err)
	}
	return len(waits)
}
