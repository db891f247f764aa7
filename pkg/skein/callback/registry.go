// Package callback tracks outstanding request/reply pairs for one
// connection. Each registry is connection-local; it needs no
// cross-connection synchronization, but every operation is safe under
// concurrent callers so the contract holds regardless of how the host
// schedules the connection's loop.
package callback

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateCorrelationID reports an id already pending on this
	// connection. Collision is an error, never a silent overwrite.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")

	// ErrCallbackTimeout is delivered to a waiter whose reply did not
	// arrive before its deadline. It is never reported to the peer.
	ErrCallbackTimeout = errors.New("callback timed out")

	// ErrConnectionClosed is delivered to every still-pending waiter
	// when the owning connection closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTooManyPending guards against resource exhaustion from
	// unbounded in-flight requests on one connection.
	ErrTooManyPending = errors.New("too many pending callbacks")
)

// Result is what a waiter receives: a reply payload or a failure,
// exactly once.
type Result struct {
	Data any
	Err  error
}

// Pending is the waiter's handle for one outstanding request.
type Pending struct {
	id       string
	created  time.Time
	deadline time.Time
	ch       chan Result
}

// ID returns the correlation id of the pending request.
func (p *Pending) ID() string {
	return p.id
}

// Done returns the channel on which the result is delivered. The
// channel receives exactly one Result and is never closed before that.
func (p *Pending) Done() <-chan Result {
	return p.ch
}

// NewCorrelationID generates an opaque correlation id with enough
// entropy that cross-request collision is negligible. The registry's
// uniqueness check is a safety net, not the primary defense.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Registry is a per-connection map from correlation id to pending
// callback.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*Pending
	max     int
	closed  bool
	logger  *zap.Logger
}

// NewRegistry creates a registry capped at maxPending outstanding
// callbacks. A cap of zero or less means unbounded.
func NewRegistry(maxPending int, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pending: make(map[string]*Pending),
		max:     maxPending,
		logger:  logger,
	}
}

// Register creates a pending entry for id. A zero deadline disables
// the timeout for that entry.
func (r *Registry) Register(id string, deadline time.Time) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrConnectionClosed
	}
	if _, exists := r.pending[id]; exists {
		return nil, ErrDuplicateCorrelationID
	}
	if r.max > 0 && len(r.pending) >= r.max {
		return nil, ErrTooManyPending
	}

	p := &Pending{
		id:       id,
		created:  time.Now(),
		deadline: deadline,
		ch:       make(chan Result, 1),
	}
	r.pending[id] = p
	return p, nil
}

// Resolve delivers data to the waiter for id and removes the entry.
// An unknown id (already resolved, timed out, or never registered) is
// a logged no-op; a stray or late reply must never crash the session.
func (r *Registry) Resolve(id string, data any) bool {
	r.mu.Lock()
	p, exists := r.pending[id]
	if exists {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Debug("Dropping reply for unknown correlation id",
			zap.String("correlation_id", id),
		)
		return false
	}

	p.ch <- Result{Data: data}
	return true
}

// Expire removes every entry past its deadline and signals each waiter
// with ErrCallbackTimeout. It is driven by receive-loop ticks, so
// worst-case firing latency is bounded by the loop's idle interval.
// Returns the number of callbacks expired.
func (r *Registry) Expire(now time.Time) int {
	r.mu.Lock()
	var expired []*Pending
	for id, p := range r.pending {
		if !p.deadline.IsZero() && now.After(p.deadline) {
			expired = append(expired, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, p := range expired {
		p.ch <- Result{Err: ErrCallbackTimeout}
		r.logger.Debug("Callback timed out",
			zap.String("correlation_id", p.id),
			zap.Duration("age", now.Sub(p.created)),
		)
	}
	return len(expired)
}

// Fail removes the pending entry for id and signals its waiter with
// err. Unknown ids are a no-op, mirroring Resolve.
func (r *Registry) Fail(id string, err error) bool {
	r.mu.Lock()
	p, exists := r.pending[id]
	if exists {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	p.ch <- Result{Err: err}
	return true
}

// FailAll removes every pending entry and signals each waiter with
// err. The registry refuses further registrations afterwards; closing
// a connection must not silently discard in-flight requests.
func (r *Registry) FailAll(err error) {
	r.mu.Lock()
	r.closed = true
	failed := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		failed = append(failed, p)
	}
	r.pending = make(map[string]*Pending)
	r.mu.Unlock()

	for _, p := range failed {
		p.ch <- Result{Err: err}
	}
}

// Len returns the number of currently pending callbacks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
