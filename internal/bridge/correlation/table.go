// Package correlation tracks capability requests a script has in flight and
// guarantees each one is resolved at most once.
//
// The inbound channel is untrusted: resolving an unknown id is a logged no-op,
// a duplicate registration is reported to the caller, and teardown resolves
// every remaining entry so nothing waits forever.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/protocol"
	"go.uber.org/zap"
)

var (
	ErrDuplicateID = errors.New("request id already pending")
	ErrInvalidID   = errors.New("sentinel request id cannot be registered")
	ErrCancelled   = errors.New("request cancelled")
	ErrTimeout     = errors.New("request timed out")
	ErrClosed      = errors.New("correlation table closed")
)

// Outcome is the single resolution of a pending request.
type Outcome struct {
	Value string
	Err   error
}

// Pending is the handle returned by Register.
type Pending struct {
	id        protocol.Identifier
	createdAt time.Time
	done      chan struct{}
	outcome   Outcome
}

// ID returns the correlation id.
func (p *Pending) ID() protocol.Identifier { return p.id }

// CreatedAt returns the registration time.
func (p *Pending) CreatedAt() time.Time { return p.createdAt }

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome returns the resolution. Only valid after Done is closed.
func (p *Pending) Outcome() Outcome {
	<-p.done
	return p.outcome
}

// Wait blocks until resolution or ctx expiry.
func (p *Pending) Wait(ctx context.Context) (string, error) {
	select {
	case <-p.done:
		return p.outcome.Value, p.outcome.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Table maps in-flight request ids to their pending handles.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
	closed  bool
	now     func() time.Time
	logger  *zap.Logger
}

// NewTable creates an empty table.
func NewTable(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		pending: make(map[string]*Pending),
		now:     time.Now,
		logger:  logger,
	}
}

// Register adds id to the table.
func (t *Table) Register(id protocol.Identifier) (*Pending, error) {
	if id.IsNone() {
		return nil, ErrInvalidID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if _, exists := t.pending[id.Key()]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	p := &Pending{
		id:        id,
		createdAt: t.now(),
		done:      make(chan struct{}),
	}
	t.pending[id.Key()] = p
	return p, nil
}

// Resolve completes id with outcome. Returns false when id was not pending.
func (t *Table) Resolve(id protocol.Identifier, outcome Outcome) bool {
	t.mu.Lock()
	p, ok := t.pending[id.Key()]
	if ok {
		delete(t.pending, id.Key())
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("Resolve for unknown request id ignored", zap.Stringer("req_id", id))
		return false
	}

	p.outcome = outcome
	close(p.done)
	return true
}

// CancelAll resolves every pending entry with ErrCancelled and refuses new
// registrations. Returns the number of entries cancelled.
func (t *Table) CancelAll(reason error) int {
	t.mu.Lock()
	entries := t.pending
	t.pending = make(map[string]*Pending)
	t.closed = true
	t.mu.Unlock()

	err := ErrCancelled
	if reason != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, reason)
	}
	for _, p := range entries {
		p.outcome = Outcome{Err: err}
		close(p.done)
	}
	return len(entries)
}

// Expire resolves entries registered more than maxAge before now with
// ErrTimeout.
func (t *Table) Expire(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)

	t.mu.Lock()
	var expired []*Pending
	for key, p := range t.pending {
		if p.createdAt.Before(cutoff) {
			expired = append(expired, p)
			delete(t.pending, key)
		}
	}
	t.mu.Unlock()

	for _, p := range expired {
		p.outcome = Outcome{Err: fmt.Errorf("%w after %s", ErrTimeout, maxAge)}
		close(p.done)
	}
	return len(expired)
}

// Has reports whether id is pending.
func (t *Table) Has(id protocol.Identifier) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id.Key()]
	return ok
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
