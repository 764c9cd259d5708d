package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator matches incoming answers to the in-flight calls of this
// process. State is strictly process-local: answers for ids this process
// never issued (or already resolved) are discarded without effect, which is
// what isolates concurrent calls and independent replicas from each other.
type Correlator struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingCall
}

// pendingCall accumulates answers for one call until it resolves. It
// resolves exactly once, in Await, whichever of deadline expiry, context
// cancellation, or early completion fires first.
type pendingCall struct {
	deadline time.Time
	expected int

	mu       sync.Mutex
	answers  []AnswerEnvelope
	resolved bool

	done     chan struct{}
	doneOnce sync.Once
}

func (p *pendingCall) complete() {
	p.doneOnce.Do(func() { close(p.done) })
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[uuid.UUID]*pendingCall)}
}

// Begin registers a pending entry for id with an absolute deadline. It must
// run before the matching call is published, so an answer can never race the
// entry's existence. expected is an optional early-completion hint: when
// positive, the call resolves as soon as that many answers arrived; zero
// means the replica count is unknown and the call waits out its deadline.
func (c *Correlator) Begin(id uuid.UUID, timeout time.Duration, expected int) {
	p := &pendingCall{
		deadline: time.Now().Add(timeout),
		expected: expected,
		done:     make(chan struct{}),
	}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
}

// Offer appends an answer to its matching pending call. Unknown ids and
// already-resolved calls make Offer a silent no-op.
func (c *Correlator) Offer(ans AnswerEnvelope) {
	c.mu.Lock()
	p, ok := c.pending[ans.CallID]
	c.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.answers = append(p.answers, ans)
	reached := p.expected > 0 && len(p.answers) >= p.expected
	p.mu.Unlock()

	if reached {
		p.complete()
	}
}

// Await blocks until the call's deadline elapses, all expected answers
// arrived, or ctx is cancelled, then resolves the call: the entry is removed
// and the answers collected so far are returned in arrival order. A timeout
// is not an error; partial aggregates are the expected outcome when the live
// replica count is unknown. On cancellation the partial aggregate is
// returned together with ctx's error.
func (c *Correlator) Await(ctx context.Context, id uuid.UUID) ([]AnswerEnvelope, error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	var cause error
	select {
	case <-p.done:
	case <-timer.C:
	case <-ctx.Done():
		cause = ctx.Err()
	}
	return c.resolve(id, p), cause
}

// Drop abandons a pending call without waiting, e.g. when publishing its
// envelope failed. Late answers for the id fall under Offer's no-op rule.
func (c *Correlator) Drop(id uuid.UUID) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		c.resolve(id, p)
	}
}

// PendingCount reports the number of in-flight calls.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) resolve(id uuid.UUID, p *pendingCall) []AnswerEnvelope {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()

	p.mu.Lock()
	p.resolved = true
	out := append([]AnswerEnvelope(nil), p.answers...)
	p.mu.Unlock()
	p.complete()
	return out
}
