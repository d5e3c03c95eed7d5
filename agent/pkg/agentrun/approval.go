package agentrun

import (
	"context"
	"fmt"
	"sync"
)

// ApprovalDecider produces a verdict for a gated tool call. Implementations
// may block (terminal prompt, HTTP round-trip); the driver passes its run
// context so hosts can time out or cancel.
type ApprovalDecider interface {
	Decide(ctx context.Context, req *ApprovalRequest) (bool, error)
}

// ApprovalFunc adapts a function to the ApprovalDecider interface.
type ApprovalFunc func(ctx context.Context, req *ApprovalRequest) (bool, error)

func (f ApprovalFunc) Decide(ctx context.Context, req *ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// DenyAll refuses every gated tool call. It is the default decider so a
// misconfigured host fails closed.
func DenyAll() ApprovalDecider {
	return ApprovalFunc(func(ctx context.Context, req *ApprovalRequest) (bool, error) {
		return false, nil
	})
}

// PendingApprovals bridges out-of-band verdicts (an HTTP endpoint, a UI) to
// a driver blocked inside Decide. Safe for concurrent use.
type PendingApprovals struct {
	mu      sync.Mutex
	waiting map[string]chan bool
}

func NewPendingApprovals() *PendingApprovals {
	return &PendingApprovals{waiting: make(map[string]chan bool)}
}

// Decide registers the request and blocks until Submit delivers a verdict or
// the context ends.
func (p *PendingApprovals) Decide(ctx context.Context, req *ApprovalRequest) (bool, error) {
	ch := make(chan bool, 1)

	p.mu.Lock()
	if _, exists := p.waiting[req.ID]; exists {
		p.mu.Unlock()
		return false, fmt.Errorf("approval %q already pending", req.ID)
	}
	p.waiting[req.ID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.waiting, req.ID)
		p.mu.Unlock()
	}()

	select {
	case approved := <-ch:
		return approved, nil
	case <-ctx.Done():
		return false, fmt.Errorf("approval %q: %w", req.ID, ctx.Err())
	}
}

// Submit delivers a verdict for a pending request. It reports whether a
// decider was actually waiting on that ID.
func (p *PendingApprovals) Submit(id string, approved bool) bool {
	p.mu.Lock()
	ch, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// Pending lists the IDs currently waiting for a verdict.
func (p *PendingApprovals) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.waiting))
	for id := range p.waiting {
		ids = append(ids, id)
	}
	return ids
}
