// Package sampling implements the server-to-client sampling/createMessage
// forwarding path: the server asks the client to run an LLM completion on
// its behalf and waits for a single reply. The rendezvous shape is the same
// one-shot "done channel + SetResponse/SetError" pattern transport.RoundTrip
// uses for ordinary JSON-RPC round trips, keyed here by a sampling request id
// instead of a wire request id.
package sampling

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result is the outcome of a forwarded sampling/createMessage call.
type Result struct {
	Content interface{}
	Err     error
}

// pendingSamplingRequest is a single-fill slot: exactly one of SetResult or
// SetError may be called, and only the first call has effect.
type pendingSamplingRequest struct {
	done chan struct{}
	once sync.Once
	res  Result
}

func newPendingSamplingRequest() *pendingSamplingRequest {
	return &pendingSamplingRequest{done: make(chan struct{})}
}

func (p *pendingSamplingRequest) fill(res Result) {
	p.once.Do(func() {
		p.res = res
		close(p.done)
	})
}

// Broker tracks outstanding sampling/createMessage requests awaiting a
// client reply, keyed by request id.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingSamplingRequest
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{pending: map[string]*pendingSamplingRequest{}}
}

// Await registers id as awaiting a reply and blocks until SetResult/SetError
// is called for it, ctx is cancelled, or timeout elapses — whichever comes
// first. The registration is always removed before Await returns.
func (b *Broker) Await(ctx context.Context, id string, timeout time.Duration) (interface{}, error) {
	req := newPendingSamplingRequest()
	b.mu.Lock()
	b.pending[id] = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("sampling: request %q timed out after %s", id, timeout)
	case <-req.done:
		return req.res.Content, req.res.Err
	}
}

// SetResult delivers a successful client reply for id, if still pending.
func (b *Broker) SetResult(id string, content interface{}) bool {
	return b.fill(id, Result{Content: content})
}

// SetError delivers a failed client reply for id, if still pending.
func (b *Broker) SetError(id string, err error) bool {
	return b.fill(id, Result{Err: err})
}

func (b *Broker) fill(id string, res Result) bool {
	b.mu.Lock()
	req, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	req.fill(res)
	return true
}
