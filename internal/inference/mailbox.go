package inference

import (
	"fmt"
	"sync"

	"github.com/andresmejia3/parallax/internal/types"
)

// Policy decides what a bounded Mailbox does with an infer request when it is full.
type Policy int

const (
	// DropOldest evicts the oldest pending infer request to make room.
	DropOldest Policy = iota
	// RejectNew refuses the incoming request with ErrQueueFull.
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNew:
		return "reject-new"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts "drop-oldest" or "reject-new".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop-oldest":
		return DropOldest, nil
	case "reject-new":
		return RejectNew, nil
	default:
		return 0, fmt.Errorf("unknown overload policy %q (use drop-oldest or reject-new)", s)
	}
}

// Mailbox is the worker's strictly ordered inbound queue.
//
// A capacity of 0 means unbounded: the producer is never refused and pending
// requests accumulate without limit. A positive capacity bounds the number of
// pending infer requests; init requests are never counted or evicted.
//
// Send may be called from any goroutine, Receive from a single consumer.
type Mailbox struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []types.Request
	infers   int
	capacity int
	policy   Policy
	closed   bool
	evicted  uint64
	rejected uint64
}

func NewMailbox(capacity int, policy Policy) *Mailbox {
	if capacity < 0 {
		capacity = 0
	}
	m := &Mailbox{capacity: capacity, policy: policy}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Send enqueues req without blocking. It reports whether an older request was
// evicted to make room, and returns ErrQueueFull or ErrMailboxClosed when req
// was not accepted.
func (m *Mailbox) Send(req types.Request) (evicted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrMailboxClosed
	}

	if _, ok := req.(types.InferRequest); ok {
		if m.capacity > 0 && m.infers >= m.capacity {
			if m.policy == RejectNew {
				m.rejected++
				return false, ErrQueueFull
			}
			m.evictOldestInfer()
			evicted = true
		}
		m.infers++
	}

	m.items = append(m.items, req)
	m.cond.Signal()
	return evicted, nil
}

func (m *Mailbox) evictOldestInfer() {
	for i, it := range m.items {
		if _, ok := it.(types.InferRequest); ok {
			copy(m.items[i:], m.items[i+1:])
			m.items[len(m.items)-1] = nil
			m.items = m.items[:len(m.items)-1]
			m.infers--
			m.evicted++
			return
		}
	}
}

// Receive blocks until a request is available or the mailbox is closed.
// After Close it returns false; requests still pending are discarded.
func (m *Mailbox) Receive() (types.Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return nil, false
	}

	req := m.items[0]
	m.items[0] = nil
	m.items = m.items[1:]
	if _, ok := req.(types.InferRequest); ok {
		m.infers--
	}
	return req, true
}

// Close wakes the consumer. Idempotent.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.items = nil
	m.infers = 0
	m.cond.Broadcast()
}

// Len returns the number of pending requests.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Stats returns lifetime eviction and rejection counts.
func (m *Mailbox) Stats() (evicted, rejected uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicted, m.rejected
}
