package worker

import "sync"

// Trigger is the reason a pass is requested.
type Trigger int

const (
	// TriggerPoll asks the loop to resolve the source and compare.
	TriggerPoll Trigger = iota
	// TriggerManual forces a sync regardless of policy.
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	default:
		return "poll"
	}
}

// triggerQueue is a single-slot queue. Pushes while a trigger is pending
// merge into it, keeping the stronger trigger, so any burst of requests
// during a pass collapses into one follow-up pass.
type triggerQueue struct {
	mu      sync.Mutex
	pending bool
	next    Trigger
	ready   chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{ready: make(chan struct{}, 1)}
}

func (q *triggerQueue) push(t Trigger) {
	q.mu.Lock()
	if !q.pending || t > q.next {
		q.next = t
	}
	q.pending = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop takes the pending trigger, if any.
func (q *triggerQueue) pop() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.pending {
		return 0, false
	}
	q.pending = false
	return q.next, true
}
