package session

import "github.com/ember-pool/ember-relay/internal/protocol"

// feeQueueCap bounds each unsent fee-job queue; overflow drops the oldest.
const feeQueueCap = 256

// feeQueue buffers jobs received from a fee pool until the scheduler diverts
// one to the worker. Entries below the session's current difficulty are
// pruned; entries above it are held until the difficulty catches up.
type feeQueue struct {
	items []*protocol.PoolMessage
}

func (q *feeQueue) push(msg *protocol.PoolMessage) {
	if len(q.items) >= feeQueueCap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, msg)
}

// prune drops every queued job whose difficulty fell below diff.
func (q *feeQueue) prune(diff uint64) {
	kept := q.items[:0]
	for _, m := range q.items {
		if m.Diff() >= diff {
			kept = append(kept, m)
		}
	}
	q.items = kept
}

// ready reports whether a job at exactly diff is deliverable.
func (q *feeQueue) ready(diff uint64) bool {
	q.prune(diff)
	for _, m := range q.items {
		if m.Diff() == diff {
			return true
		}
	}
	return false
}

// pop removes and returns the first job at exactly diff.
func (q *feeQueue) pop(diff uint64) *protocol.PoolMessage {
	q.prune(diff)
	for i, m := range q.items {
		if m.Diff() == diff {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return m
		}
	}
	return nil
}

func (q *feeQueue) clear() { q.items = q.items[:0] }

func (q *feeQueue) len() int { return len(q.items) }
