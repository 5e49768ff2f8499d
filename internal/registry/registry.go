// Package registry keeps the process-wide view of connected workers. A single
// goroutine owns the map; sessions publish snapshots over a bounded channel
// and never touch shared state directly.
package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// resetInterval is the sliding-window efficiency reset period.
const resetInterval = 10 * time.Minute

// updateBuffer bounds the snapshot channel; a full buffer drops the update
// rather than stalling a session.
const updateBuffer = 256

// Worker is the per-session miner record. Sessions mutate their own copy and
// publish value snapshots; the registry stores the latest snapshot per name.
type Worker struct {
	Name   string `json:"name"`
	Wallet string `json:"wallet"`
	Online bool   `json:"online"`

	ShareIndex   uint64 `json:"share_index"`
	AcceptIndex  uint64 `json:"accept_index"`
	RejectIndex  uint64 `json:"reject_index"`
	InvalidIndex uint64 `json:"invalid_index"`

	// Hash is the hashrate the worker last declared, in bytes per second.
	Hash uint64 `json:"hash"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Login records the identity a worker authenticated with.
func (w *Worker) Login(name, wallet string) {
	w.Name = name
	w.Wallet = wallet
	w.Online = true
	now := time.Now()
	if w.FirstSeen.IsZero() {
		w.FirstSeen = now
	}
	w.LastSeen = now
}

// AddShare counts one submission.
func (w *Worker) AddShare() {
	w.ShareIndex++
	w.LastSeen = time.Now()
}

// Accept counts one accepted share.
func (w *Worker) Accept() { w.AcceptIndex++ }

// Reject counts one rejected share.
func (w *Worker) Reject() { w.RejectIndex++ }

// Invalid counts one submission dropped before reaching any pool.
func (w *Worker) Invalid() { w.InvalidIndex++ }

// Offline marks the worker gone.
func (w *Worker) Offline() {
	w.Online = false
	w.LastSeen = time.Now()
}

// Registry is the worker-state actor.
type Registry struct {
	updates chan Worker

	mu      sync.RWMutex
	workers map[string]Worker

	rdb *redis.Client
}

// New creates a registry. rdb may be nil; when set, worker snapshots are
// mirrored into Redis hashes for out-of-process consumers.
func New(rdb *redis.Client) *Registry {
	return &Registry{
		updates: make(chan Worker, updateBuffer),
		workers: make(map[string]Worker),
		rdb:     rdb,
	}
}

// Publish hands a worker snapshot to the actor. Never blocks; under pressure
// the snapshot is dropped and the next heartbeat carries fresh state anyway.
func (r *Registry) Publish(w Worker) {
	select {
	case r.updates <- w:
	default:
		log.Printf("registry: update buffer full, dropping snapshot for %s", w.Name)
	}
}

// Run consumes updates until ctx is done, resetting the sliding-window
// counters every 10 minutes.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(resetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case w := <-r.updates:
			r.apply(w)
		case <-ticker.C:
			r.resetWindows()
		}
	}
}

func (r *Registry) apply(w Worker) {
	if w.Name == "" {
		return
	}
	r.mu.Lock()
	r.workers[w.Name] = w
	r.mu.Unlock()

	if r.rdb != nil {
		r.mirror(w)
	}
}

// resetWindows zeroes the per-window counters so the status surfaces show a
// recent-efficiency figure rather than lifetime totals.
func (r *Registry) resetWindows() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, w := range r.workers {
		w.ShareIndex = 0
		w.AcceptIndex = 0
		w.InvalidIndex = 0
		r.workers[name] = w
	}
}

// Snapshot returns a consistent copy of every known worker, sorted by name.
func (r *Registry) Snapshot() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnlineCount returns the number of workers currently flagged online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.Online {
			n++
		}
	}
	return n
}

func (r *Registry) mirror(w Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := r.rdb.HSet(ctx, "relay:worker:"+w.Name,
		"wallet", w.Wallet,
		"online", w.Online,
		"shares", w.ShareIndex,
		"accepted", w.AcceptIndex,
		"rejected", w.RejectIndex,
		"invalid", w.InvalidIndex,
		"hashrate", w.Hash,
		"last_seen", w.LastSeen.Unix(),
	).Err()
	if err != nil {
		log.Printf("registry: redis mirror for %s failed: %v", w.Name, err)
	}
}
