// Package keypool leases a fixed set of upstream API keys to sessions,
// balancing by outstanding leases and keeping a session on one key.
package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrKeyPoolExhausted is returned to callers when no key can be leased.
var ErrKeyPoolExhausted = errors.New("no upstream keys configured")

// ErrSessionNotFound is returned when a session is not leased to the caller.
var ErrSessionNotFound = errors.New("session not found")

type lease struct {
	owner    string
	index    int
	leasedAt time.Time
	lastSeen time.Time
}

// Status is a snapshot for operators.
type Status struct {
	Configured   int
	ActiveLeases int
	PerKey       []int
}

type Pool struct {
	mu     sync.Mutex
	keys   []string
	active []int
	leases map[string]*lease
	now    func() time.Time
	logger *slog.Logger
}

func New(keys []string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	k := make([]string, 0, len(keys))
	for _, key := range keys {
		if key != "" {
			k = append(k, key)
		}
	}
	return &Pool{
		keys:   k,
		active: make([]int, len(k)),
		leases: make(map[string]*lease),
		now:    time.Now,
		logger: logger,
	}
}

// Lease returns the key index held by sessionID, assigning the least-loaded
// key (lowest index on ties) on first use. ok is false when no keys exist.
func (p *Pool) Lease(sessionID string) (int, bool) {
	idx, err := p.LeaseFor("", sessionID)
	return idx, err == nil
}

// LeaseFor is Lease for a session bound to owner. A session id already held
// by a different owner is refused with ErrSessionNotFound.
func (p *Pool) LeaseFor(owner, sessionID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return -1, ErrKeyPoolExhausted
	}

	now := p.now()
	if l, ok := p.leases[sessionID]; ok {
		if l.owner != owner {
			return -1, ErrSessionNotFound
		}
		l.lastSeen = now
		return l.index, nil
	}

	best := 0
	for i := 1; i < len(p.active); i++ {
		if p.active[i] < p.active[best] {
			best = i
		}
	}
	p.active[best]++
	p.leases[sessionID] = &lease{owner: owner, index: best, leasedAt: now, lastSeen: now}

	p.logger.Debug("key leased", "session_id", sessionID, "key_index", best, "active", p.active[best])
	return best, nil
}

// Held returns the key index leased to sessionID without assigning one,
// and refreshes the lease so active sessions are not reaped.
func (p *Pool) Held(sessionID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[sessionID]
	if !ok {
		return -1, false
	}
	l.lastSeen = p.now()
	return l.index, true
}

// Key returns the credential at index, or "" if out of range.
func (p *Pool) Key(index int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < 0 || index >= len(p.keys) {
		return ""
	}
	return p.keys[index]
}

// Release drops the session's lease. Unknown sessions are ignored.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(sessionID)
}

// ReleaseFor drops the session's lease if owner holds it.
func (p *Pool) ReleaseFor(owner, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.leases[sessionID]
	if !ok || l.owner != owner {
		return ErrSessionNotFound
	}
	p.releaseLocked(sessionID)
	return nil
}

func (p *Pool) releaseLocked(sessionID string) {
	l, ok := p.leases[sessionID]
	if !ok {
		return
	}
	delete(p.leases, sessionID)
	if p.active[l.index] > 0 {
		p.active[l.index]--
	}
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	per := make([]int, len(p.active))
	copy(per, p.active)
	return Status{
		Configured:   len(p.keys),
		ActiveLeases: len(p.leases),
		PerKey:       per,
	}
}

// ActiveByKey returns per-key lease counts for the metrics gauge.
func (p *Pool) ActiveByKey() []int {
	return p.Status().PerKey
}

// Reap releases leases not touched within idle and returns how many it dropped.
func (p *Pool) Reap(idle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-idle)
	reaped := 0
	for id, l := range p.leases {
		if l.lastSeen.Before(cutoff) {
			p.releaseLocked(id)
			reaped++
		}
	}
	return reaped
}

// RunReaper calls Reap every interval until ctx is cancelled.
func (p *Pool) RunReaper(ctx context.Context, every, idle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Reap(idle); n > 0 {
				p.logger.Info("reaped idle key leases", "count", n, "idle", idle)
			}
		}
	}
}
