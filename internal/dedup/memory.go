package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryWindow keeps the window in process. Each partition has its own lock
// so unrelated citizens never contend.
type MemoryWindow struct {
	mu         sync.Mutex
	partitions map[string]*partition
}

type partition struct {
	mu      sync.Mutex
	entries []entry
	dead    bool // removed from the map by Purge
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{partitions: make(map[string]*partition)}
}

func (w *MemoryWindow) partition(key string) *partition {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.partitions[key]
	if !ok {
		p = &partition{}
		w.partitions[key] = p
	}
	return p
}

func (w *MemoryWindow) CheckAndRecord(ctx context.Context, c Candidate) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p := w.partition(c.Fingerprint.Partition)
	p.mu.Lock()
	for p.dead {
		p.mu.Unlock()
		p = w.partition(c.Fingerprint.Partition)
		p.mu.Lock()
	}
	defer p.mu.Unlock()

	p.entries = live(p.entries, c.Now)
	res, own := match(p.entries, c)
	if !res.IsDuplicate && !own {
		p.entries = append(p.entries, newEntry(c))
	}
	return res, nil
}

func (w *MemoryWindow) Forget(ctx context.Context, partition, complaintID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	p, ok := w.partitions[partition]
	w.mu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.ComplaintID != complaintID {
			kept = append(kept, e)
		}
	}
	p.entries = kept
	return nil
}

func (w *MemoryWindow) Purge(ctx context.Context, now time.Time) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key, p := range w.partitions {
		p.mu.Lock()
		before := len(p.entries)
		p.entries = live(p.entries, now)
		removed += before - len(p.entries)
		if len(p.entries) == 0 {
			p.dead = true
			delete(w.partitions, key)
		}
		p.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, p := range w.partitions {
		p.mu.Lock()
		n += len(p.entries)
		p.mu.Unlock()
	}
	return n
}

func live(entries []entry, now time.Time) []entry {
	out := entries[:0]
	for _, e := range entries {
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out
}
