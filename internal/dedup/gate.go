// Package dedup suppresses near-duplicate complaints received within a
// sliding window.
package dedup

import (
	"context"
	"time"
)

const (
	DefaultWindow    = 24 * time.Hour
	DefaultThreshold = 0.85
)

// Candidate is one check-and-insert request against a window.
type Candidate struct {
	Fingerprint Fingerprint
	ComplaintID string
	Threshold   float64
	Now         time.Time
	TTL         time.Duration
}

// Result of a window lookup. OriginalID is set only for duplicates.
type Result struct {
	IsDuplicate bool    `json:"is_duplicate"`
	OriginalID  string  `json:"original_id,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`
	// Exact is set when the normalized texts are identical.
	Exact bool `json:"exact,omitempty"`
}

// Window stores fingerprints with an expiry. CheckAndRecord must be atomic
// per partition: of two concurrent near-duplicates exactly one is recorded.
// An entry owned by the candidate's own complaint never counts as a duplicate.
// Forget drops a complaint's entry from a partition; a missing entry is not
// an error.
type Window interface {
	CheckAndRecord(ctx context.Context, c Candidate) (Result, error)
	Forget(ctx context.Context, partition, complaintID string) error
	Purge(ctx context.Context, now time.Time) (int, error)
}

// Gate applies the configured window length and threshold.
type Gate struct {
	window    Window
	ttl       time.Duration
	threshold float64
	now       func() time.Time
}

func NewGate(w Window, ttl time.Duration, threshold float64) *Gate {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Gate{window: w, ttl: ttl, threshold: threshold, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check reports whether fp duplicates a live entry; if not, fp is recorded
// for complaintID until now + window.
func (g *Gate) Check(ctx context.Context, fp Fingerprint, complaintID string) (Result, error) {
	return g.window.CheckAndRecord(ctx, Candidate{
		Fingerprint: fp,
		ComplaintID: complaintID,
		Threshold:   g.threshold,
		Now:         g.now(),
		TTL:         g.ttl,
	})
}

// Forget releases the fingerprint recorded for complaintID so a later
// resubmission is not matched against it.
func (g *Gate) Forget(ctx context.Context, fp Fingerprint, complaintID string) error {
	return g.window.Forget(ctx, fp.Partition, complaintID)
}

// Purge drops expired entries.
func (g *Gate) Purge(ctx context.Context) (int, error) {
	return g.window.Purge(ctx, g.now())
}

type entry struct {
	ComplaintID string    `json:"id"`
	Tokens      []string  `json:"tokens"`
	Hash        string    `json:"hash,omitempty"`
	ExpiresAt   time.Time `json:"-"`
}

func newEntry(c Candidate) entry {
	return entry{
		ComplaintID: c.ComplaintID,
		Tokens:      c.Fingerprint.Tokens,
		Hash:        c.Fingerprint.Hash,
		ExpiresAt:   c.Now.Add(c.TTL),
	}
}

// match scans live entries and picks the most similar one at or above the
// threshold. An identical text wins outright, otherwise earlier entries win
// ties. own is set when the candidate's complaint already holds an entry.
func match(entries []entry, c Candidate) (res Result, own bool) {
	for _, e := range entries {
		if !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(c.Now) {
			continue
		}
		if e.ComplaintID == c.ComplaintID {
			own = true
			continue
		}
		if res.Exact {
			continue
		}
		if e.Hash != "" && e.Hash == c.Fingerprint.Hash {
			res = Result{IsDuplicate: true, OriginalID: e.ComplaintID, Similarity: 1, Exact: true}
			continue
		}
		sim := Similarity(e.Tokens, c.Fingerprint.Tokens)
		if sim >= c.Threshold && sim > res.Similarity {
			res = Result{IsDuplicate: true, OriginalID: e.ComplaintID, Similarity: sim}
		}
	}
	return res, own
}
