package memory

import (
	"context"
	"time"
)

// snapshotVersion is bumped whenever the persisted layout changes.
const snapshotVersion = 1

// Snapshot is the single JSON document pattern memory persists:
// data type -> selector -> record.
type Snapshot struct {
	Version  int                            `json:"version"`
	SavedAt  time.Time                      `json:"saved_at"`
	Patterns map[string]map[string]*Pattern `json:"patterns"`
	Failures map[string]map[string]*Failure `json:"failures"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Version:  snapshotVersion,
		Patterns: make(map[string]map[string]*Pattern),
		Failures: make(map[string]map[string]*Failure),
	}
}

// deepCopy returns a snapshot sharing no mutable state with s.
func (s *Snapshot) deepCopy() *Snapshot {
	out := newSnapshot()
	out.Version = s.Version
	out.SavedAt = s.SavedAt
	for dt, bySel := range s.Patterns {
		m := make(map[string]*Pattern, len(bySel))
		for sel, p := range bySel {
			c := p.clone()
			m[sel] = &c
		}
		out.Patterns[dt] = m
	}
	for dt, bySel := range s.Failures {
		m := make(map[string]*Failure, len(bySel))
		for sel, f := range bySel {
			c := f.clone()
			m[sel] = &c
		}
		out.Failures[dt] = m
	}
	return out
}

// Store is the durable home of a Snapshot. Implementations must treat a
// missing document as an empty memory (nil snapshot, nil error).
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error

	// Backup writes snap under a label without replacing the live document.
	Backup(ctx context.Context, label string, snap *Snapshot) error

	Close() error
}
