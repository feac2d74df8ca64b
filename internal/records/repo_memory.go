package records

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepo keeps records in process. Used in tests and when no database
// is configured.
type MemoryRepo struct {
	mu    sync.Mutex
	byID  map[string]Record
	order []string
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{byID: map[string]Record{}} }

func (r *MemoryRepo) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[rec.SessionID]; !ok {
		r.order = append(r.order, rec.SessionID)
	}
	rec.Transcript = slices.Clone(rec.Transcript)
	r.byID[rec.SessionID] = rec
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, sessionID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Transcript = slices.Clone(rec.Transcript)
	return rec, nil
}

// List returns matches newest first.
func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0)
	for i := len(r.order) - 1; i >= 0; i-- {
		rec := r.byID[r.order[i]]
		if !f.match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
