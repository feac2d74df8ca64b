package records

import (
	"context"
	"errors"
	"fmt"

	"support-platform/internal/calls"
)

// Repository is the persistence contract for call records.
type Repository interface {
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
}

// Archiver stores every finalized session. It satisfies calls.Archiver.
type Archiver struct {
	repo Repository
}

func NewArchiver(repo Repository) *Archiver { return &Archiver{repo: repo} }

var _ calls.Archiver = (*Archiver)(nil)

func (a *Archiver) Archive(ctx context.Context, snap calls.Snapshot) error {
	if a.repo == nil {
		return errors.New("records: repository not configured")
	}
	rec := FromSnapshot(snap)
	if err := rec.validate(); err != nil {
		return fmt.Errorf("%w: session %s", err, snap.SessionID)
	}
	return a.repo.Save(ctx, rec)
}
