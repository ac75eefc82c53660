// Package ledger records how far a pipeline subject has progressed and plans
// where a re-entered pipeline resumes from.
package ledger

import (
	"context"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
)

// Record is the durable progress entry for one pipeline subject.
type Record struct {
	// Subject identifies the pipeline, e.g. "demo/app#main".
	Subject string
	// Entry is the pipeline identity: which unit of work the subject is
	// running. A record for a different entry is replaced, never merged.
	Entry      string
	Stage      domain.Stage
	OwnerRunID string
	Status     domain.LedgerStatus
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// Transition is one atomic ledger write. It is applied before the stage's
// work begins so a crash mid-stage resumes into the same stage.
type Transition struct {
	Subject    string
	Entry      string
	Stage      domain.Stage
	OwnerRunID string
	Status     domain.LedgerStatus
}

// Store is the ledger contract shared by the Postgres repository and test
// fakes. Apply must be a single atomic upsert.
type Store interface {
	Get(ctx context.Context, subject string) (Record, bool, error)
	Apply(ctx context.Context, t Transition) (Record, error)
	Delete(ctx context.Context, subject string) error
}
