package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Insert(ctx context.Context, entries ...*Entry) error
	ListByBillingAccount(ctx context.Context, billingAccountID uuid.UUID, limit, offset int) ([]*Entry, int, error)
	// Summarize totals debits and credits per head for entry dates in [from, to].
	Summarize(ctx context.Context, from, to time.Time) ([]HeadTotal, error)
}
