package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lookups return *NotFoundError when the row does not exist.

type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEncounter(ctx context.Context, encounterID uuid.UUID) (*Account, error)
	// LockByID reads the account with a row lock held until the transaction ends.
	LockByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// LockOrCreateByEncounter inserts seed unless the encounter already has an
	// account, then returns the encounter's account locked.
	LockOrCreateByEncounter(ctx context.Context, seed *Account) (*Account, error)
	UpdateSummary(ctx context.Context, a *Account) error
	List(ctx context.Context, f AccountFilter, limit, offset int) ([]*Account, int, error)
}

type ItemRepository interface {
	Create(ctx context.Context, it *BillItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*BillItem, error)
	Update(ctx context.Context, it *BillItem) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*BillItem, error)
	// ListActiveByAccount excludes cancelled items.
	ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]*BillItem, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error)
	// NetPaid is payments minus refunds and reversals.
	NetPaid(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	HasReversal(ctx context.Context, paymentID uuid.UUID) (bool, error)
}

type ClaimRepository interface {
	Create(ctx context.Context, c *InsuranceClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error)
	Update(ctx context.Context, c *InsuranceClaim) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*InsuranceClaim, error)
	CountOpenByAccount(ctx context.Context, accountID uuid.UUID) (int, error)
}
