package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Post writes the balanced pair of rows for ev. It must run inside the
// caller's transaction so the rows commit or roll back with the mutation.
func (s *Service) Post(ctx context.Context, ev Event) ([]*Entry, error) {
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidEntry, ev.Amount)
	}
	if ev.BillingAccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: billing account is required", ErrInvalidEntry)
	}
	debitHead, creditHead, err := Heads(ev)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	amount := ev.Amount.Round(2)
	acct := ev.BillingAccountID
	var source *uuid.UUID
	if ev.SourceID != uuid.Nil {
		id := ev.SourceID
		source = &id
	}

	newEntry := func(head string, debit, credit decimal.Decimal) *Entry {
		return &Entry{
			ID:               uuid.New(),
			EntryDate:        date,
			AccountHead:      head,
			Debit:            debit,
			Credit:           credit,
			Narration:        ev.Narration,
			EventType:        ev.Type,
			BillingAccountID: &acct,
			SourceID:         source,
			CreatedBy:        ev.Actor,
			CreatedAt:        now,
		}
	}
	entries := []*Entry{
		newEntry(debitHead, amount, decimal.Zero),
		newEntry(creditHead, decimal.Zero, amount),
	}
	if err := s.repo.Insert(ctx, entries...); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) ListEntries(ctx context.Context, billingAccountID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	return s.repo.ListByBillingAccount(ctx, billingAccountID, limit, offset)
}

// Summarize reports per-head activity for entry dates in [from, to].
func (s *Service) Summarize(ctx context.Context, from, to time.Time) (*Summary, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: period end %s is before start %s", ErrInvalidEntry, to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	heads, err := s.repo.Summarize(ctx, from, to)
	if err != nil {
		return nil, err
	}
	sum := &Summary{From: from, To: to, Heads: heads, TotalDebit: decimal.Zero, TotalCredit: decimal.Zero}
	for _, h := range heads {
		sum.TotalDebit = sum.TotalDebit.Add(h.Debit)
		sum.TotalCredit = sum.TotalCredit.Add(h.Credit)
	}
	sum.Balanced = sum.TotalDebit.Equal(sum.TotalCredit)
	if sum.Heads == nil {
		sum.Heads = []HeadTotal{}
	}
	return sum, nil
}
