package billing

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

func validateProposal(p DiscountProposal) error {
	switch {
	case p.Amount.IsNegative():
		return invalid("amount", "must not be negative")
	case p.Percentage.IsNegative() || p.Percentage.GreaterThan(hundred):
		return invalid("percentage", "must be between 0 and 100")
	case !p.Amount.IsPositive() && !p.Percentage.IsPositive():
		return invalid("discount", "amount or percentage is required")
	case strings.TrimSpace(p.Reason) == "":
		return invalid("reason", "is required")
	}
	return nil
}

// ProposeDiscount records a discount awaiting approval. A newer proposal
// replaces an unapproved one. It has no effect on totals until approved.
func (s *Service) ProposeDiscount(ctx context.Context, accountID uuid.UUID, p DiscountProposal, actor string) (*Account, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	if err := validateProposal(p); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "propose_discount", EventDiscountProposed, actor, s.lockAccount(accountID), func(ctx context.Context, w *work) error {
		a := w.acct
		if a.IsClosed() {
			return invalidState("billing account %s is closed", a.AccountNumber)
		}
		if a.DiscountApproved() {
			return invalidState("billing account %s already has an approved discount", a.AccountNumber)
		}
		a.DiscountFlatAmount = money(p.Amount)
		a.DiscountPercentage = p.Percentage.Round(2)
		a.DiscountReason = strPtr(strings.TrimSpace(p.Reason))
		a.DiscountProposedBy = strPtr(actor)
		a.DiscountProposedAt = timePtr(s.now())
		return nil
	})
}

// ApproveDiscount authorizes the proposed discount. The approver must not be
// the proposer. The recompute that follows applies it to the account and
// books it against receivables.
func (s *Service) ApproveDiscount(ctx context.Context, accountID uuid.UUID, approverID string) (*Account, error) {
	if approverID == "" {
		return nil, invalid("approver", "is required")
	}
	return s.mutate(ctx, "approve_discount", EventDiscountApproved, approverID, s.lockAccount(accountID), func(_ context.Context, w *work) error {
		a := w.acct
		switch {
		case a.IsClosed():
			return invalidState("billing account %s is closed", a.AccountNumber)
		case a.DiscountApproved():
			return invalidState("discount on billing account %s is already approved", a.AccountNumber)
		case !a.DiscountProposed():
			return invalidState("billing account %s has no proposed discount", a.AccountNumber)
		case a.DiscountProposedBy != nil && *a.DiscountProposedBy == approverID:
			return invalid("approver", "discount proposed by %s needs a different approver", approverID)
		}

		total := a.TotalAmount
		if a.DiscountFlatAmount.GreaterThan(total) {
			return invalid("discount", "flat discount %s exceeds account total %s",
				a.DiscountFlatAmount.StringFixed(2), total.StringFixed(2))
		}

		a.DiscountApprovedBy = strPtr(approverID)
		a.DiscountApprovedAt = timePtr(s.now())
		return nil
	})
}
