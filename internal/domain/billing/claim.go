package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/billing/internal/domain/ledger"
)

// SubmitClaim files an insurance claim against the account. While the claim
// is open the account reports as pending.
func (s *Service) SubmitClaim(ctx context.Context, accountID uuid.UUID, req ClaimRequest, actor string) (*InsuranceClaim, error) {
	switch {
	case actor == "":
		return nil, invalid("actor", "is required")
	case strings.TrimSpace(req.InsurerName) == "":
		return nil, invalid("insurer_name", "is required")
	case strings.TrimSpace(req.PolicyNumber) == "":
		return nil, invalid("policy_number", "is required")
	case !req.ClaimAmount.IsPositive():
		return nil, invalid("claim_amount", "must be greater than zero")
	}

	var claim *InsuranceClaim
	_, err := s.mutate(ctx, "submit_claim", EventClaimSubmitted, actor, s.lockAccount(accountID), func(ctx context.Context, w *work) error {
		amount := money(req.ClaimAmount)
		if s.enforceClaimLimit && amount.GreaterThan(w.acct.NetAmount) {
			return invalid("claim_amount", "claim %s exceeds net amount %s",
				amount.StringFixed(2), w.acct.NetAmount.StringFixed(2))
		}
		now := s.now()
		c := &InsuranceClaim{
			ID:           uuid.New(),
			AccountID:    w.acct.ID,
			InsurerName:  strings.TrimSpace(req.InsurerName),
			PolicyNumber: strings.TrimSpace(req.PolicyNumber),
			ClaimAmount:  amount,
			ClaimStatus:  ClaimPending,
			SubmittedBy:  actor,
			SubmittedAt:  now,
		}
		c.ClaimNumber = documentNumber("CLM", now, c.ID)
		if err := s.claims.Create(ctx, c); err != nil {
			return err
		}
		claim = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// UpdateClaimStatus moves a claim along pending -> approved|rejected and
// approved -> paid. Marking a claim paid records the insurer's bank
// settlement against the account.
func (s *Service) UpdateClaimStatus(ctx context.Context, claimID uuid.UUID, status ClaimStatus, actor string) (*InsuranceClaim, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	switch status {
	case ClaimPending, ClaimApproved, ClaimRejected, ClaimPaid:
	default:
		return nil, invalid("status", "unknown claim status %q", status)
	}
	var claim *InsuranceClaim
	lock := func(ctx context.Context) (*Account, error) {
		c, err := s.claims.GetByID(ctx, claimID)
		if err != nil {
			return nil, err
		}
		acct, err := s.accounts.LockByID(ctx, c.AccountID)
		if err != nil {
			return nil, err
		}
		if claim, err = s.claims.GetByID(ctx, claimID); err != nil {
			return nil, err
		}
		return acct, nil
	}
	_, err := s.mutate(ctx, "update_claim_status", EventClaimStatusChanged, actor, lock, func(ctx context.Context, w *work) error {
		if !CanTransition(claim.ClaimStatus, status) {
			return &InvalidTransitionError{From: claim.ClaimStatus, To: status}
		}
		now := s.now()
		claim.ClaimStatus = status
		switch status {
		case ClaimApproved, ClaimRejected:
			claim.DecidedBy = strPtr(actor)
			claim.DecidedAt = timePtr(now)
		case ClaimPaid:
			claim.SettledAt = timePtr(now)
			if err := s.settleClaim(ctx, w, claim); err != nil {
				return err
			}
		}
		return s.claims.Update(ctx, claim)
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// settleClaim records the insurer's payment in full. When the patient has
// paid part of the bill in the meantime the excess leaves a credit balance
// that RecordRefund can return.
func (s *Service) settleClaim(ctx context.Context, w *work, c *InsuranceClaim) error {
	p := &Payment{
		ID:          uuid.New(),
		AccountID:   w.acct.ID,
		Kind:        KindPayment,
		Amount:      c.ClaimAmount,
		Method:      MethodBank,
		ReferenceNo: strPtr(c.ClaimNumber),
		Status:      PaymentCompleted,
		ClaimID:     &c.ID,
		Note:        strPtr("Insurance settlement from " + c.InsurerName),
		CreatedBy:   w.actor,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return err
	}
	return w.post(ctx, ledger.Event{
		Type:      ledger.EventClaimSettled,
		Amount:    c.ClaimAmount,
		SourceID:  c.ID,
		Narration: fmt.Sprintf("Settlement of claim %s by %s", c.ClaimNumber, c.InsurerName),
	})
}
