package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/ledger"
)

func validateMoneyMovement(amount decimal.Decimal, method PaymentMethod, actor string) error {
	switch {
	case actor == "":
		return invalid("actor", "is required")
	case !amount.IsPositive():
		return invalid("amount", "must be greater than zero")
	case !amount.Equal(money(amount)):
		return invalid("amount", "must have at most two decimal places")
	case !validMethods[method]:
		return invalid("method", "unknown payment method %q", method)
	}
	return nil
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

// RecordPayment applies a patient payment. Paying more than the balance is
// rejected; a credit can only arise from later discounts or cancellations
// and is returned with RecordRefund.
func (s *Service) RecordPayment(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, method PaymentMethod, referenceNo, actor string) (*Payment, error) {
	if err := validateMoneyMovement(amount, method, actor); err != nil {
		return nil, err
	}
	var pay *Payment
	_, err := s.mutate(ctx, "record_payment", EventPaymentRecorded, actor, s.lockAccount(accountID), func(ctx context.Context, w *work) error {
		if amount.GreaterThan(w.acct.Balance) {
			return invalid("amount", "payment %s exceeds outstanding balance %s",
				amount.StringFixed(2), w.acct.Balance.StringFixed(2))
		}
		p := &Payment{
			ID:          uuid.New(),
			AccountID:   w.acct.ID,
			Kind:        KindPayment,
			Amount:      amount,
			Method:      method,
			ReferenceNo: optional(referenceNo),
			Status:      PaymentCompleted,
			CreatedBy:   actor,
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		pay = p
		return w.post(ctx, ledger.Event{
			Type:      ledger.EventPaymentReceived,
			Amount:    amount,
			Method:    string(method),
			SourceID:  p.ID,
			Narration: fmt.Sprintf("Payment on %s by %s", w.acct.AccountNumber, method),
		})
	})
	if err != nil {
		return nil, err
	}
	return pay, nil
}

// RecordRefund returns money from a credit balance (amount paid above net).
func (s *Service) RecordRefund(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, method PaymentMethod, referenceNo, reason, actor string) (*Payment, error) {
	if err := validateMoneyMovement(amount, method, actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "is required")
	}
	var refund *Payment
	_, err := s.mutate(ctx, "record_refund", EventRefundRecorded, actor, s.lockAccount(accountID), func(ctx context.Context, w *work) error {
		credit := w.acct.Balance.Neg()
		if amount.GreaterThan(credit) {
			return invalid("amount", "refund %s exceeds credit balance %s",
				amount.StringFixed(2), decimal.Max(credit, decimal.Zero).StringFixed(2))
		}
		p := &Payment{
			ID:          uuid.New(),
			AccountID:   w.acct.ID,
			Kind:        KindRefund,
			Amount:      amount,
			Method:      method,
			ReferenceNo: optional(referenceNo),
			Status:      PaymentCompleted,
			Note:        optional(reason),
			CreatedBy:   actor,
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		refund = p
		return w.post(ctx, ledger.Event{
			Type:      ledger.EventRefundIssued,
			Amount:    amount,
			Method:    string(method),
			SourceID:  p.ID,
			Narration: fmt.Sprintf("Refund on %s: %s", w.acct.AccountNumber, strings.TrimSpace(reason)),
		})
	})
	if err != nil {
		return nil, err
	}
	return refund, nil
}

// ReversePayment voids a patient payment with a compensating row. Each
// payment can be reversed once; insurer settlements are not reversible here.
func (s *Service) ReversePayment(ctx context.Context, paymentID uuid.UUID, reason, actor string) (*Payment, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "is required")
	}
	var original, reversal *Payment
	lock := func(ctx context.Context) (*Account, error) {
		p, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		original = p
		return s.accounts.LockByID(ctx, p.AccountID)
	}
	_, err := s.mutate(ctx, "reverse_payment", EventPaymentReversed, actor, lock, func(ctx context.Context, w *work) error {
		if original.Kind != KindPayment {
			return invalidState("%s %s cannot be reversed", original.Kind, original.ID)
		}
		if original.ClaimID != nil {
			return invalidState("payment %s settles an insurance claim and cannot be reversed", original.ID)
		}
		done, err := s.payments.HasReversal(ctx, original.ID)
		if err != nil {
			return err
		}
		if done {
			return invalidState("payment %s has already been reversed", original.ID)
		}
		p := &Payment{
			ID:                uuid.New(),
			AccountID:         original.AccountID,
			Kind:              KindReversal,
			Amount:            original.Amount,
			Method:            original.Method,
			Status:            PaymentCompleted,
			ReversesPaymentID: &original.ID,
			Note:              optional(reason),
			CreatedBy:         actor,
		}
		if err := s.payments.Create(ctx, p); err != nil {
			return err
		}
		reversal = p
		return w.post(ctx, ledger.Event{
			Type:      ledger.EventPaymentReversed,
			Amount:    original.Amount,
			Method:    string(original.Method),
			SourceID:  p.ID,
			Narration: fmt.Sprintf("Reversal of payment %s: %s", original.ID, strings.TrimSpace(reason)),
		})
	})
	if err != nil {
		return nil, err
	}
	return reversal, nil
}
