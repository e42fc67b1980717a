package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account heads used by the billing posting rules.
const (
	HeadAccountsReceivable = "Accounts Receivable"
	HeadPatientRevenue     = "Patient Services Revenue"
	HeadDiscountAllowed    = "Discount Allowed"
	HeadCash               = "Cash Account"
	HeadCardClearing       = "Card Clearing Account"
	HeadMobileMoney        = "Mobile Money Account"
	HeadBank               = "Bank Account"
)

type EventType string

const (
	EventItemPosted       EventType = "item_posted"
	EventItemReversed     EventType = "item_reversed"
	EventDiscountApproved EventType = "discount_approved"
	EventDiscountReversed EventType = "discount_reversed"
	EventPaymentReceived  EventType = "payment_received"
	EventPaymentReversed  EventType = "payment_reversed"
	EventRefundIssued     EventType = "refund_issued"
	EventClaimSettled     EventType = "claim_settled"
)

// Entry is one side of a double-entry posting. Exactly one of Debit and
// Credit is non-zero. Entries are never updated or deleted.
type Entry struct {
	ID               uuid.UUID       `json:"id"`
	EntryDate        time.Time       `json:"entry_date"`
	AccountHead      string          `json:"account_head"`
	Debit            decimal.Decimal `json:"debit"`
	Credit           decimal.Decimal `json:"credit"`
	Narration        string          `json:"narration"`
	EventType        EventType       `json:"event_type"`
	BillingAccountID *uuid.UUID      `json:"billing_account_id,omitempty"`
	SourceID         *uuid.UUID      `json:"source_id,omitempty"`
	CreatedBy        string          `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Event is a billing occurrence to be posted. Method is the payment method
// for cash-moving events and selects the cash head.
type Event struct {
	Type             EventType
	Amount           decimal.Decimal
	Method           string
	BillingAccountID uuid.UUID
	SourceID         uuid.UUID
	Narration        string
	Actor            string
}

// HeadTotal is the debit/credit activity of one account head over a period.
type HeadTotal struct {
	AccountHead string          `json:"account_head"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

// Summary is a trial-balance style report over [From, To].
type Summary struct {
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	Heads       []HeadTotal     `json:"heads"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	Balanced    bool            `json:"balanced"`
}
