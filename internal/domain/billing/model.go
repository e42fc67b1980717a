package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountOpen    AccountStatus = "open"
	AccountPending AccountStatus = "pending"
	AccountClosed  AccountStatus = "closed"
	AccountPaid    AccountStatus = "paid"
)

// Account is the per-encounter billing aggregate. The summary fields
// (total through balance) are written only by recompute.
type Account struct {
	ID                 uuid.UUID       `json:"id"`
	AccountNumber      string          `json:"account_number"`
	PatientID          uuid.UUID       `json:"patient_id"`
	EncounterID        uuid.UUID       `json:"encounter_id"`
	BranchID           *uuid.UUID      `json:"branch_id,omitempty"`
	Status             AccountStatus   `json:"status"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	DiscountFlatAmount decimal.Decimal `json:"discount_flat_amount"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountReason     *string         `json:"discount_reason,omitempty"`
	DiscountProposedBy *string         `json:"discount_proposed_by,omitempty"`
	DiscountProposedAt *time.Time      `json:"discount_proposed_at,omitempty"`
	DiscountApprovedBy *string         `json:"discount_approved_by,omitempty"`
	DiscountApprovedAt *time.Time      `json:"discount_approved_at,omitempty"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	Balance            decimal.Decimal `json:"balance"`
	CreatedBy          string          `json:"created_by"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	ClosedBy           *string         `json:"closed_by,omitempty"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (a *Account) IsClosed() bool { return a.Status == AccountClosed }

func (a *Account) DiscountApproved() bool { return a.DiscountApprovedAt != nil }

func (a *Account) DiscountProposed() bool {
	return a.DiscountFlatAmount.IsPositive() || a.DiscountPercentage.IsPositive()
}

// DiscountTerms returns the proposal recorded on the account.
func (a *Account) DiscountTerms() DiscountTerms {
	return DiscountTerms{
		Flat:       a.DiscountFlatAmount,
		Percentage: a.DiscountPercentage,
		Approved:   a.DiscountApproved(),
	}
}

func (a *Account) Summary() Summary {
	return Summary{
		AccountID: a.ID,
		Total:     a.TotalAmount,
		Discount:  a.DiscountAmount,
		Net:       a.NetAmount,
		Paid:      a.AmountPaid,
		Balance:   a.Balance,
		Status:    a.Status,
	}
}

// Summary is the read-only view of an account's money fields.
type Summary struct {
	AccountID uuid.UUID       `json:"account_id"`
	Total     decimal.Decimal `json:"total"`
	Discount  decimal.Decimal `json:"discount"`
	Net       decimal.Decimal `json:"net"`
	Paid      decimal.Decimal `json:"paid"`
	Balance   decimal.Decimal `json:"balance"`
	Status    AccountStatus   `json:"status"`
}

type AccountFilter struct {
	Status    AccountStatus
	PatientID *uuid.UUID
}

type ItemType string

const (
	ItemConsultation ItemType = "consultation"
	ItemLab          ItemType = "lab"
	ItemImaging      ItemType = "imaging"
	ItemMedication   ItemType = "medication"
	ItemProcedure    ItemType = "procedure"
	ItemBedCharge    ItemType = "bed_charge"
	ItemNursing      ItemType = "nursing"
	ItemConsumable   ItemType = "consumable"
	ItemOther        ItemType = "other"
)

var validItemTypes = map[ItemType]bool{
	ItemConsultation: true, ItemLab: true, ItemImaging: true, ItemMedication: true,
	ItemProcedure: true, ItemBedCharge: true, ItemNursing: true, ItemConsumable: true, ItemOther: true,
}

type ItemStatus string

const (
	ItemUnpaid    ItemStatus = "unpaid"
	ItemPosted    ItemStatus = "posted"
	ItemCancelled ItemStatus = "cancelled"
)

// SourceKind names the producing workflow of a charge.
type SourceKind string

const (
	SourceLabOrder      SourceKind = "lab_order"
	SourceImagingOrder  SourceKind = "imaging_order"
	SourcePrescription  SourceKind = "prescription"
	SourceProcedure     SourceKind = "procedure"
	SourceBedAssignment SourceKind = "bed_assignment"
	SourceConsultation  SourceKind = "consultation"
	SourceNursingTask   SourceKind = "nursing_task"
	SourceSupplyIssue   SourceKind = "supply_issue"
)

var validSourceKinds = map[SourceKind]bool{
	SourceLabOrder: true, SourceImagingOrder: true, SourcePrescription: true, SourceProcedure: true,
	SourceBedAssignment: true, SourceConsultation: true, SourceNursingTask: true, SourceSupplyIssue: true,
}

// ItemSource references the order, prescription or assignment that produced
// a charge. Exactly one kind applies per item.
type ItemSource struct {
	Kind SourceKind `json:"kind"`
	ID   string     `json:"id"`
}

func (s ItemSource) String() string { return string(s.Kind) + ":" + s.ID }

type BillItem struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	EncounterID    uuid.UUID       `json:"encounter_id"`
	ItemType       ItemType        `json:"item_type"`
	Description    string          `json:"description"`
	Quantity       decimal.Decimal `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	Amount         decimal.Decimal `json:"amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	NetAmount      decimal.Decimal `json:"net_amount"`
	Status         ItemStatus      `json:"status"`
	Source         *ItemSource     `json:"source,omitempty"`
	CancelReason   *string         `json:"cancel_reason,omitempty"`
	CancelledBy    *string         `json:"cancelled_by,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	PostedAt       *time.Time      `json:"posted_at,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// price sets amount and net amount from quantity, unit price and line discount.
func (i *BillItem) price() {
	i.Amount = money(i.Quantity.Mul(i.UnitPrice))
	i.NetAmount = i.Amount.Sub(i.DiscountAmount)
}

// NewItem is a charge submitted by a producing department.
type NewItem struct {
	EncounterID uuid.UUID
	PatientID   uuid.UUID
	BranchID    *uuid.UUID
	ItemType    ItemType
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	Source      *ItemSource
}

type PaymentKind string

const (
	KindPayment  PaymentKind = "payment"
	KindRefund   PaymentKind = "refund"
	KindReversal PaymentKind = "reversal"
)

type PaymentMethod string

const (
	MethodCash        PaymentMethod = "cash"
	MethodCard        PaymentMethod = "card"
	MethodMobileMoney PaymentMethod = "mobile-money"
	MethodBank        PaymentMethod = "bank"
)

var validMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCard: true, MethodMobileMoney: true, MethodBank: true,
}

const PaymentCompleted = "completed"

// Payment rows are immutable. Refunds and reversals are separate rows with
// a positive amount that reduce the account's amount paid.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	AccountID         uuid.UUID       `json:"account_id"`
	Kind              PaymentKind     `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	Method            PaymentMethod   `json:"method"`
	ReferenceNo       *string         `json:"reference_no,omitempty"`
	Status            string          `json:"status"`
	ReversesPaymentID *uuid.UUID      `json:"reverses_payment_id,omitempty"`
	ClaimID           *uuid.UUID      `json:"claim_id,omitempty"`
	Note              *string         `json:"note,omitempty"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Signed is the payment's contribution to amount paid.
func (p *Payment) Signed() decimal.Decimal {
	if p.Kind == KindPayment {
		return p.Amount
	}
	return p.Amount.Neg()
}

type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "pending"
	ClaimApproved ClaimStatus = "approved"
	ClaimRejected ClaimStatus = "rejected"
	ClaimPaid     ClaimStatus = "paid"
)

var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimPending:  {ClaimApproved, ClaimRejected},
	ClaimApproved: {ClaimPaid},
}

// CanTransition reports whether a claim may move from one status to another.
func CanTransition(from, to ClaimStatus) bool {
	for _, s := range claimTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsOpen is true while the insurer has not reached a final outcome.
func (s ClaimStatus) IsOpen() bool {
	return s == ClaimPending || s == ClaimApproved
}

type InsuranceClaim struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	InsurerName  string          `json:"insurer_name"`
	PolicyNumber string          `json:"policy_number"`
	ClaimNumber  string          `json:"claim_number"`
	ClaimAmount  decimal.Decimal `json:"claim_amount"`
	ClaimStatus  ClaimStatus     `json:"claim_status"`
	SubmittedBy  string          `json:"submitted_by"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	DecidedBy    *string         `json:"decided_by,omitempty"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ClaimRequest struct {
	InsurerName  string
	PolicyNumber string
	ClaimAmount  decimal.Decimal
}

type DiscountProposal struct {
	Amount     decimal.Decimal
	Percentage decimal.Decimal
	Reason     string
}

// documentNumber builds ACC-/CLM- style numbers: prefix, UTC date and the
// first eight hex digits of the record id.
func documentNumber(prefix string, at time.Time, id uuid.UUID) string {
	hex := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), hex[:8])
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
