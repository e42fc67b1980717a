package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDiscount(t *testing.T) {
	tests := []struct {
		name  string
		total string
		terms DiscountTerms
		want  string
	}{
		{"no terms", "5000", DiscountTerms{}, "0.00"},
		{"flat", "5000", DiscountTerms{Flat: dec("500"), Approved: true}, "500.00"},
		{"percentage", "5000", DiscountTerms{Percentage: dec("10"), Approved: true}, "500.00"},
		{"flat wins", "5000", DiscountTerms{Flat: dec("200"), Percentage: dec("10"), Approved: true}, "200.00"},
		{"flat clamped", "300", DiscountTerms{Flat: dec("500"), Approved: true}, "300.00"},
		{"percentage rounded to cents", "100.10", DiscountTerms{Percentage: dec("12.5"), Approved: true}, "12.51"},
		{"half cent rounds away from zero", "1.00", DiscountTerms{Percentage: dec("0.5"), Approved: true}, "0.01"},
		{"zero total", "0", DiscountTerms{Flat: dec("500"), Approved: true}, "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyDiscount(dec(tt.total), tt.terms)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.StringFixed(2))
		})
	}
}

func TestApplyDiscount_Unapproved(t *testing.T) {
	_, err := ApplyDiscount(dec("5000"), DiscountTerms{Flat: dec("500")})
	assert.ErrorIs(t, err, ErrValidation)
}

func lineItem(net string, status ItemStatus) *BillItem {
	return &BillItem{NetAmount: dec(net), Status: status}
}

func TestComputeTotals(t *testing.T) {
	items := []*BillItem{
		lineItem("1000", ItemUnpaid),
		lineItem("250.50", ItemPosted),
		lineItem("999", ItemCancelled),
	}

	tt := ComputeTotals(items, DiscountTerms{Flat: dec("50.50"), Approved: true}, dec("600"))
	assertMoney(t, "1250.50", tt.Total, "total")
	assertMoney(t, "50.50", tt.Discount, "discount")
	assertMoney(t, "1200.00", tt.Net, "net")
	assertMoney(t, "600.00", tt.Paid, "paid")
	assertMoney(t, "600.00", tt.Balance, "balance")

	unapproved := ComputeTotals(items, DiscountTerms{Flat: dec("50.50")}, decimal.Zero)
	assertMoney(t, "0.00", unapproved.Discount, "unapproved discount")
	assertMoney(t, "1250.50", unapproved.Net, "net")

	empty := ComputeTotals(nil, DiscountTerms{}, decimal.Zero)
	assertMoney(t, "0.00", empty.Total, "empty total")
	assertMoney(t, "0.00", empty.Balance, "empty balance")
}

func TestComputeTotals_Overpaid(t *testing.T) {
	tt := ComputeTotals([]*BillItem{lineItem("100", ItemUnpaid)}, DiscountTerms{}, dec("150"))
	assertMoney(t, "-50.00", tt.Balance, "credit balance")
}

func TestDeriveStatus(t *testing.T) {
	totals := func(net, balance string) Totals {
		return Totals{Net: dec(net), Balance: dec(balance)}
	}
	tests := []struct {
		name       string
		current    AccountStatus
		totals     Totals
		openClaims int
		want       AccountStatus
	}{
		{"unpaid", AccountOpen, totals("100", "100"), 0, AccountOpen},
		{"settled", AccountOpen, totals("100", "0"), 0, AccountPaid},
		{"settled with open claim", AccountPending, totals("100", "0"), 1, AccountPaid},
		{"open claim", AccountOpen, totals("100", "40"), 1, AccountPending},
		{"nothing billed", AccountOpen, totals("0", "0"), 0, AccountOpen},
		{"paid then more charges", AccountPaid, totals("200", "100"), 0, AccountOpen},
		{"closed stays closed", AccountClosed, totals("100", "0"), 0, AccountClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.current, tt.totals, tt.openClaims))
		})
	}
}

func TestBillItemPrice(t *testing.T) {
	it := &BillItem{Quantity: dec("3"), UnitPrice: dec("33.335"), DiscountAmount: dec("0.01")}
	it.price()
	assertMoney(t, "100.01", it.Amount, "amount")
	assertMoney(t, "100.00", it.NetAmount, "net")
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]ClaimStatus]bool{
		{ClaimPending, ClaimApproved}: true,
		{ClaimPending, ClaimRejected}: true,
		{ClaimApproved, ClaimPaid}:    true,
	}
	all := []ClaimStatus{ClaimPending, ClaimApproved, ClaimRejected, ClaimPaid}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]ClaimStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, ClaimApproved.IsOpen())
	assert.False(t, ClaimPaid.IsOpen())
}

func TestPaymentSigned(t *testing.T) {
	assertMoney(t, "10.00", (&Payment{Kind: KindPayment, Amount: dec("10")}).Signed(), "payment")
	assertMoney(t, "-10.00", (&Payment{Kind: KindRefund, Amount: dec("10")}).Signed(), "refund")
	assertMoney(t, "-10.00", (&Payment{Kind: KindReversal, Amount: dec("10")}).Signed(), "reversal")
}

func TestDocumentNumber(t *testing.T) {
	id := uuid.MustParse("0a1b2c3d-4e5f-6789-abcd-ef0123456789")
	at := time.Date(2026, 1, 2, 23, 30, 0, 0, time.FixedZone("EAT", 3*3600))
	assert.Equal(t, "ACC-20260102-0A1B2C3D", documentNumber("ACC", at, id))
}

func TestErrors(t *testing.T) {
	err := invalid("amount", "must be greater than %d", 0)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "amount: must be greater than 0", err.Error())

	nf := notFound("payment", uuid.Nil)
	assert.True(t, errors.Is(nf, ErrNotFound))
	assert.Contains(t, nf.Error(), "payment 00000000-0000-0000-0000-000000000000 not found")

	assert.True(t, errors.Is(invalidState("closed"), ErrInvalidState))
	tr := &InvalidTransitionError{From: ClaimPaid, To: ClaimPending}
	assert.True(t, errors.Is(tr, ErrInvalidTransition))
	assert.Equal(t, "claim cannot move from paid to pending", tr.Error())
}
