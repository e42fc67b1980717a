package billing

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// money rounds half away from zero to two places.
func money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// DiscountTerms is an account-level discount proposal. Flat takes precedence
// over Percentage when both are set.
type DiscountTerms struct {
	Flat       decimal.Decimal
	Percentage decimal.Decimal
	Approved   bool
}

func (t DiscountTerms) isZero() bool {
	return !t.Flat.IsPositive() && !t.Percentage.IsPositive()
}

// ApplyDiscount returns the discount to take off total. An unapproved
// non-zero discount is rejected. The result never exceeds total, so a flat
// amount approved against a larger bill is clamped after cancellations.
func ApplyDiscount(total decimal.Decimal, terms DiscountTerms) (decimal.Decimal, error) {
	if terms.isZero() {
		return decimal.Zero, nil
	}
	if !terms.Approved {
		return decimal.Zero, invalid("discount", "discount has not been approved")
	}
	if !total.IsPositive() {
		return decimal.Zero, nil
	}

	var d decimal.Decimal
	if terms.Flat.IsPositive() {
		d = terms.Flat
	} else {
		d = total.Mul(terms.Percentage).Div(hundred)
	}
	d = money(d)
	if d.GreaterThan(total) {
		d = total
	}
	return d, nil
}

// Totals is the derived money state of an account.
type Totals struct {
	Total    decimal.Decimal
	Discount decimal.Decimal
	Net      decimal.Decimal
	Paid     decimal.Decimal
	Balance  decimal.Decimal
}

// ComputeTotals derives an account's totals from its items and net paid.
// Cancelled items contribute nothing; a discount counts only once approved.
func ComputeTotals(items []*BillItem, terms DiscountTerms, paid decimal.Decimal) Totals {
	total := decimal.Zero
	for _, it := range items {
		if it.Status == ItemCancelled {
			continue
		}
		total = total.Add(it.NetAmount)
	}
	total = money(total)

	discount := decimal.Zero
	if terms.Approved {
		// Approved terms cannot fail.
		discount, _ = ApplyDiscount(total, terms)
	}
	net := total.Sub(discount)
	paid = money(paid)
	return Totals{
		Total:    total,
		Discount: discount,
		Net:      net,
		Paid:     paid,
		Balance:  net.Sub(paid),
	}
}

// DeriveStatus maps totals to an account status. A closed account stays
// closed; otherwise a fully settled non-zero bill is paid, an open insurance
// claim makes it pending, and anything else is open.
func DeriveStatus(current AccountStatus, t Totals, openClaims int) AccountStatus {
	switch {
	case current == AccountClosed:
		return AccountClosed
	case t.Net.IsPositive() && !t.Balance.IsPositive():
		return AccountPaid
	case openClaims > 0:
		return AccountPending
	default:
		return AccountOpen
	}
}

func (a *Account) applyTotals(t Totals, openClaims int) {
	a.TotalAmount = t.Total
	a.DiscountAmount = t.Discount
	a.NetAmount = t.Net
	a.AmountPaid = t.Paid
	a.Balance = t.Balance
	a.Status = DeriveStatus(a.Status, t, openClaims)
}
