package ledger

import (
	"errors"
	"fmt"
)

var ErrInvalidEntry = errors.New("invalid ledger entry")

// cashHead is a placeholder resolved from the event's payment method.
const cashHead = "<cash>"

type rule struct {
	debit  string
	credit string
}

var postingRules = map[EventType]rule{
	EventItemPosted:       {debit: HeadAccountsReceivable, credit: HeadPatientRevenue},
	EventItemReversed:     {debit: HeadPatientRevenue, credit: HeadAccountsReceivable},
	EventDiscountApproved: {debit: HeadDiscountAllowed, credit: HeadAccountsReceivable},
	EventDiscountReversed: {debit: HeadAccountsReceivable, credit: HeadDiscountAllowed},
	EventPaymentReceived:  {debit: cashHead, credit: HeadAccountsReceivable},
	EventPaymentReversed:  {debit: HeadAccountsReceivable, credit: cashHead},
	EventRefundIssued:     {debit: HeadAccountsReceivable, credit: cashHead},
	EventClaimSettled:     {debit: HeadBank, credit: HeadAccountsReceivable},
}

var cashHeads = map[string]string{
	"cash":         HeadCash,
	"card":         HeadCardClearing,
	"mobile-money": HeadMobileMoney,
	"bank":         HeadBank,
}

// CashHeadFor maps a payment method to the asset head that receives the money.
func CashHeadFor(method string) (string, error) {
	head, ok := cashHeads[method]
	if !ok {
		return "", fmt.Errorf("%w: unknown payment method %q", ErrInvalidEntry, method)
	}
	return head, nil
}

// Heads returns the debit and credit heads an event posts to.
func Heads(ev Event) (debit, credit string, err error) {
	r, ok := postingRules[ev.Type]
	if !ok {
		return "", "", fmt.Errorf("%w: no posting rule for %q", ErrInvalidEntry, ev.Type)
	}
	debit, credit = r.debit, r.credit
	if debit == cashHead || credit == cashHead {
		head, err := CashHeadFor(ev.Method)
		if err != nil {
			return "", "", err
		}
		if debit == cashHead {
			debit = head
		} else {
			credit = head
		}
	}
	return debit, credit, nil
}
