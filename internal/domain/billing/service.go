package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/ledger"
)

// TxRunner runs fn in one database transaction, retrying transient
// conflicts. Nested calls join the outer transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Ledger interface {
	Post(ctx context.Context, ev ledger.Event) ([]*ledger.Entry, error)
	ListEntries(ctx context.Context, billingAccountID uuid.UUID, limit, offset int) ([]*ledger.Entry, int, error)
}

type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

type Metrics interface {
	RecordMutation(op string, err error, elapsed time.Duration)
	RecordRecompute(elapsed time.Duration)
	RecordLedgerRows(eventType string, n int)
	RecordPublishFailure()
}

type Service struct {
	tx       TxRunner
	accounts AccountRepository
	items    ItemRepository
	payments PaymentRepository
	claims   ClaimRepository
	ledger   Ledger

	publisher         Publisher
	metrics           Metrics
	logger            zerolog.Logger
	enforceClaimLimit bool
	now               func() time.Time
}

func NewService(tx TxRunner, accounts AccountRepository, items ItemRepository, payments PaymentRepository, claims ClaimRepository, lg Ledger) *Service {
	return &Service{
		tx:                tx,
		accounts:          accounts,
		items:             items,
		payments:          payments,
		claims:            claims,
		ledger:            lg,
		metrics:           nopMetrics{},
		logger:            zerolog.Nop(),
		enforceClaimLimit: true,
		now:               time.Now,
	}
}

// SetPublisher attaches the account event publisher. Events are sent after commit.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

func (s *Service) SetMetrics(m Metrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetEnforceClaimLimit toggles the claim_amount <= net_amount check.
func (s *Service) SetEnforceClaimLimit(on bool) { s.enforceClaimLimit = on }

type nopMetrics struct{}

func (nopMetrics) RecordMutation(string, error, time.Duration) {}
func (nopMetrics) RecordRecompute(time.Duration)               {}
func (nopMetrics) RecordLedgerRows(string, int)                {}
func (nopMetrics) RecordPublishFailure()                       {}

// EventType names an account event published after a committed mutation.
type EventType string

const (
	EventItemAdded          EventType = "item_added"
	EventItemCancelled      EventType = "item_cancelled"
	EventItemPosted         EventType = "item_posted"
	EventItemUpdated        EventType = "item_updated"
	EventDiscountProposed   EventType = "discount_proposed"
	EventDiscountApproved   EventType = "discount_approved"
	EventPaymentRecorded    EventType = "payment_recorded"
	EventRefundRecorded     EventType = "refund_recorded"
	EventPaymentReversed    EventType = "payment_reversed"
	EventClaimSubmitted     EventType = "claim_submitted"
	EventClaimStatusChanged EventType = "claim_status_changed"
	EventAccountRecomputed  EventType = "account_recalculated"
	EventAccountClosed      EventType = "account_closed"
)

type AccountEvent struct {
	Type       EventType `json:"type"`
	AccountID  uuid.UUID `json:"account_id"`
	Summary    Summary   `json:"summary"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
}

// work carries one mutation's state through its transaction.
type work struct {
	s        *Service
	acct     *Account
	actor    string
	postings map[ledger.EventType]int
}

// post writes ledger rows for the locked account inside the transaction.
func (w *work) post(ctx context.Context, ev ledger.Event) error {
	ev.BillingAccountID = w.acct.ID
	ev.Actor = w.actor
	entries, err := w.s.ledger.Post(ctx, ev)
	if err != nil {
		return err
	}
	w.postings[ev.Type] += len(entries)
	return nil
}

// bookDiscount posts the difference between the recomputed discount and the
// amount already booked: an increase as discount allowed, a decrease as a
// reversal.
func (w *work) bookDiscount(ctx context.Context, booked decimal.Decimal) error {
	delta := w.acct.DiscountAmount.Sub(booked)
	if delta.IsZero() {
		return nil
	}
	ev := ledger.Event{
		Type:      ledger.EventDiscountApproved,
		Amount:    delta,
		SourceID:  w.acct.ID,
		Narration: fmt.Sprintf("Discount on %s", w.acct.AccountNumber),
	}
	if w.acct.DiscountReason != nil {
		ev.Narration += ": " + *w.acct.DiscountReason
	}
	if delta.IsNegative() {
		ev.Type = ledger.EventDiscountReversed
		ev.Amount = delta.Neg()
		ev.Narration = fmt.Sprintf("Discount adjustment on %s", w.acct.AccountNumber)
	}
	return w.post(ctx, ev)
}

type lockFunc func(ctx context.Context) (*Account, error)

func (s *Service) lockAccount(id uuid.UUID) lockFunc {
	return func(ctx context.Context) (*Account, error) {
		return s.accounts.LockByID(ctx, id)
	}
}

// mutate locks an account, applies fn, recomputes the summary and commits,
// all in one transaction. The event is published only after commit.
func (s *Service) mutate(ctx context.Context, op string, evType EventType, actor string, lock lockFunc, fn func(ctx context.Context, w *work) error) (*Account, error) {
	start := time.Now()
	var w *work
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		acct, err := lock(ctx)
		if err != nil {
			return err
		}
		w = &work{s: s, acct: acct, actor: actor, postings: map[ledger.EventType]int{}}
		if err := fn(ctx, w); err != nil {
			return err
		}
		return s.recompute(ctx, w)
	})
	s.metrics.RecordMutation(op, err, time.Since(start))
	if err != nil {
		s.logger.Warn().Err(err).Str("op", op).Str("actor", actor).Msg("billing mutation failed")
		return nil, err
	}

	for evt, n := range w.postings {
		s.metrics.RecordLedgerRows(string(evt), n)
	}
	s.logger.Info().
		Str("op", op).
		Str("account_id", w.acct.ID.String()).
		Str("actor", actor).
		Str("status", string(w.acct.Status)).
		Str("balance", w.acct.Balance.StringFixed(2)).
		Msg("billing mutation committed")
	s.publish(ctx, evType, w.acct, actor)
	return w.acct, nil
}

func (s *Service) publish(ctx context.Context, t EventType, acct *Account, actor string) {
	if s.publisher == nil {
		return
	}
	ev := AccountEvent{Type: t, AccountID: acct.ID, Summary: acct.Summary(), Actor: actor, OccurredAt: s.now().UTC()}
	if err := s.publisher.Publish(ctx, acct.ID.String(), ev); err != nil {
		s.metrics.RecordPublishFailure()
		s.logger.Error().Err(err).Str("account_id", acct.ID.String()).Str("event", string(t)).Msg("publish account event")
	}
}

// recompute rebuilds the account summary from its items, payment rows and
// open claims and writes it back. It must run with the account locked.
// Any change in the approved discount is booked against receivables so the
// ledger follows the summary.
func (s *Service) recompute(ctx context.Context, w *work) error {
	start := time.Now()
	acct := w.acct
	booked := acct.DiscountAmount
	items, err := s.items.ListActiveByAccount(ctx, acct.ID)
	if err != nil {
		return err
	}
	paid, err := s.payments.NetPaid(ctx, acct.ID)
	if err != nil {
		return err
	}
	openClaims, err := s.claims.CountOpenByAccount(ctx, acct.ID)
	if err != nil {
		return err
	}
	acct.applyTotals(ComputeTotals(items, acct.DiscountTerms(), paid), openClaims)
	if err := w.bookDiscount(ctx, booked); err != nil {
		return err
	}
	if err := s.accounts.UpdateSummary(ctx, acct); err != nil {
		return err
	}
	s.metrics.RecordRecompute(time.Since(start))
	return nil
}

// RecalculateAccount recomputes an account from scratch. Running it on a
// consistent account changes nothing but the version.
func (s *Service) RecalculateAccount(ctx context.Context, accountID uuid.UUID, actor string) (*Account, error) {
	return s.mutate(ctx, "recalculate_account", EventAccountRecomputed, actor, s.lockAccount(accountID),
		func(context.Context, *work) error { return nil })
}

// CloseAccount discharges the account: remaining unpaid items are posted to
// revenue and the account stops accepting charges and discounts.
func (s *Service) CloseAccount(ctx context.Context, accountID uuid.UUID, actor string) (*Account, error) {
	if actor == "" {
		return nil, invalid("actor", "is required")
	}
	return s.mutate(ctx, "close_account", EventAccountClosed, actor, s.lockAccount(accountID),
		func(ctx context.Context, w *work) error {
			if w.acct.IsClosed() {
				return invalidState("billing account %s is already closed", w.acct.AccountNumber)
			}
			items, err := s.items.ListActiveByAccount(ctx, w.acct.ID)
			if err != nil {
				return err
			}
			now := s.now()
			for _, it := range items {
				if it.Status != ItemUnpaid {
					continue
				}
				if err := s.postItem(ctx, w, it, now); err != nil {
					return err
				}
			}
			w.acct.Status = AccountClosed
			w.acct.ClosedAt = timePtr(now)
			w.acct.ClosedBy = strPtr(actor)
			return nil
		})
}

// -- Read side --

func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.accounts.GetByID(ctx, id)
}

func (s *Service) GetAccountByEncounter(ctx context.Context, encounterID uuid.UUID) (*Account, error) {
	return s.accounts.GetByEncounter(ctx, encounterID)
}

func (s *Service) GetAccountSummary(ctx context.Context, id uuid.UUID) (*Summary, error) {
	acct, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := acct.Summary()
	return &sum, nil
}

func (s *Service) ListAccounts(ctx context.Context, f AccountFilter, limit, offset int) ([]*Account, int, error) {
	return s.accounts.List(ctx, f, limit, offset)
}

func (s *Service) GetItem(ctx context.Context, id uuid.UUID) (*BillItem, error) {
	return s.items.GetByID(ctx, id)
}

func (s *Service) ListItems(ctx context.Context, accountID uuid.UUID) ([]*BillItem, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.items.ListByAccount(ctx, accountID)
}

func (s *Service) ListPayments(ctx context.Context, accountID uuid.UUID) ([]*Payment, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.payments.ListByAccount(ctx, accountID)
}

func (s *Service) ListClaims(ctx context.Context, accountID uuid.UUID) ([]*InsuranceClaim, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}
	return s.claims.ListByAccount(ctx, accountID)
}

func (s *Service) GetClaim(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	return s.claims.GetByID(ctx, id)
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.payments.GetByID(ctx, id)
}

func (s *Service) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*ledger.Entry, int, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return nil, 0, err
	}
	return s.ledger.ListEntries(ctx, accountID, limit, offset)
}
