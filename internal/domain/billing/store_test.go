package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/ledger"
)

// memStore backs every repository with maps. txMu is held for the whole of a
// transaction, which serializes writers the way the account row lock does.
// A failed transaction restores the snapshot taken when it began.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts map[uuid.UUID]*Account
	items    map[uuid.UUID]*BillItem
	payments map[uuid.UUID]*Payment
	claims   map[uuid.UUID]*InsuranceClaim
	entries  []*ledger.Entry
	seq      int

	failLedger error
	txCount    int
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[uuid.UUID]*Account{},
		items:    map[uuid.UUID]*BillItem{},
		payments: map[uuid.UUID]*Payment{},
		claims:   map[uuid.UUID]*InsuranceClaim{},
	}
}

type inTxKey struct{}

type snapshot struct {
	accounts map[uuid.UUID]*Account
	items    map[uuid.UUID]*BillItem
	payments map[uuid.UUID]*Payment
	claims   map[uuid.UUID]*InsuranceClaim
	entries  []*ledger.Entry
}

func copyMap[T any](m map[uuid.UUID]*T) map[uuid.UUID]*T {
	out := make(map[uuid.UUID]*T, len(m))
	for k, v := range m {
		c := *v
		out[k] = &c
	}
	return out
}

func (m *memStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return snapshot{
		accounts: copyMap(m.accounts),
		items:    copyMap(m.items),
		payments: copyMap(m.payments),
		claims:   copyMap(m.claims),
		entries:  append([]*ledger.Entry(nil), m.entries...),
	}
}

func (m *memStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts, m.items, m.payments, m.claims, m.entries = s.accounts, s.items, s.payments, s.claims, s.entries
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(inTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.txCount++
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// nextTime keeps creation order stable for list queries.
func (m *memStore) nextTime() time.Time {
	m.seq++
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC).Add(time.Duration(m.seq) * time.Millisecond)
}

// -- accounts --

type memAccounts struct{ *memStore }

func cloneAccount(a *Account) *Account { c := *a; return &c }

func (r memAccounts) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.accounts {
		if existing.EncounterID == a.EncounterID {
			return invalid("encounter_id", "encounter %s already has a billing account", a.EncounterID)
		}
	}
	a.CreatedAt = r.nextTime()
	a.UpdatedAt = a.CreatedAt
	a.Version = 1
	r.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (r memAccounts) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, notFound("billing account", id)
	}
	return cloneAccount(a), nil
}

func (r memAccounts) GetByEncounter(_ context.Context, encounterID uuid.UUID) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.EncounterID == encounterID {
			return cloneAccount(a), nil
		}
	}
	return nil, notFound("billing account for encounter", encounterID)
}

func (r memAccounts) LockByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return r.GetByID(ctx, id)
}

func (r memAccounts) LockOrCreateByEncounter(ctx context.Context, seed *Account) (*Account, error) {
	if a, err := r.GetByEncounter(ctx, seed.EncounterID); err == nil {
		return a, nil
	}
	if err := r.Create(ctx, seed); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, seed.ID)
}

func (r memAccounts) UpdateSummary(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.accounts[a.ID]
	if !ok {
		return notFound("billing account", a.ID)
	}
	a.Version = cur.Version + 1
	a.UpdatedAt = r.nextTime()
	r.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (r memAccounts) List(_ context.Context, f AccountFilter, limit, offset int) ([]*Account, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Account
	for _, a := range r.accounts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

// -- items --

type memItems struct{ *memStore }

func cloneItem(it *BillItem) *BillItem { c := *it; return &c }

func (r memItems) Create(_ context.Context, it *BillItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it.CreatedAt = r.nextTime()
	it.UpdatedAt = it.CreatedAt
	r.items[it.ID] = cloneItem(it)
	return nil
}

func (r memItems) GetByID(_ context.Context, id uuid.UUID) (*BillItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, notFound("bill item", id)
	}
	return cloneItem(it), nil
}

func (r memItems) Update(_ context.Context, it *BillItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[it.ID]; !ok {
		return notFound("bill item", it.ID)
	}
	it.UpdatedAt = r.nextTime()
	r.items[it.ID] = cloneItem(it)
	return nil
}

func (r memItems) list(accountID uuid.UUID, keep func(*BillItem) bool) []*BillItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*BillItem
	for _, it := range r.items {
		if it.AccountID == accountID && keep(it) {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r memItems) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*BillItem, error) {
	return r.list(accountID, func(*BillItem) bool { return true }), nil
}

func (r memItems) ListActiveByAccount(_ context.Context, accountID uuid.UUID) ([]*BillItem, error) {
	return r.list(accountID, func(it *BillItem) bool { return it.Status != ItemCancelled }), nil
}

// -- payments --

type memPayments struct{ *memStore }

func clonePayment(p *Payment) *Payment { c := *p; return &c }

func (r memPayments) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if p.ReversesPaymentID != nil && existing.ReversesPaymentID != nil && *existing.ReversesPaymentID == *p.ReversesPaymentID {
			return invalidState("payment %s has already been reversed", p.ReversesPaymentID)
		}
		if p.ReferenceNo != nil && existing.ReferenceNo != nil && *existing.ReferenceNo == *p.ReferenceNo &&
			existing.Method == p.Method && existing.Kind == p.Kind {
			return invalid("reference_no", "duplicate reference number for %s payments", p.Method)
		}
	}
	p.CreatedAt = r.nextTime()
	r.payments[p.ID] = clonePayment(p)
	return nil
}

func (r memPayments) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, notFound("payment", id)
	}
	return clonePayment(p), nil
}

func (r memPayments) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Payment
	for _, p := range r.payments {
		if p.AccountID == accountID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memPayments) NetPaid(_ context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	paid := decimal.Zero
	for _, p := range r.payments {
		if p.AccountID == accountID && p.Status == PaymentCompleted {
			paid = paid.Add(p.Signed())
		}
	}
	return paid, nil
}

func (r memPayments) HasReversal(_ context.Context, paymentID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ReversesPaymentID != nil && *p.ReversesPaymentID == paymentID {
			return true, nil
		}
	}
	return false, nil
}

// -- claims --

type memClaims struct{ *memStore }

func cloneClaim(c *InsuranceClaim) *InsuranceClaim { cc := *c; return &cc }

func (r memClaims) Create(_ context.Context, c *InsuranceClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.claims {
		if existing.ClaimNumber == c.ClaimNumber {
			return invalid("claim_number", "duplicate claim number %s", c.ClaimNumber)
		}
	}
	c.UpdatedAt = r.nextTime()
	r.claims[c.ID] = cloneClaim(c)
	return nil
}

func (r memClaims) GetByID(_ context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[id]
	if !ok {
		return nil, notFound("insurance claim", id)
	}
	return cloneClaim(c), nil
}

func (r memClaims) Update(_ context.Context, c *InsuranceClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claims[c.ID]; !ok {
		return notFound("insurance claim", c.ID)
	}
	c.UpdatedAt = r.nextTime()
	r.claims[c.ID] = cloneClaim(c)
	return nil
}

func (r memClaims) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*InsuranceClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*InsuranceClaim
	for _, c := range r.claims {
		if c.AccountID == accountID {
			out = append(out, cloneClaim(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (r memClaims) CountOpenByAccount(_ context.Context, accountID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.claims {
		if c.AccountID == accountID && c.ClaimStatus.IsOpen() {
			n++
		}
	}
	return n, nil
}

// -- ledger --

type memLedger struct{ *memStore }

func (r memLedger) Insert(_ context.Context, entries ...*ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failLedger != nil {
		return r.failLedger
	}
	r.entries = append(r.entries, entries...)
	return nil
}

func (r memLedger) ListByBillingAccount(_ context.Context, id uuid.UUID, limit, offset int) ([]*ledger.Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range r.entries {
		if e.BillingAccountID != nil && *e.BillingAccountID == id {
			out = append(out, e)
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r memLedger) Summarize(context.Context, time.Time, time.Time) ([]ledger.HeadTotal, error) {
	return nil, nil
}

// allEntries returns the committed ledger rows for an account.
func (m *memStore) allEntries(accountID uuid.UUID) []*ledger.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range m.entries {
		if e.BillingAccountID != nil && *e.BillingAccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []AccountEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, value.(AccountEvent))
	return nil
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService() (*Service, *memStore, *recordingPublisher) {
	st := newMemStore()
	pub := &recordingPublisher{}
	svc := NewService(st, memAccounts{st}, memItems{st}, memPayments{st}, memClaims{st}, ledger.NewService(memLedger{st}))
	svc.SetPublisher(pub)
	return svc, st, pub
}
