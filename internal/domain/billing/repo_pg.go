package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgConn prefers the active transaction, then the request's tenant
// connection, then the pool.
type pgConn struct{ pool *pgxpool.Pool }

func (p pgConn) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return p.pool
}

func mapNoRows(err error, resource string, id fmt.Stringer) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(resource, id)
	}
	return err
}

// =========== Account Repository ===========

type accountRepoPG struct{ pgConn }

func NewAccountRepoPG(pool *pgxpool.Pool) AccountRepository {
	return &accountRepoPG{pgConn{pool}}
}

const accountCols = `id, account_number, patient_id, encounter_id, branch_id, status,
	total_amount, discount_amount, discount_flat_amount, discount_percentage, discount_reason,
	discount_proposed_by, discount_proposed_at, discount_approved_by, discount_approved_at,
	net_amount, amount_paid, balance, created_by, closed_at, closed_by, version, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.AccountNumber, &a.PatientID, &a.EncounterID, &a.BranchID, &a.Status,
		&a.TotalAmount, &a.DiscountAmount, &a.DiscountFlatAmount, &a.DiscountPercentage, &a.DiscountReason,
		&a.DiscountProposedBy, &a.DiscountProposedAt, &a.DiscountApprovedBy, &a.DiscountApprovedAt,
		&a.NetAmount, &a.AmountPaid, &a.Balance, &a.CreatedBy, &a.ClosedAt, &a.ClosedBy, &a.Version,
		&a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

const insertAccount = `
	INSERT INTO billing_accounts (id, account_number, patient_id, encounter_id, branch_id, status, created_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	_, err := r.conn(ctx).Exec(ctx, insertAccount,
		a.ID, a.AccountNumber, a.PatientID, a.EncounterID, a.BranchID, a.Status, a.CreatedBy)
	if db.IsUniqueViolation(err) {
		return invalid("encounter_id", "encounter %s already has a billing account", a.EncounterID)
	}
	return err
}

func (r *accountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM billing_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "billing account", id)
	}
	return a, nil
}

func (r *accountRepoPG) GetByEncounter(ctx context.Context, encounterID uuid.UUID) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM billing_accounts WHERE encounter_id = $1`, encounterID))
	if err != nil {
		return nil, mapNoRows(err, "billing account for encounter", encounterID)
	}
	return a, nil
}

func (r *accountRepoPG) LockByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	a, err := scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM billing_accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapNoRows(err, "billing account", id)
	}
	return a, nil
}

func (r *accountRepoPG) LockOrCreateByEncounter(ctx context.Context, seed *Account) (*Account, error) {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, insertAccount+` ON CONFLICT (encounter_id) DO NOTHING`,
		seed.ID, seed.AccountNumber, seed.PatientID, seed.EncounterID, seed.BranchID, seed.Status, seed.CreatedBy); err != nil {
		return nil, fmt.Errorf("insert billing account: %w", err)
	}
	a, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountCols+` FROM billing_accounts WHERE encounter_id = $1 FOR UPDATE`, seed.EncounterID))
	if err != nil {
		return nil, mapNoRows(err, "billing account for encounter", seed.EncounterID)
	}
	return a, nil
}

func (r *accountRepoPG) UpdateSummary(ctx context.Context, a *Account) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE billing_accounts SET status=$2, total_amount=$3, discount_amount=$4,
			discount_flat_amount=$5, discount_percentage=$6, discount_reason=$7,
			discount_proposed_by=$8, discount_proposed_at=$9, discount_approved_by=$10, discount_approved_at=$11,
			net_amount=$12, amount_paid=$13, balance=$14, closed_at=$15, closed_by=$16,
			version=version+1, updated_at=NOW()
		WHERE id = $1
		RETURNING version, updated_at`,
		a.ID, a.Status, a.TotalAmount, a.DiscountAmount,
		a.DiscountFlatAmount, a.DiscountPercentage, a.DiscountReason,
		a.DiscountProposedBy, a.DiscountProposedAt, a.DiscountApprovedBy, a.DiscountApprovedAt,
		a.NetAmount, a.AmountPaid, a.Balance, a.ClosedAt, a.ClosedBy,
	).Scan(&a.Version, &a.UpdatedAt)
	if err != nil {
		return mapNoRows(err, "billing account", a.ID)
	}
	return nil
}

func (r *accountRepoPG) List(ctx context.Context, f AccountFilter, limit, offset int) ([]*Account, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.PatientID != nil {
		args = append(args, *f.PatientID)
		where = append(where, fmt.Sprintf("patient_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM billing_accounts`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM billing_accounts%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		accountCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// =========== Item Repository ===========

type itemRepoPG struct{ pgConn }

func NewItemRepoPG(pool *pgxpool.Pool) ItemRepository {
	return &itemRepoPG{pgConn{pool}}
}

const itemCols = `id, account_id, encounter_id, item_type, description, quantity, unit_price,
	amount, discount_amount, net_amount, status, source_kind, source_id,
	cancel_reason, cancelled_by, cancelled_at, posted_at, created_by, created_at, updated_at`

func scanItem(row pgx.Row) (*BillItem, error) {
	var it BillItem
	var sourceKind, sourceID *string
	err := row.Scan(&it.ID, &it.AccountID, &it.EncounterID, &it.ItemType, &it.Description, &it.Quantity, &it.UnitPrice,
		&it.Amount, &it.DiscountAmount, &it.NetAmount, &it.Status, &sourceKind, &sourceID,
		&it.CancelReason, &it.CancelledBy, &it.CancelledAt, &it.PostedAt, &it.CreatedBy, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if sourceKind != nil && sourceID != nil {
		it.Source = &ItemSource{Kind: SourceKind(*sourceKind), ID: *sourceID}
	}
	return &it, nil
}

func sourceColumns(s *ItemSource) (kind, id *string) {
	if s == nil {
		return nil, nil
	}
	return strPtr(string(s.Kind)), strPtr(s.ID)
}

func (r *itemRepoPG) Create(ctx context.Context, it *BillItem) error {
	kind, sid := sourceColumns(it.Source)
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill_items (id, account_id, encounter_id, item_type, description, quantity, unit_price,
			amount, discount_amount, net_amount, status, source_kind, source_id, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		it.ID, it.AccountID, it.EncounterID, it.ItemType, it.Description, it.Quantity, it.UnitPrice,
		it.Amount, it.DiscountAmount, it.NetAmount, it.Status, kind, sid, it.CreatedBy,
	).Scan(&it.CreatedAt, &it.UpdatedAt)
}

func (r *itemRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BillItem, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM bill_items WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "bill item", id)
	}
	return it, nil
}

func (r *itemRepoPG) Update(ctx context.Context, it *BillItem) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bill_items SET quantity=$2, amount=$3, discount_amount=$4, net_amount=$5, status=$6,
			cancel_reason=$7, cancelled_by=$8, cancelled_at=$9, posted_at=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		it.ID, it.Quantity, it.Amount, it.DiscountAmount, it.NetAmount, it.Status,
		it.CancelReason, it.CancelledBy, it.CancelledAt, it.PostedAt,
	).Scan(&it.UpdatedAt)
	if err != nil {
		return mapNoRows(err, "bill item", it.ID)
	}
	return nil
}

func (r *itemRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*BillItem, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BillItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *itemRepoPG) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*BillItem, error) {
	return r.list(ctx, `SELECT `+itemCols+` FROM bill_items WHERE account_id = $1 ORDER BY created_at, id`, accountID)
}

func (r *itemRepoPG) ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]*BillItem, error) {
	return r.list(ctx, `SELECT `+itemCols+` FROM bill_items WHERE account_id = $1 AND status <> 'cancelled' ORDER BY created_at, id`, accountID)
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgConn }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pgConn{pool}}
}

const paymentCols = `id, account_id, kind, amount, method, reference_no, status,
	reverses_payment_id, claim_id, note, created_by, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.AccountID, &p.Kind, &p.Amount, &p.Method, &p.ReferenceNo, &p.Status,
		&p.ReversesPaymentID, &p.ClaimID, &p.Note, &p.CreatedBy, &p.CreatedAt)
	return &p, err
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payments (id, account_id, kind, amount, method, reference_no, status,
			reverses_payment_id, claim_id, note, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at`,
		p.ID, p.AccountID, p.Kind, p.Amount, p.Method, p.ReferenceNo, p.Status,
		p.ReversesPaymentID, p.ClaimID, p.Note, p.CreatedBy,
	).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err) {
		if p.Kind == KindReversal {
			return invalidState("payment %s has already been reversed", p.ReversesPaymentID)
		}
		return invalid("reference_no", "duplicate reference number for %s payments", p.Method)
	}
	return err
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(r.conn(ctx).QueryRow(ctx, `SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "payment", id)
	}
	return p, nil
}

func (r *paymentRepoPG) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *paymentRepoPG) NetPaid(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = 'payment' THEN amount ELSE -amount END), 0)
		FROM payments WHERE account_id = $1 AND status = 'completed'`, accountID).Scan(&paid)
	return paid, err
}

func (r *paymentRepoPG) HasReversal(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE reverses_payment_id = $1)`, paymentID).Scan(&exists)
	return exists, err
}

// =========== Claim Repository ===========

type claimRepoPG struct{ pgConn }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository {
	return &claimRepoPG{pgConn{pool}}
}

const claimCols = `id, account_id, insurer_name, policy_number, claim_number, claim_amount, claim_status,
	submitted_by, submitted_at, decided_by, decided_at, settled_at, updated_at`

func scanClaim(row pgx.Row) (*InsuranceClaim, error) {
	var c InsuranceClaim
	err := row.Scan(&c.ID, &c.AccountID, &c.InsurerName, &c.PolicyNumber, &c.ClaimNumber, &c.ClaimAmount, &c.ClaimStatus,
		&c.SubmittedBy, &c.SubmittedAt, &c.DecidedBy, &c.DecidedAt, &c.SettledAt, &c.UpdatedAt)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *InsuranceClaim) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO insurance_claims (id, account_id, insurer_name, policy_number, claim_number,
			claim_amount, claim_status, submitted_by, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING updated_at`,
		c.ID, c.AccountID, c.InsurerName, c.PolicyNumber, c.ClaimNumber,
		c.ClaimAmount, c.ClaimStatus, c.SubmittedBy, c.SubmittedAt,
	).Scan(&c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return invalid("claim_number", "duplicate claim number %s", c.ClaimNumber)
	}
	return err
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InsuranceClaim, error) {
	c, err := scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM insurance_claims WHERE id = $1`, id))
	if err != nil {
		return nil, mapNoRows(err, "insurance claim", id)
	}
	return c, nil
}

func (r *claimRepoPG) Update(ctx context.Context, c *InsuranceClaim) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE insurance_claims SET claim_status=$2, decided_by=$3, decided_at=$4, settled_at=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.ClaimStatus, c.DecidedBy, c.DecidedAt, c.SettledAt,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return mapNoRows(err, "insurance claim", c.ID)
	}
	return nil
}

func (r *claimRepoPG) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*InsuranceClaim, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+claimCols+` FROM insurance_claims WHERE account_id = $1 ORDER BY submitted_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InsuranceClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *claimRepoPG) CountOpenByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM insurance_claims
		WHERE account_id = $1 AND claim_status IN ('pending', 'approved')`, accountID).Scan(&n)
	return n, err
}
