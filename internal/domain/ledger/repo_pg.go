package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const entryCols = `id, entry_date, account_head, debit, credit, narration, event_type,
	billing_account_id, source_id, created_by, created_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.EntryDate, &e.AccountHead, &e.Debit, &e.Credit, &e.Narration, &e.EventType,
		&e.BillingAccountID, &e.SourceID, &e.CreatedBy, &e.CreatedAt)
	return &e, err
}

func (r *repoPG) Insert(ctx context.Context, entries ...*Entry) error {
	q := r.conn(ctx)
	for _, e := range entries {
		if _, err := q.Exec(ctx, `
			INSERT INTO ledger_entries (id, entry_date, account_head, debit, credit, narration, event_type,
				billing_account_id, source_id, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			e.ID, e.EntryDate, e.AccountHead, e.Debit, e.Credit, e.Narration, e.EventType,
			e.BillingAccountID, e.SourceID, e.CreatedBy, e.CreatedAt); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

func (r *repoPG) ListByBillingAccount(ctx context.Context, billingAccountID uuid.UUID, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE billing_account_id = $1`, billingAccountID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM ledger_entries
		WHERE billing_account_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, billingAccountID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *repoPG) Summarize(ctx context.Context, from, to time.Time) ([]HeadTotal, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT account_head, COALESCE(SUM(debit), 0), COALESCE(SUM(credit), 0)
		FROM ledger_entries
		WHERE entry_date BETWEEN $1 AND $2
		GROUP BY account_head
		ORDER BY account_head`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HeadTotal
	for rows.Next() {
		var h HeadTotal
		if err := rows.Scan(&h.AccountHead, &h.Debit, &h.Credit); err != nil {
			return nil, err
		}
		h.Balance = h.Debit.Sub(h.Credit)
		out = append(out, h)
	}
	return out, rows.Err()
}
