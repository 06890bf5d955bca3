package billing

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dibya/sundayclinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Audit Journal ===========

type journalPG struct{ pool *pgxpool.Pool }

func NewJournalPG(pool *pgxpool.Pool) Journal { return &journalPG{pool: pool} }

func (r *journalPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const transitionCols = `mr_id, action, from_status, to_status, revision_id, actor, detail, occurred_at`

func (r *journalPG) Record(ctx context.Context, t *Transition) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO billing_transitions (`+transitionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.MrID, t.Action, nullable(string(t.FromStatus)), nullable(string(t.ToStatus)),
		nullable(t.RevisionID), t.Actor, nullable(t.Detail), t.OccurredAt)
	if err != nil {
		return fmt.Errorf("record billing transition: %w", err)
	}
	return nil
}

func (r *journalPG) ListByMrID(ctx context.Context, mrID string, limit int) ([]*Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+transitionCols+`
		FROM billing_transitions WHERE mr_id = $1 ORDER BY occurred_at DESC LIMIT $2`, mrID, limit)
	if err != nil {
		return nil, fmt.Errorf("list billing transitions: %w", err)
	}
	defer rows.Close()

	var items []*Transition
	for rows.Next() {
		var t Transition
		var from, to, rev, detail *string
		if err := rows.Scan(&t.MrID, &t.Action, &from, &to, &rev, &t.Actor, &detail, &t.OccurredAt); err != nil {
			return nil, err
		}
		t.FromStatus = Status(deref(from))
		t.ToStatus = Status(deref(to))
		t.RevisionID = deref(rev)
		t.Detail = deref(detail)
		items = append(items, &t)
	}
	return items, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
