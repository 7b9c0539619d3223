package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/rowstage/internal/store"
	"github.com/rpattn/rowstage/internal/typedvalue"
)

// Postgres error codes the item store maps onto store sentinels.
const (
	codeUndefinedTable     = "42P01"
	codeTooManyConnections = "53300"
	codeCannotConnectNow   = "57P03"
)

type itemStore struct {
	pool *pgxpool.Pool
}

// NewItemStore returns a store.Store keeping each logical table as
// (id, item jsonb) rows. Items are persisted in the tagged JSON form.
func NewItemStore(pool *pgxpool.Pool) ItemStore {
	return &itemStore{pool: pool}
}

func tableName(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUndefinedTable:
		return fmt.Errorf("%w: %s", store.ErrTableNotFound, pgErr.Message)
	case codeTooManyConnections, codeCannotConnectNow:
		return fmt.Errorf("%w: %s", store.ErrThrottled, pgErr.Message)
	}
	return err
}

func (r *itemStore) EnsureTable(ctx context.Context, table string) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			item JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, tableName(table)))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func (r *itemStore) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, tableName(table)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return exists, nil
}

func upsertSQL(table string) string {
	return fmt.Sprintf(
		`INSERT INTO %s (id, item) VALUES ($1, $2::jsonb)
		 ON CONFLICT (id) DO UPDATE SET item = EXCLUDED.item, updated_at = now()`,
		tableName(table))
}

func (r *itemStore) PutItem(ctx context.Context, table string, item typedvalue.Item) error {
	id, err := store.ItemKey(item)
	if err != nil {
		return err
	}
	doc, err := typedvalue.MarshalItem(item)
	if err != nil {
		return fmt.Errorf("failed to encode item %s: %w", id, err)
	}
	if _, err := r.pool.Exec(ctx, upsertSQL(table), id, string(doc)); err != nil {
		return fmt.Errorf("failed to put item into %s: %w", table, classifyPgError(err))
	}
	return nil
}

func (r *itemStore) GetItem(ctx context.Context, table, id string) (typedvalue.Item, bool, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT item FROM %s WHERE id = $1`, tableName(table)), id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get item %s from %s: %w", id, table, classifyPgError(err))
	}
	item, err := typedvalue.UnmarshalItem(doc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode item %s: %w", id, err)
	}
	return item, true, nil
}

// updateStatement renders the SQL for a plan. With guards it is a single
// UPDATE whose WHERE clause compares each guarded attribute as jsonb, so the
// check and the write happen under the same row lock. Without guards it
// upserts.
func updateStatement(table, id string, plan store.UpdatePlan, cond store.Condition) (string, []any, error) {
	patch := make(typedvalue.Item, len(plan.Assignments)+1)
	for _, a := range plan.Assignments {
		patch[a.Attribute] = plan.Values[a.Placeholder]
	}

	if len(cond) == 0 {
		patch[store.KeyAttribute] = typedvalue.String(id)
		doc, err := typedvalue.MarshalItem(patch)
		if err != nil {
			return "", nil, err
		}
		sql := fmt.Sprintf(
			`INSERT INTO %[1]s AS t (id, item) VALUES ($1, $2::jsonb)
			 ON CONFLICT (id) DO UPDATE SET item = t.item || EXCLUDED.item, updated_at = now()`,
			tableName(table))
		return sql, []any{id, string(doc)}, nil
	}

	doc, err := typedvalue.MarshalItem(patch)
	if err != nil {
		return "", nil, err
	}
	args := []any{id, string(doc)}
	clauses := make([]string, 0, len(cond))
	for _, g := range cond {
		value, err := typedvalue.Marshal(g.Value)
		if err != nil {
			return "", nil, err
		}
		args = append(args, g.Attribute, string(value))
		clauses = append(clauses, fmt.Sprintf("item -> $%d::text = $%d::jsonb", len(args)-1, len(args)))
	}
	sql := fmt.Sprintf(
		`UPDATE %s SET item = item || $2::jsonb, updated_at = now()
		 WHERE id = $1 AND %s`,
		tableName(table), strings.Join(clauses, " AND "))
	return sql, args, nil
}

func (r *itemStore) UpdateItem(ctx context.Context, table, id string, plan store.UpdatePlan, cond store.Condition) error {
	if plan.Empty() {
		return nil
	}
	sql, args, err := updateStatement(table, id, plan, cond)
	if err != nil {
		return fmt.Errorf("failed to encode update for %s: %w", id, err)
	}
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to update item %s in %s: %w", id, table, classifyPgError(err))
	}
	if len(cond) > 0 && tag.RowsAffected() == 0 {
		return store.ErrConditionFailed
	}
	return nil
}

// BatchWriteItems writes every item inside one transaction, so the result is
// all or nothing and the unprocessed set is always empty on success.
func (r *itemStore) BatchWriteItems(ctx context.Context, table string, items []typedvalue.Item) ([]typedvalue.Item, error) {
	batch := &pgx.Batch{}
	sql := upsertSQL(table)
	for _, item := range items {
		id, err := store.ItemKey(item)
		if err != nil {
			return nil, err
		}
		doc, err := typedvalue.MarshalItem(item)
		if err != nil {
			return nil, fmt.Errorf("failed to encode item %s: %w", id, err)
		}
		batch.Queue(sql, id, string(doc))
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", classifyPgError(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to batch write %d items into %s: %w", len(items), table, classifyPgError(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit batch into %s: %w", table, classifyPgError(err))
	}
	return nil, nil
}

// Scan relies on jsonb containment; every filter value is a scalar, so
// containment is equality.
func (r *itemStore) Scan(ctx context.Context, table string, filter store.Filter) ([]typedvalue.Item, error) {
	doc, err := typedvalue.MarshalItem(typedvalue.Item(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to encode filter: %w", err)
	}
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT item FROM %s WHERE item @> $1::jsonb ORDER BY id`, tableName(table)),
		string(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", table, classifyPgError(err))
	}
	defer rows.Close()

	items := []typedvalue.Item{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to read row from %s: %w", table, err)
		}
		item, err := typedvalue.UnmarshalItem(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, classifyPgError(err))
	}
	return items, nil
}

var _ store.Store = (*itemStore)(nil)
