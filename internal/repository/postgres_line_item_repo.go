package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okamura/dealdesk/internal/model"
)

// PostgresLineItemRepo はPostgreSQLを使用した明細行リポジトリ。
type PostgresLineItemRepo struct {
	db *sql.DB
}

// NewPostgresLineItemRepo はPostgresLineItemRepoを生成する。
func NewPostgresLineItemRepo(db *sql.DB) *PostgresLineItemRepo {
	return &PostgresLineItemRepo{db: db}
}

const lineItemColumns = `id, document_id, position, description, qty, unit_minor,
	discount_pct, tax_rate_pct, gross_minor, after_disc_minor, tax_minor, total_minor,
	created_at, updated_at`

// Create は明細行を作成する。positionは帳票内の末尾に採番される。
func (r *PostgresLineItemRepo) Create(ctx context.Context, item *model.LineItem) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO line_items
			(id, document_id, position, description, qty, unit_minor,
			 discount_pct, tax_rate_pct, gross_minor, after_disc_minor, tax_minor, total_minor,
			 created_at, updated_at)
		 VALUES ($1, $2,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM line_items WHERE document_id = $2),
			$3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 RETURNING position`,
		item.ID, item.DocumentID, item.Description, item.Qty, item.UnitMinor,
		item.DiscountPct, item.TaxRatePct,
		item.GrossMinor, item.AfterDiscMinor, item.TaxMinor, item.TotalMinor,
		item.CreatedAt,
	).Scan(&item.Position)
	if err != nil {
		return fmt.Errorf("failed to insert line item: %w", err)
	}
	return nil
}

// FindByID は指定IDの明細行を取得する。見つからない場合はnilを返す。
func (r *PostgresLineItemRepo) FindByID(ctx context.Context, id string) (*model.LineItem, error) {
	item := &model.LineItem{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE id = $1`,
		id,
	).Scan(
		&item.ID, &item.DocumentID, &item.Position, &item.Description,
		&item.Qty, &item.UnitMinor, &item.DiscountPct, &item.TaxRatePct,
		&item.GrossMinor, &item.AfterDiscMinor, &item.TaxMinor, &item.TotalMinor,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find line item: %w", err)
	}
	return item, nil
}

// ListByDocumentID は帳票の明細行一覧をposition昇順で返す。
func (r *PostgresLineItemRepo) ListByDocumentID(ctx context.Context, documentID string) ([]*model.LineItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+lineItemColumns+` FROM line_items WHERE document_id = $1 ORDER BY position`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items: %w", err)
	}
	defer rows.Close()

	var items []*model.LineItem
	for rows.Next() {
		item := &model.LineItem{}
		if err := rows.Scan(
			&item.ID, &item.DocumentID, &item.Position, &item.Description,
			&item.Qty, &item.UnitMinor, &item.DiscountPct, &item.TaxRatePct,
			&item.GrossMinor, &item.AfterDiscMinor, &item.TaxMinor, &item.TotalMinor,
			&item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate line items: %w", err)
	}
	return items, nil
}

// Update は明細行の入力フィールドと再計算済み集計を上書きする。
func (r *PostgresLineItemRepo) Update(ctx context.Context, item *model.LineItem) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE line_items SET
			description = $2, qty = $3, unit_minor = $4,
			discount_pct = $5, tax_rate_pct = $6,
			gross_minor = $7, after_disc_minor = $8, tax_minor = $9, total_minor = $10,
			updated_at = now()
		 WHERE id = $1`,
		item.ID, item.Description, item.Qty, item.UnitMinor,
		item.DiscountPct, item.TaxRatePct,
		item.GrossMinor, item.AfterDiscMinor, item.TaxMinor, item.TotalMinor,
	)
	if err != nil {
		return fmt.Errorf("failed to update line item: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("line item not found: %s", item.ID)
	}
	return nil
}

// Delete は指定IDの明細行を削除する。
func (r *PostgresLineItemRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM line_items WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete line item: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("line item not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ LineItemRepository = (*PostgresLineItemRepo)(nil)
