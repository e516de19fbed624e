package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okamura/dealdesk/internal/model"
)

// PostgresDocumentRepo はPostgreSQLを使用した帳票リポジトリ。
type PostgresDocumentRepo struct {
	db *sql.DB
}

// NewPostgresDocumentRepo はPostgresDocumentRepoを生成する。
func NewPostgresDocumentRepo(db *sql.DB) *PostgresDocumentRepo {
	return &PostgresDocumentRepo{db: db}
}

const documentColumns = `id, user_id, kind, currency, status,
	subtotal_minor, tax_minor, total_minor, created_at, updated_at`

// Create は帳票を作成する。
func (r *PostgresDocumentRepo) Create(ctx context.Context, doc *model.Document) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents
			(id, user_id, kind, currency, status,
			 subtotal_minor, tax_minor, total_minor, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.UserID, doc.Kind, doc.Currency, doc.Status,
		doc.SubtotalMinor, doc.TaxMinor, doc.TotalMinor, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// FindByID は指定ユーザーの帳票を取得する。見つからない場合はnilを返す。
// user_idを条件に含めることでテナント間の読み出しを防ぐ。
func (r *PostgresDocumentRepo) FindByID(ctx context.Context, id, userID string) (*model.Document, error) {
	doc := &model.Document{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND user_id = $2`,
		id, userID,
	).Scan(
		&doc.ID, &doc.UserID, &doc.Kind, &doc.Currency, &doc.Status,
		&doc.SubtotalMinor, &doc.TaxMinor, &doc.TotalMinor, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	return doc, nil
}

// ListByUserID はユーザーの帳票一覧を作成日時の降順で返す。
func (r *PostgresDocumentRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc := &model.Document{}
		if err := rows.Scan(
			&doc.ID, &doc.UserID, &doc.Kind, &doc.Currency, &doc.Status,
			&doc.SubtotalMinor, &doc.TaxMinor, &doc.TotalMinor, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return docs, nil
}

// UpdateTotals は帳票の金額集計を更新する。
func (r *PostgresDocumentRepo) UpdateTotals(ctx context.Context, id string, subtotalMinor, taxMinor, totalMinor int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET
			subtotal_minor = $2, tax_minor = $3, total_minor = $4, updated_at = now()
		 WHERE id = $1`,
		id, subtotalMinor, taxMinor, totalMinor,
	)
	if err != nil {
		return fmt.Errorf("failed to update document totals: %w", err)
	}
	return nil
}

// Delete は帳票を削除する。明細行はCASCADE削除される。
func (r *PostgresDocumentRepo) Delete(ctx context.Context, id, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// compile-time interface check
var _ DocumentRepository = (*PostgresDocumentRepo)(nil)
