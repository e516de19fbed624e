package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okamura/dealdesk/internal/model"
)

// PostgresOAuthStateRepo はPostgreSQLを使用したOAuth stateリポジトリ。
type PostgresOAuthStateRepo struct {
	db *sql.DB
}

// NewPostgresOAuthStateRepo はPostgresOAuthStateRepoを生成する。
func NewPostgresOAuthStateRepo(db *sql.DB) *PostgresOAuthStateRepo {
	return &PostgresOAuthStateRepo{db: db}
}

// Create はstate行を作成する。
func (r *PostgresOAuthStateRepo) Create(ctx context.Context, state *model.OAuthState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, user_id, kind, code_verifier, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		state.State, state.UserID, state.Kind, state.CodeVerifier,
		state.CreatedAt, state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert oauth state: %w", err)
	}
	return nil
}

// Consume はstate行を削除しつつ取得する。
// DELETE ... RETURNINGにより取得と無効化が原子的に行われ、
// 同一stateの二重消費を防ぐ。存在しない場合と期限切れの場合はnilを返す。
func (r *PostgresOAuthStateRepo) Consume(ctx context.Context, state string) (*model.OAuthState, error) {
	row := r.db.QueryRowContext(ctx,
		`DELETE FROM oauth_states
		 WHERE state = $1 AND expires_at > now()
		 RETURNING state, user_id, kind, code_verifier, created_at, expires_at`,
		state,
	)

	st := &model.OAuthState{}
	err := row.Scan(&st.State, &st.UserID, &st.Kind, &st.CodeVerifier, &st.CreatedAt, &st.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	return st, nil
}

// DeleteExpired は期限切れのstate行を削除し、削除件数を返す。
func (r *PostgresOAuthStateRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at <= now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth states: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ OAuthStateRepository = (*PostgresOAuthStateRepo)(nil)
