package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/okamura/dealdesk/internal/model"
)

// PostgresIntegrationRepo はPostgreSQLを使用した連携リポジトリ。
type PostgresIntegrationRepo struct {
	db *sql.DB
}

// NewPostgresIntegrationRepo はPostgresIntegrationRepoを生成する。
func NewPostgresIntegrationRepo(db *sql.DB) *PostgresIntegrationRepo {
	return &PostgresIntegrationRepo{db: db}
}

const integrationColumns = `id, user_id, provider, kind, email, access_token, refresh_token,
	expires_at, resource_id, channel_id, webhook_expiration, last_sync_at,
	version, created_at, updated_at`

// scanIntegration は1行をmodel.Integrationに読み取る。
func scanIntegration(row interface {
	Scan(dest ...any) error
}) (*model.Integration, error) {
	integ := &model.Integration{}
	var webhookExp, lastSync sql.NullTime
	err := row.Scan(
		&integ.ID, &integ.UserID, &integ.Provider, &integ.Kind, &integ.Email,
		&integ.AccessToken, &integ.RefreshToken, &integ.ExpiresAt,
		&integ.ResourceID, &integ.ChannelID, &webhookExp, &lastSync,
		&integ.Version, &integ.CreatedAt, &integ.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if webhookExp.Valid {
		integ.WebhookExpiration = &webhookExp.Time
	}
	if lastSync.Valid {
		integ.LastSyncAt = &lastSync.Time
	}
	return integ, nil
}

// FindByUserAndKind は(userID, provider, kind)で連携を取得する。見つからない場合はnilを返す。
func (r *PostgresIntegrationRepo) FindByUserAndKind(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations
		 WHERE user_id = $1 AND provider = 'google' AND kind = $2`,
		userID, kind,
	)
	integ, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find integration: %w", err)
	}
	return integ, nil
}

// FindByChannelID はWebhookチャネルIDで連携を検索する。見つからない場合はnilを返す。
func (r *PostgresIntegrationRepo) FindByChannelID(ctx context.Context, channelID string) (*model.Integration, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE channel_id = $1`,
		channelID,
	)
	integ, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find integration by channel: %w", err)
	}
	return integ, nil
}

// Upsert はOAuth同意完了時に連携行を作成または置き換える。
// 再同意の場合はトークン・メールを上書きし、versionをインクリメントする。
// チャネル情報は維持する（カレンダー同期を有効化済みのまま再同意できる）。
func (r *PostgresIntegrationRepo) Upsert(ctx context.Context, integ *model.Integration) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO integrations
			(id, user_id, provider, kind, email, access_token, refresh_token,
			 expires_at, version, created_at, updated_at)
		 VALUES ($1, $2, 'google', $3, $4, $5, $6, $7, 1, $8, $8)
		 ON CONFLICT (user_id, provider, kind) DO UPDATE SET
			email = EXCLUDED.email,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			version = integrations.version + 1,
			updated_at = EXCLUDED.updated_at`,
		integ.ID, integ.UserID, integ.Kind, integ.Email,
		integ.AccessToken, integ.RefreshToken, integ.ExpiresAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}
	return nil
}

// UpdateTokens はトークンの組を条件付きで更新する。
// versionが一致しない場合はErrVersionConflictを返す。
func (r *PostgresIntegrationRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET
			access_token = $2, refresh_token = $3, expires_at = $4,
			version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $5`,
		id, accessToken, refreshToken, expiresAt, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return requireRowAffected(result, ErrVersionConflict)
}

// UpdateChannel はWebhookチャネル情報を条件付きで保存する。
func (r *PostgresIntegrationRepo) UpdateChannel(ctx context.Context, id, resourceID, channelID string, webhookExpiration time.Time, expectedVersion int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET
			resource_id = $2, channel_id = $3, webhook_expiration = $4,
			version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $5`,
		id, resourceID, channelID, webhookExpiration, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	return requireRowAffected(result, ErrVersionConflict)
}

// ClearChannel はWebhookチャネル情報を条件付きでクリアする。
func (r *PostgresIntegrationRepo) ClearChannel(ctx context.Context, id string, expectedVersion int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET
			resource_id = '', channel_id = '', webhook_expiration = NULL,
			version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $2`,
		id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to clear channel: %w", err)
	}
	return requireRowAffected(result, ErrVersionConflict)
}

// TouchLastSync はWebhook通知受信時刻を記録する。versionは変更しない。
func (r *PostgresIntegrationRepo) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET last_sync_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch last sync: %w", err)
	}
	return nil
}

// ListChannelsExpiringBefore はWebhookチャネルの有効期限がdeadline以前の
// カレンダー連携を取得する。
func (r *PostgresIntegrationRepo) ListChannelsExpiringBefore(ctx context.Context, deadline time.Time) ([]*model.Integration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+integrationColumns+` FROM integrations
		 WHERE kind = 'calendar' AND channel_id <> ''
		   AND webhook_expiration IS NOT NULL AND webhook_expiration <= $1
		 ORDER BY webhook_expiration`,
		deadline,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring channels: %w", err)
	}
	defer rows.Close()

	var integrations []*model.Integration
	for rows.Next() {
		integ, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		integrations = append(integrations, integ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integrations: %w", err)
	}
	return integrations, nil
}

// DeleteByUserAndKind は連携行を削除する。存在しない場合もエラーにしない。
func (r *PostgresIntegrationRepo) DeleteByUserAndKind(ctx context.Context, userID string, kind model.IntegrationKind) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM integrations WHERE user_id = $1 AND provider = 'google' AND kind = $2`,
		userID, kind,
	)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	return nil
}

// requireRowAffected は更新行数が0の場合にnoRowsErrを返す。
func requireRowAffected(result sql.Result, noRowsErr error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return noRowsErr
	}
	return nil
}

// compile-time interface check
var _ IntegrationRepository = (*PostgresIntegrationRepo)(nil)
