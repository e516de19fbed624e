// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/okamura/dealdesk/internal/model"
)

// ErrVersionConflict は条件付き更新が期待バージョンの不一致で失敗したことを示す。
// 同一連携行への同時書き込みをlast-writer-winsにしないための楽観的同時実行制御。
var ErrVersionConflict = errors.New("integration version conflict")

// IntegrationRepository はGoogle連携行の永続化インターフェース。
type IntegrationRepository interface {
	// FindByUserAndKind は(userID, provider, kind)で連携を取得する。見つからない場合はnilを返す。
	FindByUserAndKind(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error)

	// FindByChannelID はWebhookチャネルIDで連携を検索する。見つからない場合はnilを返す。
	FindByChannelID(ctx context.Context, channelID string) (*model.Integration, error)

	// Upsert はOAuth同意完了時に連携行を作成または置き換える。
	// 既存行がある場合はトークン・メールを上書きし、versionをインクリメントする。
	Upsert(ctx context.Context, integ *model.Integration) error

	// UpdateTokens はトークンの組を条件付きで更新する。
	// 行のversionがexpectedVersionと一致しない場合はErrVersionConflictを返す。
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) error

	// UpdateChannel はWebhookチャネル情報を条件付きで保存する。
	// versionが一致しない場合はErrVersionConflictを返す。
	UpdateChannel(ctx context.Context, id, resourceID, channelID string, webhookExpiration time.Time, expectedVersion int64) error

	// ClearChannel はWebhookチャネル情報を条件付きでクリアする。
	// versionが一致しない場合はErrVersionConflictを返す。
	ClearChannel(ctx context.Context, id string, expectedVersion int64) error

	// TouchLastSync はWebhook通知受信時刻を記録する。versionは変更しない。
	TouchLastSync(ctx context.Context, id string, at time.Time) error

	// ListChannelsExpiringBefore はWebhookチャネルの有効期限がdeadline以前の
	// カレンダー連携を取得する。チャネル未登録の行は含まない。
	ListChannelsExpiringBefore(ctx context.Context, deadline time.Time) ([]*model.Integration, error)

	// DeleteByUserAndKind は連携行を削除する。存在しない場合もエラーにしない。
	DeleteByUserAndKind(ctx context.Context, userID string, kind model.IntegrationKind) error
}

// OAuthStateRepository はOAuth同意フロー中のstate行の永続化インターフェース。
type OAuthStateRepository interface {
	// Create はstate行を作成する。
	Create(ctx context.Context, state *model.OAuthState) error

	// Consume はstate行を削除しつつ取得する（一度だけ消費できる）。
	// 存在しない場合と期限切れの場合はnilを返す。
	Consume(ctx context.Context, state string) (*model.OAuthState, error)

	// DeleteExpired は期限切れのstate行を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// DocumentRepository は帳票の永続化インターフェース。
type DocumentRepository interface {
	// Create は帳票を作成する。
	Create(ctx context.Context, doc *model.Document) error

	// FindByID は指定ユーザーの帳票を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id, userID string) (*model.Document, error)

	// ListByUserID はユーザーの帳票一覧を作成日時の降順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Document, error)

	// UpdateTotals は帳票の金額集計を更新する。
	UpdateTotals(ctx context.Context, id string, subtotalMinor, taxMinor, totalMinor int64) error

	// Delete は帳票を削除する。明細行はCASCADE削除される。
	Delete(ctx context.Context, id, userID string) error
}

// LineItemRepository は明細行の永続化インターフェース。
type LineItemRepository interface {
	// Create は明細行を作成する。positionは帳票内の末尾採番。
	Create(ctx context.Context, item *model.LineItem) error

	// FindByID は指定IDの明細行を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LineItem, error)

	// ListByDocumentID は帳票の明細行一覧をposition昇順で返す。
	ListByDocumentID(ctx context.Context, documentID string) ([]*model.LineItem, error)

	// Update は明細行の入力フィールドと再計算済み集計を上書きする。
	Update(ctx context.Context, item *model.LineItem) error

	// Delete は指定IDの明細行を削除する。
	Delete(ctx context.Context, id string) error
}
