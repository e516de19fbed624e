// Package model はドメインモデルを定義する。
package model

import "time"

// IntegrationKind はGoogle連携の種別を表す。
type IntegrationKind string

const (
	// IntegrationKindGmail はGmail送信連携を示す。
	IntegrationKindGmail IntegrationKind = "gmail"
	// IntegrationKindCalendar はカレンダー連携を示す。
	IntegrationKindCalendar IntegrationKind = "calendar"
)

// ValidIntegrationKind は連携種別が定義済みかどうかを返す。
func ValidIntegrationKind(kind IntegrationKind) bool {
	return kind == IntegrationKindGmail || kind == IntegrationKindCalendar
}

// Integration はユーザーごとのGoogle連携（トークンとWebhookチャネル）を表す。
// (UserID, Provider, Kind) の組で一意。
// Versionは楽観的同時実行制御用のカウンタで、トークン更新・チャネル更新は
// 期待バージョンが一致した場合のみ書き込まれる。
type Integration struct {
	ID           string
	UserID       string
	Provider     string // 現状は "google" のみ
	Kind         IntegrationKind
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// カレンダー連携でのみ使用するWebhookチャネル情報。
	// チャネル未登録時はすべて空/nil。
	ResourceID        string
	ChannelID         string
	WebhookExpiration *time.Time
	LastSyncAt        *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChannelActive はWebhookチャネルが登録済みかどうかを返す。
func (i *Integration) ChannelActive() bool {
	return i.ChannelID != "" && i.ResourceID != ""
}

// OAuthState はOAuth同意フロー中のサーバー保持stateを表す。
// PKCEのcode_verifierを含むため、コールバックで一度だけ消費され削除される。
type OAuthState struct {
	State        string
	UserID       string
	Kind         IntegrationKind
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// CalendarSyncStatus はIntegrationから導出されるカレンダー同期状態のビュー。
type CalendarSyncStatus struct {
	Enabled    bool
	ResourceID string
	ChannelID  string
	ExpiresAt  *time.Time
	LastSyncAt *time.Time
}
