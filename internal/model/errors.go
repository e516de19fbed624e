// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, pricing, integration, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeDocumentNotFound       = "DOCUMENT_NOT_FOUND"
	ErrCodeLineItemNotFound       = "LINE_ITEM_NOT_FOUND"
	ErrCodeInvalidDocumentKind    = "INVALID_DOCUMENT_KIND"
	ErrCodeInvalidCurrency        = "INVALID_CURRENCY"
	ErrCodeLineItemInvalid        = "LINE_ITEM_INVALID"
	ErrCodeInvalidOAuthState      = "INVALID_OAUTH_STATE"
	ErrCodeInvalidIntegrationKind = "INVALID_INTEGRATION_KIND"
	ErrCodeIntegrationNotFound    = "INTEGRATION_NOT_FOUND"
	ErrCodeRefreshTokenExpired    = "REFRESH_TOKEN_EXPIRED"
	ErrCodeCalendarNotConnected   = "CALENDAR_NOT_CONNECTED"
	ErrCodeSyncConflict           = "SYNC_CONFLICT"
	ErrCodeWebhookURLBlocked      = "WEBHOOK_URL_BLOCKED"
)

// NewDocumentNotFoundError は帳票未検出エラーを生成する。
func NewDocumentNotFoundError(documentID string) *APIError {
	return &APIError{
		Code:     ErrCodeDocumentNotFound,
		Message:  fmt.Sprintf("指定された帳票が見つかりません: %s", documentID),
		Category: "pricing",
		Action:   "帳票IDを確認してください。",
	}
}

// NewLineItemNotFoundError は明細行未検出エラーを生成する。
func NewLineItemNotFoundError(lineItemID string) *APIError {
	return &APIError{
		Code:     ErrCodeLineItemNotFound,
		Message:  fmt.Sprintf("指定された明細行が見つかりません: %s", lineItemID),
		Category: "pricing",
		Action:   "明細行IDを確認してください。",
	}
}

// NewInvalidDocumentKindError は無効な帳票種別エラーを生成する。
func NewInvalidDocumentKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDocumentKind,
		Message:  fmt.Sprintf("無効な帳票種別です: %s", kind),
		Category: "validation",
		Action:   "帳票種別には quote、order、invoice のいずれかを指定してください。",
	}
}

// NewInvalidCurrencyError は無効な通貨コードエラーを生成する。
func NewInvalidCurrencyError(code string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCurrency,
		Message:  fmt.Sprintf("無効な通貨コードです: %s", code),
		Category: "validation",
		Action:   "ISO 4217形式の通貨コード（DKK、USD等）を指定してください。",
	}
}

// NewLineItemInvalidError は明細行バリデーション失敗エラーを生成する。
// フィールドごとの違反内容はレスポンスのerrors配列で返す。
func NewLineItemInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeLineItemInvalid,
		Message:  "明細行の入力内容に誤りがあります。",
		Category: "validation",
		Action:   "errors配列の各フィールドを修正してください。",
	}
}

// NewInvalidOAuthStateError は無効なstateパラメータエラーを生成する。
// stateが存在しない、期限切れ、または消費済みの場合に返す。
func NewInvalidOAuthStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOAuthState,
		Message:  "OAuth連携フローのstateが無効か期限切れです。",
		Category: "integration",
		Action:   "連携を最初からやり直してください。",
	}
}

// NewInvalidIntegrationKindError は無効な連携種別エラーを生成する。
func NewInvalidIntegrationKindError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidIntegrationKind,
		Message:  fmt.Sprintf("無効な連携種別です: %s", kind),
		Category: "validation",
		Action:   "連携種別には gmail または calendar を指定してください。",
	}
}

// NewIntegrationNotFoundError は連携未登録エラーを生成する。
func NewIntegrationNotFoundError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeIntegrationNotFound,
		Message:  fmt.Sprintf("Google連携（%s）が登録されていません。", kind),
		Category: "integration",
		Action:   "設定画面からGoogleアカウントを連携してください。",
	}
}

// NewRefreshTokenExpiredError はリフレッシュトークン失効エラーを生成する。
// 再同意が必要な終端エラーであり、自動リトライしてはならない。
func NewRefreshTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeRefreshTokenExpired,
		Message:  "Googleのリフレッシュトークンが失効しています。",
		Category: "integration",
		Action:   "Googleアカウントの連携をやり直してください。",
	}
}

// NewCalendarNotConnectedError はカレンダー未連携エラーを生成する。
func NewCalendarNotConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeCalendarNotConnected,
		Message:  "カレンダーが連携されていません。",
		Category: "integration",
		Action:   "先にGoogleカレンダーを連携してから同期を有効化してください。",
	}
}

// NewSyncConflictError は連携行の同時更新競合エラーを生成する。
func NewSyncConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeSyncConflict,
		Message:  "別の操作が同じ連携を同時に更新しました。",
		Category: "integration",
		Action:   "最新の状態を確認してから再度お試しください。",
	}
}

// NewWebhookURLBlockedError はWebhook受信URLの検証失敗エラーを生成する。
func NewWebhookURLBlockedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWebhookURLBlocked,
		Message:  fmt.Sprintf("Webhook受信URLが安全性検証を通過しませんでした: %s", reason),
		Category: "system",
		Action:   "WEBHOOK_BASE_URLに公開HTTPSのURLを設定してください。",
	}
}
