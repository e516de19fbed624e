package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/okamura/dealdesk/internal/middleware"
	"github.com/okamura/dealdesk/internal/model"
)

// IntegrationServiceInterface はOAuthハンドラーが必要とするサービスインターフェース。
type IntegrationServiceInterface interface {
	// Start は同意フローを開始し、リダイレクト先の同意URLを返す。
	Start(ctx context.Context, userID string, kind model.IntegrationKind) (string, error)
	// HandleCallback はstateを消費し認可コードをトークンに交換する。
	HandleCallback(ctx context.Context, code, stateParam string) (*model.Integration, error)
	// Refresh は保存済みリフレッシュトークンで新しいアクセストークンを取得する。
	Refresh(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error)
	// Get は連携行を取得する。未登録の場合はnilを返す。
	Get(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error)
	// Disconnect は連携行を削除する。
	Disconnect(ctx context.Context, userID string, kind model.IntegrationKind) error
}

// CalendarDisabler はカレンダー連携解除時のチャネル停止に使うインターフェース。
type CalendarDisabler interface {
	DisableSync(ctx context.Context, userID string) (*model.CalendarSyncStatus, error)
}

// OAuthHandlerConfig はOAuthハンドラーの設定。
type OAuthHandlerConfig struct {
	// FrontendURL はコールバック完了後のリダイレクト先。
	FrontendURL string
}

// OAuthHandler はGoogle連携のトークンライフサイクルのHTTPハンドラー。
type OAuthHandler struct {
	service  IntegrationServiceInterface
	calendar CalendarDisabler
	config   OAuthHandlerConfig
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(service IntegrationServiceInterface, calendar CalendarDisabler, config OAuthHandlerConfig) *OAuthHandler {
	return &OAuthHandler{
		service:  service,
		calendar: calendar,
		config:   config,
	}
}

// integrationKindRequest は連携種別のみのリクエストボディ。
type integrationKindRequest struct {
	Kind string `json:"kind"`
}

// integrationStatusResponse は連携状態のAPIレスポンス。
type integrationStatusResponse struct {
	Connected bool       `json:"connected"`
	Kind      string     `json:"kind"`
	Email     string     `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// refreshErrorResponse はリフレッシュ失敗のレスポンス。
// 終端エラーの場合はrequires_reconsentで再同意の必要を明示する。
type refreshErrorResponse struct {
	apiErrorResponse
	RequiresReconsent bool `json:"requires_reconsent"`
}

// Start はOAuth同意フローを開始し、Googleの同意画面にリダイレクトする。
// GET /api/integrations/google/start?kind=gmail|calendar
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	kind := model.IntegrationKind(r.URL.Query().Get("kind"))
	consentURL, err := h.service.Start(r.Context(), userID, kind)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	http.Redirect(w, r, consentURL, http.StatusFound)
}

// Callback はGoogleからのOAuthコールバックを処理する。
// GET /oauth/google/callback?code=...&state=...
//
// 認証ミドルウェアの外に置かれる公開ルート。ユーザーの特定は
// サーバー保持のstate行から行う。処理結果はフロントエンドへの
// リダイレクトのクエリパラメータで伝える。
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// ユーザーが同意画面で拒否した場合
	if errParam := query.Get("error"); errParam != "" {
		h.redirectWithResult(w, r, url.Values{
			"integration": {"error"},
			"reason":      {errParam},
		})
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.redirectWithResult(w, r, url.Values{
			"integration": {"error"},
			"reason":      {"missing_parameters"},
		})
		return
	}

	integ, err := h.service.HandleCallback(r.Context(), code, state)
	if err != nil {
		reason := "exchange_failed"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInvalidOAuthState {
			reason = "invalid_state"
		}
		h.redirectWithResult(w, r, url.Values{
			"integration": {"error"},
			"reason":      {reason},
		})
		return
	}

	h.redirectWithResult(w, r, url.Values{
		"integration": {"connected"},
		"kind":        {string(integ.Kind)},
	})
}

// Refresh はアクセストークンのリフレッシュを処理する。
// POST /api/integrations/google/refresh
//
// リフレッシュトークン失効は401とrequires_reconsent=trueで返し、
// クライアントに再同意フローへの誘導を促す。リトライしても回復しない。
func (h *OAuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req integrationKindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	integ, err := h.service.Refresh(r.Context(), userID, model.IntegrationKind(req.Kind))
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeRefreshTokenExpired {
			writeJSON(w, http.StatusUnauthorized, refreshErrorResponse{
				apiErrorResponse: apiErrorResponse{
					Code:     apiErr.Code,
					Message:  apiErr.Message,
					Category: apiErr.Category,
					Action:   apiErr.Action,
				},
				RequiresReconsent: true,
			})
			return
		}
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toIntegrationStatusResponse(integ))
}

// Status は連携状態を取得する。
// GET /api/integrations/google/status?kind=gmail|calendar
func (h *OAuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	kind := model.IntegrationKind(r.URL.Query().Get("kind"))
	integ, err := h.service.Get(r.Context(), userID, kind)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if integ == nil {
		writeJSON(w, http.StatusOK, integrationStatusResponse{
			Connected: false,
			Kind:      string(kind),
		})
		return
	}

	writeJSON(w, http.StatusOK, toIntegrationStatusResponse(integ))
}

// Disconnect は連携を解除する。
// POST /api/integrations/google/disconnect
//
// カレンダー連携の場合は先にWebhookチャネルをベストエフォートで停止する。
func (h *OAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req integrationKindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	kind := model.IntegrationKind(req.Kind)
	if kind == model.IntegrationKindCalendar {
		// チャネル停止の失敗は解除を妨げない
		_, _ = h.calendar.DisableSync(r.Context(), userID)
	}

	if err := h.service.Disconnect(r.Context(), userID, kind); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// redirectWithResult は処理結果のクエリパラメータ付きでフロントエンドにリダイレクトする。
func (h *OAuthHandler) redirectWithResult(w http.ResponseWriter, r *http.Request, params url.Values) {
	http.Redirect(w, r, h.config.FrontendURL+"?"+params.Encode(), http.StatusFound)
}

// toIntegrationStatusResponse はmodel.IntegrationからAPIレスポンスに変換する。
func toIntegrationStatusResponse(integ *model.Integration) integrationStatusResponse {
	expiresAt := integ.ExpiresAt
	return integrationStatusResponse{
		Connected: true,
		Kind:      string(integ.Kind),
		Email:     integ.Email,
		ExpiresAt: &expiresAt,
	}
}
