package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/okamura/dealdesk/internal/middleware"
	"github.com/okamura/dealdesk/internal/model"
)

// CalendarServiceInterface はカレンダーハンドラーが必要とするサービスインターフェース。
type CalendarServiceInterface interface {
	EnableSync(ctx context.Context, userID string) (*model.CalendarSyncStatus, error)
	DisableSync(ctx context.Context, userID string) (*model.CalendarSyncStatus, error)
	Status(ctx context.Context, userID string) (*model.CalendarSyncStatus, error)
	RenewIfNeeded(ctx context.Context, userID string) (*model.CalendarSyncStatus, error)
	HandleNotification(ctx context.Context, channelID, resourceID, resourceState string) error
}

// CalendarHandler はカレンダー同期のHTTPハンドラー。
type CalendarHandler struct {
	service CalendarServiceInterface
}

// NewCalendarHandler はCalendarHandlerを生成する。
func NewCalendarHandler(service CalendarServiceInterface) *CalendarHandler {
	return &CalendarHandler{service: service}
}

// calendarSyncStatusResponse はカレンダー同期状態のAPIレスポンス。
type calendarSyncStatusResponse struct {
	Enabled    bool       `json:"enabled"`
	ResourceID string     `json:"resource_id,omitempty"`
	ChannelID  string     `json:"channel_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// EnableSync はカレンダー同期の有効化を処理する。
// POST /api/calendar/sync/enable
func (h *CalendarHandler) EnableSync(w http.ResponseWriter, r *http.Request) {
	h.syncOperation(w, r, h.service.EnableSync)
}

// DisableSync はカレンダー同期の無効化を処理する。
// POST /api/calendar/sync/disable
func (h *CalendarHandler) DisableSync(w http.ResponseWriter, r *http.Request) {
	h.syncOperation(w, r, h.service.DisableSync)
}

// Status はカレンダー同期状態を取得する。
// GET /api/calendar/sync/status
func (h *CalendarHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.syncOperation(w, r, h.service.Status)
}

// Renew はチャネルの期限が迫っている場合に更新する。
// POST /api/calendar/sync/renew
//
// 定期更新はワーカーが担う。このエンドポイントは手動更新用。
func (h *CalendarHandler) Renew(w http.ResponseWriter, r *http.Request) {
	h.syncOperation(w, r, h.service.RenewIfNeeded)
}

// syncOperation は同期操作の共通処理。
func (h *CalendarHandler) syncOperation(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, userID string) (*model.CalendarSyncStatus, error),
) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	status, err := op(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, calendarSyncStatusResponse{
		Enabled:    status.Enabled,
		ResourceID: status.ResourceID,
		ChannelID:  status.ChannelID,
		ExpiresAt:  status.ExpiresAt,
		LastSyncAt: status.LastSyncAt,
	})
}

// Webhook はGoogleカレンダーからのプッシュ通知を処理する。
// POST /webhooks/google/calendar
//
// 認証ミドルウェアの外に置かれる公開ルート。チャネルIDの照合で
// 正当性を確認し、未知のチャネルは無視する。プロバイダーへの
// 再送要求を避けるため常に200を返す。
func (h *CalendarHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	resourceID := r.Header.Get("X-Goog-Resource-ID")
	resourceState := r.Header.Get("X-Goog-Resource-State")

	if channelID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.service.HandleNotification(r.Context(), channelID, resourceID, resourceState); err != nil {
		slog.Error("failed to handle calendar notification",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
	}

	w.WriteHeader(http.StatusOK)
}
