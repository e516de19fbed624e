// Package calendar はGoogleカレンダーのWebhookチャネル管理と双方向同期を提供する。
// プッシュ通知チャネルの登録・停止APIの呼び出しと、有効化・無効化・更新の
// ライフサイクル管理を含む。
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// defaultBaseURL はGoogleカレンダーAPIのベースURL。
const defaultBaseURL = "https://www.googleapis.com/calendar/v3"

// Channel は登録済みプッシュ通知チャネルを表す。
type Channel struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// ChannelClient はチャネル登録・停止APIのインターフェース。
// テストではモック実装に差し替える。
type ChannelClient interface {
	// Watch はprimaryカレンダーのイベント変更を通知するチャネルを登録する。
	Watch(ctx context.Context, accessToken, channelID, address string, expiration time.Time) (*Channel, error)
	// Stop は登録済みチャネルを停止する。
	Stop(ctx context.Context, accessToken, channelID, resourceID string) error
}

// Client はGoogleカレンダーAPIのチャネル管理クライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // テスト用にベースURLを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    defaultBaseURL,
	}
}

// watchRequest はチャネル登録リクエストのボディ。
type watchRequest struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Address    string `json:"address"`
	Expiration int64  `json:"expiration,string"`
}

// watchResponse はチャネル登録レスポンス。
type watchResponse struct {
	ResourceID string `json:"resourceId"`
	Expiration int64  `json:"expiration,string"`
}

// Watch はprimaryカレンダーのイベント変更を通知するチャネルを登録する。
// expirationはミリ秒エポックでプロバイダーに渡す。プロバイダーが上限により
// 短縮したexpirationを返した場合はそちらを採用する。
func (c *Client) Watch(ctx context.Context, accessToken, channelID, address string, expiration time.Time) (*Channel, error) {
	reqBody := watchRequest{
		ID:         channelID,
		Type:       "web_hook",
		Address:    address,
		Expiration: expiration.UnixMilli(),
	}

	body, err := c.post(ctx, accessToken, c.baseURL+"/calendars/primary/events/watch", reqBody)
	if err != nil {
		c.logger.Error("カレンダーチャネルの登録に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	var resp watchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("チャネル登録レスポンスのパースに失敗しました: %w", err)
	}
	if resp.ResourceID == "" {
		return nil, fmt.Errorf("チャネル登録レスポンスにresourceIdがありません")
	}

	ch := &Channel{
		ChannelID:  channelID,
		ResourceID: resp.ResourceID,
		Expiration: expiration,
	}
	if resp.Expiration > 0 {
		ch.Expiration = time.UnixMilli(resp.Expiration)
	}

	c.logger.Info("カレンダーチャネルを登録しました",
		slog.String("channel_id", ch.ChannelID),
		slog.String("resource_id", ch.ResourceID),
		slog.Time("expiration", ch.Expiration),
	)

	return ch, nil
}

// stopRequest はチャネル停止リクエストのボディ。
type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

// Stop は登録済みチャネルを停止する。
// 停止APIはボディなしの204を返す。
func (c *Client) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	_, err := c.post(ctx, accessToken, c.baseURL+"/channels/stop", stopRequest{
		ID:         channelID,
		ResourceID: resourceID,
	})
	if err != nil {
		c.logger.Error("カレンダーチャネルの停止に失敗しました",
			slog.String("channel_id", channelID),
			slog.String("error", err.Error()),
		)
		return err
	}

	c.logger.Info("カレンダーチャネルを停止しました",
		slog.String("channel_id", channelID),
	)
	return nil
}

// post はJSONボディをPOSTし、2xx以外をエラーとしてレスポンスボディを返す。
func (c *Client) post(ctx context.Context, accessToken, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("カレンダーAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("カレンダーAPIがステータス %s を返しました: %s",
			strconv.Itoa(resp.StatusCode), string(body))
	}

	return body, nil
}

// compile-time interface check
var _ ChannelClient = (*Client)(nil)
