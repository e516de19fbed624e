// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層とワーカーから利用する。
type MetricsCollector interface {
	RecordLineTotalsComputed()
	RecordValidationFailures(count int)
	RecordTokenExchange(result string)
	RecordTokenRefresh(result string)
	RecordChannelRegistered()
	RecordChannelStopped()
	RecordChannelRenewal(result string)
	RecordWebhookNotification(state string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	lineTotalsComputed   prometheus.Counter
	validationFailures   prometheus.Counter
	tokenExchanges       *prometheus.CounterVec
	tokenRefreshes       *prometheus.CounterVec
	channelsRegistered   prometheus.Counter
	channelsStopped      prometheus.Counter
	channelRenewals      *prometheus.CounterVec
	webhookNotifications *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		lineTotalsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_line_totals_computed_total",
			Help: "明細行金額計算の実行回数",
		}),
		validationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_validation_failures_total",
			Help: "明細行バリデーション違反の合計数",
		}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_token_exchange_total",
			Help: "OAuth認可コード交換の結果別回数",
		}, []string{"result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_token_refresh_total",
			Help: "OAuthトークンリフレッシュの結果別回数",
		}, []string{"result"}),
		channelsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_calendar_channels_registered_total",
			Help: "カレンダーWebhookチャネル登録の合計数",
		}),
		channelsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dealdesk_calendar_channels_stopped_total",
			Help: "カレンダーWebhookチャネル停止の合計数",
		}),
		channelRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_calendar_channel_renewals_total",
			Help: "カレンダーWebhookチャネル更新の結果別回数",
		}, []string{"result"}),
		webhookNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dealdesk_webhook_notifications_total",
			Help: "受信したカレンダーWebhook通知の状態別回数",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.lineTotalsComputed,
		c.validationFailures,
		c.tokenExchanges,
		c.tokenRefreshes,
		c.channelsRegistered,
		c.channelsStopped,
		c.channelRenewals,
		c.webhookNotifications,
	)

	return c
}

// RecordLineTotalsComputed は明細行金額計算の実行を記録する。
func (c *Collector) RecordLineTotalsComputed() {
	c.lineTotalsComputed.Inc()
}

// RecordValidationFailures はバリデーション違反件数を記録する。
func (c *Collector) RecordValidationFailures(count int) {
	if count > 0 {
		c.validationFailures.Add(float64(count))
	}
}

// RecordTokenExchange は認可コード交換の結果を記録する。
func (c *Collector) RecordTokenExchange(result string) {
	c.tokenExchanges.WithLabelValues(result).Inc()
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefreshes.WithLabelValues(result).Inc()
}

// RecordChannelRegistered はWebhookチャネル登録を記録する。
func (c *Collector) RecordChannelRegistered() {
	c.channelsRegistered.Inc()
}

// RecordChannelStopped はWebhookチャネル停止を記録する。
func (c *Collector) RecordChannelStopped() {
	c.channelsStopped.Inc()
}

// RecordChannelRenewal はWebhookチャネル更新の結果を記録する。
func (c *Collector) RecordChannelRenewal(result string) {
	c.channelRenewals.WithLabelValues(result).Inc()
}

// RecordWebhookNotification はWebhook通知の受信を記録する。
func (c *Collector) RecordWebhookNotification(state string) {
	c.webhookNotifications.WithLabelValues(state).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector実装。テスト用。
type NopCollector struct{}

func (NopCollector) RecordLineTotalsComputed()              {}
func (NopCollector) RecordValidationFailures(count int)     {}
func (NopCollector) RecordTokenExchange(result string)      {}
func (NopCollector) RecordTokenRefresh(result string)       {}
func (NopCollector) RecordChannelRegistered()               {}
func (NopCollector) RecordChannelStopped()                  {}
func (NopCollector) RecordChannelRenewal(result string)     {}
func (NopCollector) RecordWebhookNotification(state string) {}

// compile-time interface checks
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
