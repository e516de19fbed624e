package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	AuthSecret        []byte
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 金額プレビュー
	Metrics metrics.MetricsCollector

	// 帳票
	DocumentService DocumentServiceInterface

	// Google連携
	IntegrationService IntegrationServiceInterface
	OAuthConfig        OAuthHandlerConfig

	// カレンダー同期
	CalendarService CalendarServiceInterface

	// メトリクス公開
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Auth → RateLimit(General)
//
// 公開ルート（/health、/metrics、OAuthコールバック、Webhook受信）は
// 認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	pricingHandler := NewPricingHandler(deps.Metrics)
	documentHandler := NewDocumentHandler(deps.DocumentService)
	oauthHandler := NewOAuthHandler(deps.IntegrationService, deps.CalendarService, deps.OAuthConfig)
	calendarHandler := NewCalendarHandler(deps.CalendarService)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// OAuthコールバック（GoogleからのブラウザリダイレクトはJWTを持たない）
	r.Get("/oauth/google/callback", oauthHandler.Callback)

	// カレンダーWebhook受信（Googleのプッシュ通知）
	r.Post("/webhooks/google/calendar", calendarHandler.Webhook)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.AuthSecret))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 金額プレビュー計算
		r.Route("/api/pricing", func(r chi.Router) {
			r.Post("/line-totals", pricingHandler.PreviewLineTotals)
			r.Post("/document-totals", pricingHandler.PreviewDocumentTotals)
		})

		// 帳票管理
		r.Route("/api/documents", func(r chi.Router) {
			r.Get("/", documentHandler.ListDocuments)
			r.Post("/", documentHandler.CreateDocument)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", documentHandler.GetDocument)
				r.Delete("/", documentHandler.DeleteDocument)

				r.Route("/lines", func(r chi.Router) {
					r.Post("/", documentHandler.AddLineItem)
					r.Patch("/{lineID}", documentHandler.PatchLineItem)
					r.Delete("/{lineID}", documentHandler.DeleteLineItem)
				})
			})
		})

		// Google連携
		r.Route("/api/integrations/google", func(r chi.Router) {
			r.Get("/start", oauthHandler.Start)
			r.Get("/status", oauthHandler.Status)
			r.Post("/refresh", oauthHandler.Refresh)
			r.Post("/disconnect", oauthHandler.Disconnect)
		})

		// カレンダー同期（外部APIを伴う操作は専用レート制限を追加）
		r.Route("/api/calendar/sync", func(r chi.Router) {
			r.Get("/status", calendarHandler.Status)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/enable", calendarHandler.EnableSync)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/disable", calendarHandler.DisableSync)
			r.With(deps.RateLimiter.SyncMiddleware()).Post("/renew", calendarHandler.Renew)
		})
	})

	return r
}
