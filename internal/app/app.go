// Package app はアプリケーションの初期化と起動モードの制御を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okamura/dealdesk/internal/calendar"
	"github.com/okamura/dealdesk/internal/config"
	"github.com/okamura/dealdesk/internal/database"
	"github.com/okamura/dealdesk/internal/document"
	"github.com/okamura/dealdesk/internal/handler"
	"github.com/okamura/dealdesk/internal/integration"
	"github.com/okamura/dealdesk/internal/logger"
	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/middleware"
	"github.com/okamura/dealdesk/internal/oauth"
	"github.com/okamura/dealdesk/internal/pricing"
	"github.com/okamura/dealdesk/internal/repository"
	"github.com/okamura/dealdesk/internal/security"
	"github.com/okamura/dealdesk/internal/worker/cleanup"
	"github.com/okamura/dealdesk/internal/worker/renew"
	"github.com/prometheus/client_golang/prometheus"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	integRepo := repository.NewPostgresIntegrationRepo(db)
	stateRepo := repository.NewPostgresOAuthStateRepo(db)
	docRepo := repository.NewPostgresDocumentRepo(db)
	lineRepo := repository.NewPostgresLineItemRepo(db)

	// 3. メトリクスとセキュリティサービスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	webhookGuard := security.NewWebhookGuard()

	// 4. ドメインサービスの初期化
	oauthProvider := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	integService := integration.NewService(oauthProvider, integRepo, stateRepo, collector)

	calendarClient := calendar.NewClient(
		webhookGuard.NewSafeClient(10*time.Second),
		slog.Default(),
	)
	calendarService := calendar.NewService(
		calendarClient, integService, integRepo, webhookGuard, collector,
		slog.Default(), cfg.WebhookURL(), cfg.ChannelTTL, cfg.RenewalWindow,
	)

	sanitizer := pricing.NewDescriptionSanitizer()
	documentService := document.NewService(docRepo, lineRepo, sanitizer, collector)

	// 5. ルーターの構築
	rateLimiterCfg := middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSync)
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		AuthSecret:        []byte(cfg.AuthSecret),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		Metrics: collector,

		DocumentService: documentService,

		IntegrationService: integService,
		OAuthConfig: handler.OAuthHandlerConfig{
			FrontendURL: cfg.BaseURL + "/settings/integrations",
		},

		CalendarService: calendarService,

		Gatherer: registry,
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、チャネル更新スケジューラとstateクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	integRepo := repository.NewPostgresIntegrationRepo(db)
	stateRepo := repository.NewPostgresOAuthStateRepo(db)

	// 3. サービスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	webhookGuard := security.NewWebhookGuard()

	oauthProvider := oauth.NewGoogleProvider(oauth.GoogleConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	integService := integration.NewService(oauthProvider, integRepo, stateRepo, collector)

	calendarClient := calendar.NewClient(
		webhookGuard.NewSafeClient(10*time.Second),
		slog.Default(),
	)
	calendarService := calendar.NewService(
		calendarClient, integService, integRepo, webhookGuard, collector,
		slog.Default(), cfg.WebhookURL(), cfg.ChannelTTL, cfg.RenewalWindow,
	)

	// 4. スケジューラとクリーンアップジョブの初期化
	scheduler := renew.NewScheduler(
		integRepo, calendarService, slog.Default(),
		cfg.RenewalWindow, cfg.RenewalMaxConcurrent,
	)
	cleanupJob := cleanup.NewCleanupJob(stateRepo, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("renewal_interval", cfg.RenewalInterval),
		slog.Duration("renewal_window", cfg.RenewalWindow),
		slog.Int("max_concurrent", cfg.RenewalMaxConcurrent),
	)

	// stateクリーンアップジョブをバックグラウンドで定期実行
	go cleanupJob.Start(ctx, cfg.StateCleanupInterval)

	// チャネル更新スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.RenewalInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
