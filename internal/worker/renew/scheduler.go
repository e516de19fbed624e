// Package renew はカレンダーWebhookチャネルの自動更新ジョブを提供する。
// 期限が猶予時間内に迫ったチャネルを定期的に検出し、停止と再登録を行う。
package renew

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/repository"
)

// ChannelRenewerService はチャネル更新の実行インターフェース。
type ChannelRenewerService interface {
	// RenewIntegration は連携行のチャネルを停止して作り直す。
	RenewIntegration(ctx context.Context, integ *model.Integration) error
}

// Scheduler はチャネル更新のスケジューリングと並列制御を行う。
// ティッカーで期限の迫ったチャネルを取得し、semaphoreパターンで
// 最大並列数を制御しながら更新を実行する。
type Scheduler struct {
	integRepo      repository.IntegrationRepository
	renewer        ChannelRenewerService
	logger         *slog.Logger
	renewWindow    time.Duration
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewScheduler(
	integRepo repository.IntegrationRepository,
	renewer ChannelRenewerService,
	logger *slog.Logger,
	renewWindow time.Duration,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Scheduler{
		integRepo:      integRepo,
		renewer:        renewer,
		logger:         logger,
		renewWindow:    renewWindow,
		maxConcurrency: maxConcurrency,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("チャネル更新スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("renew_window", s.renewWindow),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("チャネル更新サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("チャネル更新スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("チャネル更新サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限の迫ったチャネルを1回取得し、並列で更新を実行する。
// 個別チャネルの失敗はログに残し、他のチャネルの更新を妨げない。
// 失効したリフレッシュトークンの連携もスキップされるだけで、
// 次サイクルで再試行される（ユーザーの再同意までは成功しない）。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	deadline := time.Now().Add(s.renewWindow)
	integrations, err := s.integRepo.ListChannelsExpiringBefore(ctx, deadline)
	if err != nil {
		return err
	}

	if len(integrations) == 0 {
		s.logger.Info("更新対象のチャネルはありません")
		return nil
	}

	s.logger.Info("チャネル更新サイクルを開始します",
		slog.Int("channel_count", len(integrations)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, integ := range integrations {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(i *model.Integration) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.renewer.RenewIntegration(ctx, i); err != nil {
				s.logger.Error("チャネル更新に失敗しました",
					slog.String("user_id", i.UserID),
					slog.String("channel_id", i.ChannelID),
					slog.String("error", err.Error()),
				)
			}
		}(integ)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("チャネル更新サイクルが完了しました",
		slog.Int("channel_count", len(integrations)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
