// Package cleanup は期限切れOAuth state行の自動削除ジョブを提供する。
// 同意フローの途中で放棄されたstate行はコールバックで消費されないため、
// 定期バッチで掃除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/okamura/dealdesk/internal/repository"
)

// CleanupJob は期限切れOAuth state行の自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	stateRepo repository.OAuthStateRepository
	logger    *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(stateRepo repository.OAuthStateRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		stateRepo: stateRepo,
		logger:    logger,
	}
}

// Run は期限切れのstate行を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.stateRepo.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("stateクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("stateクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("stateクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔のティッカーでジョブを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("stateクリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("stateクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("stateクリーンアップの定期実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
