package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/okamura/dealdesk/internal/integration"
	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/repository"
	"github.com/okamura/dealdesk/internal/security"
)

const (
	// DefaultChannelTTL はWebhookチャネルの有効期間。
	// Googleカレンダーのチャネル上限に合わせた7日間。
	DefaultChannelTTL = 7 * 24 * time.Hour

	// DefaultRenewalWindow は期限切れ前にチャネルを更新する猶予時間。
	DefaultRenewalWindow = 24 * time.Hour
)

// Service はカレンダーWebhookチャネルのライフサイクルを管理する。
type Service struct {
	client       ChannelClient
	integSvc     *integration.Service
	integRepo    repository.IntegrationRepository
	guard        security.WebhookGuardService
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	webhookURL   string
	channelTTL   time.Duration
	renewWindow  time.Duration
}

// NewService はServiceを生成する。
// webhookURLはプロバイダーからの通知を受けるこのサーバーの公開エンドポイント。
func NewService(
	client ChannelClient,
	integSvc *integration.Service,
	integRepo repository.IntegrationRepository,
	guard security.WebhookGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	webhookURL string,
	channelTTL time.Duration,
	renewWindow time.Duration,
) *Service {
	if channelTTL <= 0 {
		channelTTL = DefaultChannelTTL
	}
	if renewWindow <= 0 {
		renewWindow = DefaultRenewalWindow
	}
	return &Service{
		client:      client,
		integSvc:    integSvc,
		integRepo:   integRepo,
		guard:       guard,
		metrics:     collector,
		logger:      logger,
		webhookURL:  webhookURL,
		channelTTL:  channelTTL,
		renewWindow: renewWindow,
	}
}

// EnableSync はカレンダー同期を有効化する。
// カレンダー連携が未登録の場合はCALENDAR_NOT_CONNECTEDを返し、部分的な行は作らない。
// 既にチャネルが登録済みの場合は何もせず現在の状態を返す。
func (s *Service) EnableSync(ctx context.Context, userID string) (*model.CalendarSyncStatus, error) {
	integ, err := s.integRepo.FindByUserAndKind(ctx, userID, model.IntegrationKindCalendar)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar integration: %w", err)
	}
	if integ == nil {
		return nil, model.NewCalendarNotConnectedError()
	}

	if integ.ChannelActive() {
		return statusOf(integ), nil
	}

	if err := s.guard.ValidateURL(s.webhookURL); err != nil {
		s.logger.Error("Webhook受信URLの検証に失敗しました",
			slog.String("url", s.webhookURL),
			slog.String("error", err.Error()),
		)
		return nil, model.NewWebhookURLBlockedError(err.Error())
	}

	accessToken, err := s.integSvc.EnsureAccessToken(ctx, integ)
	if err != nil {
		return nil, err
	}

	channelID := uuid.New().String()
	expiration := time.Now().Add(s.channelTTL)

	ch, err := s.client.Watch(ctx, accessToken, channelID, s.webhookURL, expiration)
	if err != nil {
		return nil, fmt.Errorf("failed to register calendar channel: %w", err)
	}
	s.metrics.RecordChannelRegistered()

	err = s.integRepo.UpdateChannel(ctx, integ.ID, ch.ResourceID, ch.ChannelID, ch.Expiration, integ.Version)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// 別の呼び出しが先に連携行を更新している。登録したばかりの
			// チャネルを孤児にしないため、ベストエフォートで停止する。
			if stopErr := s.client.Stop(ctx, accessToken, ch.ChannelID, ch.ResourceID); stopErr != nil {
				s.logger.Warn("競合したチャネルの停止に失敗しました",
					slog.String("channel_id", ch.ChannelID),
					slog.String("error", stopErr.Error()),
				)
			}
			return nil, model.NewSyncConflictError()
		}
		return nil, fmt.Errorf("failed to persist calendar channel: %w", err)
	}

	s.logger.Info("カレンダー同期を有効化しました",
		slog.String("user_id", userID),
		slog.String("channel_id", ch.ChannelID),
		slog.Time("expiration", ch.Expiration),
	)

	integ.ResourceID = ch.ResourceID
	integ.ChannelID = ch.ChannelID
	integ.WebhookExpiration = &ch.Expiration
	integ.Version++
	return statusOf(integ), nil
}

// DisableSync はカレンダー同期を無効化する。
// チャネルの停止はベストエフォートで、失敗してもローカルのチャネル情報は
// クリアする（プロバイダー側は期限切れで自然に停止する）。
func (s *Service) DisableSync(ctx context.Context, userID string) (*model.CalendarSyncStatus, error) {
	integ, err := s.integRepo.FindByUserAndKind(ctx, userID, model.IntegrationKindCalendar)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar integration: %w", err)
	}
	if integ == nil {
		return nil, model.NewCalendarNotConnectedError()
	}

	if !integ.ChannelActive() {
		return statusOf(integ), nil
	}

	if accessToken, tokenErr := s.integSvc.EnsureAccessToken(ctx, integ); tokenErr != nil {
		s.logger.Warn("チャネル停止用のアクセストークン取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", tokenErr.Error()),
		)
	} else if stopErr := s.client.Stop(ctx, accessToken, integ.ChannelID, integ.ResourceID); stopErr != nil {
		s.logger.Warn("カレンダーチャネルの停止に失敗しました",
			slog.String("channel_id", integ.ChannelID),
			slog.String("error", stopErr.Error()),
		)
	} else {
		s.metrics.RecordChannelStopped()
	}

	if err := s.integRepo.ClearChannel(ctx, integ.ID, integ.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, model.NewSyncConflictError()
		}
		return nil, fmt.Errorf("failed to clear calendar channel: %w", err)
	}

	s.logger.Info("カレンダー同期を無効化しました",
		slog.String("user_id", userID),
	)

	integ.ResourceID = ""
	integ.ChannelID = ""
	integ.WebhookExpiration = nil
	integ.Version++
	return statusOf(integ), nil
}

// Status はカレンダー同期の現在の状態を返す。
func (s *Service) Status(ctx context.Context, userID string) (*model.CalendarSyncStatus, error) {
	integ, err := s.integRepo.FindByUserAndKind(ctx, userID, model.IntegrationKindCalendar)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar integration: %w", err)
	}
	if integ == nil {
		return nil, model.NewCalendarNotConnectedError()
	}
	return statusOf(integ), nil
}

// RenewIfNeeded はチャネルの期限が更新猶予時間内に迫っている場合のみ更新する。
func (s *Service) RenewIfNeeded(ctx context.Context, userID string) (*model.CalendarSyncStatus, error) {
	integ, err := s.integRepo.FindByUserAndKind(ctx, userID, model.IntegrationKindCalendar)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar integration: %w", err)
	}
	if integ == nil {
		return nil, model.NewCalendarNotConnectedError()
	}
	if !integ.ChannelActive() || integ.WebhookExpiration == nil {
		return statusOf(integ), nil
	}
	if time.Until(*integ.WebhookExpiration) > s.renewWindow {
		return statusOf(integ), nil
	}

	if err := s.RenewIntegration(ctx, integ); err != nil {
		return nil, err
	}
	return statusOf(integ), nil
}

// RenewIntegration はチャネルを停止して作り直す。
// 更新ワーカーとRenewIfNeededの双方から呼ばれる。
// 旧チャネルの停止はベストエフォートで、新チャネルの登録を妨げない。
// 成功時はintegのチャネル情報をインプレースで更新する。
func (s *Service) RenewIntegration(ctx context.Context, integ *model.Integration) error {
	accessToken, err := s.integSvc.EnsureAccessToken(ctx, integ)
	if err != nil {
		s.metrics.RecordChannelRenewal("failure")
		return err
	}

	if stopErr := s.client.Stop(ctx, accessToken, integ.ChannelID, integ.ResourceID); stopErr != nil {
		s.logger.Warn("更新対象チャネルの停止に失敗しました",
			slog.String("channel_id", integ.ChannelID),
			slog.String("error", stopErr.Error()),
		)
	} else {
		s.metrics.RecordChannelStopped()
	}

	channelID := uuid.New().String()
	expiration := time.Now().Add(s.channelTTL)

	ch, err := s.client.Watch(ctx, accessToken, channelID, s.webhookURL, expiration)
	if err != nil {
		s.metrics.RecordChannelRenewal("failure")
		return fmt.Errorf("failed to re-register calendar channel: %w", err)
	}
	s.metrics.RecordChannelRegistered()

	err = s.integRepo.UpdateChannel(ctx, integ.ID, ch.ResourceID, ch.ChannelID, ch.Expiration, integ.Version)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			s.metrics.RecordChannelRenewal("conflict")
			if stopErr := s.client.Stop(ctx, accessToken, ch.ChannelID, ch.ResourceID); stopErr != nil {
				s.logger.Warn("競合したチャネルの停止に失敗しました",
					slog.String("channel_id", ch.ChannelID),
					slog.String("error", stopErr.Error()),
				)
			}
			return model.NewSyncConflictError()
		}
		s.metrics.RecordChannelRenewal("failure")
		return fmt.Errorf("failed to persist renewed calendar channel: %w", err)
	}

	s.metrics.RecordChannelRenewal("success")
	s.logger.Info("カレンダーチャネルを更新しました",
		slog.String("user_id", integ.UserID),
		slog.String("channel_id", ch.ChannelID),
		slog.Time("expiration", ch.Expiration),
	)

	integ.ResourceID = ch.ResourceID
	integ.ChannelID = ch.ChannelID
	integ.WebhookExpiration = &ch.Expiration
	integ.Version++
	return nil
}

// HandleNotification はプロバイダーからのWebhook通知を処理する。
// 未知のチャネルIDからの通知は無視する（停止済みチャネルの残響があり得る）。
func (s *Service) HandleNotification(ctx context.Context, channelID, resourceID, resourceState string) error {
	integ, err := s.integRepo.FindByChannelID(ctx, channelID)
	if err != nil {
		return fmt.Errorf("failed to find integration by channel: %w", err)
	}
	if integ == nil {
		s.metrics.RecordWebhookNotification("unknown")
		s.logger.Info("未知のチャネルからの通知を無視しました",
			slog.String("channel_id", channelID),
		)
		return nil
	}

	if err := s.integRepo.TouchLastSync(ctx, integ.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}

	s.metrics.RecordWebhookNotification(resourceState)
	s.logger.Info("カレンダー変更通知を受信しました",
		slog.String("user_id", integ.UserID),
		slog.String("channel_id", channelID),
		slog.String("resource_id", resourceID),
		slog.String("resource_state", resourceState),
	)
	return nil
}

// statusOf はIntegrationから同期状態ビューを導出する。
func statusOf(integ *model.Integration) *model.CalendarSyncStatus {
	return &model.CalendarSyncStatus{
		Enabled:    integ.ChannelActive(),
		ResourceID: integ.ResourceID,
		ChannelID:  integ.ChannelID,
		ExpiresAt:  integ.WebhookExpiration,
		LastSyncAt: integ.LastSyncAt,
	}
}
