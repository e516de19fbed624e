// Package integration はGoogle連携のトークンライフサイクルを提供する。
// PKCE付き同意フローの開始、コールバックでのコード交換、
// トークンリフレッシュ、連携解除を含む。
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/oauth"
	"github.com/okamura/dealdesk/internal/repository"
)

const (
	// stateTTL はOAuth stateの有効期間。
	// 同意画面での滞留を考慮しつつ、stateの放置リスクを抑える。
	stateTTL = 10 * time.Minute

	// refreshLeeway はアクセストークンを期限切れ前に更新する余裕時間。
	refreshLeeway = 2 * time.Minute
)

// Service はGoogle連携のトークンライフサイクルを提供する。
type Service struct {
	provider  oauth.Provider
	integRepo repository.IntegrationRepository
	stateRepo repository.OAuthStateRepository
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(
	provider oauth.Provider,
	integRepo repository.IntegrationRepository,
	stateRepo repository.OAuthStateRepository,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		provider:  provider,
		integRepo: integRepo,
		stateRepo: stateRepo,
		metrics:   collector,
	}
}

// Start はOAuth同意フローを開始し、リダイレクト先の同意URLを返す。
// PKCEのcode_verifierはサーバー保持のstate行に保存し、
// クライアント側には不透明なstateパラメータのみを渡す。
func (s *Service) Start(ctx context.Context, userID string, kind model.IntegrationKind) (string, error) {
	if !model.ValidIntegrationKind(kind) {
		return "", model.NewInvalidIntegrationKindError(string(kind))
	}

	verifier, err := oauth.GenerateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("failed to generate pkce verifier: %w", err)
	}

	now := time.Now()
	state := &model.OAuthState{
		State:        uuid.New().String(),
		UserID:       userID,
		Kind:         kind,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(stateTTL),
	}

	if err := s.stateRepo.Create(ctx, state); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	return s.provider.ConsentURL(state.State, oauth.CodeChallenge(verifier), kind), nil
}

// HandleCallback はOAuthコールバックを処理する。
// state行を一度だけ消費してcode_verifierを取り出し、認可コードをトークンに
// 交換して連携行を(userID, provider, kind)キーでupsertする。
func (s *Service) HandleCallback(ctx context.Context, code, stateParam string) (*model.Integration, error) {
	state, err := s.stateRepo.Consume(ctx, stateParam)
	if err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if state == nil {
		return nil, model.NewInvalidOAuthStateError()
	}

	token, err := s.provider.ExchangeCode(ctx, code, state.CodeVerifier)
	if err != nil {
		s.metrics.RecordTokenExchange("failure")
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	email, err := s.provider.FetchEmail(ctx, token.AccessToken)
	if err != nil {
		s.metrics.RecordTokenExchange("failure")
		return nil, fmt.Errorf("failed to fetch account email: %w", err)
	}

	now := time.Now()
	integ := &model.Integration{
		ID:           uuid.New().String(),
		UserID:       state.UserID,
		Provider:     "google",
		Kind:         state.Kind,
		Email:        email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(token.ExpiresIn) * time.Second),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.integRepo.Upsert(ctx, integ); err != nil {
		return nil, fmt.Errorf("failed to upsert integration: %w", err)
	}

	s.metrics.RecordTokenExchange("success")
	slog.Info("google integration connected",
		slog.String("user_id", state.UserID),
		slog.String("kind", string(state.Kind)),
	)

	return integ, nil
}

// Refresh は保存済みリフレッシュトークンで新しいアクセストークンを取得する。
// invalid_grantはREFRESH_TOKEN_EXPIREDの終端エラーとして返し、
// 自動リトライは行わない。他のHTTP失敗は一時的エラーとして呼び出し元に委ねる。
func (s *Service) Refresh(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
	integ, err := s.integRepo.FindByUserAndKind(ctx, userID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to find integration: %w", err)
	}
	if integ == nil {
		return nil, model.NewIntegrationNotFoundError(string(kind))
	}

	return s.refreshIntegration(ctx, integ)
}

// EnsureAccessToken は有効なアクセストークンを返す。
// 期限までの残りがrefreshLeeway未満の場合のみリフレッシュする。
func (s *Service) EnsureAccessToken(ctx context.Context, integ *model.Integration) (string, error) {
	if time.Until(integ.ExpiresAt) > refreshLeeway {
		return integ.AccessToken, nil
	}

	refreshed, err := s.refreshIntegration(ctx, integ)
	if err != nil {
		return "", err
	}
	*integ = *refreshed
	return refreshed.AccessToken, nil
}

// refreshIntegration はトークンを更新し、条件付き更新で永続化する。
func (s *Service) refreshIntegration(ctx context.Context, integ *model.Integration) (*model.Integration, error) {
	token, err := s.provider.Refresh(ctx, integ.RefreshToken)
	if err != nil {
		if errors.Is(err, oauth.ErrRefreshTokenExpired) {
			s.metrics.RecordTokenRefresh("expired")
			slog.Warn("refresh token expired, re-consent required",
				slog.String("user_id", integ.UserID),
				slog.String("kind", string(integ.Kind)),
			)
			return nil, model.NewRefreshTokenExpiredError()
		}
		s.metrics.RecordTokenRefresh("failure")
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	err = s.integRepo.UpdateTokens(ctx, integ.ID, token.AccessToken, token.RefreshToken, expiresAt, integ.Version)
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// 別の呼び出しが先にリフレッシュを終えている。
			// 上書きせず、勝った側の行を読み直して返す。
			s.metrics.RecordTokenRefresh("conflict")
			current, findErr := s.integRepo.FindByUserAndKind(ctx, integ.UserID, integ.Kind)
			if findErr != nil || current == nil {
				return nil, model.NewSyncConflictError()
			}
			return current, nil
		}
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	s.metrics.RecordTokenRefresh("success")

	updated := *integ
	updated.AccessToken = token.AccessToken
	updated.RefreshToken = token.RefreshToken
	updated.ExpiresAt = expiresAt
	updated.Version = integ.Version + 1
	return &updated, nil
}

// Get は連携行を取得する。未登録の場合はnilを返す。
func (s *Service) Get(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
	if !model.ValidIntegrationKind(kind) {
		return nil, model.NewInvalidIntegrationKindError(string(kind))
	}
	return s.integRepo.FindByUserAndKind(ctx, userID, kind)
}

// Disconnect は連携行を削除する。
// カレンダー連携のWebhookチャネル停止は呼び出し元（カレンダーサービス）が
// 先に行う。行が存在しない場合もエラーにしない。
func (s *Service) Disconnect(ctx context.Context, userID string, kind model.IntegrationKind) error {
	if !model.ValidIntegrationKind(kind) {
		return model.NewInvalidIntegrationKindError(string(kind))
	}
	if err := s.integRepo.DeleteByUserAndKind(ctx, userID, kind); err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	slog.Info("google integration disconnected",
		slog.String("user_id", userID),
		slog.String("kind", string(kind)),
	)
	return nil
}
