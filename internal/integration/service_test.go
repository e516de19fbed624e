package integration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/oauth"
	"github.com/okamura/dealdesk/internal/repository"
)

// --- モック ---

type mockProvider struct {
	consentURLFn   func(state, codeChallenge string, kind model.IntegrationKind) string
	exchangeCodeFn func(ctx context.Context, code, codeVerifier string) (*oauth.Token, error)
	refreshFn      func(ctx context.Context, refreshToken string) (*oauth.Token, error)
	fetchEmailFn   func(ctx context.Context, accessToken string) (string, error)

	refreshCalls int
}

func (m *mockProvider) ConsentURL(state, codeChallenge string, kind model.IntegrationKind) string {
	if m.consentURLFn != nil {
		return m.consentURLFn(state, codeChallenge, kind)
	}
	return "https://accounts.google.com/o/oauth2/auth?state=" + state
}

func (m *mockProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*oauth.Token, error) {
	return m.exchangeCodeFn(ctx, code, codeVerifier)
}

func (m *mockProvider) Refresh(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	m.refreshCalls++
	return m.refreshFn(ctx, refreshToken)
}

func (m *mockProvider) FetchEmail(ctx context.Context, accessToken string) (string, error) {
	if m.fetchEmailFn != nil {
		return m.fetchEmailFn(ctx, accessToken)
	}
	return "user@example.com", nil
}

type mockIntegRepo struct {
	findByUserAndKindFn func(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error)
	upsertFn            func(ctx context.Context, integ *model.Integration) error
	updateTokensFn      func(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) error
	deleteFn            func(ctx context.Context, userID string, kind model.IntegrationKind) error
}

func (m *mockIntegRepo) FindByUserAndKind(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
	return m.findByUserAndKindFn(ctx, userID, kind)
}
func (m *mockIntegRepo) FindByChannelID(ctx context.Context, channelID string) (*model.Integration, error) {
	return nil, nil
}
func (m *mockIntegRepo) Upsert(ctx context.Context, integ *model.Integration) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, integ)
	}
	return nil
}
func (m *mockIntegRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) error {
	if m.updateTokensFn != nil {
		return m.updateTokensFn(ctx, id, accessToken, refreshToken, expiresAt, expectedVersion)
	}
	return nil
}
func (m *mockIntegRepo) UpdateChannel(ctx context.Context, id, resourceID, channelID string, webhookExpiration time.Time, expectedVersion int64) error {
	return nil
}
func (m *mockIntegRepo) ClearChannel(ctx context.Context, id string, expectedVersion int64) error {
	return nil
}
func (m *mockIntegRepo) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	return nil
}
func (m *mockIntegRepo) ListChannelsExpiringBefore(ctx context.Context, deadline time.Time) ([]*model.Integration, error) {
	return nil, nil
}
func (m *mockIntegRepo) DeleteByUserAndKind(ctx context.Context, userID string, kind model.IntegrationKind) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, kind)
	}
	return nil
}

type mockStateRepo struct {
	createFn  func(ctx context.Context, state *model.OAuthState) error
	consumeFn func(ctx context.Context, state string) (*model.OAuthState, error)
}

func (m *mockStateRepo) Create(ctx context.Context, state *model.OAuthState) error {
	return m.createFn(ctx, state)
}
func (m *mockStateRepo) Consume(ctx context.Context, state string) (*model.OAuthState, error) {
	return m.consumeFn(ctx, state)
}
func (m *mockStateRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// --- テスト ---

func TestStart_StoresStateWithVerifierAndReturnsConsentURL(t *testing.T) {
	var stored *model.OAuthState
	stateRepo := &mockStateRepo{
		createFn: func(ctx context.Context, state *model.OAuthState) error {
			stored = state
			return nil
		},
	}
	provider := &mockProvider{
		consentURLFn: func(state, codeChallenge string, kind model.IntegrationKind) string {
			return "https://consent.example/?state=" + state + "&challenge=" + codeChallenge
		},
	}
	svc := NewService(provider, &mockIntegRepo{}, stateRepo, metrics.NopCollector{})

	consentURL, err := svc.Start(context.Background(), "user-1", model.IntegrationKindCalendar)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	if stored == nil {
		t.Fatal("state row should be stored")
	}
	if stored.UserID != "user-1" || stored.Kind != model.IntegrationKindCalendar {
		t.Errorf("unexpected state row: %+v", stored)
	}
	if stored.CodeVerifier == "" {
		t.Error("code verifier should be stored server-side")
	}
	if !strings.Contains(consentURL, stored.State) {
		t.Errorf("consent URL %q should contain state %q", consentURL, stored.State)
	}
	// code_verifier自体はURLに漏れないこと
	if strings.Contains(consentURL, stored.CodeVerifier) {
		t.Error("code verifier must not appear in the consent URL")
	}
	if stored.ExpiresAt.Sub(stored.CreatedAt) != stateTTL {
		t.Errorf("state TTL = %v, want %v", stored.ExpiresAt.Sub(stored.CreatedAt), stateTTL)
	}
}

func TestStart_InvalidKind(t *testing.T) {
	svc := NewService(&mockProvider{}, &mockIntegRepo{}, &mockStateRepo{}, metrics.NopCollector{})

	_, err := svc.Start(context.Background(), "user-1", "dropbox")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidIntegrationKind {
		t.Errorf("expected INVALID_INTEGRATION_KIND, got %v", err)
	}
}

func TestHandleCallback_UnknownStateRejected(t *testing.T) {
	stateRepo := &mockStateRepo{
		consumeFn: func(ctx context.Context, state string) (*model.OAuthState, error) {
			return nil, nil // 存在しない・期限切れ・消費済み
		},
	}
	svc := NewService(&mockProvider{}, &mockIntegRepo{}, stateRepo, metrics.NopCollector{})

	_, err := svc.HandleCallback(context.Background(), "code", "bogus-state")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidOAuthState {
		t.Errorf("expected INVALID_OAUTH_STATE, got %v", err)
	}
}

func TestHandleCallback_ExchangesWithStoredVerifierAndUpserts(t *testing.T) {
	stateRepo := &mockStateRepo{
		consumeFn: func(ctx context.Context, state string) (*model.OAuthState, error) {
			return &model.OAuthState{
				State:        state,
				UserID:       "user-1",
				Kind:         model.IntegrationKindGmail,
				CodeVerifier: "stored-verifier",
			}, nil
		},
	}
	var exchangedVerifier string
	provider := &mockProvider{
		exchangeCodeFn: func(ctx context.Context, code, codeVerifier string) (*oauth.Token, error) {
			exchangedVerifier = codeVerifier
			return &oauth.Token{AccessToken: "at", RefreshToken: "rt", ExpiresIn: 3600}, nil
		},
	}
	var upserted *model.Integration
	integRepo := &mockIntegRepo{
		upsertFn: func(ctx context.Context, integ *model.Integration) error {
			upserted = integ
			return nil
		},
	}
	svc := NewService(provider, integRepo, stateRepo, metrics.NopCollector{})

	integ, err := svc.HandleCallback(context.Background(), "auth-code", "state-1")
	if err != nil {
		t.Fatalf("HandleCallback returned error: %v", err)
	}

	if exchangedVerifier != "stored-verifier" {
		t.Errorf("exchange used verifier %q, want stored-verifier", exchangedVerifier)
	}
	if upserted == nil {
		t.Fatal("integration should be upserted")
	}
	if integ.UserID != "user-1" || integ.Kind != model.IntegrationKindGmail {
		t.Errorf("unexpected integration: %+v", integ)
	}
	if integ.Email != "user@example.com" {
		t.Errorf("email = %q, want user@example.com", integ.Email)
	}
}

func TestRefresh_ExpiredTokenIsTerminalAndNotRetried(t *testing.T) {
	integRepo := &mockIntegRepo{
		findByUserAndKindFn: func(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
			return &model.Integration{
				ID:           "integ-1",
				UserID:       userID,
				Kind:         kind,
				RefreshToken: "expired-rt",
				Version:      3,
			}, nil
		},
	}
	provider := &mockProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*oauth.Token, error) {
			return nil, fmt.Errorf("%w: revoked", oauth.ErrRefreshTokenExpired)
		},
	}
	svc := NewService(provider, integRepo, &mockStateRepo{}, metrics.NopCollector{})

	_, err := svc.Refresh(context.Background(), "user-1", model.IntegrationKindGmail)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRefreshTokenExpired {
		t.Errorf("expected REFRESH_TOKEN_EXPIRED, got %v", err)
	}
	// 終端エラー: プロバイダー呼び出しは1回だけで、自動リトライしない
	if provider.refreshCalls != 1 {
		t.Errorf("provider called %d times, want exactly 1 (no retry)", provider.refreshCalls)
	}
}

func TestRefresh_TransientFailurePropagates(t *testing.T) {
	integRepo := &mockIntegRepo{
		findByUserAndKindFn: func(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
			return &model.Integration{ID: "integ-1", RefreshToken: "rt", Version: 1}, nil
		},
	}
	provider := &mockProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*oauth.Token, error) {
			return nil, errors.New("token endpoint returned status 503")
		},
	}
	svc := NewService(provider, integRepo, &mockStateRepo{}, metrics.NopCollector{})

	_, err := svc.Refresh(context.Background(), "user-1", model.IntegrationKindGmail)
	if err == nil {
		t.Fatal("transient failure should propagate")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeRefreshTokenExpired {
		t.Error("transient failure must not be reported as REFRESH_TOKEN_EXPIRED")
	}
}

func TestRefresh_NotConnected(t *testing.T) {
	integRepo := &mockIntegRepo{
		findByUserAndKindFn: func(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
			return nil, nil
		},
	}
	svc := NewService(&mockProvider{}, integRepo, &mockStateRepo{}, metrics.NopCollector{})

	_, err := svc.Refresh(context.Background(), "user-1", model.IntegrationKindGmail)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeIntegrationNotFound {
		t.Errorf("expected INTEGRATION_NOT_FOUND, got %v", err)
	}
}

func TestRefresh_VersionConflictReturnsWinnerRow(t *testing.T) {
	// 同時リフレッシュで負けた側は上書きせず、勝った側の行を返す
	winner := &model.Integration{
		ID:          "integ-1",
		UserID:      "user-1",
		Kind:        model.IntegrationKindGmail,
		AccessToken: "at-winner",
		Version:     5,
	}
	integRepo := &mockIntegRepo{
		findByUserAndKindFn: func(ctx context.Context, userID string, kind model.IntegrationKind) (*model.Integration, error) {
			return winner, nil
		},
		updateTokensFn: func(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time, expectedVersion int64) error {
			return repository.ErrVersionConflict
		},
	}
	provider := &mockProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*oauth.Token, error) {
			return &oauth.Token{AccessToken: "at-loser", RefreshToken: "rt", ExpiresIn: 3600}, nil
		},
	}
	svc := NewService(provider, integRepo, &mockStateRepo{}, metrics.NopCollector{})

	stale := &model.Integration{ID: "integ-1", UserID: "user-1", Kind: model.IntegrationKindGmail, RefreshToken: "rt", Version: 4}
	got, err := svc.refreshIntegration(context.Background(), stale)
	if err != nil {
		t.Fatalf("version conflict should resolve to winner row, got error: %v", err)
	}
	if got.AccessToken != "at-winner" || got.Version != 5 {
		t.Errorf("got %+v, want winner row", got)
	}
}

func TestEnsureAccessToken_SkipsRefreshWhenFresh(t *testing.T) {
	provider := &mockProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*oauth.Token, error) {
			t.Fatal("refresh must not be called for a fresh token")
			return nil, nil
		},
	}
	svc := NewService(provider, &mockIntegRepo{}, &mockStateRepo{}, metrics.NopCollector{})

	integ := &model.Integration{
		AccessToken: "at-fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	token, err := svc.EnsureAccessToken(context.Background(), integ)
	if err != nil {
		t.Fatalf("EnsureAccessToken returned error: %v", err)
	}
	if token != "at-fresh" {
		t.Errorf("token = %q, want at-fresh", token)
	}
}

func TestEnsureAccessToken_RefreshesNearExpiry(t *testing.T) {
	provider := &mockProvider{
		refreshFn: func(ctx context.Context, refreshToken string) (*oauth.Token, error) {
			return &oauth.Token{AccessToken: "at-new", RefreshToken: "rt", ExpiresIn: 3600}, nil
		},
	}
	svc := NewService(provider, &mockIntegRepo{}, &mockStateRepo{}, metrics.NopCollector{})

	integ := &model.Integration{
		ID:           "integ-1",
		AccessToken:  "at-old",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(30 * time.Second),
		Version:      1,
	}
	token, err := svc.EnsureAccessToken(context.Background(), integ)
	if err != nil {
		t.Fatalf("EnsureAccessToken returned error: %v", err)
	}
	if token != "at-new" {
		t.Errorf("token = %q, want at-new", token)
	}
	// インプレース更新で呼び出し元のバージョンも進むこと
	if integ.AccessToken != "at-new" || integ.Version != 2 {
		t.Errorf("integration not updated in place: %+v", integ)
	}
}
