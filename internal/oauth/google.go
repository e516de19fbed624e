package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/okamura/dealdesk/internal/model"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// scopeGmail はGmail送信連携で要求するスコープ。
	scopeGmail = "openid email https://www.googleapis.com/auth/gmail.send"
	// scopeCalendar はカレンダー連携で要求するスコープ。
	scopeCalendar = "openid email https://www.googleapis.com/auth/calendar"
)

// ErrRefreshTokenExpired はリフレッシュトークンが失効したことを示す。
// プロバイダーがinvalid_grantを返した場合の終端エラーであり、
// ユーザーの再同意が必要になる。自動リトライしてはならない。
// それ以外のHTTP失敗は一時的エラーとして扱い、呼び出し元がリトライを判断する。
var ErrRefreshTokenExpired = errors.New("refresh token expired: re-consent required")

// Token はトークンエンドポイントから取得したトークンの組。
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // 秒
}

// Provider はOAuthトークンライフサイクルのインターフェース。
// テストではモック実装に差し替える。
type Provider interface {
	// ConsentURL は種別ごとのスコープとPKCEチャレンジ付きの同意URLを生成する。
	ConsentURL(state, codeChallenge string, kind model.IntegrationKind) string
	// ExchangeCode は認可コードとcode_verifierをトークンに交換する。
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error)
	// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
	// invalid_grantの場合はErrRefreshTokenExpiredを返す。
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
	// FetchEmail はアクセストークンで連携アカウントのメールアドレスを取得する。
	FetchEmail(ctx context.Context, accessToken string) (string, error)
}

// GoogleConfig はGoogle OAuthプロバイダーの設定。
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// GoogleProvider はGoogleのトークンエンドポイントに対するProvider実装。
type GoogleProvider struct {
	config     GoogleConfig
	httpClient *http.Client
}

// NewGoogleProvider はGoogleProviderを生成する。
func NewGoogleProvider(config GoogleConfig) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	return &GoogleProvider{
		config:     config,
		httpClient: http.DefaultClient,
	}
}

// ConsentURL はGoogle OAuthの同意URLを生成する。
// リフレッシュトークンを確実に受け取るためaccess_type=offlineと
// prompt=consentを付与する。
func (p *GoogleProvider) ConsentURL(state, codeChallenge string, kind model.IntegrationKind) string {
	scope := scopeGmail
	if kind == model.IntegrationKindCalendar {
		scope = scopeCalendar
	}

	params := url.Values{
		"client_id":             {p.config.ClientID},
		"redirect_uri":          {p.config.RedirectURL},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {state},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

// googleTokenResponse はGoogleのトークンエンドポイントのレスポンス。
type googleTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// googleErrorResponse はトークンエンドポイントのエラーレスポンス。
type googleErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode は認可コードとcode_verifierをトークンに交換する。
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Token, error) {
	data := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
		"code_verifier": {codeVerifier},
	}

	token, err := p.postToken(ctx, data)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("empty refresh token in exchange response")
	}
	return token, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// プロバイダーがinvalid_grantを返した場合はErrRefreshTokenExpiredを返す。
func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	data := url.Values{
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"grant_type":    {"refresh_token"},
	}

	token, err := p.postToken(ctx, data)
	if err != nil {
		return nil, err
	}
	// リフレッシュ応答にはrefresh_tokenが含まれないことがある。
	// その場合は既存のものを使い続ける。
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

// postToken はトークンエンドポイントへフォームをPOSTし、レスポンスを解釈する。
func (p *GoogleProvider) postToken(ctx context.Context, data url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp googleErrorResponse
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrRefreshTokenExpired, errResp.ErrorDescription)
		}
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}, nil
}

// googleUserInfo はGoogleのユーザー情報エンドポイントのレスポンス。
type googleUserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
}

// FetchEmail はアクセストークンで連携アカウントのメールアドレスを取得する。
func (p *GoogleProvider) FetchEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user info request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read user info response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user info fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var userInfo googleUserInfo
	if err := json.Unmarshal(body, &userInfo); err != nil {
		return "", fmt.Errorf("failed to parse user info response: %w", err)
	}

	if userInfo.Email == "" {
		return "", fmt.Errorf("empty email in user info response")
	}

	return userInfo.Email, nil
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
