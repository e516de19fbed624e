// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuardService はWebhook受信URLの検証機能のインターフェースを定義する。
// カレンダーのプッシュ通知チャネル登録時、プロバイダーに渡すaddressが
// 公開された安全なURLであることを事前に保証する。
type WebhookGuardService interface {
	// ValidateURL はWebhook受信URLの安全性を事前に検証する。
	// httpsスキーム必須、空ホスト・プライベートIP・ループバック・
	// リンクローカル・localhostを拒否する。
	ValidateURL(rawURL string) error

	// NewSafeClient は外部URLへの到達を制限したHTTPクライアントを生成する。
	// safeurlによりプライベートIP、ループバック、リンクローカル、
	// メタデータIPへのリクエストがDialerレベルでブロックされる。
	NewSafeClient(timeout time.Duration) *http.Client
}

// allowedSchemes はWebhook受信URLで許可されるスキーム。
// Googleのチャネル登録APIはHTTPSのaddressしか受け付けないため、httpは含めない。
var allowedSchemes = []string{"https"}

// blockedNetworks は拒否されるネットワーク範囲。
// パッケージ初期化時に1回だけパースし、ValidateURLでの検証に使用する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// webhookGuard はWebhookGuardServiceの実装。
type webhookGuard struct{}

// NewWebhookGuard はWebhookGuardServiceの新しいインスタンスを生成する。
func NewWebhookGuard() *webhookGuard {
	return &webhookGuard{}
}

// ValidateURL はWebhook受信URLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証であり、DNS再バインディングは
// NewSafeClientのDialer検証側で防止される。
func (g *webhookGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	// IPアドレスの場合: ブロック対象CIDRとの照合
	ip := net.ParseIP(host)
	if ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	// ホスト名の場合: localhost等の危険なホスト名を拒否
	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// NewSafeClient は外部URLへの到達を制限したHTTPクライアントを生成する。
func (g *webhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	for _, blocked := range blockedHostnames {
		if lower == blocked {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ WebhookGuardService = (*webhookGuard)(nil)
