// Package oauth はGoogle OAuth 2.0のトークンライフサイクルを提供する。
// PKCE付き認可コードフロー、トークンリフレッシュ、失効判定を含む。
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierByteLen はcode_verifierの乱数バイト長。
const verifierByteLen = 32

// GenerateCodeVerifier はPKCEのcode_verifierを生成する。
// 32バイトの乱数をパディングなしbase64urlでエンコードした文字列を返す。
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, verifierByteLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallenge はcode_verifierからS256方式のcode_challengeを導出する。
// SHA-256ダイジェストをパディングなしbase64urlでエンコードする。
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
