package pricing

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizerService は明細行説明文のサニタイズ機能のインターフェースを定義する。
// CRMのリッチテキスト入力から流れてくるHTML断片を保存前に除去する。
type DescriptionSanitizerService interface {
	// Sanitize は説明文からHTMLタグをすべて除去し、前後の空白をトリムして返す。
	// 帳票の明細行は常にプレーンテキストで保存・印字される。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// descriptionSanitizer はDescriptionSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type descriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはタグを一切許可しないため、script等の危険要素だけでなく
// 装飾タグもすべてテキストのみに落とされる。
func NewDescriptionSanitizer() *descriptionSanitizer {
	return &descriptionSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は説明文からHTMLタグを除去し、前後の空白をトリムして返す。
func (s *descriptionSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// compile-time interface check
var _ DescriptionSanitizerService = (*descriptionSanitizer)(nil)
