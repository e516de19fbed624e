// Package model はドメインモデルを定義する。
package model

import "time"

// DocumentKind は帳票の種別を表す。
type DocumentKind string

const (
	// DocumentKindQuote は見積書を示す。
	DocumentKindQuote DocumentKind = "quote"
	// DocumentKindOrder は注文書を示す。
	DocumentKindOrder DocumentKind = "order"
	// DocumentKindInvoice は請求書を示す。
	DocumentKindInvoice DocumentKind = "invoice"
)

// 帳票ステータス
const (
	// DocumentStatusDraft は編集中の帳票を示す。
	DocumentStatusDraft = "draft"
	// DocumentStatusFinal は確定済みの帳票を示す。
	DocumentStatusFinal = "final"
)

// ValidDocumentKind は帳票種別が定義済みかどうかを返す。
func ValidDocumentKind(kind DocumentKind) bool {
	switch kind {
	case DocumentKindQuote, DocumentKindOrder, DocumentKindInvoice:
		return true
	}
	return false
}

// Document は見積・注文・請求のいずれかの帳票を表す。
// 金額集計（SubtotalMinor等）は明細行から常に再計算されて保存される派生値であり、
// 手動で編集されることはない。
type Document struct {
	ID            string
	UserID        string
	Kind          DocumentKind
	Currency      string // ISO 4217通貨コード（"DKK"、"USD"等）
	Status        string // draft, final
	SubtotalMinor int64  // 割引適用後小計（最小通貨単位）
	TaxMinor      int64  // 税額（最小通貨単位）
	TotalMinor    int64  // 合計（最小通貨単位）
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LineItem は帳票の明細行を表す。
// 4つの*Minor集計は入力フィールドから再計算されて保存される派生値。
type LineItem struct {
	ID             string
	DocumentID     string
	Position       int
	Description    string
	Qty            float64
	UnitMinor      int64   // 単価（最小通貨単位）
	DiscountPct    float64 // 割引率 0..100
	TaxRatePct     float64 // 税率 0..100
	GrossMinor     int64
	AfterDiscMinor int64
	TaxMinor       int64
	TotalMinor     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
