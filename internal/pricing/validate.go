// Package pricing は明細行のバリデーションと金額プレビュー計算を提供する。
//
// バリデーションは例外を投げず、フィールドごとの違反リストを返す。
// フォームが全エラーを一括表示できるよう、ルールは短絡評価せず
// すべて独立に評価される。
package pricing

import (
	"math"
	"strings"

	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/money"
)

// FieldError は1フィールドに対するバリデーション違反を表す。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// LineItemPatch は明細行の部分入力を表す。
// nilのフィールドは「未指定」を意味し、バリデーション対象にならない。
type LineItemPatch struct {
	Description *string  `json:"description,omitempty"`
	Qty         *float64 `json:"qty,omitempty"`
	UnitMinor   *int64   `json:"unit_minor,omitempty"`
	DiscountPct *float64 `json:"discount_pct,omitempty"`
	TaxRatePct  *float64 `json:"tax_rate_pct,omitempty"`
}

// PatchFromLine は既存の明細行を全フィールド指定済みのパッチに変換する。
func PatchFromLine(line *model.LineItem) LineItemPatch {
	return LineItemPatch{
		Description: &line.Description,
		Qty:         &line.Qty,
		UnitMinor:   &line.UnitMinor,
		DiscountPct: &line.DiscountPct,
		TaxRatePct:  &line.TaxRatePct,
	}
}

// MergePatch はパッチを既存明細行の上にフィールド単位で重ねる。
// パッチ側のフィールドが優先される。existingがnilの場合はパッチをそのまま返す。
func MergePatch(patch LineItemPatch, existing *model.LineItem) LineItemPatch {
	if existing == nil {
		return patch
	}
	merged := PatchFromLine(existing)
	if patch.Description != nil {
		merged.Description = patch.Description
	}
	if patch.Qty != nil {
		merged.Qty = patch.Qty
	}
	if patch.UnitMinor != nil {
		merged.UnitMinor = patch.UnitMinor
	}
	if patch.DiscountPct != nil {
		merged.DiscountPct = patch.DiscountPct
	}
	if patch.TaxRatePct != nil {
		merged.TaxRatePct = patch.TaxRatePct
	}
	return merged
}

// ValidateLineItem は部分入力の各フィールドを検証し、違反リストを返す。
// 指定されていないフィールドは検証できないため報告されない
// （部分更新セマンティクス）。全ルールは独立に評価される。
//
//   - description: 必須。トリム後に空でないこと。
//   - qty: 0以上かつ有限であること（負数と非数で別メッセージ）。
//   - unitMinor: 0以上であること。
//   - discountPct: 0〜100の範囲かつ有限であること。
//   - taxRatePct: 0〜100の範囲かつ有限であること。
func ValidateLineItem(patch LineItemPatch) []FieldError {
	errs := []FieldError{}

	if patch.Description != nil && strings.TrimSpace(*patch.Description) == "" {
		errs = append(errs, FieldError{
			Field:   "description",
			Message: "品目の説明は必須です。",
		})
	}

	if patch.Qty != nil {
		switch {
		case !isFinite(*patch.Qty):
			errs = append(errs, FieldError{
				Field:   "qty",
				Message: "数量が有効な数値ではありません。",
			})
		case *patch.Qty < 0:
			errs = append(errs, FieldError{
				Field:   "qty",
				Message: "数量は0以上で指定してください。",
			})
		}
	}

	if patch.UnitMinor != nil && *patch.UnitMinor < 0 {
		errs = append(errs, FieldError{
			Field:   "unit_minor",
			Message: "単価は0以上で指定してください。",
		})
	}

	if patch.DiscountPct != nil {
		switch {
		case !isFinite(*patch.DiscountPct):
			errs = append(errs, FieldError{
				Field:   "discount_pct",
				Message: "割引率が有効な数値ではありません。",
			})
		case *patch.DiscountPct < 0 || *patch.DiscountPct > 100:
			errs = append(errs, FieldError{
				Field:   "discount_pct",
				Message: "割引率は0〜100の範囲で指定してください。",
			})
		}
	}

	if patch.TaxRatePct != nil {
		switch {
		case !isFinite(*patch.TaxRatePct):
			errs = append(errs, FieldError{
				Field:   "tax_rate_pct",
				Message: "税率が有効な数値ではありません。",
			})
		case *patch.TaxRatePct < 0 || *patch.TaxRatePct > 100:
			errs = append(errs, FieldError{
				Field:   "tax_rate_pct",
				Message: "税率は0〜100の範囲で指定してください。",
			})
		}
	}

	return errs
}

// ValidateNewLineItem は新規作成時の完全な明細行を検証する。
// 部分入力と異なり、descriptionの欠落も「必須」違反として報告する。
func ValidateNewLineItem(patch LineItemPatch) []FieldError {
	errs := ValidateLineItem(patch)
	if patch.Description == nil {
		errs = append(errs, FieldError{
			Field:   "description",
			Message: "品目の説明は必須です。",
		})
	}
	return errs
}

// ValidateLineItemPatch はパッチを既存明細行にマージしてから検証する。
// 呼び出し元が未変更フィールドを再送しなくても部分更新を検証できる。
// existingがnilの場合、パッチに含まれないフィールドは検証されない
// （その分だけ違反を検出できない可能性がある）。
func ValidateLineItemPatch(patch LineItemPatch, existing *model.LineItem) []FieldError {
	return ValidateLineItem(MergePatch(patch, existing))
}

// ComputeAndValidateLineTotals はバリデーションと金額計算を同時に行う。
// 計算は4つの数値フィールドがすべて「指定されている」場合にのみ実行される。
// 指定されてさえいれば妥当でなくても計算するため、入力途中のフォームでも
// ライブプレビューとエラーリストを同時に表示できる。
// 数値フィールドが欠けている場合の計算結果は全フィールド0。
func ComputeAndValidateLineTotals(patch LineItemPatch) (money.LineTotals, []FieldError) {
	errs := ValidateLineItem(patch)

	if patch.Qty == nil || patch.UnitMinor == nil || patch.DiscountPct == nil || patch.TaxRatePct == nil {
		return money.LineTotals{}, errs
	}

	totals := money.ComputeLineTotals(money.LineInput{
		Qty:         *patch.Qty,
		UnitMinor:   *patch.UnitMinor,
		DiscountPct: *patch.DiscountPct,
		TaxRatePct:  *patch.TaxRatePct,
	})
	return totals, errs
}

// isFinite はNaNと±Infを除外する。
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
