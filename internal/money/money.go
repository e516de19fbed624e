// Package money は最小通貨単位（øre、セント等）での金額演算を提供する。
// 通貨非依存の純粋関数のみで構成され、共有状態を持たないため
// 任意のリクエストコンテキストからロックなしで呼び出せる。
package money

import "math"

// LineInput は明細行の金額計算に必要な入力値。
type LineInput struct {
	Qty         float64
	UnitMinor   int64
	DiscountPct float64 // 0..100
	TaxRatePct  float64 // 0..100
}

// LineTotals は1明細行の計算結果。常にLineInputから再計算される派生値であり、
// 保存された値を手で編集してはならない。
type LineTotals struct {
	GrossMinor     int64
	AfterDiscMinor int64
	TaxMinor       int64
	TotalMinor     int64
}

// DocumentTotals は帳票全体の集計結果。
type DocumentTotals struct {
	SubtotalMinor int64 // 割引適用後小計の合算
	TaxMinor      int64
	TotalMinor    int64
}

// ToMinor は主単位の金額を最小通貨単位に変換する。
// amount*100を四捨五入（半数は0から遠い方向へ丸め）した整数を返す。
// NaN・±Infはint64で表現できないため0に写像する。
func ToMinor(amount float64) int64 {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0
	}
	return int64(math.Round(amount * 100))
}

// FromMinor は最小通貨単位の金額を主単位のfloat64に変換する。
func FromMinor(minor int64) float64 {
	return float64(minor) / 100
}

// ComputeLineTotals は1明細行の総額・割引後額・税額・合計を計算する。
//
// 計算は主単位のfloat64で行い、4つの結果フィールドをそれぞれ独立に
// ToMinorで丸める（明細行ごと丸めポリシー）。
// qty=0なら全フィールド0、discountPct=100なら税率に関わらず
// 割引後額・税額・合計は0になる。
// 負のqtyやunitMinorは拒否しない。バリデーションは別レイヤの責務であり、
// 負値を渡した呼び出し元は数学的に整合した（負になりうる）結果を受け取る。
func ComputeLineTotals(in LineInput) LineTotals {
	gross := FromMinor(in.UnitMinor) * in.Qty
	afterDisc := gross * (1 - in.DiscountPct/100)
	tax := afterDisc * (in.TaxRatePct / 100)
	total := afterDisc + tax

	return LineTotals{
		GrossMinor:     ToMinor(gross),
		AfterDiscMinor: ToMinor(afterDisc),
		TaxMinor:       ToMinor(tax),
		TotalMinor:     ToMinor(total),
	}
}

// SumLineTotals は明細行ごとに丸め済みの結果を整数のまま合算する。
// 先に行単位で丸めてから合算する方針は既存の帳票出力との一致のために
// 固定されており、floatで合算してから丸める方式に変更してはならない。
func SumLineTotals(lines []LineTotals) DocumentTotals {
	var totals DocumentTotals
	for _, lt := range lines {
		totals.SubtotalMinor += lt.AfterDiscMinor
		totals.TaxMinor += lt.TaxMinor
		totals.TotalMinor += lt.TotalMinor
	}
	return totals
}
