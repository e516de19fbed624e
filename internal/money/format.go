package money

import (
	"fmt"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ValidCurrency はISO 4217通貨コードとして解釈できるかどうかを返す。
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(code)
	return err == nil
}

// FormatMinor は最小通貨単位の金額をロケール対応の表示文字列に整形する。
// 計算にはFromMinorを、表示にはこの関数を使う。どちらが必要かは
// 呼び出し元が静的に決めること（元実装の二重契約を2関数に分離した形）。
func FormatMinor(minor int64, code string) (string, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("invalid currency code %q: %w", code, err)
	}

	p := message.NewPrinter(language.English)
	return p.Sprintf("%v", currency.Symbol(unit.Amount(FromMinor(minor)))), nil
}
