package handler

import (
	"encoding/json"
	"net/http"

	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/money"
	"github.com/okamura/dealdesk/internal/pricing"
)

// PricingHandler は金額プレビュー計算のHTTPハンドラー。
// 永続化を伴わず、フォームのライブプレビュー用に計算結果と
// バリデーション違反を同時に返す。
type PricingHandler struct {
	metrics metrics.MetricsCollector
}

// NewPricingHandler はPricingHandlerを生成する。
func NewPricingHandler(collector metrics.MetricsCollector) *PricingHandler {
	return &PricingHandler{metrics: collector}
}

// lineTotalsResponse は1明細行の計算結果のAPIレスポンス。
type lineTotalsResponse struct {
	GrossMinor     int64 `json:"gross_minor"`
	AfterDiscMinor int64 `json:"after_disc_minor"`
	TaxMinor       int64 `json:"tax_minor"`
	TotalMinor     int64 `json:"total_minor"`
}

// lineTotalsPreviewResponse は計算結果と違反リストの二重戻り値。
// errorsが空でもtotalsは返る（入力途中のフォームのプレビュー用）。
type lineTotalsPreviewResponse struct {
	Totals lineTotalsResponse   `json:"totals"`
	Errors []pricing.FieldError `json:"errors"`
}

// documentTotalsRequest は帳票集計プレビューのリクエストボディ。
type documentTotalsRequest struct {
	Lines []pricing.LineItemPatch `json:"lines"`
}

// documentTotalsResponse は帳票集計プレビューのレスポンス。
type documentTotalsResponse struct {
	SubtotalMinor int64                  `json:"subtotal_minor"`
	TaxMinor      int64                  `json:"tax_minor"`
	TotalMinor    int64                  `json:"total_minor"`
	Lines         []lineTotalsResponse   `json:"lines"`
	Errors        [][]pricing.FieldError `json:"errors"`
}

// PreviewLineTotals は1明細行の金額計算とバリデーションを同時に行う。
// POST /api/pricing/line-totals
func (h *PricingHandler) PreviewLineTotals(w http.ResponseWriter, r *http.Request) {
	var patch pricing.LineItemPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	totals, errs := pricing.ComputeAndValidateLineTotals(patch)
	h.metrics.RecordLineTotalsComputed()
	h.metrics.RecordValidationFailures(len(errs))

	writeJSON(w, http.StatusOK, lineTotalsPreviewResponse{
		Totals: toLineTotalsResponse(totals),
		Errors: errs,
	})
}

// PreviewDocumentTotals は複数明細行の計算結果を行ごとに丸めてから合算する。
// POST /api/pricing/document-totals
func (h *PricingHandler) PreviewDocumentTotals(w http.ResponseWriter, r *http.Request) {
	var req documentTotalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	lineTotals := make([]money.LineTotals, len(req.Lines))
	lineResponses := make([]lineTotalsResponse, len(req.Lines))
	lineErrors := make([][]pricing.FieldError, len(req.Lines))
	failureCount := 0
	for i, patch := range req.Lines {
		totals, errs := pricing.ComputeAndValidateLineTotals(patch)
		lineTotals[i] = totals
		lineResponses[i] = toLineTotalsResponse(totals)
		lineErrors[i] = errs
		failureCount += len(errs)
	}
	h.metrics.RecordLineTotalsComputed()
	h.metrics.RecordValidationFailures(failureCount)

	docTotals := money.SumLineTotals(lineTotals)
	writeJSON(w, http.StatusOK, documentTotalsResponse{
		SubtotalMinor: docTotals.SubtotalMinor,
		TaxMinor:      docTotals.TaxMinor,
		TotalMinor:    docTotals.TotalMinor,
		Lines:         lineResponses,
		Errors:        lineErrors,
	})
}

// toLineTotalsResponse はmoney.LineTotalsからAPIレスポンスに変換する。
func toLineTotalsResponse(totals money.LineTotals) lineTotalsResponse {
	return lineTotalsResponse{
		GrossMinor:     totals.GrossMinor,
		AfterDiscMinor: totals.AfterDiscMinor,
		TaxMinor:       totals.TaxMinor,
		TotalMinor:     totals.TotalMinor,
	}
}
