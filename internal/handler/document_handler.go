package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okamura/dealdesk/internal/middleware"
	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/money"
	"github.com/okamura/dealdesk/internal/pricing"
)

// DocumentServiceInterface は帳票ハンドラーが必要とするサービスインターフェース。
type DocumentServiceInterface interface {
	CreateDocument(ctx context.Context, userID string, kind model.DocumentKind, currencyCode string) (*model.Document, error)
	GetDocument(ctx context.Context, userID, documentID string) (*model.Document, []*model.LineItem, error)
	ListDocuments(ctx context.Context, userID string) ([]*model.Document, error)
	DeleteDocument(ctx context.Context, userID, documentID string) error
	AddLineItem(ctx context.Context, userID, documentID string, patch pricing.LineItemPatch) (*model.LineItem, *model.Document, []pricing.FieldError, error)
	PatchLineItem(ctx context.Context, userID, documentID, lineItemID string, patch pricing.LineItemPatch) (*model.LineItem, *model.Document, []pricing.FieldError, error)
	DeleteLineItem(ctx context.Context, userID, documentID, lineItemID string) (*model.Document, error)
}

// DocumentHandler は帳票と明細行のHTTPハンドラー。
type DocumentHandler struct {
	service DocumentServiceInterface
}

// NewDocumentHandler はDocumentHandlerを生成する。
func NewDocumentHandler(service DocumentServiceInterface) *DocumentHandler {
	return &DocumentHandler{service: service}
}

// createDocumentRequest は帳票作成リクエストのボディ。
type createDocumentRequest struct {
	Kind     string `json:"kind"`
	Currency string `json:"currency"`
}

// documentResponse は帳票のAPIレスポンス。
// 最小通貨単位の整数に加えて表示用の整形済み合計を含む。
type documentResponse struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	SubtotalMinor  int64     `json:"subtotal_minor"`
	TaxMinor       int64     `json:"tax_minor"`
	TotalMinor     int64     `json:"total_minor"`
	TotalFormatted string    `json:"total_formatted"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// lineItemResponse は明細行のAPIレスポンス。
type lineItemResponse struct {
	ID             string  `json:"id"`
	Position       int     `json:"position"`
	Description    string  `json:"description"`
	Qty            float64 `json:"qty"`
	UnitMinor      int64   `json:"unit_minor"`
	DiscountPct    float64 `json:"discount_pct"`
	TaxRatePct     float64 `json:"tax_rate_pct"`
	GrossMinor     int64   `json:"gross_minor"`
	AfterDiscMinor int64   `json:"after_disc_minor"`
	TaxMinor       int64   `json:"tax_minor"`
	TotalMinor     int64   `json:"total_minor"`
}

// documentDetailResponse は帳票と明細行一覧のレスポンス。
type documentDetailResponse struct {
	documentResponse
	Lines []lineItemResponse `json:"lines"`
}

// lineItemMutationResponse は明細行の作成・更新結果のレスポンス。
// 更新後の帳票集計を含み、クライアント側での再取得を不要にする。
type lineItemMutationResponse struct {
	Line     lineItemResponse `json:"line"`
	Document documentResponse `json:"document"`
}

// validationErrorResponse はバリデーション違反のレスポンス。
type validationErrorResponse struct {
	apiErrorResponse
	Errors []pricing.FieldError `json:"errors"`
}

// CreateDocument は帳票作成を処理する。
// POST /api/documents
func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	doc, err := h.service.CreateDocument(r.Context(), userID, model.DocumentKind(req.Kind), req.Currency)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toDocumentResponse(doc))
}

// GetDocument は帳票詳細と明細行一覧を取得する。
// GET /api/documents/:id
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	documentID := chi.URLParam(r, "id")

	doc, lines, err := h.service.GetDocument(r.Context(), userID, documentID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := documentDetailResponse{
		documentResponse: toDocumentResponse(doc),
		Lines:            make([]lineItemResponse, len(lines)),
	}
	for i, line := range lines {
		resp.Lines[i] = toLineItemResponse(line)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListDocuments は帳票一覧を取得する。
// GET /api/documents
func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	docs, err := h.service.ListDocuments(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]documentResponse, len(docs))
	for i, doc := range docs {
		resp[i] = toDocumentResponse(doc)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteDocument は帳票を削除する。
// DELETE /api/documents/:id
func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	documentID := chi.URLParam(r, "id")

	if err := h.service.DeleteDocument(r.Context(), userID, documentID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddLineItem は明細行の追加を処理する。
// POST /api/documents/:id/lines
func (h *DocumentHandler) AddLineItem(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	documentID := chi.URLParam(r, "id")

	var patch pricing.LineItemPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	line, doc, fieldErrs, err := h.service.AddLineItem(r.Context(), userID, documentID, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if len(fieldErrs) > 0 {
		writeValidationErrors(w, fieldErrs)
		return
	}

	writeJSON(w, http.StatusCreated, lineItemMutationResponse{
		Line:     toLineItemResponse(line),
		Document: toDocumentResponse(doc),
	})
}

// PatchLineItem は明細行の部分更新を処理する。
// PATCH /api/documents/:id/lines/:lineID
func (h *DocumentHandler) PatchLineItem(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	documentID := chi.URLParam(r, "id")
	lineItemID := chi.URLParam(r, "lineID")

	var patch pricing.LineItemPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeInvalidRequestBody(w)
		return
	}

	line, doc, fieldErrs, err := h.service.PatchLineItem(r.Context(), userID, documentID, lineItemID, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if len(fieldErrs) > 0 {
		writeValidationErrors(w, fieldErrs)
		return
	}

	writeJSON(w, http.StatusOK, lineItemMutationResponse{
		Line:     toLineItemResponse(line),
		Document: toDocumentResponse(doc),
	})
}

// DeleteLineItem は明細行の削除を処理する。
// DELETE /api/documents/:id/lines/:lineID
func (h *DocumentHandler) DeleteLineItem(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}
	documentID := chi.URLParam(r, "id")
	lineItemID := chi.URLParam(r, "lineID")

	doc, err := h.service.DeleteLineItem(r.Context(), userID, documentID, lineItemID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// writeValidationErrors はフィールド違反リスト付きの400レスポンスを書き込む。
func writeValidationErrors(w http.ResponseWriter, fieldErrs []pricing.FieldError) {
	apiErr := model.NewLineItemInvalidError()
	writeJSON(w, http.StatusBadRequest, validationErrorResponse{
		apiErrorResponse: apiErrorResponse{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		},
		Errors: fieldErrs,
	})
}

// toDocumentResponse はmodel.DocumentからAPIレスポンスに変換する。
func toDocumentResponse(doc *model.Document) documentResponse {
	formatted, err := money.FormatMinor(doc.TotalMinor, doc.Currency)
	if err != nil {
		// 通貨コードは作成時に検証済み。整形に失敗しても帳票自体は返す。
		slog.Warn("failed to format document total",
			slog.String("document_id", doc.ID),
			slog.String("currency", doc.Currency),
		)
	}
	return documentResponse{
		ID:             doc.ID,
		Kind:           string(doc.Kind),
		Currency:       doc.Currency,
		Status:         doc.Status,
		SubtotalMinor:  doc.SubtotalMinor,
		TaxMinor:       doc.TaxMinor,
		TotalMinor:     doc.TotalMinor,
		TotalFormatted: formatted,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

// toLineItemResponse はmodel.LineItemからAPIレスポンスに変換する。
func toLineItemResponse(line *model.LineItem) lineItemResponse {
	return lineItemResponse{
		ID:             line.ID,
		Position:       line.Position,
		Description:    line.Description,
		Qty:            line.Qty,
		UnitMinor:      line.UnitMinor,
		DiscountPct:    line.DiscountPct,
		TaxRatePct:     line.TaxRatePct,
		GrossMinor:     line.GrossMinor,
		AfterDiscMinor: line.AfterDiscMinor,
		TaxMinor:       line.TaxMinor,
		TotalMinor:     line.TotalMinor,
	}
}
