// Package document は帳票と明細行のライフサイクルを提供する。
// 明細行の追加・更新は バリデーション → サニタイズ → 金額計算 → 永続化 →
// 帳票集計の再計算 の順で処理される。
package document

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/money"
	"github.com/okamura/dealdesk/internal/pricing"
	"github.com/okamura/dealdesk/internal/repository"
)

// Service は帳票と明細行の操作を提供する。
type Service struct {
	docRepo   repository.DocumentRepository
	lineRepo  repository.LineItemRepository
	sanitizer pricing.DescriptionSanitizerService
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(
	docRepo repository.DocumentRepository,
	lineRepo repository.LineItemRepository,
	sanitizer pricing.DescriptionSanitizerService,
	collector metrics.MetricsCollector,
) *Service {
	return &Service{
		docRepo:   docRepo,
		lineRepo:  lineRepo,
		sanitizer: sanitizer,
		metrics:   collector,
	}
}

// CreateDocument は帳票を作成する。金額集計は明細行ゼロとして0で初期化される。
func (s *Service) CreateDocument(ctx context.Context, userID string, kind model.DocumentKind, currencyCode string) (*model.Document, error) {
	if !model.ValidDocumentKind(kind) {
		return nil, model.NewInvalidDocumentKindError(string(kind))
	}
	if !money.ValidCurrency(currencyCode) {
		return nil, model.NewInvalidCurrencyError(currencyCode)
	}

	now := time.Now()
	doc := &model.Document{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		Currency:  currencyCode,
		Status:    model.DocumentStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.docRepo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	slog.Info("document created",
		slog.String("user_id", userID),
		slog.String("document_id", doc.ID),
		slog.String("kind", string(kind)),
	)
	return doc, nil
}

// GetDocument は帳票と明細行一覧を取得する。
func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (*model.Document, []*model.LineItem, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find document: %w", err)
	}
	if doc == nil {
		return nil, nil, model.NewDocumentNotFoundError(documentID)
	}

	lines, err := s.lineRepo.ListByDocumentID(ctx, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list line items: %w", err)
	}
	return doc, lines, nil
}

// ListDocuments はユーザーの帳票一覧を返す。
func (s *Service) ListDocuments(ctx context.Context, userID string) ([]*model.Document, error) {
	docs, err := s.docRepo.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument は帳票を削除する。明細行はDB側でCASCADE削除される。
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	doc, err := s.docRepo.FindByID(ctx, documentID, userID)
	if err != nil {
		return fmt.Errorf("failed to find document: %w", err)
	}
	if doc == nil {
		return model.NewDocumentNotFoundError(documentID)
	}
	if err := s.docRepo.Delete(ctx, documentID, userID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// AddLineItem は明細行を帳票の末尾に追加する。
// バリデーション違反がある場合は違反リストを返し、何も永続化しない。
func (s *Service) AddLineItem(ctx context.Context, userID, documentID string, patch pricing.LineItemPatch) (*model.LineItem, *model.Document, []pricing.FieldError, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID, userID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to find document: %w", err)
	}
	if doc == nil {
		return nil, nil, nil, model.NewDocumentNotFoundError(documentID)
	}

	patch = s.sanitizePatch(patch)
	if errs := pricing.ValidateNewLineItem(patch); len(errs) > 0 {
		s.metrics.RecordValidationFailures(len(errs))
		return nil, nil, errs, nil
	}

	item := lineFromPatch(patch)
	item.ID = uuid.New().String()
	item.DocumentID = documentID
	item.CreatedAt = time.Now()
	item.UpdatedAt = item.CreatedAt
	applyTotals(item)
	s.metrics.RecordLineTotalsComputed()

	if err := s.lineRepo.Create(ctx, item); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create line item: %w", err)
	}

	if err := s.recomputeDocumentTotals(ctx, doc); err != nil {
		return nil, nil, nil, err
	}
	return item, doc, nil, nil
}

// PatchLineItem は明細行を部分更新する。
// パッチは既存行にマージしてから検証されるため、未変更フィールドの
// 再送は不要。違反がある場合は違反リストを返し、何も永続化しない。
func (s *Service) PatchLineItem(ctx context.Context, userID, documentID, lineItemID string, patch pricing.LineItemPatch) (*model.LineItem, *model.Document, []pricing.FieldError, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID, userID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to find document: %w", err)
	}
	if doc == nil {
		return nil, nil, nil, model.NewDocumentNotFoundError(documentID)
	}

	existing, err := s.lineRepo.FindByID(ctx, lineItemID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to find line item: %w", err)
	}
	if existing == nil || existing.DocumentID != documentID {
		return nil, nil, nil, model.NewLineItemNotFoundError(lineItemID)
	}

	patch = s.sanitizePatch(patch)
	merged := pricing.MergePatch(patch, existing)
	if errs := pricing.ValidateLineItem(merged); len(errs) > 0 {
		s.metrics.RecordValidationFailures(len(errs))
		return nil, nil, errs, nil
	}

	updated := lineFromPatch(merged)
	updated.ID = existing.ID
	updated.DocumentID = existing.DocumentID
	updated.Position = existing.Position
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	applyTotals(updated)
	s.metrics.RecordLineTotalsComputed()

	if err := s.lineRepo.Update(ctx, updated); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to update line item: %w", err)
	}

	if err := s.recomputeDocumentTotals(ctx, doc); err != nil {
		return nil, nil, nil, err
	}
	return updated, doc, nil, nil
}

// DeleteLineItem は明細行を削除し、帳票集計を再計算する。
func (s *Service) DeleteLineItem(ctx context.Context, userID, documentID, lineItemID string) (*model.Document, error) {
	doc, err := s.docRepo.FindByID(ctx, documentID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find document: %w", err)
	}
	if doc == nil {
		return nil, model.NewDocumentNotFoundError(documentID)
	}

	existing, err := s.lineRepo.FindByID(ctx, lineItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to find line item: %w", err)
	}
	if existing == nil || existing.DocumentID != documentID {
		return nil, model.NewLineItemNotFoundError(lineItemID)
	}

	if err := s.lineRepo.Delete(ctx, lineItemID); err != nil {
		return nil, fmt.Errorf("failed to delete line item: %w", err)
	}

	if err := s.recomputeDocumentTotals(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// recomputeDocumentTotals は全明細行から帳票の金額集計を再計算して保存する。
// 行ごとに丸め済みの保存値を整数のまま合算する。
func (s *Service) recomputeDocumentTotals(ctx context.Context, doc *model.Document) error {
	lines, err := s.lineRepo.ListByDocumentID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to list line items: %w", err)
	}

	lineTotals := make([]money.LineTotals, len(lines))
	for i, line := range lines {
		lineTotals[i] = money.LineTotals{
			GrossMinor:     line.GrossMinor,
			AfterDiscMinor: line.AfterDiscMinor,
			TaxMinor:       line.TaxMinor,
			TotalMinor:     line.TotalMinor,
		}
	}
	totals := money.SumLineTotals(lineTotals)

	if err := s.docRepo.UpdateTotals(ctx, doc.ID, totals.SubtotalMinor, totals.TaxMinor, totals.TotalMinor); err != nil {
		return fmt.Errorf("failed to update document totals: %w", err)
	}

	doc.SubtotalMinor = totals.SubtotalMinor
	doc.TaxMinor = totals.TaxMinor
	doc.TotalMinor = totals.TotalMinor
	return nil
}

// sanitizePatch はパッチのdescriptionをサニタイズする。
// サニタイズはバリデーションより前に行う。タグのみの説明文は
// サニタイズ後に空になり、必須違反として検出される。
func (s *Service) sanitizePatch(patch pricing.LineItemPatch) pricing.LineItemPatch {
	if patch.Description != nil {
		clean := s.sanitizer.Sanitize(*patch.Description)
		patch.Description = &clean
	}
	return patch
}

// lineFromPatch は全フィールド指定済みパッチから明細行を組み立てる。
// nilのフィールドはゼロ値になる。
func lineFromPatch(patch pricing.LineItemPatch) *model.LineItem {
	item := &model.LineItem{}
	if patch.Description != nil {
		item.Description = *patch.Description
	}
	if patch.Qty != nil {
		item.Qty = *patch.Qty
	}
	if patch.UnitMinor != nil {
		item.UnitMinor = *patch.UnitMinor
	}
	if patch.DiscountPct != nil {
		item.DiscountPct = *patch.DiscountPct
	}
	if patch.TaxRatePct != nil {
		item.TaxRatePct = *patch.TaxRatePct
	}
	return item
}

// applyTotals は明細行の入力から保存用の金額フィールドを再計算する。
func applyTotals(item *model.LineItem) {
	totals := money.ComputeLineTotals(money.LineInput{
		Qty:         item.Qty,
		UnitMinor:   item.UnitMinor,
		DiscountPct: item.DiscountPct,
		TaxRatePct:  item.TaxRatePct,
	})
	item.GrossMinor = totals.GrossMinor
	item.AfterDiscMinor = totals.AfterDiscMinor
	item.TaxMinor = totals.TaxMinor
	item.TotalMinor = totals.TotalMinor
}
