package document

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okamura/dealdesk/internal/metrics"
	"github.com/okamura/dealdesk/internal/model"
	"github.com/okamura/dealdesk/internal/pricing"
	"github.com/okamura/dealdesk/internal/repository"
)

// --- モック ---

type mockDocRepo struct {
	createFn       func(ctx context.Context, doc *model.Document) error
	findByIDFn     func(ctx context.Context, id, userID string) (*model.Document, error)
	updateTotalsFn func(ctx context.Context, id string, subtotalMinor, taxMinor, totalMinor int64) error

	updateTotalsCalls int
}

func (m *mockDocRepo) Create(ctx context.Context, doc *model.Document) error {
	if m.createFn != nil {
		return m.createFn(ctx, doc)
	}
	return nil
}
func (m *mockDocRepo) FindByID(ctx context.Context, id, userID string) (*model.Document, error) {
	return m.findByIDFn(ctx, id, userID)
}
func (m *mockDocRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Document, error) {
	return nil, nil
}
func (m *mockDocRepo) UpdateTotals(ctx context.Context, id string, subtotalMinor, taxMinor, totalMinor int64) error {
	m.updateTotalsCalls++
	if m.updateTotalsFn != nil {
		return m.updateTotalsFn(ctx, id, subtotalMinor, taxMinor, totalMinor)
	}
	return nil
}
func (m *mockDocRepo) Delete(ctx context.Context, id, userID string) error { return nil }

type mockLineRepo struct {
	createFn           func(ctx context.Context, item *model.LineItem) error
	findByIDFn         func(ctx context.Context, id string) (*model.LineItem, error)
	listByDocumentIDFn func(ctx context.Context, documentID string) ([]*model.LineItem, error)
	updateFn           func(ctx context.Context, item *model.LineItem) error
	deleteFn           func(ctx context.Context, id string) error

	createCalls int
	updateCalls int
}

func (m *mockLineRepo) Create(ctx context.Context, item *model.LineItem) error {
	m.createCalls++
	if m.createFn != nil {
		return m.createFn(ctx, item)
	}
	return nil
}
func (m *mockLineRepo) FindByID(ctx context.Context, id string) (*model.LineItem, error) {
	return m.findByIDFn(ctx, id)
}
func (m *mockLineRepo) ListByDocumentID(ctx context.Context, documentID string) ([]*model.LineItem, error) {
	if m.listByDocumentIDFn != nil {
		return m.listByDocumentIDFn(ctx, documentID)
	}
	return nil, nil
}
func (m *mockLineRepo) Update(ctx context.Context, item *model.LineItem) error {
	m.updateCalls++
	if m.updateFn != nil {
		return m.updateFn(ctx, item)
	}
	return nil
}
func (m *mockLineRepo) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

var (
	_ repository.DocumentRepository = (*mockDocRepo)(nil)
	_ repository.LineItemRepository = (*mockLineRepo)(nil)
)

// --- ヘルパー ---

func newTestService(docRepo *mockDocRepo, lineRepo *mockLineRepo) *Service {
	return NewService(docRepo, lineRepo, pricing.NewDescriptionSanitizer(), metrics.NopCollector{})
}

func draftDocument() *model.Document {
	return &model.Document{
		ID:       "doc-1",
		UserID:   "user-1",
		Kind:     model.DocumentKindQuote,
		Currency: "DKK",
		Status:   model.DocumentStatusDraft,
	}
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func i64Ptr(i int64) *int64     { return &i }

// --- テスト ---

func TestCreateDocument(t *testing.T) {
	var created *model.Document
	docRepo := &mockDocRepo{
		createFn: func(ctx context.Context, doc *model.Document) error {
			created = doc
			return nil
		},
	}
	svc := newTestService(docRepo, &mockLineRepo{})

	doc, err := svc.CreateDocument(context.Background(), "user-1", model.DocumentKindInvoice, "EUR")
	if err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}

	if created == nil {
		t.Fatal("document should be persisted")
	}
	if doc.Status != model.DocumentStatusDraft {
		t.Errorf("status = %q, want draft", doc.Status)
	}
	if doc.SubtotalMinor != 0 || doc.TaxMinor != 0 || doc.TotalMinor != 0 {
		t.Errorf("new document totals should be zero: %+v", doc)
	}
}

func TestCreateDocument_InvalidInputs(t *testing.T) {
	svc := newTestService(&mockDocRepo{}, &mockLineRepo{})

	tests := []struct {
		name     string
		kind     model.DocumentKind
		currency string
		wantCode string
	}{
		{"不正な帳票種別", "receipt", "DKK", model.ErrCodeInvalidDocumentKind},
		{"不正な通貨コード", model.DocumentKindQuote, "XYZ", model.ErrCodeInvalidCurrency},
		{"小文字の通貨コード", model.DocumentKindQuote, "dkk", model.ErrCodeInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateDocument(context.Background(), "user-1", tt.kind, tt.currency)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Errorf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestAddLineItem_ComputesTotalsAndRecomputesDocument(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	var stored *model.LineItem
	lineRepo := &mockLineRepo{
		createFn: func(ctx context.Context, item *model.LineItem) error {
			stored = item
			return nil
		},
		listByDocumentIDFn: func(ctx context.Context, documentID string) ([]*model.LineItem, error) {
			return []*model.LineItem{stored}, nil
		},
	}
	svc := newTestService(docRepo, lineRepo)

	patch := pricing.LineItemPatch{
		Description: strPtr("導入支援"),
		Qty:         f64Ptr(2),
		UnitMinor:   i64Ptr(10000),
		DiscountPct: f64Ptr(10),
		TaxRatePct:  f64Ptr(25),
	}

	item, doc, verrs, err := svc.AddLineItem(context.Background(), "user-1", "doc-1", patch)
	if err != nil {
		t.Fatalf("AddLineItem returned error: %v", err)
	}
	if len(verrs) != 0 {
		t.Fatalf("unexpected validation errors: %+v", verrs)
	}

	// 2 × 10000、10%引き、25%税
	if item.GrossMinor != 20000 || item.AfterDiscMinor != 18000 || item.TaxMinor != 4500 || item.TotalMinor != 22500 {
		t.Errorf("unexpected line totals: %+v", item)
	}
	// 帳票集計も再計算される
	if doc.SubtotalMinor != 18000 || doc.TaxMinor != 4500 || doc.TotalMinor != 22500 {
		t.Errorf("unexpected document totals: %+v", doc)
	}
	if docRepo.updateTotalsCalls != 1 {
		t.Errorf("UpdateTotals called %d times, want 1", docRepo.updateTotalsCalls)
	}
}

func TestAddLineItem_ValidationFailurePersistsNothing(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	lineRepo := &mockLineRepo{}
	svc := newTestService(docRepo, lineRepo)

	patch := pricing.LineItemPatch{
		Description: strPtr("保守契約"),
		Qty:         f64Ptr(-1),
		UnitMinor:   i64Ptr(100),
		DiscountPct: f64Ptr(150),
		TaxRatePct:  f64Ptr(25),
	}

	item, _, verrs, err := svc.AddLineItem(context.Background(), "user-1", "doc-1", patch)
	if err != nil {
		t.Fatalf("validation failure is not a transport error: %v", err)
	}
	if item != nil {
		t.Error("no line item should be returned on validation failure")
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 validation errors, got %+v", verrs)
	}
	if lineRepo.createCalls != 0 || docRepo.updateTotalsCalls != 0 {
		t.Error("validation failure must not persist anything")
	}
}

func TestAddLineItem_TagOnlyDescriptionSanitizedThenRejected(t *testing.T) {
	// サニタイズはバリデーションより前: タグのみの説明文は空になり必須違反になる
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	lineRepo := &mockLineRepo{}
	svc := newTestService(docRepo, lineRepo)

	patch := pricing.LineItemPatch{
		Description: strPtr("<p><b></b></p>"),
		Qty:         f64Ptr(1),
		UnitMinor:   i64Ptr(100),
		DiscountPct: f64Ptr(0),
		TaxRatePct:  f64Ptr(0),
	}

	_, _, verrs, err := svc.AddLineItem(context.Background(), "user-1", "doc-1", patch)
	if err != nil {
		t.Fatalf("AddLineItem returned error: %v", err)
	}
	if len(verrs) != 1 || verrs[0].Field != "description" {
		t.Errorf("expected description violation after sanitizing, got %+v", verrs)
	}
	if lineRepo.createCalls != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestAddLineItem_StripsMarkupFromDescription(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	lineRepo := &mockLineRepo{}
	svc := newTestService(docRepo, lineRepo)

	patch := pricing.LineItemPatch{
		Description: strPtr(`<script>alert("x")</script>月額サポート`),
		Qty:         f64Ptr(1),
		UnitMinor:   i64Ptr(5000),
		DiscountPct: f64Ptr(0),
		TaxRatePct:  f64Ptr(0),
	}

	item, _, verrs, err := svc.AddLineItem(context.Background(), "user-1", "doc-1", patch)
	if err != nil || len(verrs) != 0 {
		t.Fatalf("AddLineItem failed: err=%v verrs=%+v", err, verrs)
	}
	if item.Description != "月額サポート" {
		t.Errorf("description = %q, want markup stripped", item.Description)
	}
}

func TestAddLineItem_DocumentNotFound(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return nil, nil
		},
	}
	svc := newTestService(docRepo, &mockLineRepo{})

	_, _, _, err := svc.AddLineItem(context.Background(), "user-1", "doc-missing", pricing.LineItemPatch{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeDocumentNotFound {
		t.Errorf("expected DOCUMENT_NOT_FOUND, got %v", err)
	}
}

func TestPatchLineItem_MergesWithExistingRow(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	existing := &model.LineItem{
		ID:          "line-1",
		DocumentID:  "doc-1",
		Position:    3,
		Description: "既存の行",
		Qty:         2,
		UnitMinor:   10000,
		DiscountPct: 0,
		TaxRatePct:  25,
		CreatedAt:   time.Now().Add(-time.Hour),
	}
	var updated *model.LineItem
	lineRepo := &mockLineRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.LineItem, error) {
			return existing, nil
		},
		updateFn: func(ctx context.Context, item *model.LineItem) error {
			updated = item
			return nil
		},
		listByDocumentIDFn: func(ctx context.Context, documentID string) ([]*model.LineItem, error) {
			return []*model.LineItem{updated}, nil
		},
	}
	svc := newTestService(docRepo, lineRepo)

	// qtyのみ変更。他のフィールドは既存値が使われること
	patch := pricing.LineItemPatch{Qty: f64Ptr(5)}

	item, doc, verrs, err := svc.PatchLineItem(context.Background(), "user-1", "doc-1", "line-1", patch)
	if err != nil || len(verrs) != 0 {
		t.Fatalf("PatchLineItem failed: err=%v verrs=%+v", err, verrs)
	}

	if item.Qty != 5 || item.Description != "既存の行" || item.UnitMinor != 10000 {
		t.Errorf("merge lost fields: %+v", item)
	}
	if item.ID != "line-1" || item.Position != 3 {
		t.Errorf("identity fields must be preserved: %+v", item)
	}
	// 5 × 10000、25%税で再計算される
	if item.AfterDiscMinor != 50000 || item.TotalMinor != 62500 {
		t.Errorf("totals not recomputed: %+v", item)
	}
	if doc.TotalMinor != 62500 {
		t.Errorf("document totals not recomputed: %+v", doc)
	}
}

func TestPatchLineItem_ViolationInMergedResultRejected(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	lineRepo := &mockLineRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.LineItem, error) {
			return &model.LineItem{ID: "line-1", DocumentID: "doc-1", Description: "有効な行", Qty: 1, UnitMinor: 100}, nil
		},
	}
	svc := newTestService(docRepo, lineRepo)

	patch := pricing.LineItemPatch{DiscountPct: f64Ptr(101)}

	_, _, verrs, err := svc.PatchLineItem(context.Background(), "user-1", "doc-1", "line-1", patch)
	if err != nil {
		t.Fatalf("PatchLineItem returned error: %v", err)
	}
	if len(verrs) != 1 || verrs[0].Field != "discount_pct" {
		t.Errorf("expected discount_pct violation, got %+v", verrs)
	}
	if lineRepo.updateCalls != 0 {
		t.Error("violation must not persist the update")
	}
}

func TestPatchLineItem_WrongDocumentIsNotFound(t *testing.T) {
	// 他帳票の行IDを指定しても更新できない
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			return draftDocument(), nil
		},
	}
	lineRepo := &mockLineRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.LineItem, error) {
			return &model.LineItem{ID: "line-1", DocumentID: "doc-other"}, nil
		},
	}
	svc := newTestService(docRepo, lineRepo)

	_, _, _, err := svc.PatchLineItem(context.Background(), "user-1", "doc-1", "line-1", pricing.LineItemPatch{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeLineItemNotFound {
		t.Errorf("expected LINE_ITEM_NOT_FOUND, got %v", err)
	}
}

func TestDeleteLineItem_RecomputesDocumentTotals(t *testing.T) {
	docRepo := &mockDocRepo{
		findByIDFn: func(ctx context.Context, id, userID string) (*model.Document, error) {
			doc := draftDocument()
			doc.SubtotalMinor = 30000
			doc.TaxMinor = 7500
			doc.TotalMinor = 37500
			return doc, nil
		},
	}
	remaining := &model.LineItem{
		ID: "line-2", DocumentID: "doc-1",
		GrossMinor: 10000, AfterDiscMinor: 10000, TaxMinor: 2500, TotalMinor: 12500,
	}
	lineRepo := &mockLineRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.LineItem, error) {
			return &model.LineItem{ID: "line-1", DocumentID: "doc-1"}, nil
		},
		listByDocumentIDFn: func(ctx context.Context, documentID string) ([]*model.LineItem, error) {
			return []*model.LineItem{remaining}, nil
		},
	}
	svc := newTestService(docRepo, lineRepo)

	doc, err := svc.DeleteLineItem(context.Background(), "user-1", "doc-1", "line-1")
	if err != nil {
		t.Fatalf("DeleteLineItem returned error: %v", err)
	}
	if doc.SubtotalMinor != 10000 || doc.TaxMinor != 2500 || doc.TotalMinor != 12500 {
		t.Errorf("document totals not recomputed from remaining lines: %+v", doc)
	}
}
