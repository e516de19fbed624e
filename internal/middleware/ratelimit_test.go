package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func limitedRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

// --- GeneralMiddleware のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2, // 2 req/sec
		GeneralBurst:    5, // バースト5
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, limitedRequest("user-1"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1, // 1 req/sec
		GeneralBurst:    2, // バースト2
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト分（2回）は通る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, limitedRequest("user-rate-limit"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目はレート制限に引っかかる
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("user-rate-limit"))

	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1回目は通る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("user-retry-after"))

	// 2回目は429になる
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, limitedRequest("user-retry-after"))

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	retryAfter := w2.Result().Header.Get("Retry-After")
	if retryAfter == "" {
		t.Fatal("expected Retry-After header to be present")
	}

	// Retry-Afterは数値（秒）であること
	retrySeconds, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Errorf("Retry-After header should be a number, got %q", retryAfter)
	}
	if retrySeconds < 1 {
		t.Errorf("Retry-After = %d, should be at least 1", retrySeconds)
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// ユーザーAの1回目は通る
	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, limitedRequest("user-A"))

	if wA.Result().StatusCode != http.StatusOK {
		t.Errorf("user-A first request: status = %d, want %d", wA.Result().StatusCode, http.StatusOK)
	}

	// ユーザーAの2回目は429
	wA2 := httptest.NewRecorder()
	handler.ServeHTTP(wA2, limitedRequest("user-A"))

	if wA2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want %d", wA2.Result().StatusCode, http.StatusTooManyRequests)
	}

	// ユーザーBの1回目は通る（ユーザーAのレートに影響されない）
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, limitedRequest("user-B"))

	if wB.Result().StatusCode != http.StatusOK {
		t.Errorf("user-B first request: status = %d, want %d", wB.Result().StatusCode, http.StatusOK)
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without user ID")
	}))

	// コンテキストにユーザーIDがない場合は401
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/test", nil))

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// --- SyncMiddleware のテスト ---

func TestSyncRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     100, // 高い値（制限に引っかからないように）
		GeneralBurst:    200,
		SyncRate:        1, // 1 req/sec
		SyncBurst:       1, // バースト1
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.SyncMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// 1回目は通る
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, limitedRequest("user-sync-429"))

	if w1.Result().StatusCode != http.StatusOK {
		t.Errorf("request 1: status = %d, want %d", w1.Result().StatusCode, http.StatusOK)
	}

	// 2回目は429
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, limitedRequest("user-sync-429"))

	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("request 2: status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	if retryAfter := w2.Result().Header.Get("Retry-After"); retryAfter == "" {
		t.Error("expected Retry-After header to be present")
	}
}

func TestSyncRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       1,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	// General MWでリクエスト（バーストを消費）
	generalHandler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w1 := httptest.NewRecorder()
	generalHandler.ServeHTTP(w1, limitedRequest("user-indep"))

	// General limitは使い果たした。Sync limitはまだ使える
	syncHandler := rl.SyncMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w2 := httptest.NewRecorder()
	syncHandler.ServeHTTP(w2, limitedRequest("user-indep"))

	if w2.Result().StatusCode != http.StatusOK {
		t.Errorf("sync operation should still be allowed: status = %d, want %d",
			w2.Result().StatusCode, http.StatusOK)
	}
}

// --- 429レスポンスフォーマットのテスト ---

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    1,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト消費
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("user-json-test"))

	// 429レスポンス
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, limitedRequest("user-json-test"))

	resp := w2.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "application/json" {
		t.Errorf("Content-Type = %q, want %q", contentType, "application/json")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if body["code"] == "" {
		t.Error("expected 'code' field in error response")
	}
	if body["message"] == "" {
		t.Error("expected 'message' field in error response")
	}
	if body["category"] == "" {
		t.Error("expected 'category' field in error response")
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SyncRate:        1,
		SyncBurst:       10,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// ユーザーのリクエストを発行してエントリを作成
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("user-cleanup"))

	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// エントリのTTLはCleanupIntervalの2倍（100ms）。200ms待てば削除される
	time.Sleep(200 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

// --- 設定値のテスト ---

func TestPerMinuteRateLimiterConfig(t *testing.T) {
	cfg := PerMinuteRateLimiterConfig(600, 30)

	if cfg.GeneralRate != 10.0 { // 600/60 = 10 req/sec
		t.Errorf("GeneralRate = %f, want 10.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 600 {
		t.Errorf("GeneralBurst = %d, want 600", cfg.GeneralBurst)
	}
	if cfg.SyncRate != 0.5 { // 30/60 = 0.5 req/sec
		t.Errorf("SyncRate = %f, want 0.5", cfg.SyncRate)
	}
	if cfg.SyncBurst != 30 {
		t.Errorf("SyncBurst = %d, want 30", cfg.SyncBurst)
	}
}

func TestPerMinuteRateLimiterConfig_ZeroFallsBackToDefaults(t *testing.T) {
	cfg := PerMinuteRateLimiterConfig(0, -1)
	def := DefaultRateLimiterConfig()

	if cfg.GeneralRate != def.GeneralRate || cfg.GeneralBurst != def.GeneralBurst {
		t.Errorf("general tier = %f/%d, want defaults %f/%d",
			cfg.GeneralRate, cfg.GeneralBurst, def.GeneralRate, def.GeneralBurst)
	}
	if cfg.SyncRate != def.SyncRate || cfg.SyncBurst != def.SyncBurst {
		t.Errorf("sync tier = %f/%d, want defaults %f/%d",
			cfg.SyncRate, cfg.SyncBurst, def.SyncRate, def.SyncBurst)
	}
}

func TestPerMinuteRateLimiterConfig_OverrideReachesLimiter(t *testing.T) {
	// 設定値で作ったリミッターがデフォルトではなく指定のバーストで制限すること
	rl := NewRateLimiter(PerMinuteRateLimiterConfig(120, 2))
	defer rl.Stop()

	handler := rl.SyncMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// バースト2回分は通る
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, limitedRequest("user-override"))

		if w.Result().StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Result().StatusCode, http.StatusOK)
		}
	}

	// 3回目はデフォルトのバースト10ではなく指定値2で429になる
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, limitedRequest("user-override"))

	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusTooManyRequests)
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SyncRate == 0 {
		t.Error("SyncRate should not be 0")
	}
	if cfg.SyncBurst != 10 {
		t.Errorf("SyncBurst = %d, want 10", cfg.SyncBurst)
	}
}
