package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"signal-screener/internal/auth"
	"signal-screener/internal/database"
	"signal-screener/internal/errs"
	"signal-screener/internal/market"
	"signal-screener/internal/sandbox"
	"signal-screener/internal/trader"
)

// ============================================================================
// TEST FAKES
// ============================================================================

type fakeManager struct {
	statuses   map[string]trader.TraderStatus
	listed     []trader.TraderStatus
	active     []trader.TraderStatus
	execResult *trader.BatchResult

	startErr  error
	stopErr   error
	reloadErr error
	execErr   error

	started  []string
	lastList string
}

func (f *fakeManager) Start(ctx context.Context, id string, by auth.Identity) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeManager) Stop(ctx context.Context, id string, by auth.Identity) error {
	return f.stopErr
}

func (f *fakeManager) Reload(ctx context.Context, id string, by auth.Identity) error {
	return f.reloadErr
}

func (f *fakeManager) Status(ctx context.Context, id string) (trader.TraderStatus, error) {
	st, ok := f.statuses[id]
	if !ok {
		return trader.TraderStatus{}, errs.Ef(errs.KindNotFound, "trader %s not found", id)
	}
	return st, nil
}

func (f *fakeManager) List(ctx context.Context, userID string) ([]trader.TraderStatus, error) {
	f.lastList = userID
	return f.listed, nil
}

func (f *fakeManager) Active(by auth.Identity) []trader.TraderStatus {
	return f.active
}

func (f *fakeManager) ExecuteImmediate(ctx context.Context, id string, by auth.Identity) (*trader.BatchResult, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.execResult, nil
}

type fakeMarket struct {
	symbols []string
	series  map[string][]market.Kline
	tickers map[string]market.Ticker
}

func seriesKey(symbol string, tf market.Timeframe) string {
	return symbol + "|" + tf.String()
}

func (f *fakeMarket) ActiveSymbols() []string { return f.symbols }

func (f *fakeMarket) Snapshot(symbol string, tf market.Timeframe, limit int) ([]market.Kline, bool) {
	klines, ok := f.series[seriesKey(symbol, tf)]
	if !ok {
		return nil, false
	}
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return klines, true
}

func (f *fakeMarket) TickerOf(symbol string) (market.Ticker, bool) {
	tkr, ok := f.tickers[symbol]
	return tkr, ok
}

type fakeRunner struct {
	validateErr error
	compileErr  error
	execMatch   bool
	execErr     error
	lastSource  string
}

func (f *fakeRunner) Validate(source string) error {
	f.lastSource = source
	return f.validateErr
}

func (f *fakeRunner) Compile(source string) (*sandbox.Program, error) {
	f.lastSource = source
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	return &sandbox.Program{}, nil
}

func (f *fakeRunner) Execute(ctx context.Context, p *sandbox.Program, data market.Data, timeout time.Duration) (bool, error) {
	if f.execErr != nil {
		return false, f.execErr
	}
	return f.execMatch, nil
}

type fakeSignals struct {
	healthErr error
	insertErr error
	inserted  []*database.Signal
}

func (f *fakeSignals) InsertSignal(ctx context.Context, sig *database.Signal) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	sig.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, sig)
	return nil
}

func (f *fakeSignals) HealthCheck(ctx context.Context) error { return f.healthErr }

// ============================================================================
// TEST HELPERS
// ============================================================================

type testDeps struct {
	manager *fakeManager
	source  *fakeMarket
	runner  *fakeRunner
	store   *fakeSignals
}

func defaultDeps() *testDeps {
	return &testDeps{
		manager: &fakeManager{statuses: map[string]trader.TraderStatus{}},
		source:  &fakeMarket{series: map[string][]market.Kline{}, tickers: map[string]market.Ticker{}},
		runner:  &fakeRunner{},
		store:   &fakeSignals{},
	}
}

func newTestServer(deps *testDeps, cfg Config) *Server {
	gin.SetMode(gin.TestMode)
	if cfg.Version == "" {
		cfg.Version = "test"
	}
	return NewServer(cfg, deps.store, deps.manager, deps.source, deps.runner, auth.NewVerifier(""), zerolog.Nop())
}

// bearerToken mints a token for the decode-only verifier used in tests.
func bearerToken(t *testing.T, userID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": userID}
	if role != "" {
		claims["role"] = role
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

// doRequest runs one request through the real router. A string body is sent
// raw, anything else is marshalled to JSON.
func doRequest(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Response is not valid JSON: %v (%s)", err, w.Body.String())
	}
	return resp
}

func testBars(n int) []market.Kline {
	now := time.Now().UnixMilli() / 300_000 * 300_000
	bars := make([]market.Kline, n)
	for i := range bars {
		open := now - int64(n-i)*300_000
		bars[i] = market.Kline{
			OpenTime:  open,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100.5,
			Volume:    1000,
			CloseTime: open + 300_000 - 1,
			Closed:    true,
		}
	}
	return bars
}

// ============================================================================
// AUTH AND HEALTH
// ============================================================================

func TestAuthRequired(t *testing.T) {
	s := newTestServer(defaultDeps(), Config{})

	tests := []struct {
		name   string
		header string
	}{
		{name: "Missing header", header: ""},
		{name: "Not bearer", header: "Basic dXNlcjpwYXNz"},
		{name: "Garbage token", header: "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/symbols", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", w.Code)
			}
			resp := decodeBody(t, w)
			if resp["error"] != "auth" {
				t.Errorf("Expected error 'auth', got '%v'", resp["error"])
			}
		})
	}
}

func TestHealthEndpoint(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(deps, Config{Version: "1.2.3"})

	w := doRequest(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got '%v'", resp["status"])
	}
	if resp["version"] != "1.2.3" {
		t.Errorf("Expected version '1.2.3', got '%v'", resp["version"])
	}

	deps.store.healthErr = errs.E(errs.KindUpstream, "connection refused")
	w = doRequest(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503 when store is down, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got '%v'", resp["status"])
	}
}

// ============================================================================
// MARKET DATA
// ============================================================================

func TestSymbolsEndpoint(t *testing.T) {
	deps := defaultDeps()
	deps.source.symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	s := newTestServer(deps, Config{})
	token := bearerToken(t, "alice", "")

	w := doRequest(t, s, http.MethodGet, "/api/v1/symbols", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["count"] != float64(3) {
		t.Errorf("Expected count 3, got %v", resp["count"])
	}
}

func TestKlinesEndpoint(t *testing.T) {
	deps := defaultDeps()
	deps.source.series[seriesKey("BTCUSDT", market.TF5m)] = testBars(20)
	s := newTestServer(deps, Config{})
	token := bearerToken(t, "alice", "")

	tests := []struct {
		name        string
		path        string
		expectCode  int
		expectCount int
	}{
		{
			name:        "Full history",
			path:        "/api/v1/klines/btcusdt/5m",
			expectCode:  http.StatusOK,
			expectCount: 20,
		},
		{
			name:        "Limited",
			path:        "/api/v1/klines/BTCUSDT/5m?limit=5",
			expectCode:  http.StatusOK,
			expectCount: 5,
		},
		{
			name:        "Zero limit",
			path:        "/api/v1/klines/BTCUSDT/5m?limit=0",
			expectCode:  http.StatusOK,
			expectCount: 0,
		},
		{
			name:        "Unknown symbol",
			path:        "/api/v1/klines/DOGEUSDT/5m",
			expectCode:  http.StatusOK,
			expectCount: 0,
		},
		{
			name:       "Unknown interval",
			path:       "/api/v1/klines/BTCUSDT/7m",
			expectCode: http.StatusBadRequest,
		},
		{
			name:       "Bad limit",
			path:       "/api/v1/klines/BTCUSDT/5m?limit=abc",
			expectCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodGet, tt.path, token, nil)
			if w.Code != tt.expectCode {
				t.Fatalf("Expected status %d, got %d. Body: %s", tt.expectCode, w.Code, w.Body.String())
			}
			if tt.expectCode != http.StatusOK {
				return
			}
			resp := decodeBody(t, w)
			if resp["count"] != float64(tt.expectCount) {
				t.Errorf("Expected count %d, got %v", tt.expectCount, resp["count"])
			}
			if _, ok := resp["klines"].([]any); !ok {
				t.Errorf("Expected klines to be a list, got %T", resp["klines"])
			}
		})
	}
}

// ============================================================================
// TRADER ROUTES
// ============================================================================

func TestListTradersOwnership(t *testing.T) {
	deps := defaultDeps()
	deps.manager.listed = []trader.TraderStatus{{ID: "t1", Name: "mine"}}
	s := newTestServer(deps, Config{})

	tests := []struct {
		name       string
		token      string
		query      string
		expectCode int
	}{
		{
			name:       "Own traders",
			token:      bearerToken(t, "alice", ""),
			query:      "?userId=alice",
			expectCode: http.StatusOK,
		},
		{
			name:       "Built-ins without filter",
			token:      bearerToken(t, "alice", ""),
			query:      "",
			expectCode: http.StatusOK,
		},
		{
			name:       "Another user's traders",
			token:      bearerToken(t, "alice", ""),
			query:      "?userId=bob",
			expectCode: http.StatusForbidden,
		},
		{
			name:       "Admin crosses users",
			token:      bearerToken(t, "ops", "admin"),
			query:      "?userId=bob",
			expectCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, s, http.MethodGet, "/api/v1/traders"+tt.query, tt.token, nil)
			if w.Code != tt.expectCode {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.expectCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestStartTraderReturnsStatus(t *testing.T) {
	deps := defaultDeps()
	deps.manager.statuses["t1"] = trader.TraderStatus{ID: "t1", Name: "rsi", State: "running"}
	s := newTestServer(deps, Config{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/traders/t1/start", bearerToken(t, "alice", ""), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["state"] != "running" {
		t.Errorf("Expected state 'running', got '%v'", resp["state"])
	}
	if len(deps.manager.started) != 1 || deps.manager.started[0] != "t1" {
		t.Errorf("Expected manager.Start called for t1, got %v", deps.manager.started)
	}
}

func TestErrorKindsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		expectCode  int
		expectError string
	}{
		{
			name:        "Quota",
			err:         errs.E(errs.KindQuota, "tier free cannot start traders"),
			expectCode:  http.StatusForbidden,
			expectError: "quota",
		},
		{
			name:        "Forbidden",
			err:         errs.E(errs.KindForbidden, "not the owner"),
			expectCode:  http.StatusForbidden,
			expectError: "forbidden",
		},
		{
			name:        "Not found",
			err:         errs.E(errs.KindNotFound, "trader missing not found"),
			expectCode:  http.StatusNotFound,
			expectError: "not_found",
		},
		{
			name:        "Compile",
			err:         errs.E(errs.KindCompile, "filter does not compile"),
			expectCode:  http.StatusBadRequest,
			expectError: "compile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := defaultDeps()
			deps.manager.startErr = tt.err
			s := newTestServer(deps, Config{})

			w := doRequest(t, s, http.MethodPost, "/api/v1/traders/t1/start", bearerToken(t, "alice", ""), nil)
			if w.Code != tt.expectCode {
				t.Fatalf("Expected status %d, got %d. Body: %s", tt.expectCode, w.Code, w.Body.String())
			}
			resp := decodeBody(t, w)
			if resp["error"] != tt.expectError {
				t.Errorf("Expected error '%s', got '%v'", tt.expectError, resp["error"])
			}
			if resp["code"] != float64(tt.expectCode) {
				t.Errorf("Expected code %d, got %v", tt.expectCode, resp["code"])
			}
		})
	}
}

func TestTraderStatusNotFound(t *testing.T) {
	s := newTestServer(defaultDeps(), Config{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/traders/ghost/status", bearerToken(t, "alice", ""), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestActiveTradersEndpoint(t *testing.T) {
	deps := defaultDeps()
	deps.manager.active = []trader.TraderStatus{
		{ID: "t1", State: "running"},
		{ID: "t2", State: "running"},
	}
	s := newTestServer(deps, Config{})

	w := doRequest(t, s, http.MethodGet, "/api/v1/traders/active", bearerToken(t, "alice", ""), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", resp["count"])
	}
}

func TestExecuteImmediateEndpoint(t *testing.T) {
	deps := defaultDeps()
	deps.manager.execResult = &trader.BatchResult{
		TraderID:       "t1",
		SymbolsChecked: 3,
		SymbolsMatched: 1,
	}
	s := newTestServer(deps, Config{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/traders/t1/execute-immediate", bearerToken(t, "alice", ""), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["symbolsChecked"] != float64(3) {
		t.Errorf("Expected symbolsChecked 3, got %v", resp["symbolsChecked"])
	}
	if resp["symbolsMatched"] != float64(1) {
		t.Errorf("Expected symbolsMatched 1, got %v", resp["symbolsMatched"])
	}
}

// ============================================================================
// SIGNAL ADMINISTRATION
// ============================================================================

func TestInsertSignalAdminGate(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(deps, Config{})
	payload := map[string]any{
		"traderId":       "t1",
		"symbol":         "ethusdt",
		"klineTimestamp": 1700000100000,
		"priceAtSignal":  2200.5,
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/signals", bearerToken(t, "alice", ""), payload)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403 for non-admin, got %d", w.Code)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/signals", bearerToken(t, "ops", "admin"), payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", w.Code, w.Body.String())
	}
	if len(deps.store.inserted) != 1 {
		t.Fatalf("Expected 1 inserted signal, got %d", len(deps.store.inserted))
	}
	sig := deps.store.inserted[0]
	if sig.Symbol != "ETHUSDT" {
		t.Errorf("Expected symbol uppercased to ETHUSDT, got %s", sig.Symbol)
	}
	if sig.Count != 1 {
		t.Errorf("Expected count 1, got %d", sig.Count)
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/signals", bearerToken(t, "ops", "admin"), map[string]any{"symbol": "BTCUSDT"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for missing traderId, got %d", w.Code)
	}
}

// ============================================================================
// EDITOR ENDPOINTS
// ============================================================================

func TestExecuteFilterWithInlineData(t *testing.T) {
	deps := defaultDeps()
	deps.runner.execMatch = true
	s := newTestServer(deps, Config{})

	payload := map[string]any{
		"code":   `return data.LastClose("5m") > 0`,
		"symbol": "ethusdt",
		"marketData": map[string]any{
			"symbol": "ETHUSDT",
			"klines": map[string]any{
				"5m": []map[string]any{{"openTime": 1700000100000, "close": 2200.5, "closed": true}},
			},
		},
	}
	w := doRequest(t, s, http.MethodPost, "/api/v1/execute-filter", bearerToken(t, "alice", ""), payload)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["matched"] != true {
		t.Errorf("Expected matched true, got %v", resp["matched"])
	}
	if resp["symbol"] != "ETHUSDT" {
		t.Errorf("Expected symbol ETHUSDT, got %v", resp["symbol"])
	}
}

func TestExecuteFilterFromCache(t *testing.T) {
	deps := defaultDeps()
	deps.source.series[seriesKey("BTCUSDT", market.TF5m)] = testBars(60)
	deps.source.tickers["BTCUSDT"] = market.Ticker{LastPrice: 100.5, PriceChangePercent: 1.5}
	s := newTestServer(deps, Config{})

	// no symbol and no inline data falls back to cached BTCUSDT
	w := doRequest(t, s, http.MethodPost, "/api/v1/execute-filter", bearerToken(t, "alice", ""), map[string]any{"code": "return false"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	if resp["matched"] != false {
		t.Errorf("Expected matched false, got %v", resp["matched"])
	}

	// symbol the cache has never seen
	w = doRequest(t, s, http.MethodPost, "/api/v1/execute-filter", bearerToken(t, "alice", ""), map[string]any{
		"code":   "return true",
		"symbol": "DOGEUSDT",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for uncached symbol, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestExecuteFilterCompileError(t *testing.T) {
	deps := defaultDeps()
	deps.runner.compileErr = errs.E(errs.KindCompile, "1:1: expected statement")
	s := newTestServer(deps, Config{})

	w := doRequest(t, s, http.MethodPost, "/api/v1/execute-filter", bearerToken(t, "alice", ""), map[string]any{"code": "not go"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d. Body: %s", w.Code, w.Body.String())
	}
	if resp := decodeBody(t, w); resp["error"] != "compile" {
		t.Errorf("Expected error 'compile', got '%v'", resp["error"])
	}
}

func TestValidateCodeEndpoint(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(deps, Config{})
	token := bearerToken(t, "alice", "")

	w := doRequest(t, s, http.MethodPost, "/api/v1/validate-code", token, map[string]any{"code": "return true"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["valid"] != true {
		t.Errorf("Expected valid true, got %v", resp["valid"])
	}

	deps.runner.validateErr = errs.E(errs.KindCompile, "3:7: undefined: bogus")
	w = doRequest(t, s, http.MethodPost, "/api/v1/validate-code", token, map[string]any{"code": "bogus()"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for invalid code, got %d", w.Code)
	}
	resp := decodeBody(t, w)
	if resp["valid"] != false {
		t.Errorf("Expected valid false, got %v", resp["valid"])
	}
	if resp["error"] == "" || resp["error"] == nil {
		t.Error("Expected a compiler diagnostic in the response")
	}

	w = doRequest(t, s, http.MethodPost, "/api/v1/validate-code", token, `{invalid}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for malformed JSON, got %d", w.Code)
	}
}

func TestSandboxRateLimit(t *testing.T) {
	deps := defaultDeps()
	s := newTestServer(deps, Config{SandboxRateLimit: 2, SandboxRateWindow: time.Minute})
	token := bearerToken(t, "alice", "")
	payload := map[string]any{"code": "return true"}

	for i := 0; i < 2; i++ {
		w := doRequest(t, s, http.MethodPost, "/api/v1/validate-code", token, payload)
		if w.Code != http.StatusOK {
			t.Fatalf("Request %d should succeed, got status %d", i+1, w.Code)
		}
	}

	w := doRequest(t, s, http.MethodPost, "/api/v1/validate-code", token, payload)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", w.Code)
	}
	if resp := decodeBody(t, w); resp["error"] != "rate_limited" {
		t.Errorf("Expected error 'rate_limited', got '%v'", resp["error"])
	}

	// other editor endpoints keep their own budget
	w = doRequest(t, s, http.MethodPost, "/api/v1/execute-filter", token, map[string]any{
		"code":       "return true",
		"marketData": map[string]any{"symbol": "BTCUSDT"},
	})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 on separate endpoint, got %d. Body: %s", w.Code, w.Body.String())
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	rl := newRateLimiter(3, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		if !rl.allow("ip1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.allow("ip1") {
		t.Error("Fourth request inside window should be denied")
	}
	if !rl.allow("ip2") {
		t.Error("Different key should have its own budget")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.allow("ip1") {
		t.Error("Request after window expiry should be allowed")
	}
}
