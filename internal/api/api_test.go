package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"trend-core/internal/broker"
	"trend-core/internal/engine"
	"trend-core/internal/events"
	"trend-core/internal/monitor"
	"trend-core/internal/risk"
	"trend-core/pkg/db"
)

const (
	testSecret   = "test-secret"
	testUser     = "operator"
	testPassword = "hunter2"
	testSession  = "sess-1"
)

type fakeEngine struct {
	mu        sync.Mutex
	halted    bool
	triggered bool
	reason    string
}

func (f *fakeEngine) Status() engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{SessionID: testSession, Symbol: "EURUSD", Timeframe: "1h", Halted: f.halted, BarsProcessed: 3}
}

func (f *fakeEngine) Positions(ctx context.Context) ([]broker.Position, error) {
	return []broker.Position{{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, Volume: 0.01, EntryPrice: 1.1}}, nil
}

func (f *fakeEngine) TrailingStates() []risk.PositionState {
	return []risk.PositionState{{Ticket: 1, EntryPrice: 1.1, CurrentStop: 1.097, IsLong: true}}
}

func (f *fakeEngine) KillSwitch() risk.KillSwitchStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := risk.KillSwitchStatus{State: risk.Armed, Limit: 0.05}
	if f.triggered {
		st.State, st.Reason = risk.Triggered, f.reason
	}
	return st
}

func (f *fakeEngine) TripKillSwitch(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggered {
		return false
	}
	f.triggered, f.reason = true, reason
	return true
}

type testServer struct {
	*Server
	engine *fakeEngine
	db     *db.Database
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	eng := &fakeEngine{}
	srv := NewServer(eng, events.NewBus(), database, monitor.NewMetrics(),
		AuthConfig{JWTSecret: testSecret, Username: testUser, PasswordHash: hash},
		SystemMeta{Venue: "paper", Symbol: "EURUSD", Timeframe: "1h", Version: "test"},
		zerolog.Nop())
	return &testServer{Server: srv, engine: eng, db: database}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.Router.ServeHTTP(w, req)
	return w
}

func (ts *testServer) token(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": testUser, "password": testPassword})
	if w.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login response %q: %v", w.Body.String(), err)
	}
	return resp.Token
}

func TestHealthReflectsHalt(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	ts.engine.halted = true
	if w := ts.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("halted health = %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"valid", map[string]string{"username": testUser, "password": testPassword}, http.StatusOK},
		{"wrong password", map[string]string{"username": testUser, "password": "nope"}, http.StatusUnauthorized},
		{"wrong user", map[string]string{"username": "root", "password": testPassword}, http.StatusUnauthorized},
		{"missing", map[string]string{"username": testUser}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.do(t, http.MethodPost, "/api/auth/login", "", tt.body); w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "MISSING_TOKEN"},
		{"not bearer", "Basic abc", "INVALID_AUTH_HEADER"},
		{"garbage", "Bearer abc.def.ghi", "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			ts.Router.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), tt.code) {
				t.Fatalf("got %d %s", w.Code, w.Body.String())
			}
		})
	}

	forged, err := generateToken(testUser, "other-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if w := ts.do(t, http.MethodGet, "/api/status", forged, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("token signed with another secret accepted: %d", w.Code)
	}
}

func TestStatusAndPositions(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t)

	w := ts.do(t, http.MethodGet, "/api/status", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st engine.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.SessionID != testSession || st.BarsProcessed != 3 {
		t.Fatalf("unexpected status %+v", st)
	}

	w = ts.do(t, http.MethodGet, "/api/positions", tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ticket":1`) {
		t.Fatalf("positions = %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodGet, "/api/trailing", tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"states"`) {
		t.Fatalf("trailing = %d %s", w.Code, w.Body.String())
	}
}

func TestTripKillSwitch(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t)

	w := ts.do(t, http.MethodPost, "/api/killswitch/trip", tok, map[string]string{"reason": "news"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("trip = %d %s", w.Code, w.Body.String())
	}
	if ts.engine.reason != "news by "+testUser {
		t.Fatalf("reason = %q", ts.engine.reason)
	}
	if w := ts.do(t, http.MethodPost, "/api/killswitch/trip", tok, nil); w.Code != http.StatusConflict {
		t.Fatalf("second trip = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/killswitch", tok, nil)
	if !strings.Contains(w.Body.String(), `"TRIGGERED"`) {
		t.Fatalf("kill switch status %s", w.Body.String())
	}
}

func TestHistoryEndpoints(t *testing.T) {
	ts := newTestServer(t)
	tok := ts.token(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := ts.db.DB.ExecContext(ctx, q, args...); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	mustExec(db.InsertSessionSQL, testSession, "EURUSD", "1h", 234000, 10000.0, now)
	mustExec(db.InsertPositionSQL, testSession, 1, "EURUSD", "LONG", 0.01, 1.1, 1.097, 1.104, 0.003, "LONG RSI+EMA", now)
	mustExec(db.InsertStopUpdateSQL, testSession, 1, 1.097, 1.1, "breakeven", 1.03, now)
	mustExec(db.InsertKillSwitchEventSQL, testSession, "ARMED", 10000.0, 10000.0, 0.0, "", 0, 0, now)

	w := ts.do(t, http.MethodGet, "/api/history/positions?session="+testSession, tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "LONG RSI+EMA") {
		t.Fatalf("positions history = %d %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodGet, "/api/history/stops?ticket=1", tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "breakeven") {
		t.Fatalf("stop history = %d %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodGet, "/api/history/stops?ticket=x", tok, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad ticket = %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/api/history/killswitch", tok, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "ARMED") {
		t.Fatalf("kill history = %d %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodGet, "/api/history/killswitch?session=nope", tok, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session = %d", w.Code)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/health", "", nil)

	w := ts.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "trend_core_api_requests_total") {
		t.Fatalf("api counter missing from metrics output")
	}
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.limits = newIPLimiter(1, 2)
	ts.Router = gin.New()
	ts.Router.Use(RateLimitMiddleware(ts.limits, zerolog.Nop()))
	ts.routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/health", "", nil).Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestWebsocketStreamsBusMessages(t *testing.T) {
	ts := newTestServer(t)
	hs := httptest.NewServer(ts.Router)
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server subscribes after the upgrade; publish until a message lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ts.Bus.Publish(events.EventSignal, events.SignalEmitted{Symbol: "EURUSD", Direction: "LONG"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event   string               `json:"event"`
		Payload events.SignalEmitted `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != string(events.EventSignal) || msg.Payload.Direction != "LONG" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestHealthServerGoesNotServingOnKill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	h := NewHealthServer(zerolog.Nop())
	h.Watch(ctx, bus)

	st, err := h.Check(ctx, HealthService)
	if err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("initial status %v (%v)", st, err)
	}

	bus.Publish(events.EventKillSwitchFired, events.KillSwitchChanged{State: "TRIGGERED"})
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ = h.Check(ctx, HealthService)
		if st == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status still %v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.Check(ctx, "unknown"); err == nil {
		t.Fatalf("unknown service should error")
	}
}
