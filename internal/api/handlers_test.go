package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"aquatrack/internal/model"
	"aquatrack/internal/reconcile"
	"aquatrack/internal/session"
)

const testSecret = "test-secret"

type fakeSessions struct {
	snapshot   session.Snapshot
	scanErr    error
	connectErr error
	commands   []string
}

func (f *fakeSessions) StartScan(ctx context.Context) error            { return f.scanErr }
func (f *fakeSessions) Connect(ctx context.Context, id string) error   { return f.connectErr }
func (f *fakeSessions) Disconnect()                                    {}
func (f *fakeSessions) WriteCommand(text string) error                 { f.commands = append(f.commands, text); return nil }
func (f *fakeSessions) Snapshot() session.Snapshot                     { return f.snapshot }

type fakeSyncer struct {
	err   error
	calls int
}

func (f *fakeSyncer) RunOnce(ctx context.Context) error {
	f.calls++
	return f.err
}

type fakeReader struct {
	total float64
}

func (f *fakeReader) Total(ctx context.Context, period model.Period) (float64, error) {
	return f.total, nil
}

type fakeLedger struct {
	identity string
	pending  float64
}

func (f *fakeLedger) Identity() string               { return f.identity }
func (f *fakeLedger) SetIdentity(userID string) error { f.identity = userID; return nil }
func (f *fakeLedger) SumPending() float64            { return f.pending }

type fakeCalc struct {
	accumulated float64
	resets      int
}

func (f *fakeCalc) ResetAccumulation() { f.resets++; f.accumulated = 0 }
func (f *fakeCalc) Accumulated() float64 { return f.accumulated }

type fakeHistory struct {
	last  time.Time
	found bool
}

func (f *fakeHistory) LastSync(ctx context.Context, userID string) (time.Time, bool, error) {
	return f.last, f.found, nil
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestRouter(t *testing.T, sessions *fakeSessions, syncer *fakeSyncer, ledger *fakeLedger, calc *fakeCalc) http.Handler {
	t.Helper()
	h := NewHandlers(sessions, syncer, &fakeReader{total: 950}, ledger, calc, &fakeHistory{}, zap.NewNop())
	return NewRouter(h, nil, AuthMiddleware(testSecret))
}

func authedRequest(t *testing.T, method, target, userID, body string) *http.Request {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Authorization", "Bearer "+signToken(t, userID))
	return req
}

func TestHealthRequiresNoAuth(t *testing.T) {
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, &fakeLedger{}, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, &fakeLedger{}, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", rec.Code)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, &fakeLedger{}, &fakeCalc{})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "alice"})
	signed, _ := token.SignedString([]byte("wrong-secret"))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 got %d", rec.Code)
	}
}

func TestLoginActivatesIdentity(t *testing.T) {
	ledger := &fakeLedger{}
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, ledger, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/identity", "alice", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	if ledger.identity != "alice" {
		t.Fatalf("identity not activated: %q", ledger.identity)
	}
}

func TestLoginAsDifferentUserResetsCalculator(t *testing.T) {
	ledger := &fakeLedger{identity: "alice"}
	calc := &fakeCalc{accumulated: 340}
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, ledger, calc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/identity", "bob", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	if calc.resets != 1 || calc.accumulated != 0 {
		t.Fatalf("bob must not inherit alice's accumulation: %+v", calc)
	}
}

func TestRepeatLoginKeepsAccumulation(t *testing.T) {
	ledger := &fakeLedger{identity: "alice"}
	calc := &fakeCalc{accumulated: 340}
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, ledger, calc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/identity", "alice", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body)
	}
	if calc.resets != 0 || calc.accumulated != 340 {
		t.Fatalf("token refresh must not clear accumulation: %+v", calc)
	}
}

func TestStatusReportsLastSync(t *testing.T) {
	ledger := &fakeLedger{identity: "alice", pending: 70}
	syncedAt := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	h := NewHandlers(&fakeSessions{}, &fakeSyncer{}, &fakeReader{}, ledger, &fakeCalc{}, &fakeHistory{last: syncedAt, found: true}, zap.NewNop())
	router := NewRouter(h, nil, AuthMiddleware(testSecret))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/status", "alice", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d %s", rec.Code, rec.Body)
	}

	var resp struct {
		PendingMl float64 `json:"pending_ml"`
		LastSync  *string `json:"last_sync"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PendingMl != 70 {
		t.Fatalf("pending_ml: %v", resp.PendingMl)
	}
	if resp.LastSync == nil || *resp.LastSync != "2026-03-04T09:30:00Z" {
		t.Fatalf("last_sync: %v", resp.LastSync)
	}
}

func TestStatusLastSyncNullBeforeFirstFlush(t *testing.T) {
	ledger := &fakeLedger{identity: "alice"}
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, ledger, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/status", "alice", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}

	var resp struct {
		LastSync *string `json:"last_sync"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LastSync != nil {
		t.Fatalf("last_sync should be null before the first flush: %v", *resp.LastSync)
	}
}

func TestLogoutResetsAccumulation(t *testing.T) {
	ledger := &fakeLedger{identity: "alice"}
	calc := &fakeCalc{accumulated: 120}
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, ledger, calc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodDelete, "/identity", "alice", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("logout: %d", rec.Code)
	}
	if calc.resets != 1 || ledger.identity != "" {
		t.Fatalf("logout must reset accumulation and identity")
	}
}

func TestSyncRequiresMatchingIdentity(t *testing.T) {
	ledger := &fakeLedger{identity: "bob"}
	syncer := &fakeSyncer{}
	router := newTestRouter(t, &fakeSessions{}, syncer, ledger, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/sync", "alice", ""))
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409 got %d", rec.Code)
	}
	if syncer.calls != 0 {
		t.Fatalf("sync must not run for a mismatched identity")
	}
}

func TestManualSyncSurfacesInProgress(t *testing.T) {
	ledger := &fakeLedger{identity: "alice"}
	syncer := &fakeSyncer{err: reconcile.ErrSyncInProgress}
	router := newTestRouter(t, &fakeSessions{}, syncer, ledger, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/sync", "alice", ""))
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409 got %d", rec.Code)
	}
}

func TestAggregateReturnsTotal(t *testing.T) {
	ledger := &fakeLedger{identity: "alice"}
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, ledger, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/aggregate?period=week", "alice", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate: %d %s", rec.Code, rec.Body)
	}

	var resp struct {
		Period  string  `json:"period"`
		TotalMl float64 `json:"total_ml"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Period != "week" || resp.TotalMl != 950 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestConnectValidatesBody(t *testing.T) {
	router := newTestRouter(t, &fakeSessions{}, &fakeSyncer{}, &fakeLedger{}, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/connect", "alice", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400 got %d", rec.Code)
	}
}

func TestConnectMapsBusyToConflict(t *testing.T) {
	sessions := &fakeSessions{connectErr: session.ErrBusy}
	router := newTestRouter(t, sessions, &fakeSyncer{}, &fakeLedger{}, &fakeCalc{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/connect", "alice", `{"device_id":"aa:bb"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("want 409 got %d", rec.Code)
	}
}
