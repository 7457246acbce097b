package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"PolicyLedger/internal/custody"
	"PolicyLedger/internal/domain"
	"PolicyLedger/internal/event"
	"PolicyLedger/internal/ingestion"
	pmath "PolicyLedger/internal/math"
)

// startCore stands in for the core loop: it consumes submissions, records the
// events, and answers every reply channel with the scripted verdict.
func startCore(t *testing.T, verdict error) (chan ingestion.Submission, func() event.Event) {
	t.Helper()
	ch := make(chan ingestion.Submission, 16)
	got := make(chan event.Event, 16)
	go func() {
		for sub := range ch {
			got <- sub.Event
			if sub.Reply != nil {
				sub.Reply <- verdict
			}
		}
	}()
	t.Cleanup(func() { close(ch) })

	take := func() event.Event {
		select {
		case e := <-got:
			return e
		case <-time.After(time.Second):
			t.Fatal("no event reached the core")
			return nil
		}
	}
	return ch, take
}

var testProgramAuthority = uuid.MustParse("4fa163a1-55a0-4b60-b1b3-b09c4b5b1f6a")

func newTestServer(t *testing.T, verdict error, locks LockManager) (http.Handler, func() event.Event) {
	t.Helper()
	ch, take := startCore(t, verdict)
	s := NewServer(":0", &Deps{
		Submitter:  ingestion.NewSubmitter(ch),
		Locks:      locks,
		Quote:      QuoteDefaults{DaysToExpiry: 30, Volatility: 0.6, RiskFreeRate: 0.05},
		OracleFeed: "SOL/USD",
		Authority:  testProgramAuthority,
	})
	return s.buildHandler(), take
}

func doJSON(t *testing.T, h http.Handler, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	return body.Error.Code
}

func TestCreatePolicy_Applied(t *testing.T) {
	h, take := newTestServer(t, nil, nil)
	caller := uuid.New()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/policies", caller.String(), map[string]interface{}{
		"nonce":         uint64(7),
		"strike":        95_000,
		"expiry_us":     time.Now().Add(30 * 24 * time.Hour).UnixMicro(),
		"underlying":    "BTC",
		"option_type":   "Put",
		"coverage":      1_000_000,
		"premium":       50_000,
		"payout_wallet": uuid.New().String(),
		"payment_asset": "USDC",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	evt, ok := take().(*event.CreatePolicy)
	if !ok {
		t.Fatal("core did not receive a CreatePolicy event")
	}
	if evt.Caller != caller || evt.Nonce != 7 || evt.Premium != 50_000 {
		t.Fatalf("unexpected event fields: %+v", evt)
	}
	if evt.Timestamp.IsZero() {
		t.Fatal("handler did not stamp the event timestamp")
	}

	var resp struct {
		Policy    string `json:"policy"`
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
	decodeBody(t, rec, &resp)
	wantAddr, _ := custody.PolicyRecord(caller, 7)
	if resp.Policy != wantAddr.String() {
		t.Fatalf("expected derived policy %s, got %s", wantAddr.Short(), resp.Policy)
	}
	if resp.Status != "applied" || resp.RequestID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreatePolicy_MissingCaller(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/policies", "", map[string]interface{}{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}
}

func TestCreatePolicy_CoreRejectionMapsToConflict(t *testing.T) {
	h, _ := newTestServer(t, domain.ErrAlreadyExists, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/policies", uuid.New().String(), map[string]interface{}{
		"payout_wallet": uuid.New().String(),
		"underlying":    "BTC",
		"option_type":   "Put",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "ALREADY_EXISTS" {
		t.Fatalf("expected ALREADY_EXISTS, got %s", code)
	}
}

func TestActivatePolicy_DerivesRecordFromPath(t *testing.T) {
	h, take := newTestServer(t, nil, nil)
	authority := uuid.New()

	rec := doJSON(t, h, http.MethodPost,
		"/api/v1/policies/"+authority.String()+"/42/activate",
		uuid.New().String(), map[string]interface{}{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	evt, ok := take().(*event.ActivatePolicy)
	if !ok {
		t.Fatal("core did not receive an ActivatePolicy event")
	}
	wantAddr, _ := custody.PolicyRecord(authority, 42)
	if evt.Policy != wantAddr.String() {
		t.Fatalf("expected derived record %s, got %s", wantAddr.Short(), evt.Policy)
	}
	if evt.PayerAccount != "" {
		t.Fatalf("expected empty payer account to pass through, got %q", evt.PayerAccount)
	}
}

type stubLocks struct {
	err  error
	keys []string
}

func (s *stubLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if s.err != nil {
		return nil, s.err
	}
	s.keys = append(s.keys, key)
	return func() {}, nil
}

func TestActivatePolicy_LockContention(t *testing.T) {
	h, _ := newTestServer(t, nil, &stubLocks{err: domain.ErrLockHeld})
	authority := uuid.New()

	rec := doJSON(t, h, http.MethodPost,
		"/api/v1/policies/"+authority.String()+"/1/activate",
		uuid.New().String(), map[string]interface{}{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "LOCK_HELD" {
		t.Fatalf("expected LOCK_HELD, got %s", code)
	}
}

func TestClosePolicy_DefaultsToSimpleIntent(t *testing.T) {
	locks := &stubLocks{}
	h, take := newTestServer(t, nil, locks)
	authority := uuid.New()

	rec := doJSON(t, h, http.MethodPost,
		"/api/v1/policies/"+authority.String()+"/3/close",
		authority.String(), map[string]interface{}{})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	evt, ok := take().(*event.ClosePolicy)
	if !ok {
		t.Fatal("core did not receive a ClosePolicy event")
	}
	if evt.Intent != event.CloseSimple {
		t.Fatalf("expected simple intent, got %v", evt.Intent)
	}

	wantAddr, _ := custody.PolicyRecord(authority, 3)
	if len(locks.keys) != 1 || locks.keys[0] != "policy:"+wantAddr.String() {
		t.Fatalf("expected lock on the policy record, got %v", locks.keys)
	}
}

func TestInitializeProtection_ReturnsDerivedAccounts(t *testing.T) {
	h, take := newTestServer(t, nil, nil)
	owner := uuid.New()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/protections", owner.String(), map[string]interface{}{
		"strike":    150_00000000,
		"direction": "long",
		"coverage":  2_000_000_000,
		"funding":   2_000_000_000,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	evt, ok := take().(*event.InitializeProtection)
	if !ok {
		t.Fatal("core did not receive an InitializeProtection event")
	}
	if evt.Owner != owner || evt.Direction != event.DirectionLong {
		t.Fatalf("unexpected event fields: %+v", evt)
	}

	var resp struct {
		Protection string `json:"protection"`
		Vault      string `json:"vault"`
	}
	decodeBody(t, rec, &resp)
	wantRecord, _ := custody.ProtectionRecord(owner)
	wantVault, _ := custody.Vault(owner)
	if resp.Protection != wantRecord.String() || resp.Vault != wantVault.String() {
		t.Fatalf("expected derived accounts, got %+v", resp)
	}
}

func TestLiquidateProtection_RequiresObservation(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost,
		"/api/v1/protections/"+uuid.New().String()+"/liquidate",
		uuid.New().String(), map[string]interface{}{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLiquidateProtection_AnyCallerMayRelay(t *testing.T) {
	h, take := newTestServer(t, nil, nil)
	owner := uuid.New()
	relayer := uuid.New()

	rec := doJSON(t, h, http.MethodPost,
		"/api/v1/protections/"+owner.String()+"/liquidate",
		relayer.String(), map[string]interface{}{
			"observation": map[string]interface{}{
				"feed":            "SOL/USD",
				"magnitude":       int64(9_500_000_000),
				"exponent":        int32(-8),
				"publish_time_us": time.Now().UnixMicro(),
			},
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	evt, ok := take().(*event.LiquidateProtection)
	if !ok {
		t.Fatal("core did not receive a LiquidateProtection event")
	}
	wantRecord, _ := custody.ProtectionRecord(owner)
	if evt.Policy != wantRecord.String() {
		t.Fatal("record address must derive from the path owner, not the caller")
	}
	if evt.Caller != relayer {
		t.Fatal("relayer identity must be recorded on the event")
	}
	if evt.Observation.Feed != "SOL/USD" || evt.Observation.Exponent != -8 {
		t.Fatalf("observation not carried through: %+v", evt.Observation)
	}
}

func TestDepositFunds_OwnerDefaultsToCaller(t *testing.T) {
	h, take := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/deposits", testProgramAuthority.String(), map[string]interface{}{
		"asset":  "USDC",
		"amount": 5_000_000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	evt, ok := take().(*event.DepositFunds)
	if !ok {
		t.Fatal("core did not receive a DepositFunds event")
	}
	if evt.Owner != testProgramAuthority {
		t.Fatal("owner must default to the caller")
	}
	if evt.Amount != 5_000_000 || evt.Asset != "USDC" {
		t.Fatalf("unexpected event fields: %+v", evt)
	}
}

func TestDepositFunds_NonAuthorityCallerForbidden(t *testing.T) {
	h, take := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/deposits", uuid.New().String(), map[string]interface{}{
		"asset":  "USDC",
		"amount": 5_000_000,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %s", code)
	}

	// The rejected deposit must never reach the core: an authorized one posted
	// afterwards has to be the first event the core sees.
	doJSON(t, h, http.MethodPost, "/api/v1/deposits", testProgramAuthority.String(), map[string]interface{}{
		"asset":  "USDC",
		"amount": 7,
	})
	evt, ok := take().(*event.DepositFunds)
	if !ok {
		t.Fatal("core did not receive the authorized deposit")
	}
	if evt.Owner != testProgramAuthority || evt.Amount != 7 {
		t.Fatalf("rejected deposit leaked into the core: %+v", evt)
	}
}

func TestDepositFunds_InsufficientMapsToUnprocessable(t *testing.T) {
	h, _ := newTestServer(t, domain.ErrInsufficientBalance, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/deposits", testProgramAuthority.String(), map[string]interface{}{
		"asset":  "USDC",
		"amount": -5,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %s", code)
	}
}

func TestQuote_ExplicitSpotAndDefaults(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quote", "", map[string]interface{}{
		"amount": 1000.0,
		"spot":   100.0,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp quoteResponse
	decodeBody(t, rec, &resp)

	if resp.Strike != 90 {
		t.Fatalf("strike should default to 90%% of spot, got %v", resp.Strike)
	}
	if resp.DaysToExpiry != 30 || resp.Volatility != 0.6 || resp.RiskFreeRate != 0.05 {
		t.Fatalf("defaults not applied: %+v", resp)
	}
	if resp.PaymentAsset != "USDC" {
		t.Fatalf("payment asset should default to USDC, got %s", resp.PaymentAsset)
	}

	option := pmath.BlackScholes(100, 90, 30, 0.05, 0.6, pmath.SidePut)
	want := pmath.InsurancePremium(option, 1000, 100, 0.6, 30)
	if math.Abs(resp.Premium-want) > 1e-9 {
		t.Fatalf("expected premium %v, got %v", want, resp.Premium)
	}
	if resp.PremiumBaseUnits != int64(math.Round(want*1e6)) {
		t.Fatalf("base units should scale by USDC decimals, got %d", resp.PremiumBaseUnits)
	}
}

func TestQuote_RejectsNonPositiveAmount(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quote", "", map[string]interface{}{
		"amount": 0.0,
		"spot":   100.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "INVALID_AMOUNT" {
		t.Fatalf("expected INVALID_AMOUNT, got %s", code)
	}
}

func TestQuote_PastExpiryRejected(t *testing.T) {
	h, _ := newTestServer(t, nil, nil)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/quote", "", map[string]interface{}{
		"amount":      100.0,
		"spot":        100.0,
		"expiry_date": "2020-01-01",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		"INVALID_AMOUNT":       http.StatusBadRequest,
		"UNAUTHORIZED":         http.StatusForbidden,
		"NOT_FOUND":            http.StatusNotFound,
		"ALREADY_EXISTS":       http.StatusConflict,
		"LOCK_HELD":            http.StatusConflict,
		"INSUFFICIENT_BALANCE": http.StatusUnprocessableEntity,
		"PRICE_STALE":          http.StatusUnprocessableEntity,
		"CONDITION_NOT_MET":    http.StatusUnprocessableEntity,
		"INTERNAL":             http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusForCode(code); got != want {
			t.Errorf("statusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}
