package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"tradegate/crypto"
	"tradegate/deal"
	"tradegate/ledger"
	"tradegate/storage"
)

const (
	testAPIKey = "test-key"
	testSecret = "test-secret"
)

type fakeLedger struct {
	submissions atomic.Int64
	nextSeq     atomic.Uint32
}

func (f *fakeLedger) SubmitAndConfirm(_ context.Context, intent ledger.TxIntent) (*ledger.SubmitResult, error) {
	n := f.submissions.Add(1)
	return &ledger.SubmitResult{
		Success:    true,
		Hash:       fmt.Sprintf("HASH-%d", n),
		ResultCode: "tesSUCCESS",
		Sequence:   f.nextSeq.Add(1) + 100,
	}, nil
}

func (f *fakeLedger) AccountState(_ context.Context, address string) (*ledger.AccountState, error) {
	return &ledger.AccountState{Address: address, Balance: "1000"}, nil
}

func (f *fakeLedger) EscrowEntry(_ context.Context, owner string, sequence uint32) (*ledger.EscrowEntry, error) {
	if sequence == 404 {
		return nil, nil
	}
	if sequence == 666 {
		return &ledger.EscrowEntry{Owner: owner, Destination: "tg1dest", Amount: "not-a-number", Sequence: sequence}, nil
	}
	return &ledger.EscrowEntry{Owner: owner, Destination: "tg1dest", Amount: "200", Sequence: sequence}, nil
}

func (f *fakeLedger) CredentialEntry(context.Context, string, string, string) (*ledger.CredentialEntry, error) {
	return nil, nil
}

func (f *fakeLedger) FundWallet(_ context.Context, address string) (*ledger.FundResult, error) {
	return &ledger.FundResult{Hash: "FAUCET", Balance: "1000"}, nil
}

type testHarness struct {
	handler http.Handler
	server  *Server
	store   *storage.Store
	ledger  *fakeLedger
	nonce   atomic.Int64
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "gw.sqlite"), sealer)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	client := &fakeLedger{}
	engine, err := deal.NewEngine(store, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	auth := NewAuthenticator(map[string]string{testAPIKey: testSecret}, 2*time.Minute, 10*time.Minute, 128, nil)
	server, err := NewServer(engine, auth, store, WithRateLimit(1000, 1000))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testHarness{handler: server.Router(), server: server, store: store, ledger: client}
}

func (h *testHarness) signedRequest(t *testing.T, method, path string, payload any, idempotencyKey string) *http.Request {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	return h.signedRawRequest(t, method, path, body, idempotencyKey)
}

func (h *testHarness) signedRawRequest(t *testing.T, method, path string, body []byte, idempotencyKey string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	nonce := fmt.Sprintf("nonce-%d", h.nonce.Add(1))
	sig := ComputeSignature(testSecret, timestamp, nonce, method, CanonicalRequestPath(req), body)
	req.Header.Set(HeaderAPIKey, testAPIKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	if idempotencyKey != "" {
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
	}
	return req
}

func (h *testHarness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (h *testHarness) createWallet(t *testing.T, name, role string) walletResponse {
	t.Helper()
	req := h.signedRequest(t, http.MethodPost, "/wallets", createWalletRequest{Name: name, Role: role}, "idem-wallet-"+name)
	rec := h.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create wallet %s: status %d body %s", name, rec.Code, rec.Body.String())
	}
	return decode[walletResponse](t, rec)
}

func (h *testHarness) createDeal(t *testing.T, buyerID, supplierID string) dealResponse {
	t.Helper()
	payload := map[string]any{
		"name":       "Coffee shipment",
		"amount":     500,
		"currency":   "USD",
		"buyerId":    buyerID,
		"supplierId": supplierID,
		"milestones": []map[string]any{
			{"name": "Deposit", "percentage": 30},
			{"name": "Shipment", "percentage": 40},
			{"name": "Delivery", "percentage": 30},
		},
	}
	rec := h.do(t, h.signedRequest(t, http.MethodPost, "/deals", payload, "idem-deal"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create deal: status %d body %s", rec.Code, rec.Body.String())
	}
	return decode[dealResponse](t, rec)
}

func TestHealthRequiresNoAuth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
}

func TestRejectsBadSignatures(t *testing.T) {
	h := newHarness(t)

	// No headers at all.
	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/deals", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request status %d", rec.Code)
	}

	// Tampered signature.
	req := h.signedRequest(t, http.MethodGet, "/deals", nil, "")
	req.Header.Set(HeaderSignature, strings.Repeat("ab", 32))
	if rec := h.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("tampered signature status %d", rec.Code)
	}

	// Stale timestamp.
	req = h.signedRequest(t, http.MethodGet, "/deals", nil, "")
	stale := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
	sig := ComputeSignature(testSecret, stale, "nonce-stale", http.MethodGet, "/deals", nil)
	req.Header.Set(HeaderTimestamp, stale)
	req.Header.Set(HeaderNonce, "nonce-stale")
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	if rec := h.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp status %d", rec.Code)
	}
}

func TestNonceReplayRejected(t *testing.T) {
	h := newHarness(t)
	req := h.signedRequest(t, http.MethodGet, "/deals", nil, "")
	if rec := h.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("first request status %d", rec.Code)
	}
	replay := httptest.NewRequest(http.MethodGet, "/deals", nil)
	replay.Header = req.Header.Clone()
	if rec := h.do(t, replay); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed nonce status %d", rec.Code)
	}
}

func TestWalletResponseNeverCarriesSeed(t *testing.T) {
	h := newHarness(t)
	req := h.signedRequest(t, http.MethodPost, "/wallets", createWalletRequest{Name: "buyer co", Role: deal.RoleBuyer}, "idem-1")
	rec := h.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create wallet status %d body %s", rec.Code, rec.Body.String())
	}
	lower := strings.ToLower(rec.Body.String())
	if strings.Contains(lower, "seed") {
		t.Fatalf("wallet response leaks key material: %s", rec.Body.String())
	}
	resp := decode[walletResponse](t, rec)
	if resp.Address == "" || resp.ParticipantID == "" {
		t.Fatalf("incomplete wallet response: %+v", resp)
	}

	histRec := h.do(t, h.signedRequest(t, http.MethodGet, "/wallets/"+resp.WalletID+"/history", nil, ""))
	if histRec.Code != http.StatusOK {
		t.Fatalf("wallet history status %d body %s", histRec.Code, histRec.Body.String())
	}
	history := decode[[]logEntryResponse](t, histRec)
	if len(history) == 0 {
		t.Fatal("wallet history should record provisioning")
	}
	if strings.Contains(strings.ToLower(histRec.Body.String()), "seed") {
		t.Fatalf("wallet history leaks key material: %s", histRec.Body.String())
	}
}

func TestDealLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	buyer := h.createWallet(t, "buyer co", deal.RoleBuyer)
	supplier := h.createWallet(t, "supplier co", deal.RoleSupplier)
	created := h.createDeal(t, buyer.ParticipantID, supplier.ParticipantID)

	if created.Status != string(deal.DealStatusDraft) || len(created.Milestones) != 3 {
		t.Fatalf("unexpected created deal: %+v", created)
	}

	rec := h.do(t, h.signedRequest(t, http.MethodPost, "/deals/"+created.ID+"/fund", nil, "idem-fund"))
	if rec.Code != http.StatusOK {
		t.Fatalf("fund status %d body %s", rec.Code, rec.Body.String())
	}
	funded := decode[dealResponse](t, rec)
	if funded.Status != string(deal.DealStatusFunded) || funded.EscrowBalance != 500 {
		t.Fatalf("unexpected funded deal: %+v", funded)
	}
	if !strings.Contains(rec.Body.String(), "condition") || strings.Contains(strings.ToLower(rec.Body.String()), "fulfillment") {
		t.Fatalf("escrow serialization must expose the condition and hide the opening: %s", rec.Body.String())
	}

	// Out-of-order release maps to 409.
	rec = h.do(t, h.signedRequest(t, http.MethodPost, "/deals/"+created.ID+"/milestones/2/release", nil, "idem-rel2"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("out-of-order release status %d body %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, h.signedRequest(t, http.MethodPost, "/deals/"+created.ID+"/milestones/0/release", nil, "idem-rel0"))
	if rec.Code != http.StatusOK {
		t.Fatalf("release status %d body %s", rec.Code, rec.Body.String())
	}
	released := decode[dealResponse](t, rec)
	if released.Status != string(deal.DealStatusActive) || released.SupplierBalance != 150 {
		t.Fatalf("unexpected released deal: %+v", released)
	}

	rec = h.do(t, h.signedRequest(t, http.MethodGet, "/deals/"+created.ID+"/history", nil, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status %d", rec.Code)
	}
	history := decode[[]logEntryResponse](t, rec)
	if len(history) == 0 {
		t.Fatal("history should not be empty")
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	buyer := h.createWallet(t, "buyer co", deal.RoleBuyer)
	supplier := h.createWallet(t, "supplier co", deal.RoleSupplier)

	// Unknown deal → 404.
	rec := h.do(t, h.signedRequest(t, http.MethodGet, "/deals/nope", nil, ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown deal status %d", rec.Code)
	}

	// Bad percentages → 400.
	payload := map[string]any{
		"name":       "Bad",
		"amount":     500,
		"buyerId":    buyer.ParticipantID,
		"supplierId": supplier.ParticipantID,
		"milestones": []map[string]any{{"name": "a", "percentage": 50}},
	}
	rec = h.do(t, h.signedRequest(t, http.MethodPost, "/deals", payload, "idem-bad"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad percentages status %d body %s", rec.Code, rec.Body.String())
	}

	// Malformed JSON → 400.
	rec = h.do(t, h.signedRawRequest(t, http.MethodPost, "/wallets", []byte("{not json"), "idem-raw"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed JSON status %d", rec.Code)
	}
}

func TestIdempotencyReplay(t *testing.T) {
	h := newHarness(t)
	payload := createWalletRequest{Name: "buyer co", Role: deal.RoleBuyer}

	first := h.do(t, h.signedRawRequest(t, http.MethodPost, "/wallets", mustJSON(t, payload), "idem-same"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first request status %d", first.Code)
	}
	submissionsAfterFirst := h.ledger.submissions.Load()

	second := h.do(t, h.signedRawRequest(t, http.MethodPost, "/wallets", mustJSON(t, payload), "idem-same"))
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatal("replay must return the stored response")
	}
	if h.ledger.submissions.Load() != submissionsAfterFirst {
		t.Fatal("replay must not re-run the operation")
	}

	// Same key, different body → 409.
	other := createWalletRequest{Name: "other co", Role: deal.RoleBuyer}
	conflict := h.do(t, h.signedRawRequest(t, http.MethodPost, "/wallets", mustJSON(t, other), "idem-same"))
	if conflict.Code != http.StatusConflict {
		t.Fatalf("mismatched reuse status %d", conflict.Code)
	}

	// Missing key on a mutating route → 400.
	missing := h.do(t, h.signedRawRequest(t, http.MethodPost, "/wallets", mustJSON(t, payload), ""))
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("missing idempotency key status %d", missing.Code)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestRequestsEmitSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	h := newHarness(t)
	if rec := h.do(t, h.signedRequest(t, http.MethodGet, "/deals", nil, "")); rec.Code != http.StatusOK {
		t.Fatalf("list deals status %d", rec.Code)
	}
	spans := recorder.Ended()
	if len(spans) == 0 {
		t.Fatal("served requests should produce spans")
	}
	if spans[0].Name() != "tradegate-gateway" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}
}

func TestIdempotencyCachesChunkedResponses(t *testing.T) {
	h := newHarness(t)
	const want = `{"part":"one two"}`
	handler := h.server.authenticated(func(w http.ResponseWriter, _ *http.Request, _ *Principal, _ []byte) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"part":`))
		_, _ = w.Write([]byte(`"one two"}`))
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, h.signedRequest(t, http.MethodPost, "/chunked", nil, "idem-chunk"))
	if rec.Code != http.StatusOK || rec.Body.String() != want {
		t.Fatalf("first response %d %q", rec.Code, rec.Body.String())
	}

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, h.signedRequest(t, http.MethodPost, "/chunked", nil, "idem-chunk"))
	if replay.Code != http.StatusOK {
		t.Fatalf("replay status %d", replay.Code)
	}
	if replay.Body.String() != want {
		t.Fatalf("replay must return the whole cached body, got %q", replay.Body.String())
	}
}

func TestListParticipantsRoute(t *testing.T) {
	h := newHarness(t)
	h.createWallet(t, "buyer co", deal.RoleBuyer)
	h.createWallet(t, "supplier co", deal.RoleSupplier)

	rec := h.do(t, h.signedRequest(t, http.MethodGet, "/participants", nil, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("list participants status %d body %s", rec.Code, rec.Body.String())
	}
	list := decode[[]participantResponse](t, rec)
	if len(list) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(list))
	}
	if strings.Contains(strings.ToLower(rec.Body.String()), "seed") {
		t.Fatalf("participant listing leaks key material: %s", rec.Body.String())
	}
}

func TestEscrowStatusRoute(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, h.signedRequest(t, http.MethodGet, "/escrows/tg1owner/101", nil, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("escrow status %d body %s", rec.Code, rec.Body.String())
	}
	entry := decode[escrowResponse](t, rec)
	if entry.Owner != "tg1owner" || entry.Amount != 200 {
		t.Fatalf("unexpected escrow entry: %+v", entry)
	}

	rec = h.do(t, h.signedRequest(t, http.MethodGet, "/escrows/tg1owner/404", nil, ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing escrow status %d", rec.Code)
	}

	rec = h.do(t, h.signedRequest(t, http.MethodGet, "/escrows/tg1owner/notanumber", nil, ""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad sequence status %d", rec.Code)
	}

	rec = h.do(t, h.signedRequest(t, http.MethodGet, "/escrows/tg1owner/666", nil, ""))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("malformed ledger amount status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimiting(t *testing.T) {
	h := newHarnessWithRate(t, 1, 2)
	var throttled bool
	for i := 0; i < 5; i++ {
		rec := h.do(t, h.signedRequest(t, http.MethodGet, "/deals", nil, ""))
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Fatal("burst of requests should be throttled")
	}
}

func newHarnessWithRate(t *testing.T, perSecond float64, burst int) *testHarness {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "gw.sqlite"), sealer)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	client := &fakeLedger{}
	engine, err := deal.NewEngine(store, client)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	auth := NewAuthenticator(map[string]string{testAPIKey: testSecret}, 2*time.Minute, 10*time.Minute, 128, nil)
	server, err := NewServer(engine, auth, store, WithRateLimit(perSecond, burst))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testHarness{handler: server.Router(), server: server, store: store, ledger: client}
}
