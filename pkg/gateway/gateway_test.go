package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/x402-rs/x402-gateway/pkg/authsig"
	"github.com/x402-rs/x402-gateway/pkg/facilitatorclient"
	"github.com/x402-rs/x402-gateway/pkg/ledger"
	"github.com/x402-rs/x402-gateway/pkg/relay"
	"github.com/x402-rs/x402-gateway/pkg/replaycache"
	"github.com/x402-rs/x402-gateway/pkg/types"
)

// fakeLedger is an in-memory stand-in for a real ledger backend, giving
// these tests the same atomicity contract without touching disk.
type fakeLedger struct {
	mu      sync.Mutex
	records map[ledger.Address]ledger.UserRecord
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[ledger.Address]ledger.UserRecord)}
}

func (f *fakeLedger) Get(ctx context.Context, address ledger.Address) (ledger.UserRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[address]
	return rec, ok, nil
}

func (f *fakeLedger) Credit(ctx context.Context, address ledger.Address, amountMicros int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[address]
	rec.BalanceMicros += amountMicros
	f.records[address] = rec
	return rec.BalanceMicros, nil
}

func (f *fakeLedger) Debit(ctx context.Context, address ledger.Address, amountMicros int64, ts int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[address]
	if rec.BalanceMicros < amountMicros {
		return 0, &ledger.InsufficientBalanceError{Has: rec.BalanceMicros, Need: amountMicros}
	}
	rec.BalanceMicros -= amountMicros
	rec.LatestTimestamp = ts
	f.records[address] = rec
	return rec.BalanceMicros, nil
}

func newTestPipeline(t *testing.T, l ledger.Ledger, facilitatorURL string, upstreamURL string) *Pipeline {
	t.Helper()
	return &Pipeline{
		Ledger:      l,
		Replay:      replaycache.New(),
		Relay:       relay.New(upstreamURL),
		Facilitator: facilitatorclient.New(facilitatorURL),
		Config: Config{
			PricePerRequestMicros: 1_000,
			PaymentAddress:        "0x9999999999999999999999999999999999999999",
			AssetAddress:          "0x036cbd53842c5426634e7929541ec2318f3dcf7e",
			Network:               types.NetworkBaseSepolia,
			Resource:              "http://localhost:8080/relay",
			MaxTimeoutSeconds:     300,
		},
	}
}

func newUpstreamStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"jsonrpc":"2.0","result":"0x1","id":1}`))
	}))
}

type signedCall struct {
	address   string
	signature string
	timestamp string
}

func signRequest(t *testing.T, ts int64, body []byte) signedCall {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256(authsig.Message(addr.Hex(), ts, body))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return signedCall{
		address:   addr.Hex(),
		signature: "0x" + hex.EncodeToString(sig),
		timestamp: strconv.FormatInt(ts, 10),
	}
}

func doAuthenticated(t *testing.T, p *Pipeline, call signedCall, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/relay", bytes.NewReader(body))
	req.Header.Set("X-Auth-Address", call.address)
	req.Header.Set("X-Auth-Signature", call.signature)
	req.Header.Set("X-Auth-Timestamp", call.timestamp)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	return rec
}

func TestS1FirstAuthenticatedCallNoBalanceReturns402(t *testing.T) {
	upstream := newUpstreamStub(t)
	defer upstream.Close()

	p := newTestPipeline(t, newFakeLedger(), "http://unused", upstream.URL)
	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)
	call := signRequest(t, time.Now().Unix(), body)

	rec := doAuthenticated(t, p, call, body)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestS5InsufficientBalanceReturns402AndLeavesBalanceUnchanged(t *testing.T) {
	upstream := newUpstreamStub(t)
	defer upstream.Close()

	l := newFakeLedger()
	p := newTestPipeline(t, l, "http://unused", upstream.URL)

	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)
	call := signRequest(t, time.Now().Unix(), body)
	addr, _ := ledger.NewAddress(call.address)
	l.Credit(context.Background(), addr, 500)

	rec := doAuthenticated(t, p, call, body)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	record, _, _ := l.Get(context.Background(), addr)
	if record.BalanceMicros != 500 {
		t.Fatalf("balance = %d, want unchanged 500", record.BalanceMicros)
	}
}

func TestAuthenticatedCallWithSufficientBalanceForwardsUpstream(t *testing.T) {
	upstream := newUpstreamStub(t)
	defer upstream.Close()

	l := newFakeLedger()
	p := newTestPipeline(t, l, "http://unused", upstream.URL)

	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)
	call := signRequest(t, time.Now().Unix(), body)
	addr, _ := ledger.NewAddress(call.address)
	l.Credit(context.Background(), addr, 10_000)

	rec := doAuthenticated(t, p, call, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	record, _, _ := l.Get(context.Background(), addr)
	if record.BalanceMicros != 9_000 {
		t.Fatalf("balance after debit = %d, want 9000", record.BalanceMicros)
	}
}

func TestReplayedSignatureIsRejected(t *testing.T) {
	upstream := newUpstreamStub(t)
	defer upstream.Close()

	l := newFakeLedger()
	p := newTestPipeline(t, l, "http://unused", upstream.URL)

	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)
	call := signRequest(t, time.Now().Unix(), body)
	addr, _ := ledger.NewAddress(call.address)
	l.Credit(context.Background(), addr, 10_000)

	first := doAuthenticated(t, p, call, body)
	if first.Code != http.StatusOK {
		t.Fatalf("first call status = %d, want 200", first.Code)
	}

	second := doAuthenticated(t, p, call, body)
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("replayed call status = %d, want 401", second.Code)
	}
}

func TestDepositFlowCreditsAndForwards(t *testing.T) {
	upstream := newUpstreamStub(t)
	defer upstream.Close()

	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: true})
		case "/settle":
			json.NewEncoder(w).Encode(types.SettleResponse{Success: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer facilitator.Close()

	l := newFakeLedger()
	p := newTestPipeline(t, l, facilitator.URL, upstream.URL)

	payer := common.HexToAddress("0x1234567890123456789012345678901234567890")
	payload := types.PaymentPayload{
		X402Version: 1,
		Scheme:      types.SchemeExact,
		Network:     types.NetworkBaseSepolia,
		Payload: types.ExactEvmPayload{
			Signature: "0x" + hex.EncodeToString(make([]byte, 65)),
			Authorization: types.ExactEvmPayloadAuthorization{
				From:  payer,
				To:    common.HexToAddress(p.Config.PaymentAddress),
				Value: "1000000",
			},
		},
	}
	paymentJSON, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	body := []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","id":1}`)
	req := httptest.NewRequest(http.MethodPost, "/relay", bytes.NewReader(body))
	req.Header.Set("X-Payment", string(paymentJSON))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	addr, _ := ledger.NewAddress(payer.Hex())
	record, ok, _ := l.Get(context.Background(), addr)
	if !ok {
		t.Fatalf("expected ledger record for payer")
	}
	// credited 1_000_000, then billed for this request's price (1_000).
	if record.BalanceMicros != 999_000 {
		t.Fatalf("balance = %d, want 999000", record.BalanceMicros)
	}
}
