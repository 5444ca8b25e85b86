// Package gateway implements the admission pipeline: the single HTTP
// handler that decides, for every inbound RPC call, whether it is a
// deposit, an authenticated and billable call, or neither — and forwards
// only admitted requests to the upstream node.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/x402-rs/x402-gateway/pkg/authsig"
	"github.com/x402-rs/x402-gateway/pkg/facilitatorclient"
	"github.com/x402-rs/x402-gateway/pkg/ledger"
	"github.com/x402-rs/x402-gateway/pkg/relay"
	"github.com/x402-rs/x402-gateway/pkg/replaycache"
	"github.com/x402-rs/x402-gateway/pkg/types"
)

// TopupAmountMicros is the fixed deposit size the pipeline asks for:
// 1.0 USDC, in micro-units of the six-decimal asset.
const TopupAmountMicros = 1_000_000

// Config holds everything the pipeline needs beyond its collaborators.
type Config struct {
	PricePerRequestMicros int64
	PaymentAddress        string
	AssetAddress          string
	Network               types.Network
	Resource              string
	MaxTimeoutSeconds     int
}

// Pipeline is the admission state machine described by the gateway
// specification's dispatch, authenticated, and deposit flows.
type Pipeline struct {
	Ledger      ledger.Ledger
	Replay      *replaycache.Cache
	Relay       *relay.Relay
	Facilitator *facilitatorclient.Client
	Config      Config
}

// ServeHTTP dispatches based on the presence of X-Payment versus the
// X-Auth-* triple, exactly as the admission pipeline specifies.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if paymentHeader := r.Header.Get("X-Payment"); paymentHeader != "" {
		p.depositFlow(w, r.Context(), requestID, paymentHeader, body)
		return
	}

	address := r.Header.Get("X-Auth-Address")
	signature := r.Header.Get("X-Auth-Signature")
	timestamp := r.Header.Get("X-Auth-Timestamp")
	if address == "" || signature == "" || timestamp == "" {
		p.send402(w, "")
		return
	}

	p.authenticatedFlow(w, r.Context(), requestID, authsig.Request{
		Address:   address,
		Signature: signature,
		Timestamp: timestamp,
		Body:      body,
	})
}

// authenticatedFlow implements the load-bearing ordering from the
// admission pipeline: replay check, then signature verification, then
// debit, then remember, then forward. Remembering the signature only
// after a successful debit preserves retry safety across transient
// ledger errors.
func (p *Pipeline) authenticatedFlow(w http.ResponseWriter, ctx context.Context, requestID string, req authsig.Request) {
	if p.Replay.Seen(req.Signature) {
		http.Error(w, "replay detected: signature already used", http.StatusUnauthorized)
		return
	}

	result, err := authsig.Verify(req, time.Now())
	if err != nil {
		http.Error(w, fmt.Sprintf("authentication failed: %v", err), http.StatusUnauthorized)
		return
	}

	addr, err := ledger.NewAddress(result.Address.Hex())
	if err != nil {
		http.Error(w, fmt.Sprintf("authentication failed: %v", err), http.StatusUnauthorized)
		return
	}

	_, err = p.Ledger.Debit(ctx, addr, p.Config.PricePerRequestMicros, result.Timestamp)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if !errors.As(err, &insufficient) {
			log.Printf("gateway: request_id=%s ledger debit error address=%s error=%v", requestID, addr, err)
		}
		p.send402(w, "")
		return
	}

	p.Replay.Remember(req.Signature)

	resp := p.Relay.Forward(req.Body)
	writeRelayResponse(w, resp)
}

// depositFlow implements the deposit sequence: verify the payment
// envelope, settle it, credit the ledger, bill the deposit call itself,
// then forward the original body. Settlement happens before credit so a
// failed on-chain settlement cannot leave unfunded credit behind;
// failures after a successful settle are logged, never rolled back.
func (p *Pipeline) depositFlow(w http.ResponseWriter, ctx context.Context, requestID string, paymentHeader string, body []byte) {
	var payload types.PaymentPayload
	if err := json.Unmarshal([]byte(paymentHeader), &payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payment payload: %v", err), http.StatusBadRequest)
		return
	}

	requirements := p.paymentRequirements()

	verifyResp, err := p.Facilitator.Verify(ctx, &types.VerifyRequest{
		X402Version:         1,
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("payment verification failed: %v", err), http.StatusBadGateway)
		return
	}
	if !verifyResp.IsValid {
		p.send402(w, verifyResp.Reason)
		return
	}

	auth := payload.Payload.Authorization
	// common.Address has no "absent" value distinct from the all-zero
	// address, so a zero From is treated as a missing payer. A real
	// EIP-3009 authorization from the zero address isn't a payment
	// anyone could actually settle, so this never rejects a real payer.
	if auth.From == (common.Address{}) {
		http.Error(w, "invalid payment format: missing payer", http.StatusBadRequest)
		return
	}
	valueMicros, err := strconv.ParseInt(auth.Value, 10, 64)
	if err != nil {
		http.Error(w, "invalid payment format: unparseable value", http.StatusBadRequest)
		return
	}

	settleResp, err := p.Facilitator.Settle(ctx, &types.SettleRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("payment settlement failed: %v", err), http.StatusBadGateway)
		return
	}
	if !settleResp.Success {
		http.Error(w, fmt.Sprintf("payment settlement failed: %s", settleResp.Error), http.StatusBadGateway)
		return
	}

	payer, err := ledger.NewAddress(auth.From.Hex())
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid payer address: %v", err), http.StatusBadRequest)
		return
	}

	if _, err := p.Ledger.Credit(ctx, payer, valueMicros); err != nil {
		log.Printf("gateway: request_id=%s ledger credit failed after settlement payer=%s amount=%d error=%v", requestID, payer, valueMicros, err)
		http.Error(w, fmt.Sprintf("failed to process payment: %v", err), http.StatusInternalServerError)
		return
	}

	// The deposit call is itself a billable RPC call. A debit failure
	// here (e.g. a concurrent debit draining the just-added balance) is
	// logged, not surfaced: the deposit already succeeded.
	if _, err := p.Ledger.Debit(ctx, payer, p.Config.PricePerRequestMicros, time.Now().Unix()); err != nil {
		log.Printf("gateway: request_id=%s failed to bill deposit request payer=%s error=%v", requestID, payer, err)
	}

	resp := p.Relay.Forward(body)
	writeRelayResponse(w, resp)
}

func (p *Pipeline) paymentRequirements() types.PaymentRequirements {
	extra, _ := json.Marshal(map[string]string{"name": "USDC", "version": "2"})
	return types.PaymentRequirements{
		Version:           types.X402VersionV1,
		Scheme:            types.SchemeExact,
		Network:           p.Config.Network,
		PayTo:             p.Config.PaymentAddress,
		MaxAmountRequired: strconv.FormatInt(TopupAmountMicros, 10),
		Resource:          p.Config.Resource,
		Description:       "Top up your RPC access balance with 1.0 USDC",
		MimeType:          "application/json",
		MaxTimeoutSeconds: p.Config.MaxTimeoutSeconds,
		Asset:             common.HexToAddress(p.Config.AssetAddress),
		Extra:             extra,
	}
}

func (p *Pipeline) send402(w http.ResponseWriter, reason string) {
	body := map[string]interface{}{
		"error":       "X-PAYMENT header is required",
		"accepts":     []types.PaymentRequirements{p.paymentRequirements()},
		"x402Version": 1,
	}
	if reason != "" {
		body["reason"] = reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRelayResponse(w http.ResponseWriter, resp relay.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// Health responds to GET /health.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}
