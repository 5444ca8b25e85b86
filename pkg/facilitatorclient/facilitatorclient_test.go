package facilitatorclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/x402-rs/x402-gateway/pkg/types"
)

func TestVerifyRoundTrips(t *testing.T) {
	var gotPath string
	var gotReq types.VerifyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: true})
	}))
	defer server.Close()

	client := New(server.URL)
	req := &types.VerifyRequest{
		X402Version: 1,
		PaymentPayload: types.PaymentPayload{
			X402Version: 1,
			Scheme:      types.SchemeExact,
			Network:     types.NetworkBaseSepolia,
		},
		PaymentRequirements: types.PaymentRequirements{
			Version: types.X402VersionV1,
			Scheme:  types.SchemeExact,
			Network: types.NetworkBaseSepolia,
		},
	}

	resp, err := client.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if gotPath != "/verify" {
		t.Fatalf("path = %s, want /verify", gotPath)
	}
	if gotReq.PaymentRequirements.Network != types.NetworkBaseSepolia {
		t.Fatalf("request not decoded correctly: %+v", gotReq)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid response")
	}
}

func TestSettleRoundTrips(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.SettleResponse{Success: true})
	}))
	defer server.Close()

	client := New(server.URL)
	resp, err := client.Settle(context.Background(), &types.SettleRequest{})
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if gotPath != "/settle" {
		t.Fatalf("path = %s, want /settle", gotPath)
	}
	if !resp.Success {
		t.Fatalf("expected success response")
	}
}

func TestVerifyPropagatesTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := New(server.URL)
	if _, err := client.Verify(context.Background(), &types.VerifyRequest{}); err == nil {
		t.Fatalf("expected error when facilitator is unreachable")
	}
}
