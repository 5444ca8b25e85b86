// Package transport is the client side of the admission pipeline: it
// signs every outbound call the way pkg/authsig verifies them, and
// transparently rides through a 402 by depositing and retrying, so
// callers never see the payment protocol.
package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/x402-rs/x402-gateway/pkg/authsig"
	"github.com/x402-rs/x402-gateway/pkg/types"
)

// Client is a signing HTTP client for the gateway's /relay endpoint.
type Client struct {
	gatewayURL string
	http       *http.Client
	signer     *ecdsa.PrivateKey
	address    common.Address
}

// New builds a Client for gatewayURL, deriving its signing address from
// privateKeyHex (with or without a 0x prefix).
func New(gatewayURL, privateKeyHex string) (*Client, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid private key: %w", err)
	}
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("transport: error casting public key to ECDSA")
	}

	return &Client{
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
		signer:     privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
	}, nil
}

// Address returns the client's signing address.
func (c *Client) Address() common.Address { return c.address }

// Call signs body with the authsig recipe and POSTs it to the gateway's
// /relay endpoint. If the gateway answers 402, Call extracts the
// payment requirements, builds and signs an EIP-712 deposit envelope,
// and retries once with the same body, signed afresh with a new
// timestamp, and an added X-Payment header —
// by the time Call returns, any payment round trip is already resolved.
func (c *Client) Call(body []byte) ([]byte, error) {
	resp, err := c.doSigned(body, "")
	if err != nil {
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return readBody(resp)
	}

	requirements, err := parsePaymentRequirements(resp)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to parse payment requirements: %w", err)
	}

	payload, err := c.generatePaymentPayload(requirements)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to generate payment: %w", err)
	}
	paymentJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to marshal payment: %w", err)
	}

	retryResp, err := c.doSigned(body, string(paymentJSON))
	if err != nil {
		return nil, fmt.Errorf("transport: retry after payment failed: %w", err)
	}
	defer retryResp.Body.Close()
	return readBody(retryResp)
}

func readBody(resp *http.Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return data, fmt.Errorf("transport: gateway returned status %d: %s", resp.StatusCode, data)
	}
	return data, nil
}

// doSigned builds the X-Auth-* headers per the shared signing recipe
// and POSTs body to /relay. When payment is non-empty it is additionally
// set as the X-Payment header, which takes dispatch priority at the
// gateway over the auth headers.
func (c *Client) doSigned(body []byte, payment string) (*http.Response, error) {
	ts := time.Now().Unix()
	addrStr := strings.ToLower(c.address.Hex())

	digest := crypto.Keccak256(authsig.Message(addrStr, ts, body))
	signature, err := crypto.Sign(digest, c.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}

	req, err := http.NewRequest(http.MethodPost, c.gatewayURL+"/relay", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Address", addrStr)
	req.Header.Set("X-Auth-Signature", "0x"+hex.EncodeToString(signature))
	req.Header.Set("X-Auth-Timestamp", strconv.FormatInt(ts, 10))
	if payment != "" {
		req.Header.Set("X-Payment", payment)
	}

	return c.http.Do(req)
}

func parsePaymentRequirements(resp *http.Response) (*types.PaymentRequirements, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Accepts []types.PaymentRequirements `json:"accepts"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	if len(response.Accepts) == 0 {
		return nil, fmt.Errorf("402 response carried no payment requirements")
	}
	return &response.Accepts[0], nil
}

// generatePaymentPayload builds and EIP-712-signs an ERC-3009
// transferWithAuthorization envelope satisfying requirements.
func (c *Client) generatePaymentPayload(requirements *types.PaymentRequirements) (*types.PaymentPayload, error) {
	if !requirements.Network.IsEVM() {
		return nil, fmt.Errorf("unsupported network: %s", requirements.Network)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now().Unix()
	validAfter := uint64(now)
	validBefore := uint64(now + 3600)

	auth := types.ExactEvmPayloadAuthorization{
		From:        c.address,
		To:          common.HexToAddress(requirements.PayTo),
		Value:       requirements.MaxAmountRequired,
		ValidAfter:  fmt.Sprintf("%d", validAfter),
		ValidBefore: fmt.Sprintf("%d", validBefore),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}

	signature, err := c.signEIP712(&auth, requirements.Asset.Hex(), requirements.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	return &types.PaymentPayload{
		X402Version: 1,
		Scheme:      types.SchemeExact,
		Network:     requirements.Network,
		Payload: types.ExactEvmPayload{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	}, nil
}

func (c *Client) signEIP712(auth *types.ExactEvmPayloadAuthorization, tokenAddress string, network types.Network) ([]byte, error) {
	chainID, err := chainIDFor(network)
	if err != nil {
		return nil, err
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              "USD Coin",
			Version:           "2",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: tokenAddress,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	hash := crypto.Keccak256Hash(rawData)

	signature, err := crypto.Sign(hash.Bytes(), c.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}
	return signature, nil
}

func chainIDFor(network types.Network) (*big.Int, error) {
	chainIDs := map[types.Network]int64{
		types.NetworkBaseSepolia:   84532,
		types.NetworkBase:          8453,
		types.NetworkAvalancheFuji: 43113,
		types.NetworkAvalanche:     43114,
		types.NetworkPolygonAmoy:   80002,
		types.NetworkPolygon:       137,
		types.NetworkSei:           1329,
		types.NetworkSeiTestnet:    1328,
		types.NetworkXDC:           50,
	}
	chainID, ok := chainIDs[network]
	if !ok {
		return nil, fmt.Errorf("unknown chain ID for network: %s", network)
	}
	return big.NewInt(chainID), nil
}
