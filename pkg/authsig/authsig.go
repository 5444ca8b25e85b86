// Package authsig verifies the header-based request signatures used by
// the authenticated (post-deposit) request path. The recipe is
// deliberately simple compared to the EIP-712 payment envelope: callers
// sign the concatenation of their claimed address, a decimal timestamp,
// and the hex-encoded keccak256 hash of the request body.
package authsig

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Window is how far a claimed timestamp may drift from the verifier's
// clock, in either direction, before the request is rejected.
const Window = 60 * time.Second

// Request bundles the three headers carried on an authenticated call.
type Request struct {
	Address   string // X-Auth-Address, 0x-prefixed hex
	Signature string // X-Auth-Signature, 0x-prefixed 65-byte r||s||v hex
	Timestamp string // X-Auth-Timestamp, decimal unix seconds
	Body      []byte
}

// Result is the outcome of a successful verification.
type Result struct {
	Address   common.Address
	Timestamp int64
}

// TimestampError reports a timestamp outside Window of the verifier's
// clock. A missing or unparseable timestamp is a SignatureFormatError.
type TimestampError struct {
	Claimed int64
	Now     int64
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("authsig: timestamp %d outside %s window of now=%d", e.Claimed, Window, e.Now)
}

// SignatureFormatError reports a malformed address, timestamp, or
// signature header, or a signature from which no key can be recovered.
type SignatureFormatError struct{ Reason string }

func (e *SignatureFormatError) Error() string { return "authsig: " + e.Reason }

// MismatchError reports a signature that recovers to an address other
// than the one claimed.
type MismatchError struct {
	Claimed   common.Address
	Recovered common.Address
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("authsig: signature recovers to %s, claimed %s", e.Recovered.Hex(), e.Claimed.Hex())
}

// Message builds the exact byte sequence that gets hashed and signed:
// the address exactly as received, the decimal timestamp, and the hex
// digest of the body, concatenated with no separators. Both the client
// transport and this verifier must build this identically — the
// address string is never normalized, since the signer and verifier
// must agree on the bytes that were actually hashed.
func Message(address string, timestampSeconds int64, body []byte) []byte {
	bodyHash := crypto.Keccak256(body)
	var b strings.Builder
	b.WriteString(address)
	b.WriteString(strconv.FormatInt(timestampSeconds, 10))
	b.WriteString(hex.EncodeToString(bodyHash))
	return []byte(b.String())
}

// Verify checks req against the clock reading now and returns the
// recovered signer on success. now is injected so tests can exercise
// the drift boundary deterministically.
func Verify(req Request, now time.Time) (Result, error) {
	if !common.IsHexAddress(req.Address) {
		return Result{}, &SignatureFormatError{Reason: fmt.Sprintf("invalid address %q", req.Address)}
	}
	claimed := common.HexToAddress(req.Address)

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return Result{}, &SignatureFormatError{Reason: fmt.Sprintf("invalid timestamp %q", req.Timestamp)}
	}
	drift := now.Unix() - ts
	if drift > int64(Window.Seconds()) || drift < -int64(Window.Seconds()) {
		return Result{}, &TimestampError{Claimed: ts, Now: now.Unix()}
	}

	sigHex := strings.TrimPrefix(req.Signature, "0x")
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return Result{}, &SignatureFormatError{Reason: "signature is not valid hex"}
	}
	if len(sigBytes) != 65 {
		return Result{}, &SignatureFormatError{Reason: fmt.Sprintf("signature must be 65 bytes, got %d", len(sigBytes))}
	}
	sigBytes = append([]byte(nil), sigBytes...)
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	digest := crypto.Keccak256(Message(req.Address, ts, req.Body))
	pubKey, err := crypto.SigToPub(digest, sigBytes)
	if err != nil {
		return Result{}, &SignatureFormatError{Reason: "signature does not recover: " + err.Error()}
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	if !strings.EqualFold(recovered.Hex(), claimed.Hex()) {
		return Result{}, &MismatchError{Claimed: claimed, Recovered: recovered}
	}

	return Result{Address: recovered, Timestamp: ts}, nil
}
