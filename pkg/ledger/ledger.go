// Package ledger defines the persistent per-address balance store shared
// by both the embedded and remote gateway backends.
package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Address is a 20-byte EVM account identifier rendered as a lowercase
// 42-character 0x-prefixed hex string. All ledger keys are normalized
// through NewAddress before use.
type Address string

// NewAddress lowercases and validates the shape of addr: the 0x prefix,
// the length, and that the remaining 40 characters are hex. It does not
// validate an EIP-55 mixed-case checksum.
func NewAddress(addr string) (Address, error) {
	lower := strings.ToLower(strings.TrimSpace(addr))
	if len(lower) != 42 || !strings.HasPrefix(lower, "0x") {
		return "", fmt.Errorf("ledger: invalid address %q: want 0x + 40 hex chars", addr)
	}
	for _, c := range lower[2:] {
		if !isHexDigit(c) {
			return "", fmt.Errorf("ledger: invalid address %q: non-hex character %q", addr, c)
		}
	}
	return Address(lower), nil
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}

func (a Address) String() string { return string(a) }

// UserRecord is the ledger value: a non-negative integer balance in
// micro-units of the settlement asset (USDC, 6 decimals) plus the
// unix-seconds timestamp of the last successful debit.
type UserRecord struct {
	BalanceMicros   int64
	LatestTimestamp int64
}

// Ledger is the capability set the admission pipeline depends on. Both
// the embedded and remote backends implement it with the same
// linearizable-per-key atomicity contract: two concurrent debits on the
// same address with sufficient combined balance must both succeed; with
// insufficient combined balance exactly one succeeds.
type Ledger interface {
	// Get returns the record for address, or (UserRecord{}, false, nil)
	// if the key has never been written.
	Get(ctx context.Context, address Address) (UserRecord, bool, error)

	// Credit creates the record if missing (balance 0, timestamp 0) and
	// adds amountMicros, returning the new balance. It only fails on
	// storage I/O.
	Credit(ctx context.Context, address Address, amountMicros int64) (int64, error)

	// Debit subtracts amountMicros and sets LatestTimestamp to
	// tsSeconds, returning the remaining balance. It fails with
	// *InsufficientBalanceError when the current balance is less than
	// amountMicros; the record, if any, is left unchanged in that case.
	Debit(ctx context.Context, address Address, amountMicros int64, tsSeconds int64) (int64, error)
}

// InsufficientBalanceError reports that a debit could not be satisfied.
type InsufficientBalanceError struct {
	Has  int64
	Need int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance: has %d, need %d", e.Has, e.Need)
}

// StorageError wraps a failure in the underlying storage engine.
type StorageError struct{ Err error }

func (e *StorageError) Error() string { return fmt.Sprintf("ledger: storage error: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// SerializationError wraps a failure encoding or decoding a UserRecord.
type SerializationError struct{ Err error }

func (e *SerializationError) Error() string {
	return fmt.Sprintf("ledger: serialization error: %v", e.Err)
}
func (e *SerializationError) Unwrap() error { return e.Err }

// AttributeMissingError reports a missing attribute in the remote
// backend's item schema.
type AttributeMissingError struct{ Attribute string }

func (e *AttributeMissingError) Error() string {
	return fmt.Sprintf("ledger: attribute missing: %s", e.Attribute)
}

// ParseError reports a malformed attribute value in the remote backend.
type ParseError struct{ Attribute, Value string }

func (e *ParseError) Error() string {
	return fmt.Sprintf("ledger: cannot parse attribute %s=%q", e.Attribute, e.Value)
}
