package embedded

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/x402-rs/x402-gateway/pkg/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetMissingAddress(t *testing.T) {
	store := newTestStore(t)
	addr, _ := ledger.NewAddress("0x1111111111111111111111111111111111111111")

	_, ok, err := store.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected no record for unseen address")
	}
}

func TestCreditCreatesRecord(t *testing.T) {
	store := newTestStore(t)
	addr, _ := ledger.NewAddress("0x2222222222222222222222222222222222222222")

	balance, err := store.Credit(context.Background(), addr, 1_000_000)
	if err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	if balance != 1_000_000 {
		t.Fatalf("balance = %d, want 1000000", balance)
	}

	rec, ok, err := store.Get(context.Background(), addr)
	if err != nil || !ok {
		t.Fatalf("get after credit failed: ok=%v err=%v", ok, err)
	}
	if rec.BalanceMicros != 1_000_000 {
		t.Fatalf("stored balance = %d, want 1000000", rec.BalanceMicros)
	}
}

func TestDebitSufficientBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addr, _ := ledger.NewAddress("0x3333333333333333333333333333333333333333")

	if _, err := store.Credit(ctx, addr, 1_000_000); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	remaining, err := store.Debit(ctx, addr, 400_000, 1_700_000_000)
	if err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	if remaining != 600_000 {
		t.Fatalf("remaining = %d, want 600000", remaining)
	}

	rec, _, err := store.Get(ctx, addr)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.LatestTimestamp != 1_700_000_000 {
		t.Fatalf("timestamp = %d, want 1700000000", rec.LatestTimestamp)
	}
}

func TestDebitInsufficientBalanceLeavesRecordUnchanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addr, _ := ledger.NewAddress("0x4444444444444444444444444444444444444444")

	if _, err := store.Credit(ctx, addr, 100); err != nil {
		t.Fatalf("credit failed: %v", err)
	}

	_, err := store.Debit(ctx, addr, 200, 1)
	if err == nil {
		t.Fatalf("expected insufficient balance error")
	}
	var insufficient *ledger.InsufficientBalanceError
	if !asInsufficientBalance(err, &insufficient) {
		t.Fatalf("error type = %T, want *ledger.InsufficientBalanceError", err)
	}
	if insufficient.Has != 100 || insufficient.Need != 200 {
		t.Fatalf("error = %+v, want has=100 need=200", insufficient)
	}

	rec, _, err := store.Get(ctx, addr)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if rec.BalanceMicros != 100 {
		t.Fatalf("balance after failed debit = %d, want unchanged 100", rec.BalanceMicros)
	}
}

func TestDebitOnMissingAddressIsInsufficientBalance(t *testing.T) {
	store := newTestStore(t)
	addr, _ := ledger.NewAddress("0x5555555555555555555555555555555555555555")

	_, err := store.Debit(context.Background(), addr, 1, 1)
	var insufficient *ledger.InsufficientBalanceError
	if !asInsufficientBalance(err, &insufficient) {
		t.Fatalf("error type = %T, want *ledger.InsufficientBalanceError", err)
	}
	if insufficient.Has != 0 {
		t.Fatalf("has = %d, want 0", insufficient.Has)
	}
}

func asInsufficientBalance(err error, target **ledger.InsufficientBalanceError) bool {
	ib, ok := err.(*ledger.InsufficientBalanceError)
	if ok {
		*target = ib
	}
	return ok
}
