// Package embedded implements pkg/ledger.Ledger over a local sqlite file,
// the pure-Go, cgo-free sqlite driver used elsewhere in this dependency
// pack for on-disk indexing. The on-disk value is a 16-byte blob: two
// consecutive little-endian 64-bit integers (balance micros, then
// timestamp seconds) — the sorted-KV binary encoding spec.md calls for.
package embedded

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/x402-rs/x402-gateway/pkg/ledger"
)

// Store is an embedded, file-backed implementation of ledger.Ledger.
type Store struct {
	db *sql.DB

	// keyLocks serializes read-modify-write sequences per address; the
	// lock domain is the lowercased address string, as spec.md allows
	// for the "read-modify-write under a per-key lock" pattern.
	mu       sync.Mutex
	keyLocks map[ledger.Address]*sync.Mutex
}

// Open creates or opens the sqlite file at path and ensures the ledger
// table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ledger.StorageError{Err: err}
	}
	// A single open connection turns the embedded store's durability
	// model into "one writer at a time" without relying on sqlite's own
	// locking semantics, which pairs with the per-key mutex below.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS ledger (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID;`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &ledger.StorageError{Err: err}
	}

	return &Store{db: db, keyLocks: make(map[ledger.Address]*sync.Mutex)}, nil
}

// Close releases the underlying sqlite file handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) lockFor(addr ledger.Address) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[addr] = l
	}
	return l
}

func encodeRecord(r ledger.UserRecord) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.BalanceMicros))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.LatestTimestamp))
	return buf
}

func decodeRecord(buf []byte) (ledger.UserRecord, error) {
	if len(buf) != 16 {
		return ledger.UserRecord{}, &ledger.SerializationError{
			Err: fmt.Errorf("embedded: expected 16-byte record, got %d", len(buf)),
		}
	}
	return ledger.UserRecord{
		BalanceMicros:   int64(binary.LittleEndian.Uint64(buf[0:8])),
		LatestTimestamp: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

// Get implements ledger.Ledger.
func (s *Store) Get(ctx context.Context, address ledger.Address) (ledger.UserRecord, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ledger WHERE key = ?`, string(address)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.UserRecord{}, false, nil
	}
	if err != nil {
		return ledger.UserRecord{}, false, &ledger.StorageError{Err: err}
	}
	rec, err := decodeRecord(blob)
	if err != nil {
		return ledger.UserRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) readLocked(ctx context.Context, tx *sql.Tx, address ledger.Address) (ledger.UserRecord, error) {
	var blob []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM ledger WHERE key = ?`, string(address)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.UserRecord{}, nil
	}
	if err != nil {
		return ledger.UserRecord{}, &ledger.StorageError{Err: err}
	}
	return decodeRecord(blob)
}

func (s *Store) writeLocked(ctx context.Context, tx *sql.Tx, address ledger.Address, rec ledger.UserRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, string(address), encodeRecord(rec))
	if err != nil {
		return &ledger.StorageError{Err: err}
	}
	return nil
}

// Credit implements ledger.Ledger.
func (s *Store) Credit(ctx context.Context, address ledger.Address, amountMicros int64) (int64, error) {
	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ledger.StorageError{Err: err}
	}
	defer tx.Rollback()

	rec, err := s.readLocked(ctx, tx, address)
	if err != nil {
		return 0, err
	}
	rec.BalanceMicros += amountMicros
	if err := s.writeLocked(ctx, tx, address, rec); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &ledger.StorageError{Err: err}
	}
	return rec.BalanceMicros, nil
}

// Debit implements ledger.Ledger.
func (s *Store) Debit(ctx context.Context, address ledger.Address, amountMicros int64, tsSeconds int64) (int64, error) {
	lock := s.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ledger.StorageError{Err: err}
	}
	defer tx.Rollback()

	rec, err := s.readLocked(ctx, tx, address)
	if err != nil {
		return 0, err
	}
	if rec.BalanceMicros < amountMicros {
		return 0, &ledger.InsufficientBalanceError{Has: rec.BalanceMicros, Need: amountMicros}
	}
	rec.BalanceMicros -= amountMicros
	rec.LatestTimestamp = tsSeconds
	if err := s.writeLocked(ctx, tx, address, rec); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, &ledger.StorageError{Err: err}
	}
	return rec.BalanceMicros, nil
}
