package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	seenPrefix = []byte("seen/")
	agePrefix  = []byte("age/")
)

var errPersistenceClosed = errors.New("auth: nonce persistence not configured")

// LevelDBNoncePersistence records signer nonces in LevelDB so replay
// protection survives restarts. Each nonce owns two keys: seen/<composite>
// holding the observation time and age/<nanos>/<composite> ordering entries
// for pruning.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("nonce store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying database.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce stores record and reports whether it had already been seen.
// A repeated nonce refreshes its observation time.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errPersistenceClosed
	}
	signer := strings.TrimSpace(record.Signer)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if signer == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := []byte(signer + "|" + ts + "|" + nonce)
	seen := append(append([]byte(nil), seenPrefix...), composite...)

	prev, err := p.db.Get(seen, nil)
	existed := true
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		existed = false
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	case len(prev) != 8:
		return false, fmt.Errorf("corrupt nonce entry for %s", composite)
	}

	nanos := uint64(observed.UnixNano())
	batch := new(leveldb.Batch)
	if existed {
		prevNanos := binary.BigEndian.Uint64(prev)
		if nanos <= prevNanos {
			return true, nil
		}
		batch.Delete(ageKey(prevNanos, composite))
	}
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], nanos)
	batch.Put(seen, stamp[:])
	batch.Put(ageKey(nanos, composite), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return existed, nil
}

// RecentNonces returns the nonces observed at or after cutoff, oldest first.
func (p *LevelDBNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, errPersistenceClosed
	}
	iter := p.db.NewIterator(&util.Range{Start: ageKey(unixNanos(cutoff), nil), Limit: util.BytesPrefix(agePrefix).Limit}, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nanos, composite, ok := splitAgeKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(string(composite), "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			Signer:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, int64(nanos)).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate nonces: %w", err)
	}
	return records, nil
}

// PruneNonces removes every nonce observed before cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return errPersistenceClosed
	}
	iter := p.db.NewIterator(&util.Range{Start: agePrefix, Limit: ageKey(unixNanos(cutoff), nil)}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, composite, ok := splitAgeKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(bytes.Clone(iter.Key()))
		batch.Delete(append(append([]byte(nil), seenPrefix...), composite...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func unixNanos(t time.Time) uint64 {
	n := t.UTC().UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func ageKey(nanos uint64, composite []byte) []byte {
	key := make([]byte, 0, len(agePrefix)+8+len(composite))
	key = append(key, agePrefix...)
	key = binary.BigEndian.AppendUint64(key, nanos)
	return append(key, composite...)
}

func splitAgeKey(key []byte) (uint64, []byte, bool) {
	if !bytes.HasPrefix(key, agePrefix) || len(key) < len(agePrefix)+8 {
		return 0, nil, false
	}
	rest := key[len(agePrefix):]
	return binary.BigEndian.Uint64(rest[:8]), bytes.Clone(rest[8:]), true
}
