package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"nftpawn/storage"
)

// Manager provides keyed record storage on top of a storage.Database. A
// Manager returned by NewManager reads and writes committed data directly; the
// Manager handed to an Atomic callback stages its writes until the callback
// returns successfully.
type Manager struct {
	db      storage.Database
	writeMu *sync.Mutex

	staged map[string]stagedWrite
	order  []string
}

type stagedWrite struct {
	value   []byte
	deleted bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, writeMu: new(sync.Mutex)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// InAtomic reports whether the manager stages writes for an atomic unit.
func (m *Manager) InAtomic() bool {
	return m.staged != nil
}

// Atomic runs fn against a staging view of the state. Writes made through the
// view become visible to other readers only when fn returns nil, in which case
// they are committed as one storage batch. Any error discards every staged
// write. Atomic units are serialised with each other; calling Atomic on a
// staging view joins the enclosing unit.
func (m *Manager) Atomic(fn func(tx *Manager) error) error {
	if fn == nil {
		return fmt.Errorf("state: nil atomic callback")
	}
	if m.InAtomic() {
		return fn(m)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	tx := &Manager{db: m.db, writeMu: m.writeMu, staged: make(map[string]stagedWrite)}
	if err := fn(tx); err != nil {
		return err
	}
	batch := storage.NewBatch()
	for _, key := range tx.order {
		w := tx.staged[key]
		if w.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), w.value)
	}
	return m.db.Write(batch)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if m.staged != nil {
		if w, ok := m.staged[string(key)]; ok {
			if w.deleted {
				return nil, nil
			}
			return w.value, nil
		}
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) put(key, value []byte) error {
	if m.staged == nil {
		return m.db.Put(key, value)
	}
	m.stage(key, stagedWrite{value: append([]byte(nil), value...)})
	return nil
}

func (m *Manager) remove(key []byte) error {
	if m.staged == nil {
		return m.db.Delete(key)
	}
	m.stage(key, stagedWrite{deleted: true})
	return nil
}

func (m *Manager) stage(key []byte, w stagedWrite) {
	k := string(key)
	if _, ok := m.staged[k]; !ok {
		m.order = append(m.order, k)
	}
	m.staged[k] = w
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.remove(kvKey(key))
}

func (m *Manager) loadList(hashed []byte) ([][]byte, error) {
	data, err := m.get(hashed)
	if err != nil {
		return nil, err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (m *Manager) writeList(hashed []byte, list [][]byte) error {
	if len(list) == 0 {
		return m.remove(hashed)
	}
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.put(hashed, encoded)
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	list, err := m.loadList(hashed)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.writeList(hashed, list)
}

// KVRemove drops value from the list stored under key, preserving the order of
// the remaining entries.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	list, err := m.loadList(hashed)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return m.writeList(hashed, kept)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
