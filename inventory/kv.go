package inventory

import (
	"context"
	"sort"
	"sync"

	"github.com/telemetrygate/telemetrygate/errors"
	"github.com/telemetrygate/telemetrygate/natsclient"
)

// KV is the key-value surface one collection needs. The production
// implementation sits on a JetStream bucket; tests use the in-memory one.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// natsKV adapts a natsclient.KVStore to the collection interface, mapping
// backend failures to the transient storage class.
type natsKV struct {
	store *natsclient.KVStore
}

// NewNATSKV wraps a JetStream-backed store as a collection KV
func NewNATSKV(store *natsclient.KVStore) KV {
	return &natsKV{store: store}
}

func (n *natsKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.store.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "inventory", "Get", "kv read "+key)
	}
	return entry.Value, nil
}

func (n *natsKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.store.Put(ctx, key, value); err != nil {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "inventory", "Put", "kv write "+key)
	}
	return nil
}

func (n *natsKV) Delete(ctx context.Context, key string) error {
	if err := n.store.Delete(ctx, key); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return errors.ErrKeyNotFound
		}
		return errors.WrapTransient(errors.ErrStorageUnavailable, "inventory", "Delete", "kv delete "+key)
	}
	return nil
}

func (n *natsKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := n.store.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrStorageUnavailable, "inventory", "Keys", "kv list")
	}
	return keys, nil
}

// MemoryKV is an in-process collection, used by tests and single-node runs
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory collection
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string][]byte{}}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return errors.ErrKeyNotFound
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
