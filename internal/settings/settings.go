// Package settings persists the small amount of state the tracker must keep
// across restarts: the data stall recovery step, the preferred APN and the
// user's data roaming choice.
package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// Keys used by the tracker. Per-subscription keys are built with SubKey.
const (
	KeyRecoveryAction = "data_stall_recovery_action"
	KeyPreferredAPN   = "preferred_apn_id"
	KeyDataRoaming    = "data_roaming"
	KeyDataEnabled    = "mobile_data"
)

// ErrNotFound is returned by Store.Get for a missing key.
var ErrNotFound = errors.New("settings: key not found")

// Store is a string key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SubKey scopes key to one subscription.
func SubKey(key string, subID int) string {
	return fmt.Sprintf("%s/%d", key, subID)
}

// Int reads key as an integer, returning def when it is missing.
func Int(ctx context.Context, s Store, key string, def int) (int, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def, errors.Wrapf(err, "settings: %s", key)
	}
	return n, nil
}

// PutInt stores an integer.
func PutInt(ctx context.Context, s Store, key string, v int) error {
	return s.Put(ctx, key, cast.ToString(v))
}

// Bool reads key as a boolean, returning def when it is missing.
func Bool(ctx context.Context, s Store, key string, def bool) (bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def, errors.Wrapf(err, "settings: %s", key)
	}
	return b, nil
}

// PutBool stores a boolean.
func PutBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Put(ctx, key, cast.ToString(v))
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
