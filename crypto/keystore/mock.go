package keystore

import "sync"

// MemoryStore is an in-memory implementation of Store for testing.
// This is exported so it can be used by tests in other packages.
type MemoryStore struct {
	mu   sync.Mutex
	pair *KeyPair

	// Failure injection. When set, the corresponding operation returns a
	// *StorageError wrapping this error.
	StoreErr    error
	RetrieveErr error
	ResetErr    error
}

// NewMemoryStore creates an empty in-memory keystore for testing.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Store(pair *KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StoreErr != nil {
		return &StorageError{Op: "store", Err: m.StoreErr}
	}
	copied := *pair
	m.pair = &copied
	return nil
}

func (m *MemoryStore) Retrieve() (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RetrieveErr != nil {
		return nil, &StorageError{Op: "retrieve", Err: m.RetrieveErr}
	}
	if m.pair == nil {
		return nil, nil
	}
	copied := *m.pair
	return &copied, nil
}

func (m *MemoryStore) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ResetErr != nil {
		return &StorageError{Op: "reset", Err: m.ResetErr}
	}
	m.pair = nil
	return nil
}

// Empty reports whether no keypair is stored. Test helper.
func (m *MemoryStore) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pair == nil
}
