package keys

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmsg/quill/crypto"
	"github.com/quillmsg/quill/crypto/keystore"
	"github.com/quillmsg/quill/transport"
)

func TestEnsureKeysGeneratesAndRegisters(t *testing.T) {
	store := keystore.NewMemoryStore()
	directory := transport.NewMockDirectory()
	manager := NewManager(store, directory, "alice")

	publicB64, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)

	key, err := crypto.DecodeKey(publicB64)
	require.NoError(t, err, "returned key must be valid base64 of 32 bytes")

	registered, err := directory.FetchKey(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, publicB64, registered, "server must hold the same public key")

	stored, err := store.Retrieve()
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, *key, stored.Public)
}

func TestEnsureKeysIdempotent(t *testing.T) {
	store := keystore.NewMemoryStore()
	directory := transport.NewMockDirectory()
	manager := NewManager(store, directory, "alice")

	first, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)
	second, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, directory.Uploads, "repeat calls must not re-register")
}

func TestEnsureKeysFastPathSkipsNetwork(t *testing.T) {
	store := keystore.NewMemoryStore()
	pub, sec, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, store.Store(&keystore.KeyPair{Public: *pub, Secret: *sec}))

	directory := transport.NewMockDirectory()
	manager := NewManager(store, directory, "alice")

	publicB64, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crypto.EncodeKey(pub), publicB64)
	assert.Equal(t, 0, directory.Uploads, "existing keypair must not touch the network")
}

func TestEnsureKeysRollbackOnRegistrationFailure(t *testing.T) {
	store := keystore.NewMemoryStore()
	directory := transport.NewMockDirectory()
	directory.UploadErr = errors.New("server unavailable")
	manager := NewManager(store, directory, "alice")

	_, err := manager.EnsureKeys(context.Background())
	require.Error(t, err)

	var regErr *RegistrationError
	require.True(t, errors.As(err, &regErr))
	assert.True(t, store.Empty(), "locally stored keypair must be rolled back")

	// A later attempt succeeds once the server recovers, with a new keypair.
	directory.UploadErr = nil
	publicB64, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, publicB64)
}

func TestEnsureKeysStorageErrorSurfaces(t *testing.T) {
	store := keystore.NewMemoryStore()
	store.RetrieveErr = errors.New("backend locked")
	manager := NewManager(store, transport.NewMockDirectory(), "alice")

	_, err := manager.EnsureKeys(context.Background())
	require.Error(t, err)

	var storageErr *keystore.StorageError
	assert.True(t, errors.As(err, &storageErr))
}

func TestEnsureKeysConcurrentCallersCoalesce(t *testing.T) {
	store := keystore.NewMemoryStore()
	directory := transport.NewMockDirectory()
	manager := NewManager(store, directory, "alice")

	const callers = 16
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			publicB64, err := manager.EnsureKeys(context.Background())
			if err != nil {
				t.Errorf("EnsureKeys() failed: %v", err)
				return
			}
			results[i] = publicB64
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, directory.Uploads, "concurrent callers must share one registration")
	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestResetWipesIdentity(t *testing.T) {
	store := keystore.NewMemoryStore()
	directory := transport.NewMockDirectory()
	manager := NewManager(store, directory, "alice")

	first, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)

	require.NoError(t, manager.Reset())
	assert.True(t, store.Empty())

	// The next ensure generates a different keypair.
	second, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestKeyPairReturnsStoredIdentity(t *testing.T) {
	store := keystore.NewMemoryStore()
	manager := NewManager(store, transport.NewMockDirectory(), "alice")

	pair, err := manager.KeyPair(context.Background())
	require.NoError(t, err)

	publicB64, err := manager.EnsureKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, publicB64, crypto.EncodeKey(&pair.Public))
}
