// Package keys manages identity keypairs: ensuring exactly one exists per
// installation and is registered with the server, and resolving peers'
// public keys for encryption.
package keys

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/quillmsg/quill/crypto"
	"github.com/quillmsg/quill/crypto/keystore"
	"github.com/quillmsg/quill/transport"
)

// RegistrationError indicates the server rejected the public key upload.
// The freshly generated local keypair has already been rolled back, so local
// and server state do not diverge.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("key registration failed: %v", e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Manager guarantees a usable identity keypair exists locally and is
// registered with the server before any messaging occurs. It is a
// process-wide singleton around the secure store; concurrent EnsureKeys
// callers coalesce onto one underlying attempt.
type Manager struct {
	mu        sync.Mutex
	store     keystore.Store
	directory transport.KeyDirectory
	userID    string

	// cachedPublic short-circuits repeat calls after a successful run.
	cachedPublic string
}

// NewManager creates a lifecycle manager for the given user.
func NewManager(store keystore.Store, directory transport.KeyDirectory, userID string) *Manager {
	return &Manager{store: store, directory: directory, userID: userID}
}

// EnsureKeys returns the base64 public key of the local identity, creating
// and registering a fresh keypair if none exists. The common fast path —
// a keypair already stored — makes no network call. On any failure after the
// new keypair was persisted, the store is reset before the error returns:
// a local-only orphan keypair would make every message it seals unreadable
// to peers who never saw its public half.
func (m *Manager) EnsureKeys(ctx context.Context) (string, error) {
	// One lock for the whole operation: two conversations opened on a cold
	// start must not race to generate two different keypairs.
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cachedPublic != "" {
		return m.cachedPublic, nil
	}

	pair, err := m.store.Retrieve()
	if err != nil {
		return "", errors.Wrap(err, "checking for existing identity")
	}
	if pair != nil {
		m.cachedPublic = crypto.EncodeKey(&pair.Public)
		crypto.ZeroizeKey(&pair.Secret)
		return m.cachedPublic, nil
	}

	public, secret, err := crypto.GenerateKeyPair()
	if err != nil {
		return "", errors.Wrap(err, "generating identity keypair")
	}
	defer crypto.ZeroizeKey(secret)

	fresh := &keystore.KeyPair{Public: *public, Secret: *secret}
	if err := m.store.Store(fresh); err != nil {
		crypto.ZeroizeKey(&fresh.Secret)
		return "", errors.Wrap(err, "persisting identity keypair")
	}
	crypto.ZeroizeKey(&fresh.Secret)

	publicB64 := crypto.EncodeKey(public)
	if err := m.directory.UploadKey(ctx, m.userID, publicB64); err != nil {
		if resetErr := m.store.Reset(); resetErr != nil {
			jww.ERROR.Printf("rollback of unregistered keypair failed: %v", resetErr)
		}
		return "", &RegistrationError{Err: err}
	}

	jww.INFO.Printf("registered new identity keypair for user %s", m.userID)
	m.cachedPublic = publicB64
	return publicB64, nil
}

// KeyPair returns the full identity keypair, ensuring one exists first.
// The caller owns the returned secret and should zeroize it when done.
func (m *Manager) KeyPair(ctx context.Context) (*keystore.KeyPair, error) {
	if _, err := m.EnsureKeys(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, err := m.store.Retrieve()
	if err != nil {
		return nil, errors.Wrap(err, "loading identity keypair")
	}
	if pair == nil {
		return nil, errors.New("identity keypair missing after ensure")
	}
	return pair, nil
}

// Reset wipes the local identity. Everything sealed under it becomes
// permanently unreadable; there is no key escrow.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Reset(); err != nil {
		return errors.Wrap(err, "resetting identity")
	}
	m.cachedPublic = ""
	jww.INFO.Printf("local identity keypair wiped for user %s", m.userID)
	return nil
}
