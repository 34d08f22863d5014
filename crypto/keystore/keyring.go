package keystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/quillmsg/quill/crypto"
)

// credentialKey is the single item name the identity keypair is stored under.
const credentialKey = "identity-keypair"

// Config controls how the OS keyring is opened.
type Config struct {
	// ServiceName namespaces our credentials in the platform store.
	ServiceName string
	// Backend pins a specific keyring backend (e.g. "file" in tests or on
	// headless machines). Empty selects the strongest available backend.
	Backend string
	// FileDir and FilePassword configure the encrypted-file fallback backend.
	FileDir      string
	FilePassword string
}

// KeyringStore implements Store on top of the platform credential manager.
type KeyringStore struct {
	ring keyring.Keyring
}

// Open opens the platform keyring. Backends are tried strongest first —
// OS-protected stores (Keychain, Credential Manager, Secret Service,
// KWallet, pass) — falling back to an encrypted file when no OS store is
// available.
func Open(cfg Config) (*KeyringStore, error) {
	config := keyring.Config{
		ServiceName:              cfg.ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  cfg.FileDir,
	}
	if cfg.FilePassword != "" {
		config.FilePasswordFunc = keyring.FixedStringPrompt(cfg.FilePassword)
	}
	if cfg.Backend != "" {
		config.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	} else {
		config.AllowedBackends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.WinCredBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}

	ring, err := keyring.Open(config)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	return &KeyringStore{ring: ring}, nil
}

// Store writes the keypair as one credential record.
func (s *KeyringStore) Store(pair *KeyPair) error {
	data, err := encodeRecord(pair)
	if err != nil {
		return &StorageError{Op: "encode", Err: err}
	}
	defer crypto.Zeroize(data)

	err = s.ring.Set(keyring.Item{
		Key:   credentialKey,
		Label: "quill identity keypair",
		Data:  data,
	})
	if err != nil {
		return &StorageError{Op: "store", Err: err}
	}
	return nil
}

// Retrieve returns the stored keypair, or (nil, nil) when absent.
func (s *KeyringStore) Retrieve() (*KeyPair, error) {
	item, err := s.ring.Get(credentialKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "retrieve", Err: err}
	}
	defer crypto.Zeroize(item.Data)

	pair, err := decodeRecord(item.Data)
	if err != nil {
		return nil, &StorageError{Op: "decode", Err: err}
	}
	return pair, nil
}

// Reset deletes the stored credential. Deleting a missing credential is a
// no-op success.
func (s *KeyringStore) Reset() error {
	err := s.ring.Remove(credentialKey)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return &StorageError{Op: "reset", Err: err}
	}
	return nil
}

// credentialRecord is the stored shape of the keypair. Both halves are
// base64 text, matching the encoding used everywhere else.
type credentialRecord struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

func encodeRecord(pair *KeyPair) ([]byte, error) {
	record := credentialRecord{
		PublicKey: crypto.EncodeKey(&pair.Public),
		SecretKey: crypto.EncodeKey(&pair.Secret),
	}
	return json.Marshal(record)
}

func decodeRecord(data []byte) (*KeyPair, error) {
	var record credentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("malformed credential record: %w", err)
	}

	public, err := crypto.DecodeKey(record.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid stored public key: %w", err)
	}
	secret, err := crypto.DecodeKey(record.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid stored secret key: %w", err)
	}
	defer crypto.ZeroizeKey(secret)

	return &KeyPair{Public: *public, Secret: *secret}, nil
}
