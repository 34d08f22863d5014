// Package crypto implements the message encryption layer for direct chats.
// Each message is sealed with NaCl box: an X25519 key agreement between the
// sender's secret key and the recipient's public key, with XSalsa20-Poly1305
// providing confidentiality and tamper detection. A message can only be
// opened by the two parties to the conversation; losing an identity keypair
// makes everything sealed under it permanently unreadable.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length of X25519 public and secret keys.
	KeySize = 32
	// NonceSize is the length of the per-message nonce required by box.
	NonceSize = 24
	// Overhead is the number of bytes box adds for the Poly1305 tag.
	Overhead = box.Overhead
)

// GenerateKeyPair creates a fresh random identity keypair.
func GenerateKeyPair() (publicKey, secretKey *[KeySize]byte, err error) {
	publicKey, secretKey, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return publicKey, secretKey, nil
}

// NewNonce returns a fresh random nonce from a cryptographically secure
// source. A nonce must never be reused across messages for a given key pair;
// callers generate one immediately before each Seal.
func NewNonce() (*[NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &nonce, nil
}

// Seal encrypts plaintext for the holder of peerPublicKey, authenticated by
// ownSecretKey. The returned ciphertext includes the authentication tag but
// not the nonce; the nonce travels alongside it on the wire.
func Seal(plaintext []byte, nonce *[NonceSize]byte, peerPublicKey, ownSecretKey *[KeySize]byte) []byte {
	return box.Seal(nil, plaintext, nonce, peerPublicKey, ownSecretKey)
}

// Open decrypts and authenticates a sealed message. The second return value
// is false when authentication fails: wrong key, corrupted ciphertext, or a
// message sealed under an identity that no longer exists. That is an
// expected per-message condition, not an error — callers substitute a
// placeholder rather than failing the batch.
func Open(ciphertext []byte, nonce *[NonceSize]byte, peerPublicKey, ownSecretKey *[KeySize]byte) ([]byte, bool) {
	return box.Open(nil, ciphertext, nonce, peerPublicKey, ownSecretKey)
}
