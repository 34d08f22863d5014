package crypto

import (
	"encoding/base64"
	"fmt"
)

// Keys, nonces and ciphertexts travel over the wire and sit in storage as
// standard base64. Decoding is strict: a padding or charset mismatch is a
// hard input error, never silent corruption.

// Encode returns the base64 encoding of arbitrary binary data.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode decodes base64 text into raw bytes.
func Decode(s string) ([]byte, error) {
	data, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}

// EncodeKey returns the base64 encoding of a 32-byte key.
func EncodeKey(key *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodeKey decodes a base64 public or secret key and checks its length.
func DecodeKey(s string) (*[KeySize]byte, error) {
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("expected %d-byte key, got %d", KeySize, len(data))
	}
	var key [KeySize]byte
	copy(key[:], data)
	return &key, nil
}

// EncodeNonce returns the base64 encoding of a 24-byte nonce.
func EncodeNonce(nonce *[NonceSize]byte) string {
	return base64.StdEncoding.EncodeToString(nonce[:])
}

// DecodeNonce decodes a base64 nonce and checks its length.
func DecodeNonce(s string) (*[NonceSize]byte, error) {
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if len(data) != NonceSize {
		return nil, fmt.Errorf("expected %d-byte nonce, got %d", NonceSize, len(data))
	}
	var nonce [NonceSize]byte
	copy(nonce[:], data)
	return &nonce, nil
}
