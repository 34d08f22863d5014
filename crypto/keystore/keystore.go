// Package keystore persists the local identity keypair in the operating
// system's most secure available credential storage. Exactly one keypair
// exists per installation; the secret half never leaves the device.
package keystore

import "fmt"

// KeyPair is the device's long-lived X25519 identity keypair.
type KeyPair struct {
	Public [32]byte
	Secret [32]byte
}

// Store persists and retrieves the identity keypair.
type Store interface {
	// Store writes the keypair as a single credential record, overwriting
	// any prior record.
	Store(pair *KeyPair) error
	// Retrieve returns the stored keypair, or (nil, nil) when none exists.
	// An error indicates a genuine storage failure, never plain absence.
	Retrieve() (*KeyPair, error)
	// Reset deletes the stored credential. Resetting an empty store is a
	// no-op success.
	Reset() error
}

// StorageError indicates the secure store itself was unreadable or
// unwritable. It is fatal to the current operation and is surfaced to the
// caller rather than retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("keystore %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
