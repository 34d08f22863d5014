package crypto

import "runtime"

// Zeroize overwrites a byte slice with zeros to clear sensitive data from memory.
// This is a defense-in-depth measure - Go's garbage collector does not guarantee
// immediate collection, but explicit zeroization ensures secrets are cleared
// as soon as they're no longer needed.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b) // Prevent dead code elimination
}

// ZeroizeKey overwrites a 32-byte key array with zeros.
func ZeroizeKey(key *[KeySize]byte) {
	for i := range key {
		key[i] = 0
	}
	runtime.KeepAlive(key)
}
