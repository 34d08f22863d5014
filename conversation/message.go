// Package conversation holds the in-memory, per-peer ordered message lists
// the UI renders from. History is append-only: hydration lays down the
// server's record once, realtime and optimistic sends append after it.
package conversation

import "time"

// UndecryptableText is the fixed placeholder shown in place of plaintext
// when a historical message cannot be opened, typically because the identity
// keypair it was sealed under was lost to a reinstall. There is no key
// escrow; the condition is permanent.
const UndecryptableText = "[These messages are from before you reinstalled the app and can no longer be decrypted]"

// Message is one direct message as the cache holds it. Ciphertext and nonce
// stay base64, as they arrived; Plaintext is derived at decrypt time and is
// never persisted remotely.
type Message struct {
	ID         string
	SenderID   string
	ReceiverID string
	Ciphertext string
	Nonce      string
	SentAt     time.Time

	Plaintext string
	// Undecryptable marks a message whose authentication failed on open.
	// The renderer decides how to present it; DisplayText gives the
	// standard substitution.
	Undecryptable bool
}

// DisplayText returns the decrypted plaintext, or the fixed placeholder for
// messages that can no longer be opened.
func (m Message) DisplayText() string {
	if m.Undecryptable {
		return UndecryptableText
	}
	return m.Plaintext
}
