// Package transport defines the external collaborators of the messaging
// core: the HTTP key directory and history API, and the realtime message
// channel. The core consumes these contracts; servers are out of scope.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// KeyDirectory is the server-side registry of user public keys.
type KeyDirectory interface {
	// UploadKey registers a base64 public key for userID.
	UploadKey(ctx context.Context, userID, publicKey string) error
	// FetchKey returns the base64 public key registered for userID.
	// Returns an error wrapping ErrKeyNotFound when the user never
	// registered a key.
	FetchKey(ctx context.Context, userID string) (string, error)
}

// HistoryService fetches the persisted encrypted conversation history.
type HistoryService interface {
	FetchHistory(ctx context.Context, userID, withUser string) ([]HistoryRecord, error)
}

// HistoryRecord is one encrypted message as returned by the history API.
// Ciphertext and nonce are base64 text on the wire.
type HistoryRecord struct {
	ID         int64     `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Message    string    `json:"message"`
	Nonce      string    `json:"nonce"`
	SentAt     time.Time `json:"sentAt"`
}

// OutboundMessage is the payload of the realtime send-message event.
type OutboundMessage struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Message    string `json:"message"`
	Nonce      string `json:"nonce"`
}

// InboundMessage is the payload of the realtime receive-message event.
type InboundMessage struct {
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
	Nonce    string `json:"nonce"`
}

// Realtime is the bidirectional event stream used for live delivery.
type Realtime interface {
	// Emit pushes an outbound message over the channel.
	Emit(ctx context.Context, msg OutboundMessage) error
	// Subscribe registers a handler for inbound messages. The returned
	// subscription must be closed on session teardown so a dead session
	// never acts on late events.
	Subscribe(handler func(InboundMessage)) (Subscription, error)
}

// Subscription is a handle to an active inbound listener. Close is
// idempotent.
type Subscription interface {
	Close() error
}

// ErrKeyNotFound marks a key lookup for a user who never registered one.
var ErrKeyNotFound = errors.New("no public key registered")

// Error is a network-layer failure: a failed request, a rejected upload or
// a dropped realtime emit. It is surfaced to the caller for retry; the core
// does no automatic backoff.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
