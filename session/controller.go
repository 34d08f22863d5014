// Package session orchestrates one open conversation: it ensures identity
// keys exist, hydrates history via decrypt-on-load, and wires realtime
// inbound and outbound message flow into the conversation cache.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/quillmsg/quill/conversation"
	"github.com/quillmsg/quill/crypto"
	"github.com/quillmsg/quill/crypto/keystore"
	"github.com/quillmsg/quill/keys"
	"github.com/quillmsg/quill/transport"
)

// State is the controller's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateKeysEnsuring
	StateHistoryLoading
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateKeysEnsuring:
		return "keys-ensuring"
	case StateHistoryLoading:
		return "history-loading"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config wires a controller's collaborators.
type Config struct {
	UserID string
	PeerID string

	Keys     *keys.Manager
	Resolver *keys.Resolver
	History  transport.HistoryService
	Realtime transport.Realtime
	Cache    *conversation.Cache

	// OnMessage, when set, is invoked for every message appended by the
	// receive path. The cache remains the source of truth; this is a
	// notification hook for rendering.
	OnMessage func(conversation.Message)
}

// Controller runs one conversation session with a single peer.
type Controller struct {
	userID    string
	peerID    string
	manager   *keys.Manager
	resolver  *keys.Resolver
	history   transport.HistoryService
	realtime  transport.Realtime
	cache     *conversation.Cache
	onMessage func(conversation.Message)

	mu       sync.Mutex
	state    State
	identity *keystore.KeyPair
	sub      transport.Subscription
	// pending buffers realtime events that arrive before hydration
	// finishes; they are merged into the cache when the session goes Ready.
	pending []transport.InboundMessage

	closeOnce sync.Once
}

// New creates a controller in the Idle state.
func New(cfg Config) *Controller {
	return &Controller{
		userID:    cfg.UserID,
		peerID:    cfg.PeerID,
		manager:   cfg.Keys,
		resolver:  cfg.Resolver,
		history:   cfg.History,
		realtime:  cfg.Realtime,
		cache:     cfg.Cache,
		onMessage: cfg.OnMessage,
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns the cached conversation with the peer in order.
func (c *Controller) History() []conversation.Message {
	return c.cache.Messages(c.peerID)
}

// Open drives the session to Ready: ensure identity keys, subscribe to
// realtime delivery, hydrate history if the cache is empty for this peer.
// A failure before Ready is terminal for this attempt and surfaced to the
// caller for retry; the controller returns to Idle.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return errors.Errorf("cannot open session in state %s", state)
	}
	c.state = StateKeysEnsuring
	c.mu.Unlock()

	identity, err := c.manager.KeyPair(ctx)
	if err != nil {
		c.fail()
		return errors.Wrap(err, "establishing identity keys")
	}

	// Subscribe before hydration so nothing delivered during the history
	// fetch is lost; events are buffered until Ready and merged by nonce.
	sub, err := c.realtime.Subscribe(c.handleInbound)
	if err != nil {
		c.fail()
		return errors.Wrap(err, "subscribing to realtime channel")
	}

	c.mu.Lock()
	c.identity = identity
	c.sub = sub
	hydrated := c.cache.Hydrated(c.peerID)
	if !hydrated {
		c.state = StateHistoryLoading
	}
	c.mu.Unlock()

	if !hydrated {
		if err := c.hydrate(ctx); err != nil {
			sub.Close()
			c.fail()
			return err
		}
	}

	c.drainPending(ctx)
	jww.INFO.Printf("session with %s ready", c.peerID)
	return nil
}

// hydrate fetches and decrypts the full history with the peer, then lays it
// into the cache. Each record is decrypted independently: one failure
// degrades that record to the placeholder, never the batch.
func (c *Controller) hydrate(ctx context.Context) error {
	records, err := c.history.FetchHistory(ctx, c.userID, c.peerID)
	if err != nil {
		return errors.Wrap(err, "fetching history")
	}

	messages := make([]conversation.Message, 0, len(records))
	if len(records) > 0 {
		peerKey, err := c.resolver.Resolve(ctx, c.peerID)
		if err != nil {
			return errors.Wrap(err, "resolving peer key for history")
		}
		for _, record := range records {
			messages = append(messages, c.decryptRecord(record, peerKey))
		}
	}

	c.cache.Hydrate(c.peerID, messages)
	return nil
}

// decryptRecord turns one history record into a cache message. The box
// shared key is symmetric between the two identities, so records sent in
// either direction open with the peer's public key and our secret key.
func (c *Controller) decryptRecord(record transport.HistoryRecord, peerKey *[crypto.KeySize]byte) conversation.Message {
	msg := conversation.Message{
		ID:         uuid.NewString(),
		SenderID:   record.SenderID,
		ReceiverID: record.ReceiverID,
		Ciphertext: record.Message,
		Nonce:      record.Nonce,
		SentAt:     record.SentAt,
	}

	nonce, err := crypto.DecodeNonce(record.Nonce)
	if err != nil {
		jww.DEBUG.Printf("history record from %s has malformed nonce: %v", record.SenderID, err)
		msg.Undecryptable = true
		return msg
	}
	ciphertext, err := crypto.Decode(record.Message)
	if err != nil {
		jww.DEBUG.Printf("history record from %s has malformed ciphertext: %v", record.SenderID, err)
		msg.Undecryptable = true
		return msg
	}

	plaintext, ok := crypto.Open(ciphertext, nonce, peerKey, &c.identity.Secret)
	if !ok {
		jww.DEBUG.Printf("history record from %s cannot be opened under current identity", record.SenderID)
		msg.Undecryptable = true
		return msg
	}

	msg.Plaintext = string(plaintext)
	return msg
}

// Send encrypts plaintext for the peer, appends an optimistic entry to the
// cache, and emits the ciphertext over the realtime channel. The optimistic
// entry is visible before any transport acknowledgment; an emit failure is
// returned but the entry stays (at-least-attempted delivery).
func (c *Controller) Send(ctx context.Context, plaintext string) error {
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return errors.Errorf("cannot send in state %s", state)
	}
	identity := c.identity
	c.mu.Unlock()

	// Resolve before touching the cache: an unreachable peer must not
	// leave an optimistic entry behind.
	peerKey, err := c.resolver.Resolve(ctx, c.peerID)
	if err != nil {
		return err
	}

	nonce, err := crypto.NewNonce()
	if err != nil {
		return errors.Wrap(err, "generating nonce")
	}

	ciphertext := crypto.Seal([]byte(plaintext), nonce, peerKey, &identity.Secret)
	encoded := crypto.Encode(ciphertext)
	encodedNonce := crypto.EncodeNonce(nonce)

	c.cache.Append(c.peerID, conversation.Message{
		ID:         uuid.NewString(),
		SenderID:   c.userID,
		ReceiverID: c.peerID,
		Ciphertext: encoded,
		Nonce:      encodedNonce,
		SentAt:     time.Now(),
		Plaintext:  plaintext,
	})

	err = c.realtime.Emit(ctx, transport.OutboundMessage{
		SenderID:   c.userID,
		ReceiverID: c.peerID,
		Message:    encoded,
		Nonce:      encodedNonce,
	})
	if err != nil {
		jww.WARN.Printf("realtime emit to %s failed, optimistic entry kept: %v", c.peerID, err)
		return err
	}
	return nil
}

// handleInbound is the realtime subscription callback. Events arriving
// before Ready are buffered; after Close they are dropped.
func (c *Controller) handleInbound(msg transport.InboundMessage) {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return
	case StateReady:
		c.mu.Unlock()
		c.receive(context.Background(), msg)
	default:
		c.pending = append(c.pending, msg)
		c.mu.Unlock()
	}
}

// drainPending merges events buffered during hydration into the cache, then
// flips the session to Ready. Duplicates of hydrated records are dropped by
// (sender, nonce): nonces are unique per message, so the pair identifies one.
func (c *Controller) drainPending(ctx context.Context) {
	seen := make(map[string]bool)
	for _, msg := range c.cache.Messages(c.peerID) {
		seen[msg.SenderID+"/"+msg.Nonce] = true
	}

	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.state = StateReady
			c.mu.Unlock()
			return
		}
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, event := range batch {
			key := event.SenderID + "/" + event.Nonce
			if seen[key] {
				jww.DEBUG.Printf("dropping realtime duplicate of hydrated record from %s", event.SenderID)
				continue
			}
			seen[key] = true
			c.receive(ctx, event)
		}
	}
}

// receive decrypts one inbound message and appends it to the sender's
// conversation. Decryption failure is an expected per-message condition and
// degrades to the placeholder; it is never surfaced as an application error.
func (c *Controller) receive(ctx context.Context, event transport.InboundMessage) {
	msg := conversation.Message{
		ID:         uuid.NewString(),
		SenderID:   event.SenderID,
		ReceiverID: c.userID,
		Ciphertext: event.Message,
		Nonce:      event.Nonce,
		SentAt:     time.Now(),
	}

	senderKey, err := c.resolver.Resolve(ctx, event.SenderID)
	if err != nil {
		jww.WARN.Printf("cannot resolve key for sender %s: %v", event.SenderID, err)
		msg.Undecryptable = true
	} else {
		nonce, nonceErr := crypto.DecodeNonce(event.Nonce)
		ciphertext, ctErr := crypto.Decode(event.Message)
		if nonceErr != nil || ctErr != nil {
			jww.DEBUG.Printf("inbound message from %s is malformed", event.SenderID)
			msg.Undecryptable = true
		} else if plaintext, ok := crypto.Open(ciphertext, nonce, senderKey, &c.identity.Secret); ok {
			msg.Plaintext = string(plaintext)
		} else {
			jww.DEBUG.Printf("inbound message from %s cannot be opened under current identity", event.SenderID)
			msg.Undecryptable = true
		}
	}

	c.cache.Append(event.SenderID, msg)
	if c.onMessage != nil {
		c.onMessage(msg)
	}
}

// Close tears the session down, releasing the realtime subscription exactly
// once. Safe to call multiple times.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		sub := c.sub
		c.state = StateClosed
		c.pending = nil
		c.mu.Unlock()

		if sub != nil {
			sub.Close()
		}
		jww.INFO.Printf("session with %s closed", c.peerID)
	})
	return nil
}

// fail returns the controller to Idle after a terminal pre-Ready error.
func (c *Controller) fail() {
	c.mu.Lock()
	c.state = StateIdle
	c.sub = nil
	c.pending = nil
	c.mu.Unlock()
}
