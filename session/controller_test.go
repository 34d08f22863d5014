package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillmsg/quill/conversation"
	"github.com/quillmsg/quill/crypto"
	"github.com/quillmsg/quill/crypto/keystore"
	"github.com/quillmsg/quill/keys"
	"github.com/quillmsg/quill/transport"
)

type fixture struct {
	userPub, userSec *[crypto.KeySize]byte
	peerPub, peerSec *[crypto.KeySize]byte

	store     *keystore.MemoryStore
	directory *transport.MockDirectory
	history   *transport.MockHistory
	realtime  *transport.MockRealtime
	cache     *conversation.Cache
}

// newFixture builds two registered identities, "alice" (the local user,
// with her pair already in the keystore) and "bob" (the peer).
func newFixture(t *testing.T) *fixture {
	t.Helper()

	userPub, userSec, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peerPub, peerSec, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		userPub:   userPub,
		userSec:   userSec,
		peerPub:   peerPub,
		peerSec:   peerSec,
		store:     keystore.NewMemoryStore(),
		directory: transport.NewMockDirectory(),
		history:   transport.NewMockHistory(),
		realtime:  transport.NewMockRealtime(),
		cache:     conversation.NewCache(),
	}
	require.NoError(t, f.store.Store(&keystore.KeyPair{Public: *userPub, Secret: *userSec}))
	f.directory.SetKey("alice", crypto.EncodeKey(userPub))
	f.directory.SetKey("bob", crypto.EncodeKey(peerPub))
	return f
}

func (f *fixture) controller(peerID string, onMessage func(conversation.Message)) *Controller {
	return New(Config{
		UserID:    "alice",
		PeerID:    peerID,
		Keys:      keys.NewManager(f.store, f.directory, "alice"),
		Resolver:  keys.NewResolver(f.directory),
		History:   f.history,
		Realtime:  f.realtime,
		Cache:     f.cache,
		OnMessage: onMessage,
	})
}

// seal produces a history record encrypted from sender to receiver.
func seal(t *testing.T, senderID, receiverID, plaintext string, senderSec, receiverPub *[crypto.KeySize]byte) transport.HistoryRecord {
	t.Helper()
	nonce, err := crypto.NewNonce()
	require.NoError(t, err)
	ciphertext := crypto.Seal([]byte(plaintext), nonce, receiverPub, senderSec)
	return transport.HistoryRecord{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    crypto.Encode(ciphertext),
		Nonce:      crypto.EncodeNonce(nonce),
		SentAt:     time.Now(),
	}
}

func TestOpenHydratesHistory(t *testing.T) {
	f := newFixture(t)

	corrupted := seal(t, "alice", "bob", "lost forever", f.userSec, f.peerPub)
	wrongNonce, err := crypto.NewNonce()
	require.NoError(t, err)
	corrupted.Nonce = crypto.EncodeNonce(wrongNonce)

	f.history.Records = []transport.HistoryRecord{
		seal(t, "bob", "alice", "hey alice", f.peerSec, f.userPub),
		corrupted,
		seal(t, "bob", "alice", "you there?", f.peerSec, f.userPub),
	}

	c := f.controller("bob", nil)
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, StateReady, c.State())

	msgs := f.cache.Messages("bob")
	require.Len(t, msgs, 3)

	assert.Equal(t, "hey alice", msgs[0].Plaintext)
	assert.Equal(t, "bob", msgs[0].SenderID)

	assert.True(t, msgs[1].Undecryptable)
	assert.Empty(t, msgs[1].Plaintext)
	assert.Equal(t, conversation.UndecryptableText, msgs[1].DisplayText())

	assert.Equal(t, "you there?", msgs[2].Plaintext)
}

func TestOpenSkipsHydrationWhenCacheWarm(t *testing.T) {
	f := newFixture(t)
	f.cache.Hydrate("bob", []conversation.Message{{ID: "m1", SenderID: "bob", Plaintext: "cached"}})
	f.history.Err = errors.New("history service down")

	c := f.controller("bob", nil)
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, StateReady, c.State())
	require.Len(t, f.cache.Messages("bob"), 1)
}

func TestOpenSurfacesIdentityFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Reset())
	f.directory.UploadErr = errors.New("directory unavailable")

	c := f.controller("bob", nil)
	err := c.Open(context.Background())
	require.Error(t, err)

	var regErr *keys.RegistrationError
	assert.True(t, errors.As(err, &regErr))
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, f.realtime.Subscribers())
}

func TestOpenSurfacesHistoryFailure(t *testing.T) {
	f := newFixture(t)
	f.history.Err = errors.New("gateway timeout")

	c := f.controller("bob", nil)
	require.Error(t, c.Open(context.Background()))
	assert.Equal(t, StateIdle, c.State())
	assert.Zero(t, f.realtime.Subscribers(), "failed open must release its subscription")
}

func TestSendAppendsOptimistically(t *testing.T) {
	f := newFixture(t)
	c := f.controller("bob", nil)
	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Send(context.Background(), "hello bob"))

	msgs := f.cache.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, "hello bob", msgs[0].Plaintext)
	assert.NotEmpty(t, msgs[0].ID)

	require.Len(t, f.realtime.Emitted, 1)
	emitted := f.realtime.Emitted[0]
	assert.Equal(t, "alice", emitted.SenderID)
	assert.Equal(t, "bob", emitted.ReceiverID)

	// The wire payload must open under the recipient's secret key.
	nonce, err := crypto.DecodeNonce(emitted.Nonce)
	require.NoError(t, err)
	ciphertext, err := crypto.Decode(emitted.Message)
	require.NoError(t, err)
	plaintext, ok := crypto.Open(ciphertext, nonce, f.userPub, f.peerSec)
	require.True(t, ok)
	assert.Equal(t, "hello bob", string(plaintext))
	assert.NotEqual(t, "hello bob", emitted.Message, "plaintext must never hit the wire")
}

func TestSendKeepsOptimisticEntryOnEmitFailure(t *testing.T) {
	f := newFixture(t)
	c := f.controller("bob", nil)
	require.NoError(t, c.Open(context.Background()))

	f.realtime.EmitErr = errors.New("socket closed")
	require.Error(t, c.Send(context.Background(), "are you there"))

	msgs := f.cache.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "are you there", msgs[0].Plaintext)
}

func TestSendToUnregisteredPeer(t *testing.T) {
	f := newFixture(t)
	c := f.controller("carol", nil)
	require.NoError(t, c.Open(context.Background()))

	err := c.Send(context.Background(), "hi carol")
	require.Error(t, err)

	var notFound *keys.PeerKeyNotFoundError
	assert.True(t, errors.As(err, &notFound))
	assert.Equal(t, "carol", notFound.PeerID)
	assert.Empty(t, f.cache.Messages("carol"), "failed send must not leave an optimistic entry")
	assert.Empty(t, f.realtime.Emitted)
}

func TestSendRequiresReady(t *testing.T) {
	f := newFixture(t)
	c := f.controller("bob", nil)

	err := c.Send(context.Background(), "too soon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle")
}

func TestReceiveAppendsAndNotifies(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var notified []conversation.Message
	c := f.controller("bob", func(m conversation.Message) {
		mu.Lock()
		notified = append(notified, m)
		mu.Unlock()
	})
	require.NoError(t, c.Open(context.Background()))

	record := seal(t, "bob", "alice", "knock knock", f.peerSec, f.userPub)
	f.realtime.Deliver(transport.InboundMessage{
		SenderID: "bob",
		Message:  record.Message,
		Nonce:    record.Nonce,
	})

	msgs := f.cache.Messages("bob")
	require.Len(t, msgs, 1)
	assert.Equal(t, "knock knock", msgs[0].Plaintext)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, "knock knock", notified[0].Plaintext)
}

func TestReceiveUndecryptableDegrades(t *testing.T) {
	f := newFixture(t)
	c := f.controller("bob", nil)
	require.NoError(t, c.Open(context.Background()))

	garbage := make([]byte, 64)
	_, err := rand.Read(garbage)
	require.NoError(t, err)
	nonce, err := crypto.NewNonce()
	require.NoError(t, err)

	f.realtime.Deliver(transport.InboundMessage{
		SenderID: "bob",
		Message:  crypto.Encode(garbage),
		Nonce:    crypto.EncodeNonce(nonce),
	})

	msgs := f.cache.Messages("bob")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Undecryptable)
	assert.Equal(t, conversation.UndecryptableText, msgs[0].DisplayText())
}

func TestInboundBufferedDuringHydration(t *testing.T) {
	f := newFixture(t)
	hydratedRecord := seal(t, "bob", "alice", "from history", f.peerSec, f.userPub)
	f.history.Records = []transport.HistoryRecord{hydratedRecord}
	f.history.Block = make(chan struct{})

	c := f.controller("bob", nil)
	done := make(chan error, 1)
	go func() { done <- c.Open(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.realtime.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	// Delivered while hydration is still in flight: a fresh message and a
	// duplicate of a record the history fetch will also return.
	fresh := seal(t, "bob", "alice", "live message", f.peerSec, f.userPub)
	f.realtime.Deliver(transport.InboundMessage{SenderID: "bob", Message: fresh.Message, Nonce: fresh.Nonce})
	f.realtime.Deliver(transport.InboundMessage{SenderID: "bob", Message: hydratedRecord.Message, Nonce: hydratedRecord.Nonce})

	close(f.history.Block)
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, c.State())

	msgs := f.cache.Messages("bob")
	require.Len(t, msgs, 2, "duplicate of hydrated record must be dropped")
	assert.Equal(t, "from history", msgs[0].Plaintext)
	assert.Equal(t, "live message", msgs[1].Plaintext)
}

func TestCloseReleasesSubscription(t *testing.T) {
	f := newFixture(t)
	c := f.controller("bob", nil)
	require.NoError(t, c.Open(context.Background()))
	require.Equal(t, 1, f.realtime.Subscribers())

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, f.realtime.Subscribers())

	// Idempotent, and delivery after close is dropped.
	require.NoError(t, c.Close())
	record := seal(t, "bob", "alice", "too late", f.peerSec, f.userPub)
	f.realtime.Deliver(transport.InboundMessage{SenderID: "bob", Message: record.Message, Nonce: record.Nonce})
	assert.Empty(t, f.cache.Messages("bob"))

	err := c.Send(context.Background(), "after close")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
