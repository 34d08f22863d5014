package keys

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/quillmsg/quill/crypto"
	"github.com/quillmsg/quill/transport"
)

// PeerKeyNotFoundError marks a peer who never registered a public key.
// Recoverable: the caller surfaces "cannot message this user yet" rather
// than failing the session.
type PeerKeyNotFoundError struct {
	PeerID string
}

func (e *PeerKeyNotFoundError) Error() string {
	return fmt.Sprintf("no public key registered for peer %q", e.PeerID)
}

// maxCachedPeers bounds the resolver cache. The cache is session-scoped and
// non-authoritative; on overflow it is dropped wholesale rather than tracking
// eviction order for a handful of direct-message peers.
const maxCachedPeers = 128

// Resolver fetches peers' public keys from the server, with a bounded
// session-lifetime read-through cache so repeated encrypt/decrypt calls for
// the same peer cost one round-trip, not one each.
type Resolver struct {
	directory transport.KeyDirectory

	mu    sync.Mutex
	cache map[string][crypto.KeySize]byte
}

// NewResolver creates a resolver backed by the given key directory.
func NewResolver(directory transport.KeyDirectory) *Resolver {
	return &Resolver{
		directory: directory,
		cache:     make(map[string][crypto.KeySize]byte),
	}
}

// Resolve returns the peer's public key, from cache or the server.
func (r *Resolver) Resolve(ctx context.Context, peerID string) (*[crypto.KeySize]byte, error) {
	r.mu.Lock()
	if cached, ok := r.cache[peerID]; ok {
		r.mu.Unlock()
		key := cached
		return &key, nil
	}
	r.mu.Unlock()

	encoded, err := r.directory.FetchKey(ctx, peerID)
	if err != nil {
		if errors.Is(err, transport.ErrKeyNotFound) {
			return nil, &PeerKeyNotFoundError{PeerID: peerID}
		}
		return nil, errors.Wrapf(err, "resolving key for peer %q", peerID)
	}

	key, err := crypto.DecodeKey(encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "peer %q returned malformed key", peerID)
	}

	r.mu.Lock()
	if len(r.cache) >= maxCachedPeers {
		r.cache = make(map[string][crypto.KeySize]byte)
	}
	r.cache[peerID] = *key
	r.mu.Unlock()

	jww.DEBUG.Printf("resolved public key for peer %s", peerID)
	return key, nil
}
