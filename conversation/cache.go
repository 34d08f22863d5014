package conversation

import "sync"

// Cache is the session-lifetime store of per-peer message lists. It is the
// single source of truth the UI renders from.
//
// Ordering: a peer's list reflects call order — Hydrate lays down history in
// the order the server returned it, then each Append lands at the tail in
// arrival order. Optimistic local sends are appended before any server
// timestamp is known, so the list is not guaranteed to be sorted by SentAt.
type Cache struct {
	mu    sync.RWMutex
	peers map[string][]Message
}

// NewCache creates an empty conversation cache.
func NewCache() *Cache {
	return &Cache{peers: make(map[string][]Message)}
}

// Hydrate replaces the peer's message list wholesale. Callers should check
// Hydrated first: replacing a list that realtime appends have already
// touched drops those messages.
func (c *Cache) Hydrate(peerID string, messages []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]Message, len(messages))
	copy(list, messages)
	c.peers[peerID] = list
}

// Append adds one message to the end of the peer's list.
func (c *Cache) Append(peerID string, message Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[peerID] = append(c.peers[peerID], message)
}

// Messages returns a copy of the peer's list in order.
func (c *Cache) Messages(peerID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.peers[peerID]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// Hydrated reports whether the peer has any cached messages.
func (c *Cache) Hydrated(peerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers[peerID]) > 0
}

// Clear wipes all conversations. Used on logout.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = make(map[string][]Message)
}
