package transport

import (
	"context"
	"sync"
)

// In-memory implementations of the transport contracts for testing.
// These are exported so they can be used by tests in other packages.

// MockDirectory is an in-memory KeyDirectory.
type MockDirectory struct {
	mu   sync.Mutex
	keys map[string]string

	// UploadErr fails UploadKey when set.
	UploadErr error
	// Uploads counts UploadKey calls, failed or not.
	Uploads int
	// Fetches counts FetchKey calls.
	Fetches int
}

func NewMockDirectory() *MockDirectory {
	return &MockDirectory{keys: make(map[string]string)}
}

func (d *MockDirectory) UploadKey(ctx context.Context, userID, publicKey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Uploads++
	if d.UploadErr != nil {
		return &Error{Op: "upload-key", Err: d.UploadErr}
	}
	d.keys[userID] = publicKey
	return nil
}

func (d *MockDirectory) FetchKey(ctx context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Fetches++
	key, ok := d.keys[userID]
	if !ok {
		return "", &Error{Op: "get-user-keys", Status: 404, Err: ErrKeyNotFound}
	}
	return key, nil
}

// SetKey seeds a registered key without counting as an upload.
func (d *MockDirectory) SetKey(userID, publicKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[userID] = publicKey
}

// MockHistory is an in-memory HistoryService. When Block is set,
// FetchHistory waits on it before returning, letting tests interleave
// realtime delivery with a hydration still in flight.
type MockHistory struct {
	mu      sync.Mutex
	Records []HistoryRecord
	Err     error
	Block   chan struct{}
}

func NewMockHistory(records ...HistoryRecord) *MockHistory {
	return &MockHistory{Records: records}
}

func (h *MockHistory) FetchHistory(ctx context.Context, userID, withUser string) ([]HistoryRecord, error) {
	if h.Block != nil {
		select {
		case <-h.Block:
		case <-ctx.Done():
			return nil, &Error{Op: "history", Err: ctx.Err()}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return nil, &Error{Op: "history", Err: h.Err}
	}
	out := make([]HistoryRecord, len(h.Records))
	copy(out, h.Records)
	return out, nil
}

// MockRealtime is an in-process Realtime. Emitted messages are recorded;
// Deliver pushes an inbound message to all subscribers synchronously.
type MockRealtime struct {
	mu      sync.Mutex
	subs    map[int]func(InboundMessage)
	nextID  int
	Emitted []OutboundMessage

	// EmitErr fails Emit when set.
	EmitErr error
}

func NewMockRealtime() *MockRealtime {
	return &MockRealtime{subs: make(map[int]func(InboundMessage))}
}

func (r *MockRealtime) Emit(ctx context.Context, msg OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EmitErr != nil {
		return &Error{Op: "emit", Err: r.EmitErr}
	}
	r.Emitted = append(r.Emitted, msg)
	return nil
}

func (r *MockRealtime) Subscribe(handler func(InboundMessage)) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = handler
	return &mockSubscription{realtime: r, id: id}, nil
}

// Deliver dispatches an inbound message to current subscribers.
func (r *MockRealtime) Deliver(msg InboundMessage) {
	r.mu.Lock()
	handlers := make([]func(InboundMessage), 0, len(r.subs))
	for _, h := range r.subs {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// Subscribers returns the number of active subscriptions.
func (r *MockRealtime) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

type mockSubscription struct {
	realtime *MockRealtime
	id       int
	once     sync.Once
}

func (s *mockSubscription) Close() error {
	s.once.Do(func() {
		s.realtime.mu.Lock()
		delete(s.realtime.subs, s.id)
		s.realtime.mu.Unlock()
	})
	return nil
}
