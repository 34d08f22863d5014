package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

const (
	eventSendMessage    = "send-message"
	eventReceiveMessage = "receive-message"
)

// envelope frames every event on the socket.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Channel is a Realtime implementation over a websocket connection.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	subMu  sync.RWMutex
	subs   map[int]func(InboundMessage)
	nextID int

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects the realtime channel. The caller owns the channel and must
// Close it when the session ends.
func Dial(ctx context.Context, socketURL string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	c := &Channel{
		conn: conn,
		subs: make(map[int]func(InboundMessage)),
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Emit pushes a send-message event over the socket.
func (c *Channel) Emit(ctx context.Context, msg OutboundMessage) error {
	select {
	case <-c.done:
		return &Error{Op: "emit", Err: errors.New("channel closed")}
	default:
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return &Error{Op: "emit", Err: err}
	}
	frame, err := json.Marshal(envelope{Event: eventSendMessage, Data: data})
	if err != nil {
		return &Error{Op: "emit", Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &Error{Op: "emit", Err: err}
	}
	return nil
}

// Subscribe registers a handler for receive-message events.
func (c *Channel) Subscribe(handler func(InboundMessage)) (Subscription, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextID
	c.nextID++
	c.subs[id] = handler

	return &channelSubscription{channel: c, id: id}, nil
}

// Close tears down the connection and stops both pumps. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

func (c *Channel) readLoop() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.WARN.Printf("realtime channel read error: %v", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			jww.WARN.Printf("dropping malformed realtime frame: %v", err)
			continue
		}
		if env.Event != eventReceiveMessage {
			jww.DEBUG.Printf("ignoring realtime event %q", env.Event)
			continue
		}

		var msg InboundMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			jww.WARN.Printf("dropping malformed receive-message payload: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg InboundMessage) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, handler := range c.subs {
		handler(msg)
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

type channelSubscription struct {
	channel *Channel
	id      int
	once    sync.Once
}

func (s *channelSubscription) Close() error {
	s.once.Do(func() {
		s.channel.subMu.Lock()
		delete(s.channel.subs, s.id)
		s.channel.subMu.Unlock()
	})
	return nil
}
