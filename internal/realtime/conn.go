package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"pasofino/internal/constants"
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one client connection. Reconnecting clients get a new Conn.
type Conn struct {
	id      string
	user    *OnlineUser
	ip      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	state   atomic.Int32
	limiter *rate.Limiter
	once    sync.Once

	// guarded by Hub.mu
	rooms  map[string]struct{}
	typing map[string]Typing
}

// NewConn wraps ws. A nil user makes an anonymous connection; a nil ws is
// allowed for in-process consumers that drain Messages themselves.
func NewConn(ws *websocket.Conn, user *OnlineUser, ip string) *Conn {
	if user != nil {
		u := *user
		user = &u
	}
	return &Conn{
		id:      uuid.NewString(),
		user:    user,
		ip:      ip,
		ws:      ws,
		send:    make(chan []byte, constants.SendQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(constants.InboundEventsPerSec), constants.InboundEventBurst),
		rooms:   make(map[string]struct{}),
		typing:  make(map[string]Typing),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) IP() string { return c.ip }

func (c *Conn) User() (OnlineUser, bool) {
	if c.user == nil {
		return OnlineUser{}, false
	}
	return *c.user, true
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Messages exposes the outbound queue for connections without a websocket.
func (c *Conn) Messages() <-chan []byte {
	return c.send
}

// Done is closed when the connection is disconnected.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// enqueue never blocks; a full queue drops the message for this connection only.
func (c *Conn) enqueue(msg []byte) bool {
	if c.State() == StateDisconnected {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(constants.WriteWait))
			_ = c.ws.Close()
		}
	})
}

// writePump is the only writer of c.ws, which keeps per-connection order FIFO.
func (c *Conn) writePump() {
	ticker := time.NewTicker(constants.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump blocks until the transport fails or the hub closes the connection,
// then unregisters it.
func (c *Conn) readPump(h *Hub) {
	defer h.Unregister(c)

	c.ws.SetReadLimit(constants.MaxWSMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(constants.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(constants.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).Debugf("Connection %s read failed", c.id)
			}
			return
		}

		if !c.limiter.Allow() {
			h.rateLimited(c)
			continue
		}

		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			h.log.WithError(err).Debugf("Dropping malformed frame from %s", c.id)
			continue
		}
		h.HandleInbound(c, e)
	}
}
