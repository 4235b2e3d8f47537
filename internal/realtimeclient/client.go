// Package realtimeclient is the Go-side counterpart of the /socket endpoint.
// Consumers use typed helpers and callbacks; the websocket itself is never
// exposed.
package realtimeclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pasofino/internal/constants"
	"pasofino/internal/logger"
	"pasofino/internal/realtime"
)

var (
	ErrNotConnected = errors.New("realtimeclient: not connected")
	ErrClosed       = errors.New("realtimeclient: closed")
)

type Options struct {
	// Token is sent as the token query parameter.
	Token  string
	Header http.Header
	// Reconnect redials with exponential backoff after the connection drops
	// and re-issues joins for every remembered room.
	Reconnect     bool
	SkipTLSVerify bool
	Logger        logger.Logger
}

type Client struct {
	url    string
	opts   Options
	dialer *websocket.Dialer
	log    logger.Logger

	writeMu sync.Mutex
	ws      atomic.Pointer[websocket.Conn]

	connected atomic.Bool
	closed    atomic.Bool

	mu    sync.RWMutex
	users []realtime.OnlineUser
	rooms map[string]struct{}

	subsMu  sync.RWMutex
	subs    map[realtime.Kind]map[uint64]func(realtime.Event)
	nextSub uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the realtime endpoint. The first dial is synchronous so
// configuration errors surface immediately.
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if opts.SkipTLSVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    u.String(),
		opts:   opts,
		dialer: dialer,
		log:    logger.OrDefault(opts.Logger).WithField("component", "realtimeclient"),
		rooms:  make(map[string]struct{}),
		subs:   make(map[realtime.Kind]map[uint64]func(realtime.Event)),
		ctx:    runCtx,
		cancel: cancel,
	}

	ws, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.run(ws)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		switch {
		case resp != nil && resp.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("realtime endpoint not found (is the server running?): %w", err)
		case resp != nil:
			return nil, fmt.Errorf("server returned %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("connect to realtime server: %w", err)
	}
	ws.SetReadLimit(constants.MaxWSMessageSize)
	c.ws.Store(ws)
	c.connected.Store(true)
	c.log.Debugf("🔌 Connected to %s", ws.RemoteAddr())
	return ws, nil
}

func (c *Client) run(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(ws)
		c.connected.Store(false)
		c.mu.Lock()
		c.users = nil
		c.mu.Unlock()

		if c.closed.Load() || !c.opts.Reconnect {
			return
		}
		if ws = c.redial(); ws == nil {
			return
		}
		c.rejoin()
	}
}

func (c *Client) redial() *websocket.Conn {
	delay := constants.ReconnectMinDelay
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(delay):
		}
		ws, err := c.dial(c.ctx)
		if err == nil {
			if c.closed.Load() {
				_ = ws.Close()
				return nil
			}
			c.log.Infof("🔄 Reconnected to realtime server")
			return ws
		}
		c.log.WithError(err).Debugf("Reconnect failed, next attempt in %s", delay)
		delay = min(delay*2, constants.ReconnectMaxDelay)
	}
}

func (c *Client) rejoin() {
	for _, room := range c.Rooms() {
		if err := c.write(realtime.JoinRoom(room)); err != nil {
			c.log.WithError(err).Warnf("⚠️  Rejoin %s failed", room)
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(constants.PongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(constants.PongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(constants.WriteWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.log.WithError(err).Debugf("Realtime connection lost")
			}
			_ = ws.Close()
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(constants.PongWait))

		var e realtime.Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.log.WithError(err).Debugf("Dropping malformed event")
			continue
		}
		c.track(e)
		c.dispatch(e)
	}
}

func (c *Client) track(e realtime.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := e.Payload.(type) {
	case realtime.PresenceList:
		c.users = append([]realtime.OnlineUser(nil), p.Users...)
	case realtime.Presence:
		if e.Kind == realtime.KindPresenceOnline {
			for _, u := range c.users {
				if u.ID == p.User.ID {
					return
				}
			}
			c.users = append(c.users, p.User)
			return
		}
		users := c.users[:0]
		for _, u := range c.users {
			if u.ID != p.User.ID {
				users = append(users, u)
			}
		}
		c.users = users
	}
}

func (c *Client) dispatch(e realtime.Event) {
	c.subsMu.RLock()
	handlers := make([]func(realtime.Event), 0, len(c.subs[e.Kind]))
	for _, fn := range c.subs[e.Kind] {
		handlers = append(handlers, fn)
	}
	c.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

func (c *Client) write(e realtime.Event) error {
	if c.closed.Load() {
		return ErrClosed
	}
	ws := c.ws.Load()
	if ws == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(constants.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// OnlineUsers is the presence view, sorted by name.
func (c *Client) OnlineUsers() []realtime.OnlineUser {
	c.mu.RLock()
	users := append([]realtime.OnlineUser(nil), c.users...)
	c.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users
}

// Rooms lists the rooms the client will be in after any reconnect.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// JoinRoom remembers room even while disconnected; the join is sent on reconnect.
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	if err := c.write(realtime.JoinRoom(room)); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Client) LeaveRoom(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	if err := c.write(realtime.LeaveRoom(room)); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (c *Client) EmitNewPost(room string, p realtime.NewPost) error {
	return c.write(realtime.PostNew(room, p))
}

func (c *Client) EmitNewComment(room string, p realtime.NewComment) error {
	return c.write(realtime.CommentNew(room, p))
}

func (c *Client) EmitVoteUpdate(room string, p realtime.VoteUpdate) error {
	return c.write(realtime.VoteChanged(room, p))
}

func (c *Client) StartTyping(room string, p realtime.Typing) error {
	return c.write(realtime.TypingStarted(room, p))
}

func (c *Client) StopTyping(room string, p realtime.Typing) error {
	return c.write(realtime.TypingStopped(room, p))
}

// On registers fn for events of kind; call the returned func to remove it.
// Callbacks run on the read goroutine and must not block.
func (c *Client) On(kind realtime.Kind, fn func(realtime.Event)) func() {
	c.subsMu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[kind] == nil {
		c.subs[kind] = make(map[uint64]func(realtime.Event))
	}
	c.subs[kind][id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs[kind], id)
			c.subsMu.Unlock()
		})
	}
}

// Close disconnects and stops reconnecting. It is safe to call twice.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	if ws := c.ws.Load(); ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(constants.WriteWait))
		_ = ws.Close()
	}
	c.wg.Wait()
	c.connected.Store(false)
	return nil
}
