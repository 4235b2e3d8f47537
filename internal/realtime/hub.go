// Package realtime is the connection manager behind /socket: it tracks
// connections, room membership and presence, and fans content events out
// to room members.
package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"pasofino/internal/logger"
	"pasofino/internal/security"
)

// Handler receives inbound content events on the server side.
type Handler func(Event)

// Publisher forwards locally emitted room events to other instances.
// Publish must not block.
type Publisher interface {
	Publish(e Event)
}

type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalConnections int64 `json:"totalConnections"`
	Rooms            int   `json:"rooms"`
	OnlineUsers      int   `json:"onlineUsers"`
	Dropped          int64 `json:"dropped"`
}

type userPresence struct {
	user  OnlineUser
	conns int
}

type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[*Conn]struct{}
	users map[string]*userPresence

	subsMu  sync.RWMutex
	subs    map[Kind]map[uint64]Handler
	nextSub uint64

	publisher atomic.Pointer[publisherBox]
	audit     *security.AuditLogger

	total   atomic.Int64
	dropped atomic.Int64
	log     logger.Logger
	now     func() time.Time
}

type publisherBox struct{ p Publisher }

func NewHub(log logger.Logger, audit *security.AuditLogger) *Hub {
	log = logger.OrDefault(log).WithField("component", "realtime")
	if audit == nil {
		audit = security.NewAuditLogger(log)
	}
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[*Conn]struct{}),
		users: make(map[string]*userPresence),
		subs:  make(map[Kind]map[uint64]Handler),
		audit: audit,
		log:   log,
		now:   time.Now,
	}
}

// SetPublisher enables cross-instance relay of room events. nil disables it.
func (h *Hub) SetPublisher(p Publisher) {
	if p == nil {
		h.publisher.Store(nil)
		return
	}
	h.publisher.Store(&publisherBox{p: p})
}

// Register moves c to Connected, sends it the current presence list and,
// for the first connection of a user, announces presence:online.
func (h *Hub) Register(c *Conn) {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return
	}

	h.mu.Lock()
	h.conns[c.id] = c
	firstForUser := false
	if c.user != nil {
		up, ok := h.users[c.user.ID]
		if !ok {
			up = &userPresence{user: *c.user}
			h.users[c.user.ID] = up
			firstForUser = true
		}
		up.conns++
	}
	online := h.onlineUsersLocked()
	h.mu.Unlock()

	h.total.Add(1)
	h.sendTo(c, Event{Kind: KindPresenceList, Payload: PresenceList{Users: online}, SentAt: h.now()})

	if firstForUser {
		h.Emit(Event{Kind: KindPresenceOnline, Payload: Presence{User: *c.user}, SentAt: h.now()}, c)
	}
	h.log.Debugf("🔌 Connection %s registered (%d online)", c.id, len(online))
}

// Unregister is idempotent. It drops every room membership of c, stops its
// typing indicators and announces presence:offline when the user's last
// connection goes away.
func (h *Hub) Unregister(c *Conn) {
	if State(c.state.Swap(int32(StateDisconnected))) == StateDisconnected {
		return
	}

	h.mu.Lock()
	delete(h.conns, c.id)
	for room := range c.rooms {
		h.removeMemberLocked(room, c)
	}
	typing := c.typing
	c.rooms = make(map[string]struct{})
	c.typing = make(map[string]Typing)

	lastForUser := false
	if c.user != nil {
		if up, ok := h.users[c.user.ID]; ok {
			up.conns--
			if up.conns <= 0 {
				delete(h.users, c.user.ID)
				lastForUser = true
			}
		}
	}
	h.mu.Unlock()

	c.close()

	for room, t := range typing {
		h.Emit(Event{Kind: KindTypingStop, Room: room, Payload: t, Sender: c.id, SentAt: h.now()}, nil)
	}
	if lastForUser {
		h.Emit(Event{Kind: KindPresenceOffline, Payload: Presence{User: *c.user}, SentAt: h.now()}, nil)
	}
	h.log.Debugf("🔌 Connection %s unregistered", c.id)
}

// Join is a set insert; it reports whether membership changed.
func (h *Hub) Join(c *Conn, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.State() == StateDisconnected {
		return false
	}
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	return true
}

// Leave is a set delete; leaving a room c is not in is a no-op.
func (h *Hub) Leave(c *Conn, room string) bool {
	h.mu.Lock()
	if _, ok := c.rooms[room]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(c.rooms, room)
	h.removeMemberLocked(room, c)
	t, wasTyping := c.typing[room]
	delete(c.typing, room)
	h.mu.Unlock()

	if wasTyping {
		h.Emit(Event{Kind: KindTypingStop, Room: room, Payload: t, Sender: c.id, SentAt: h.now()}, nil)
	}
	return true
}

func (h *Hub) removeMemberLocked(room string, c *Conn) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Emit delivers e to the members of e.Room except `except` (or to every
// connection when e.Room is empty) and relays room events to other
// instances. It never blocks on a recipient.
func (h *Hub) Emit(e Event, except *Conn) {
	h.deliver(e, except)
	if e.Room == "" {
		return
	}
	if box := h.publisher.Load(); box != nil {
		box.p.Publish(e)
	}
}

// DeliverRemote hands an event received from another instance to local
// room members. Server-side handlers are not invoked again.
func (h *Hub) DeliverRemote(e Event) {
	if e.Room == "" || !e.Kind.IsContent() {
		return
	}
	h.deliver(e, nil)
}

func (h *Hub) deliver(e Event, except *Conn) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.log.WithError(err).Errorf("Failed to encode %s event", e.Kind)
		return
	}

	h.mu.RLock()
	var targets []*Conn
	if e.Room == "" {
		targets = make([]*Conn, 0, len(h.conns))
		for _, c := range h.conns {
			targets = append(targets, c)
		}
	} else {
		members := h.rooms[e.Room]
		targets = make([]*Conn, 0, len(members))
		for c := range members {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c == except {
			continue
		}
		if !c.enqueue(msg) {
			h.dropped.Add(1)
			h.log.Warnf("⚠️  Send queue full, dropped %s for %s", e.Kind, c.id)
		}
	}
}

func (h *Hub) sendTo(c *Conn, e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.log.WithError(err).Errorf("Failed to encode %s event", e.Kind)
		return
	}
	if !c.enqueue(msg) {
		h.dropped.Add(1)
	}
}

// HandleInbound applies one frame read from c.
func (h *Hub) HandleInbound(c *Conn, e Event) {
	switch {
	case e.Kind.IsControl():
		if !security.ValidateRoom(e.Room) {
			h.log.Debugf("Ignoring %s for invalid room %q from %s", e.Kind, e.Room, c.id)
			return
		}
		if e.Kind == KindRoomJoin {
			h.Join(c, e.Room)
		} else {
			h.Leave(c, e.Room)
		}
	case e.Kind.IsContent():
		h.Dispatch(c, e)
	default:
		h.log.Debugf("Ignoring server-only %s from %s", e.Kind, c.id)
	}
}

// Dispatch emits a content event on behalf of c. The sender must be a
// member of the target room; it does not receive its own event.
func (h *Hub) Dispatch(c *Conn, e Event) bool {
	if !e.Kind.IsContent() || checkPayload(e.Kind, e.Payload) != nil {
		return false
	}

	h.mu.Lock()
	if _, member := c.rooms[e.Room]; !member || c.State() != StateConnected {
		h.mu.Unlock()
		h.log.Debugf("Dropping %s from %s: not in room %q", e.Kind, c.id, e.Room)
		return false
	}
	switch e.Kind {
	case KindTypingStart:
		c.typing[e.Room] = e.Payload.(Typing)
	case KindTypingStop:
		delete(c.typing, e.Room)
	}
	h.mu.Unlock()

	e.Payload = sanitize(e.Payload)
	e.Sender = c.id
	e.SentAt = h.now()

	h.notify(e)
	h.Emit(e, c)
	return true
}

// On registers fn for inbound events of kind. The returned func removes it.
func (h *Hub) On(kind Kind, fn Handler) func() {
	h.subsMu.Lock()
	h.nextSub++
	id := h.nextSub
	if h.subs[kind] == nil {
		h.subs[kind] = make(map[uint64]Handler)
	}
	h.subs[kind][id] = fn
	h.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.subsMu.Lock()
			delete(h.subs[kind], id)
			h.subsMu.Unlock()
		})
	}
}

func (h *Hub) notify(e Event) {
	h.subsMu.RLock()
	handlers := make([]Handler, 0, len(h.subs[e.Kind]))
	for _, fn := range h.subs[e.Kind] {
		handlers = append(handlers, fn)
	}
	h.subsMu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

func (h *Hub) rateLimited(c *Conn) {
	h.dropped.Add(1)
	h.audit.LogRateLimit(c.IP(), c.ID())
}

func (h *Hub) OnlineUsers() []OnlineUser {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineUsersLocked()
}

func (h *Hub) onlineUsersLocked() []OnlineUser {
	users := make([]OnlineUser, 0, len(h.users))
	for _, up := range h.users {
		users = append(users, up.user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Name != users[j].Name {
			return users[i].Name < users[j].Name
		}
		return users[i].ID < users[j].ID
	})
	return users
}

// UserOf returns the user behind a connection id, for server-side handlers
// that only see Event.Sender.
func (h *Hub) UserOf(connID string) (OnlineUser, bool) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return OnlineUser{}, false
	}
	return c.User()
}

// RoomMembers returns the connection ids in room, sorted.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		ids = append(ids, c.id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Rooms returns the rooms c currently belongs to, sorted.
func (h *Hub) Rooms(c *Conn) []string {
	h.mu.RLock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		ConnectedClients: len(h.conns),
		TotalConnections: h.total.Load(),
		Rooms:            len(h.rooms),
		OnlineUsers:      len(h.users),
		Dropped:          h.dropped.Load(),
	}
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.Unregister(c)
	}
}

func sanitize(p Payload) Payload {
	switch v := p.(type) {
	case NewPost:
		v.Title = security.SanitizeInput(v.Title)
		v.Excerpt = security.SanitizeInput(v.Excerpt)
		v.AuthorName = security.SanitizeInput(v.AuthorName)
		return v
	case NewComment:
		v.Body = security.SanitizeInput(v.Body)
		v.AuthorName = security.SanitizeInput(v.AuthorName)
		return v
	case Typing:
		v.Name = security.SanitizeInput(v.Name)
		return v
	}
	return p
}
