package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pasofino/internal/logger"
)

func newTestHub() *Hub {
	return NewHub(logger.Nop{}, nil)
}

func connect(t *testing.T, h *Hub, user *OnlineUser) *Conn {
	t.Helper()
	c := NewConn(nil, user, "203.0.113.10")
	h.Register(c)
	require.Equal(t, StateConnected, c.State())
	drain(c)
	return c
}

// drain discards everything queued so far.
func drain(c *Conn) {
	for {
		select {
		case <-c.Messages():
		default:
			return
		}
	}
}

func next(t *testing.T, c *Conn) Event {
	t.Helper()
	select {
	case msg := <-c.Messages():
		var e Event
		require.NoError(t, json.Unmarshal(msg, &e))
		return e
	case <-time.After(time.Second):
		t.Fatalf("no message for %s", c.ID())
		return Event{}
	}
}

func assertQuiet(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case msg := <-c.Messages():
		t.Fatalf("unexpected message for %s: %s", c.ID(), msg)
	default:
	}
}

func TestHub_JoinLeaveIdempotent(t *testing.T) {
	h := newTestHub()
	c := connect(t, h, nil)

	assert.True(t, h.Join(c, "forum:1"))
	assert.False(t, h.Join(c, "forum:1"))
	assert.Equal(t, []string{c.ID()}, h.RoomMembers("forum:1"))
	assert.Equal(t, []string{"forum:1"}, h.Rooms(c))

	assert.False(t, h.Leave(c, "forum:2"))
	assert.True(t, h.Leave(c, "forum:1"))
	assert.False(t, h.Leave(c, "forum:1"))
	assert.Empty(t, h.RoomMembers("forum:1"))
	assert.Zero(t, h.Stats().Rooms)
}

func TestHub_RoomIsolation(t *testing.T) {
	h := newTestHub()
	x := connect(t, h, &OnlineUser{ID: "u-x", Email: "x@pasofino.co", Name: "Ximena"})
	y := connect(t, h, &OnlineUser{ID: "u-y", Email: "y@pasofino.co", Name: "Yesid"})
	z := connect(t, h, &OnlineUser{ID: "u-z", Email: "z@pasofino.co", Name: "Zoe"})
	drain(x)
	drain(y)

	h.Join(x, "forum:1")
	h.Join(z, "forum:1")
	h.Join(y, "forum:2")

	var serverSide []Event
	off := h.On(KindPostNew, func(e Event) { serverSide = append(serverSide, e) })
	defer off()

	ok := h.Dispatch(x, PostNew("forum:1", NewPost{ID: "p1", Title: "Venta de potro", AuthorID: "u-x"}))
	require.True(t, ok)

	got := next(t, z)
	assert.Equal(t, KindPostNew, got.Kind)
	assert.Equal(t, "forum:1", got.Room)
	assert.Equal(t, x.ID(), got.Sender)
	assert.Equal(t, "Venta de potro", got.Payload.(NewPost).Title)

	assertQuiet(t, y)
	assertQuiet(t, x)
	require.Len(t, serverSide, 1)
}

func TestHub_DispatchRequiresMembership(t *testing.T) {
	h := newTestHub()
	x := connect(t, h, nil)
	y := connect(t, h, nil)
	h.Join(y, "forum:1")

	assert.False(t, h.Dispatch(x, PostNew("forum:1", NewPost{ID: "p1"})))
	assertQuiet(t, y)

	assert.False(t, h.Dispatch(y, Event{Kind: KindPresenceOnline, Room: "forum:1", Payload: Presence{}}))
	assert.False(t, h.Dispatch(y, Event{Kind: KindPostNew, Room: "forum:1", Payload: Typing{}}))
}

func TestHub_PresenceLifecycle(t *testing.T) {
	h := newTestHub()
	observer := connect(t, h, nil)

	ana := &OnlineUser{ID: "u-1", Email: "ana@pasofino.co", Name: "Ana"}
	first := NewConn(nil, ana, "203.0.113.11")
	h.Register(first)

	list := next(t, first)
	assert.Equal(t, KindPresenceList, list.Kind)
	assert.Equal(t, []OnlineUser{*ana}, list.Payload.(PresenceList).Users)

	online := next(t, observer)
	assert.Equal(t, KindPresenceOnline, online.Kind)
	assert.Equal(t, *ana, online.Payload.(Presence).User)

	// A second tab for the same user is not announced again.
	second := connect(t, h, ana)
	assertQuiet(t, observer)
	assert.Len(t, h.OnlineUsers(), 1)

	h.Unregister(first)
	assertQuiet(t, observer)

	h.Unregister(second)
	offline := next(t, observer)
	assert.Equal(t, KindPresenceOffline, offline.Kind)
	assert.Empty(t, h.OnlineUsers())
}

func TestHub_UnregisterCleansUp(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, &OnlineUser{ID: "u-a", Email: "a@pasofino.co"})
	b := connect(t, h, nil)
	drain(a)
	drain(b)

	h.Join(a, "thread:9")
	h.Join(a, "forum:1")
	h.Join(b, "thread:9")
	require.True(t, h.Dispatch(a, TypingStarted("thread:9", Typing{UserID: "u-a", Name: "Andrés"})))
	assert.Equal(t, KindTypingStart, next(t, b).Kind)

	h.Unregister(a)
	h.Unregister(a)

	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, []string{b.ID()}, h.RoomMembers("thread:9"))
	assert.Empty(t, h.RoomMembers("forum:1"))
	assert.Empty(t, h.Rooms(a))

	stop := next(t, b)
	assert.Equal(t, KindTypingStop, stop.Kind)
	assert.Equal(t, "thread:9", stop.Room)
	assert.Equal(t, KindPresenceOffline, next(t, b).Kind)

	assert.False(t, h.Join(a, "forum:1"))
	assert.Equal(t, 1, h.Stats().ConnectedClients)
	assert.Equal(t, int64(2), h.Stats().TotalConnections)

	select {
	case <-a.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestHub_FullQueueDropsWithoutBlocking(t *testing.T) {
	h := newTestHub()
	sender := connect(t, h, nil)
	slow := connect(t, h, nil)
	h.Join(sender, "forum:1")
	h.Join(slow, "forum:1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(slow.send)+10; i++ {
			h.Dispatch(sender, VoteChanged("forum:1", VoteUpdate{TargetID: "p1", TargetType: "post", Score: i}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full queue")
	}
	assert.Equal(t, int64(10), h.Stats().Dropped)

	// Order is preserved for what was queued.
	for i := 0; i < 3; i++ {
		assert.Equal(t, i, next(t, slow).Payload.(VoteUpdate).Score)
	}
}

func TestHub_OnUnsubscribe(t *testing.T) {
	h := newTestHub()
	c := connect(t, h, nil)
	h.Join(c, "forum:1")

	var a, b int
	offA := h.On(KindCommentNew, func(Event) { a++ })
	h.On(KindCommentNew, func(Event) { b++ })

	h.Dispatch(c, CommentNew("forum:1", NewComment{ID: "c1", Body: "¡Qué paso tan fino!"}))
	offA()
	offA()
	h.Dispatch(c, CommentNew("forum:1", NewComment{ID: "c2", Body: "De acuerdo"}))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestHub_HandleInboundControlFrames(t *testing.T) {
	h := newTestHub()
	c := connect(t, h, nil)

	h.HandleInbound(c, JoinRoom("forum:7"))
	assert.Equal(t, []string{"forum:7"}, h.Rooms(c))

	h.HandleInbound(c, JoinRoom("bad room!"))
	assert.Equal(t, []string{"forum:7"}, h.Rooms(c))

	h.HandleInbound(c, LeaveRoom("forum:7"))
	assert.Empty(t, h.Rooms(c))
}

func TestHub_SanitizesContent(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, nil)
	b := connect(t, h, nil)
	h.Join(a, "forum:1")
	h.Join(b, "forum:1")

	h.Dispatch(a, PostNew("forum:1", NewPost{ID: "p", Title: "Yegua\x00 criolla\x07"}))
	assert.Equal(t, "Yegua criolla", next(t, b).Payload.(NewPost).Title)
}

func TestHub_CloseDisconnectsEveryone(t *testing.T) {
	h := newTestHub()
	a := connect(t, h, nil)
	b := connect(t, h, nil)

	h.Close()

	assert.Equal(t, StateDisconnected, a.State())
	assert.Equal(t, StateDisconnected, b.State())
	assert.Zero(t, h.Stats().ConnectedClients)
}

func TestHub_UserOf(t *testing.T) {
	h := newTestHub()
	ana := connect(t, h, &OnlineUser{ID: "u-1", Email: "ana@pasofino.co", Name: "Ana"})
	anon := connect(t, h, nil)

	u, ok := h.UserOf(ana.ID())
	require.True(t, ok)
	assert.Equal(t, "Ana", u.Name)
	assert.Equal(t, "203.0.113.10", ana.IP())

	_, ok = h.UserOf(anon.ID())
	assert.False(t, ok)

	h.Unregister(ana)
	_, ok = h.UserOf(ana.ID())
	assert.False(t, ok)
}
