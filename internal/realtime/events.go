package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

type Kind string

// Content events, emitted by clients into a room.
const (
	KindPostNew     Kind = "post:new"
	KindCommentNew  Kind = "comment:new"
	KindVoteUpdate  Kind = "vote:update"
	KindTypingStart Kind = "typing:start"
	KindTypingStop  Kind = "typing:stop"
)

// Presence events, generated by the server only.
const (
	KindPresenceOnline  Kind = "presence:online"
	KindPresenceOffline Kind = "presence:offline"
	KindPresenceList    Kind = "presence:list"
)

// Control frames sent by clients; they carry a room and no payload.
const (
	KindRoomJoin  Kind = "room:join"
	KindRoomLeave Kind = "room:leave"
)

var (
	ErrUnknownKind     = errors.New("realtime: unknown event kind")
	ErrPayloadMismatch = errors.New("realtime: payload does not match event kind")
)

// IsContent reports whether clients may emit this kind into a room.
func (k Kind) IsContent() bool {
	switch k {
	case KindPostNew, KindCommentNew, KindVoteUpdate, KindTypingStart, KindTypingStop:
		return true
	}
	return false
}

func (k Kind) IsControl() bool {
	return k == KindRoomJoin || k == KindRoomLeave
}

// Payload is implemented only by the structs in this file.
type Payload interface {
	isPayload()
}

type OnlineUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type NewPost struct {
	ID         string    `json:"id"`
	ForumID    string    `json:"forumId"`
	Title      string    `json:"title"`
	Excerpt    string    `json:"excerpt,omitempty"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type NewComment struct {
	ID         string    `json:"id"`
	PostID     string    `json:"postId"`
	ParentID   string    `json:"parentId,omitempty"`
	Body       string    `json:"body"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type VoteUpdate struct {
	TargetID   string `json:"targetId"`
	TargetType string `json:"targetType"` // post | comment
	Score      int    `json:"score"`
	Upvotes    int    `json:"upvotes"`
	Downvotes  int    `json:"downvotes"`
}

type Typing struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type Presence struct {
	User OnlineUser `json:"user"`
}

type PresenceList struct {
	Users []OnlineUser `json:"users"`
}

func (NewPost) isPayload()      {}
func (NewComment) isPayload()   {}
func (VoteUpdate) isPayload()   {}
func (Typing) isPayload()       {}
func (Presence) isPayload()     {}
func (PresenceList) isPayload() {}

// Event is one realtime message. Sender is the originating connection id,
// empty for server-generated events.
type Event struct {
	Kind    Kind
	Room    string
	Payload Payload
	Sender  string
	SentAt  time.Time
}

// NewEvent checks that payload has the one shape allowed for kind.
func NewEvent(kind Kind, room string, payload Payload) (Event, error) {
	if err := checkPayload(kind, payload); err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Room: room, Payload: payload}, nil
}

func PostNew(room string, p NewPost) Event {
	return Event{Kind: KindPostNew, Room: room, Payload: p}
}

func CommentNew(room string, p NewComment) Event {
	return Event{Kind: KindCommentNew, Room: room, Payload: p}
}

func VoteChanged(room string, p VoteUpdate) Event {
	return Event{Kind: KindVoteUpdate, Room: room, Payload: p}
}

func TypingStarted(room string, p Typing) Event {
	return Event{Kind: KindTypingStart, Room: room, Payload: p}
}

func TypingStopped(room string, p Typing) Event {
	return Event{Kind: KindTypingStop, Room: room, Payload: p}
}

func JoinRoom(room string) Event  { return Event{Kind: KindRoomJoin, Room: room} }
func LeaveRoom(room string) Event { return Event{Kind: KindRoomLeave, Room: room} }

type envelope struct {
	Type    Kind            `json:"type"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	SentAt  *time.Time      `json:"sentAt,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if err := checkPayload(e.Kind, e.Payload); err != nil {
		return nil, err
	}
	env := envelope{Type: e.Kind, Room: e.Room, Sender: e.Sender}
	if !e.SentAt.IsZero() {
		t := e.SentAt.UTC()
		env.SentAt = &t
	}
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	payload, err := newPayload(env.Type)
	if err != nil {
		return err
	}
	if payload != nil {
		if len(env.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrPayloadMismatch, env.Type)
		}
		if payload, err = decodePayload(env.Type, env.Payload); err != nil {
			return err
		}
	}

	*e = Event{Kind: env.Type, Room: env.Room, Payload: payload, Sender: env.Sender}
	if env.SentAt != nil {
		e.SentAt = *env.SentAt
	}
	return nil
}

// newPayload returns the zero payload for kind, or nil for control frames.
func newPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindPostNew:
		return NewPost{}, nil
	case KindCommentNew:
		return NewComment{}, nil
	case KindVoteUpdate:
		return VoteUpdate{}, nil
	case KindTypingStart, KindTypingStop:
		return Typing{}, nil
	case KindPresenceOnline, KindPresenceOffline:
		return Presence{}, nil
	case KindPresenceList:
		return PresenceList{}, nil
	case KindRoomJoin, KindRoomLeave:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindPostNew:
		var v NewPost
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCommentNew:
		var v NewComment
		err = json.Unmarshal(raw, &v)
		p = v
	case KindVoteUpdate:
		var v VoteUpdate
		err = json.Unmarshal(raw, &v)
		p = v
	case KindTypingStart, KindTypingStop:
		var v Typing
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPresenceOnline, KindPresenceOffline:
		var v Presence
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPresenceList:
		var v PresenceList
		err = json.Unmarshal(raw, &v)
		p = v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

func checkPayload(kind Kind, payload Payload) error {
	want, err := newPayload(kind)
	if err != nil {
		return err
	}
	if want == nil {
		if payload != nil {
			return fmt.Errorf("%w: %s carries no payload", ErrPayloadMismatch, kind)
		}
		return nil
	}
	if payload == nil || reflect.TypeOf(want) != reflect.TypeOf(payload) {
		return fmt.Errorf("%w: %s wants %T, got %T", ErrPayloadMismatch, kind, want, payload)
	}
	return nil
}
