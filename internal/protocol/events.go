package protocol

import (
	"time"

	"tabchat/internal/models"
)

// Event is the closed set of things the dispatcher reacts to. Server events
// are produced by Decode; lifecycle events are produced locally by the
// connection supervisor and travel through the same queue so that every
// state mutation is applied in one place, in order.
type Event interface {
	isEvent()
}

// RoomEvent is implemented by events scoped to a single room.
type RoomEvent interface {
	Event
	Room() string
}

// ChatMessage is a realtime room message.
type ChatMessage struct {
	RoomID    string
	ID        string
	Username  string
	Body      string
	Kind      models.MessageKind
	Timestamp time.Time
}

type HistoryMessage struct {
	ID        string
	Username  string
	Body      string
	Kind      models.MessageKind
	Timestamp time.Time
}

// HistoryBatch carries older messages for a room, oldest first.
type HistoryBatch struct {
	RoomID   string
	Messages []HistoryMessage
	HasMore  bool
}

// SystemNotice is a server notice addressed to one room.
type SystemNotice struct {
	RoomID string
	Body   string
	IsErr  bool
}

// RoomJoined confirms a join and carries room metadata.
type RoomJoined struct {
	RoomID          string
	Name            string
	BackgroundImage string
	Participants    []string
}

// Participants is a participant-list delta. Joined/Left name the user that
// caused the delta when the server reports one.
type Participants struct {
	RoomID       string
	Participants []string
	Joined       string
	Left         string
}

// ForceLeave removes the user from the room membership (e.g. presence TTL
// expiry) without closing the tab.
type ForceLeave struct {
	RoomID string
	Reason string
}

// Kicked tells that Username was kicked from the room. When Username is the
// local user the tab is closed.
type Kicked struct {
	RoomID   string
	Username string
	By       string
	Reason   string
}

// PrivateMessage is an incoming private message from a peer.
type PrivateMessage struct {
	ID           string
	FromUserID   string
	FromUsername string
	FromRole     string
	Body         string
	Timestamp    time.Time
}

// PrivateSent is the server echo of a private message sent by this user.
type PrivateSent struct {
	ID           string
	ToUserID     string
	ToUsername   string
	FromUsername string
	Body         string
	Timestamp    time.Time
}

// PrivateError reports that a private message could not be delivered.
type PrivateError struct {
	ToUserID   string
	ToUsername string
	Reason     string
}

type ServerRestarting struct {
	Reason string
}

type Pong struct{}

type PresenceAck struct {
	Status string
}

// StateChanged is emitted by the supervisor on every connection transition.
type StateChanged struct {
	State     models.ConnState
	SocketID  string
	Reconnect bool // Set on Open when an earlier transport of this session was open
}

// Refresh asks dependents to re-announce and silently rejoin without a
// transport teardown (short background).
type Refresh struct{}

// IdentityReset is emitted when the supervisor tears down a connection
// because a different user connected.
type IdentityReset struct {
	Previous models.Session
}

// SessionTerminated is emitted once after the server restart signal.
type SessionTerminated struct {
	Reason string
}

func (ChatMessage) isEvent()       {}
func (HistoryBatch) isEvent()      {}
func (SystemNotice) isEvent()      {}
func (RoomJoined) isEvent()        {}
func (Participants) isEvent()      {}
func (ForceLeave) isEvent()        {}
func (Kicked) isEvent()            {}
func (PrivateMessage) isEvent()    {}
func (PrivateSent) isEvent()       {}
func (PrivateError) isEvent()      {}
func (ServerRestarting) isEvent()  {}
func (Pong) isEvent()              {}
func (PresenceAck) isEvent()       {}
func (StateChanged) isEvent()      {}
func (Refresh) isEvent()           {}
func (IdentityReset) isEvent()     {}
func (SessionTerminated) isEvent() {}

func (e ChatMessage) Room() string  { return e.RoomID }
func (e HistoryBatch) Room() string { return e.RoomID }
func (e SystemNotice) Room() string { return e.RoomID }
func (e RoomJoined) Room() string   { return e.RoomID }
func (e Participants) Room() string { return e.RoomID }
func (e ForceLeave) Room() string   { return e.RoomID }
func (e Kicked) Room() string       { return e.RoomID }
