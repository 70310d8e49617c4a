package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Session is the authenticated identity of this process.
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (s Session) Valid() bool {
	return s.UserID != "" && s.Username != ""
}

// Privileged reports whether the server honours the invisible flag for this role.
func (s Session) Privileged() bool {
	return s.Role == RoleAdmin
}

type ConnState string

const (
	ConnStateConnecting ConnState = "connecting"
	ConnStateOpen       ConnState = "open"
	ConnStateClosed     ConnState = "closed"
)

// Connection describes the current transport instance.
type Connection struct {
	State            ConnState `json:"state"`
	SocketID         string    `json:"socketId"`
	ReconnectAttempt int       `json:"reconnectAttempt"`
}

type ConversationKind string

const (
	ConversationRoom    ConversationKind = "room"
	ConversationPrivate ConversationKind = "private"
)

// Tab represents one open room or private chat.
type Tab struct {
	ConversationID  string           `json:"conversationId"`
	DisplayName     string           `json:"displayName"`
	Kind            ConversationKind `json:"kind"`
	Joined          bool             `json:"joined"`
	BackgroundImage string           `json:"backgroundImage,omitempty"`
	Unread          bool             `json:"unread"`
	PeerID          string           `json:"peerId,omitempty"` // Only for private tabs
	Participants    []string         `json:"participants,omitempty"`
}

type MessageKind string

const (
	MessageKindChat     MessageKind = "chat"
	MessageKindSystem   MessageKind = "system"
	MessageKindCommand  MessageKind = "command"
	MessageKindPresence MessageKind = "presence"
	MessageKindError    MessageKind = "error"
)

// Message represents a single entry in a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	AuthorUsername string      `json:"authorUsername"`
	Body           string      `json:"body"`
	IsOwnMessage   bool        `json:"isOwnMessage"`
	Kind           MessageKind `json:"kind"`
	Timestamp      time.Time   `json:"timestamp"`
	// Pending is set on optimistic copies until the server echoes the same ID.
	Pending bool `json:"pending,omitempty"`
	// Local lines (presence, errors) are generated on the device and have
	// no server-side ID.
	Local bool `json:"local,omitempty"`
}

type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceAway      PresenceStatus = "away"
	PresenceBusy      PresenceStatus = "busy"
	PresenceInvisible PresenceStatus = "invisible"
	PresenceOffline   PresenceStatus = "offline"
)

// Selectable reports whether the status can be chosen by the user.
func (p PresenceStatus) Selectable() bool {
	switch p {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceInvisible:
		return true
	}
	return false
}

type NoticeKind string

const (
	NoticeSessionTerminated NoticeKind = "session_terminated"
	NoticeIdentityReset     NoticeKind = "identity_reset"
	NoticeRemovedFromRoom   NoticeKind = "removed_from_room"
	NoticeKicked            NoticeKind = "kicked"
)

// Notice is an event that needs an explicit reaction from the user, such as
// logging in again or acknowledging a removal.
type Notice struct {
	Kind           NoticeKind `json:"kind"`
	ConversationID string     `json:"conversationId,omitempty"`
	Text           string     `json:"text"`
}
