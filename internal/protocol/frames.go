package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the envelope exchanged with the server over the websocket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes payload under the given event name. A nil payload
// produces a frame without data.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

type IdentifyPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type JoinRoomPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      string `json:"role,omitempty"`
	Invisible bool   `json:"invisible"`
}

// SilentRejoinPayload restores a membership after a reconnect. The server
// replays messages newer than LastMessageID.
type SilentRejoinPayload struct {
	RoomID        string `json:"roomId"`
	UserID        string `json:"userId"`
	Username      string `json:"username"`
	Silent        bool   `json:"silent"`
	LastMessageID string `json:"lastMessageId,omitempty"`
}

type LeaveRoomPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type RoomHeartbeatPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

type RoomUsersPayload struct {
	RoomID string `json:"roomId"`
}

type ChatSendPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	Message     string `json:"message"`
	ClientMsgID string `json:"clientMsgId"`
}

type PrivateSendPayload struct {
	FromUserID   string `json:"fromUserId"`
	FromUsername string `json:"fromUsername"`
	ToUserID     string `json:"toUserId"`
	ToUsername   string `json:"toUsername"`
	Message      string `json:"message"`
	ClientMsgID  string `json:"clientMsgId"`
}

type PresencePayload struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}
