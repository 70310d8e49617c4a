package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
)

// Names is the event taxonomy shared with the chat server. The server owns
// these names, so they are loaded as configuration rather than hard-coded
// into the dispatch logic.
type Names struct {
	// Outbound
	Identify      string `json:"identify"`
	JoinRoom      string `json:"joinRoom"`
	SilentRejoin  string `json:"silentRejoin"`
	LeaveRoom     string `json:"leaveRoom"`
	RoomHeartbeat string `json:"roomHeartbeat"`
	RoomUsersGet  string `json:"roomUsersGet"`
	ChatSend      string `json:"chatSend"`
	PrivateSend   string `json:"privateSend"`
	Presence      string `json:"presence"`
	Ping          string `json:"ping"`

	// Inbound
	ChatMessage        string `json:"chatMessage"`
	ChatHistory        string `json:"chatHistory"`
	SystemMessage      string `json:"systemMessage"`
	RoomJoined         string `json:"roomJoined"`
	RoomUsers          string `json:"roomUsers"`
	RoomUserJoined     string `json:"roomUserJoined"`
	RoomUserLeft       string `json:"roomUserLeft"`
	ParticipantsUpdate string `json:"participantsUpdate"`
	ForceLeave         string `json:"forceLeave"`
	Kicked             string `json:"kicked"`
	PrivateReceive     string `json:"privateReceive"`
	PrivateSent        string `json:"privateSent"`
	PrivateError       string `json:"privateError"`
	ServerRestarting   string `json:"serverRestarting"`
	Pong               string `json:"pong"`
	PresenceUpdated    string `json:"presenceUpdated"`
}

func DefaultNames() Names {
	return Names{
		Identify:      "auth:login",
		JoinRoom:      "join_room",
		SilentRejoin:  "room:silent_rejoin",
		LeaveRoom:     "leave_room",
		RoomHeartbeat: "room:heartbeat",
		RoomUsersGet:  "room:users:get",
		ChatSend:      "chat:message",
		PrivateSend:   "pm:send",
		Presence:      "presence:update",
		Ping:          "ping",

		ChatMessage:        "chat:message",
		ChatHistory:        "chat:messages",
		SystemMessage:      "system:message",
		RoomJoined:         "room:joined",
		RoomUsers:          "room:users",
		RoomUserJoined:     "room:user:joined",
		RoomUserLeft:       "room:user:left",
		ParticipantsUpdate: "room:participants:update",
		ForceLeave:         "room:force-leave",
		Kicked:             "user:kicked",
		PrivateReceive:     "pm:receive",
		PrivateSent:        "pm:sent",
		PrivateError:       "pm:error",
		ServerRestarting:   "server:restarting",
		Pong:               "pong",
		PresenceUpdated:    "presence:updated",
	}
}

// LoadNames reads a JSON file overriding any subset of the default names.
// An empty path returns the defaults.
func LoadNames(path string) (Names, error) {
	names := DefaultNames()
	if path == "" {
		return names, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Names{}, fmt.Errorf("failed to read event names: %w", err)
	}
	if err := json.Unmarshal(data, &names); err != nil {
		return Names{}, fmt.Errorf("failed to parse event names: %w", err)
	}
	if err := names.Validate(); err != nil {
		return Names{}, err
	}
	return names, nil
}

// Validate checks that no event name was blanked out by an override.
func (n Names) Validate() error {
	v := reflect.ValueOf(n)
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if v.Field(i).String() == "" {
			return fmt.Errorf("event name %q is empty", t.Field(i).Tag.Get("json"))
		}
	}
	return nil
}
