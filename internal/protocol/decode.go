package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tabchat/internal/content"
	"tabchat/internal/models"

	"github.com/mitchellh/mapstructure"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

var commandTypes = map[string]bool{
	"cmd":     true,
	"cmdMe":   true,
	"cmdRoll": true,
	"cmdGift": true,
	"cmdGoal": true,
	"cmdGo":   true,
}

type decodeFunc func(data json.RawMessage) (Event, error)

// Decoder turns wire frames into typed events. Payload shapes on the wire are
// loose (ids as numbers or strings, users as names or objects), so every
// payload is normalised here and nothing past the decoder looks at raw fields.
type Decoder struct {
	handlers map[string]decodeFunc
}

func NewDecoder(names Names) *Decoder {
	d := &Decoder{handlers: make(map[string]decodeFunc)}
	d.handlers[names.ChatMessage] = decodeChatMessage
	d.handlers[names.ChatHistory] = decodeHistory
	d.handlers[names.SystemMessage] = decodeSystemMessage
	d.handlers[names.RoomJoined] = decodeRoomJoined
	d.handlers[names.RoomUsers] = decodeParticipants
	d.handlers[names.RoomUserJoined] = decodeParticipants
	d.handlers[names.RoomUserLeft] = decodeParticipants
	d.handlers[names.ParticipantsUpdate] = decodeParticipants
	d.handlers[names.ForceLeave] = decodeForceLeave
	d.handlers[names.Kicked] = decodeKicked
	d.handlers[names.PrivateReceive] = decodePrivateReceive
	d.handlers[names.PrivateSent] = decodePrivateSent
	d.handlers[names.PrivateError] = decodePrivateError
	d.handlers[names.ServerRestarting] = decodeServerRestarting
	d.handlers[names.Pong] = func(json.RawMessage) (Event, error) { return Pong{}, nil }
	d.handlers[names.PresenceUpdated] = decodePresenceAck
	return d
}

func (d *Decoder) Decode(f Frame) (Event, error) {
	h, ok := d.handlers[f.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, f.Event)
	}
	ev, err := h(f.Data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Event, err)
	}
	return ev, nil
}

func decodeInto(data json.RawMessage, out any) error {
	var raw any = map[string]any{}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type wireChatMessage struct {
	RoomID      string `mapstructure:"roomId"`
	ID          string `mapstructure:"id"`
	ClientMsgID string `mapstructure:"clientMsgId"`
	Username    string `mapstructure:"username"`
	Message     string `mapstructure:"message"`
	MessageType string `mapstructure:"messageType"`
	Type        string `mapstructure:"type"`
	IsSystem    bool   `mapstructure:"isSystem"`
	Timestamp   any    `mapstructure:"timestamp"`
}

func decodeChatMessage(data json.RawMessage) (Event, error) {
	var w wireChatMessage
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	if w.Message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidPayload)
	}
	if w.RoomID == "" {
		return nil, fmt.Errorf("%w: chat message without room", ErrInvalidPayload)
	}
	return ChatMessage{
		RoomID:    w.RoomID,
		ID:        firstNonEmpty(w.ID, w.ClientMsgID),
		Username:  content.Sanitize(w.Username),
		Body:      content.Sanitize(w.Message),
		Kind:      classify(w.MessageType, w.Type, w.IsSystem),
		Timestamp: parseTimestamp(w.Timestamp),
	}, nil
}

func classify(messageType, typ string, isSystem bool) models.MessageKind {
	switch {
	case messageType == "presence" || typ == "presence":
		return models.MessageKindPresence
	case commandTypes[messageType] || commandTypes[typ]:
		return models.MessageKindCommand
	case messageType == "error" || typ == "error" || typ == "warning":
		return models.MessageKindError
	case isSystem || messageType == "system" || typ == "system" || messageType == "notice":
		return models.MessageKindSystem
	}
	return models.MessageKindChat
}

type wireHistory struct {
	RoomID   string `mapstructure:"roomId"`
	HasMore  bool   `mapstructure:"hasMore"`
	Messages []struct {
		ID          string `mapstructure:"id"`
		ClientMsgID string `mapstructure:"client_msg_id"`
		Username    string `mapstructure:"username"`
		Message     string `mapstructure:"message"`
		MessageType string `mapstructure:"message_type"`
		CreatedAt   any    `mapstructure:"created_at"`
	} `mapstructure:"messages"`
}

func decodeHistory(data json.RawMessage) (Event, error) {
	var w wireHistory
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	batch := HistoryBatch{
		RoomID:   w.RoomID,
		HasMore:  w.HasMore,
		Messages: make([]HistoryMessage, 0, len(w.Messages)),
	}
	for _, m := range w.Messages {
		// Realtime copies are keyed by the client id, so prefer it to dedup
		// history against messages already on screen.
		id := m.ClientMsgID
		if id == "" {
			if m.ID == "" {
				continue
			}
			id = "db-" + m.ID
		}
		kind := models.MessageKindChat
		if m.MessageType == "system" {
			kind = models.MessageKindSystem
		}
		batch.Messages = append(batch.Messages, HistoryMessage{
			ID:        id,
			Username:  content.Sanitize(m.Username),
			Body:      content.Sanitize(m.Message),
			Kind:      kind,
			Timestamp: parseTimestamp(m.CreatedAt),
		})
	}
	return batch, nil
}

type wireSystemMessage struct {
	RoomID  string `mapstructure:"roomId"`
	Message string `mapstructure:"message"`
	Type    string `mapstructure:"type"`
}

func decodeSystemMessage(data json.RawMessage) (Event, error) {
	var w wireSystemMessage
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	return SystemNotice{
		RoomID: w.RoomID,
		Body:   content.Sanitize(w.Message),
		IsErr:  w.Type == "warning" || w.Type == "error",
	}, nil
}

type wireRoomJoined struct {
	RoomID string `mapstructure:"roomId"`
	Room   struct {
		Name            string `mapstructure:"name"`
		BackgroundImage string `mapstructure:"background_image"`
	} `mapstructure:"room"`
	Users        []any `mapstructure:"users"`
	CurrentUsers []any `mapstructure:"currentUsers"`
}

func decodeRoomJoined(data json.RawMessage) (Event, error) {
	var w wireRoomJoined
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	users := w.Users
	if users == nil {
		users = w.CurrentUsers
	}
	return RoomJoined{
		RoomID:          w.RoomID,
		Name:            content.Sanitize(w.Room.Name),
		BackgroundImage: w.Room.BackgroundImage,
		Participants:    usernames(users),
	}, nil
}

type wireParticipants struct {
	RoomID       string `mapstructure:"roomId"`
	Users        []any  `mapstructure:"users"`
	Participants []any  `mapstructure:"participants"`
	User         any    `mapstructure:"user"`
	Username     string `mapstructure:"username"`
}

// decodeParticipants covers the full list and both delta shapes: a join
// carries the user object, a leave carries the username.
func decodeParticipants(data json.RawMessage) (Event, error) {
	var w wireParticipants
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	list := w.Users
	if list == nil {
		list = w.Participants
	}
	ev := Participants{
		RoomID:       w.RoomID,
		Participants: usernames(list),
		Left:         w.Username,
	}
	if w.User != nil {
		if names := usernames([]any{w.User}); len(names) == 1 {
			ev.Joined = names[0]
		}
	}
	return ev, nil
}

type wireForceLeave struct {
	RoomID  string `mapstructure:"roomId"`
	Message string `mapstructure:"message"`
}

func decodeForceLeave(data json.RawMessage) (Event, error) {
	var w wireForceLeave
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	return ForceLeave{RoomID: w.RoomID, Reason: content.Sanitize(w.Message)}, nil
}

type wireKicked struct {
	RoomID         string `mapstructure:"roomId"`
	KickedUsername string `mapstructure:"kickedUsername"`
	KickedBy       string `mapstructure:"kickedBy"`
	Message        string `mapstructure:"message"`
}

func decodeKicked(data json.RawMessage) (Event, error) {
	var w wireKicked
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	return Kicked{
		RoomID:   w.RoomID,
		Username: w.KickedUsername,
		By:       w.KickedBy,
		Reason:   content.Sanitize(w.Message),
	}, nil
}

type wirePrivate struct {
	ID           string `mapstructure:"id"`
	ClientMsgID  string `mapstructure:"clientMsgId"`
	FromUserID   string `mapstructure:"fromUserId"`
	FromUsername string `mapstructure:"fromUsername"`
	FromRole     string `mapstructure:"fromRole"`
	ToUserID     string `mapstructure:"toUserId"`
	ToUsername   string `mapstructure:"toUsername"`
	Message      string `mapstructure:"message"`
	MessageType  string `mapstructure:"messageType"`
	Timestamp    any    `mapstructure:"timestamp"`
}

func decodePrivateReceive(data json.RawMessage) (Event, error) {
	var w wirePrivate
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	if w.FromUserID == "" || w.FromUsername == "" || w.Message == "" {
		return nil, fmt.Errorf("%w: missing sender or message", ErrInvalidPayload)
	}
	if w.MessageType != "" && w.MessageType != "pm" {
		return nil, fmt.Errorf("%w: message type %q", ErrInvalidPayload, w.MessageType)
	}
	return PrivateMessage{
		ID:           firstNonEmpty(w.ID, w.ClientMsgID),
		FromUserID:   w.FromUserID,
		FromUsername: content.Sanitize(w.FromUsername),
		FromRole:     w.FromRole,
		Body:         content.Sanitize(w.Message),
		Timestamp:    parseTimestamp(w.Timestamp),
	}, nil
}

func decodePrivateSent(data json.RawMessage) (Event, error) {
	var w wirePrivate
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	if w.ToUserID == "" {
		return nil, fmt.Errorf("%w: missing recipient", ErrInvalidPayload)
	}
	return PrivateSent{
		ID:           firstNonEmpty(w.ID, w.ClientMsgID),
		ToUserID:     w.ToUserID,
		ToUsername:   content.Sanitize(w.ToUsername),
		FromUsername: content.Sanitize(w.FromUsername),
		Body:         content.Sanitize(w.Message),
		Timestamp:    parseTimestamp(w.Timestamp),
	}, nil
}

func decodePrivateError(data json.RawMessage) (Event, error) {
	var w wirePrivate
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	return PrivateError{
		ToUserID:   w.ToUserID,
		ToUsername: content.Sanitize(w.ToUsername),
		Reason:     content.Sanitize(w.Message),
	}, nil
}

func decodeServerRestarting(data json.RawMessage) (Event, error) {
	var w struct {
		Message string `mapstructure:"message"`
	}
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	return ServerRestarting{Reason: w.Message}, nil
}

func decodePresenceAck(data json.RawMessage) (Event, error) {
	var w struct {
		Status string `mapstructure:"status"`
	}
	if err := decodeInto(data, &w); err != nil {
		return nil, err
	}
	return PresenceAck{Status: w.Status}, nil
}

// usernames accepts plain names as well as {"username": ...} objects.
func usernames(list []any) []string {
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, u := range list {
		switch v := u.(type) {
		case string:
			if v != "" {
				out = append(out, v)
			}
		case map[string]any:
			if name, ok := v["username"].(string); ok && name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

// parseTimestamp accepts RFC3339 strings and Unix milliseconds. Anything
// else yields the zero time and the receiver stamps arrival time instead.
func parseTimestamp(v any) time.Time {
	switch ts := v.(type) {
	case string:
		ts = strings.TrimSpace(ts)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return t
		}
	case float64:
		return time.UnixMilli(int64(ts))
	case int64:
		return time.UnixMilli(ts)
	case int:
		return time.UnixMilli(int64(ts))
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
