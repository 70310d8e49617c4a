package room

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tabchat/internal/models"
	"tabchat/internal/protocol"
	"tabchat/internal/tabs"

	"github.com/google/uuid"
)

type Sender interface {
	Send(event string, payload any) error
}

// Env is shared by every binding of one session.
type Env struct {
	Sender  Sender
	Store   *tabs.Store
	Names   protocol.Names
	Session models.Session
	// Invisible reports the user's invisible-mode preference at join time.
	Invisible func() bool
	Notify    func(models.Notice)
	Now       func() time.Time
}

// Binding ties one open room tab to the room channel on the server.
type Binding struct {
	roomID string
	env    *Env
	// detached is set when the membership was dropped on purpose (leave or
	// forced leave); such rooms are not joined again automatically.
	detached bool
}

func New(roomID string, env *Env) *Binding {
	if env.Now == nil {
		env.Now = time.Now
	}
	return &Binding{roomID: roomID, env: env}
}

func (b *Binding) RoomID() string {
	return b.roomID
}

// Join enters the room once. It returns false when already joined or when
// the request could not be sent; in the latter case the tab stays unjoined.
func (b *Binding) Join() bool {
	if b.env.Store.IsJoined(b.roomID) {
		return false
	}

	s := b.env.Session
	payload := protocol.JoinRoomPayload{
		RoomID:   b.roomID,
		UserID:   s.UserID,
		Username: s.Username,
		Role:     string(s.Role),
	}
	if s.Privileged() && b.env.Invisible != nil {
		payload.Invisible = b.env.Invisible()
	}

	if !b.send(b.env.Names.JoinRoom, payload) {
		return false
	}
	b.detached = false
	return true
}

// Rejoin re-enters the room without an "entered" broadcast. The last
// confirmed message ID lets the server replay what was missed.
func (b *Binding) Rejoin() bool {
	s := b.env.Session
	return b.send(b.env.Names.SilentRejoin, protocol.SilentRejoinPayload{
		RoomID:        b.roomID,
		UserID:        s.UserID,
		Username:      s.Username,
		Silent:        true,
		LastMessageID: b.env.Store.LastMessageID(b.roomID),
	})
}

// Resume restores membership after the transport came back: joined rooms are
// rejoined silently, rooms never joined are joined normally.
func (b *Binding) Resume() {
	switch {
	case b.detached:
		return
	case b.env.Store.IsJoined(b.roomID):
		b.Rejoin()
	default:
		b.Join()
	}
}

func (b *Binding) send(event string, payload any) bool {
	if err := b.env.Sender.Send(event, payload); err != nil {
		slog.Debug("join deferred", "room_id", b.roomID, "event", event, "error", err)
		return false
	}

	b.env.Store.MarkJoined(b.roomID, true)
	b.requestParticipants()
	return true
}

func (b *Binding) requestParticipants() {
	err := b.env.Sender.Send(b.env.Names.RoomUsersGet, protocol.RoomUsersPayload{RoomID: b.roomID})
	if err != nil {
		slog.Debug("failed to request participants", "room_id", b.roomID, "error", err)
	}
}

// Leave drops the room membership but keeps the tab.
func (b *Binding) Leave() {
	s := b.env.Session
	err := b.env.Sender.Send(b.env.Names.LeaveRoom, protocol.LeaveRoomPayload{
		RoomID:   b.roomID,
		UserID:   s.UserID,
		Username: s.Username,
	})
	if err != nil {
		slog.Debug("leave not sent", "room_id", b.roomID, "error", err)
	}
	b.detached = true
	b.env.Store.MarkJoined(b.roomID, false)
}

// Heartbeat keeps the room membership from expiring server-side.
func (b *Binding) Heartbeat() {
	if !b.env.Store.IsJoined(b.roomID) {
		return
	}
	err := b.env.Sender.Send(b.env.Names.RoomHeartbeat, protocol.RoomHeartbeatPayload{
		RoomID:    b.roomID,
		UserID:    b.env.Session.UserID,
		Timestamp: b.env.Now().UnixMilli(),
	})
	if err != nil {
		slog.Debug("room heartbeat not sent", "room_id", b.roomID, "error", err)
	}
}

// Handle applies one room event to the store. It returns true when the tab
// was closed and the binding must be dropped.
func (b *Binding) Handle(ev protocol.RoomEvent) bool {
	store := b.env.Store

	switch ev := ev.(type) {
	case protocol.ChatMessage:
		msg := b.message(ev.ID, ev.Username, ev.Body, ev.Kind, ev.Timestamp)
		if store.AppendMessage(b.roomID, msg) && !msg.IsOwnMessage {
			store.MarkUnread(b.roomID)
		}

	case protocol.HistoryBatch:
		msgs := make([]models.Message, 0, len(ev.Messages))
		for _, m := range ev.Messages {
			msgs = append(msgs, b.message(m.ID, m.Username, m.Body, m.Kind, m.Timestamp))
		}
		n := store.PrependHistory(b.roomID, msgs)
		slog.Debug("history applied", "room_id", b.roomID, "received", len(msgs), "inserted", n)

	case protocol.SystemNotice:
		kind := models.MessageKindSystem
		if ev.IsErr {
			kind = models.MessageKindError
		}
		b.system(ev.Body, kind)

	case protocol.RoomJoined:
		if ev.Name != "" {
			store.SetDisplayName(b.roomID, ev.Name)
		}
		if ev.BackgroundImage != "" {
			store.SetBackground(b.roomID, ev.BackgroundImage)
		}
		if ev.Participants != nil {
			store.SetParticipants(b.roomID, ev.Participants)
		}
		store.MarkJoined(b.roomID, true)

	case protocol.Participants:
		if ev.Participants != nil {
			store.SetParticipants(b.roomID, ev.Participants)
		}
		if ev.Joined != "" && !b.isSelf(ev.Joined) {
			b.append(fmt.Sprintf("%s joined the room", ev.Joined), models.MessageKindPresence)
		}
		if ev.Left != "" && !b.isSelf(ev.Left) {
			b.append(fmt.Sprintf("%s left the room", ev.Left), models.MessageKindPresence)
		}

	case protocol.ForceLeave:
		b.detached = true
		store.MarkJoined(b.roomID, false)
		text := ev.Reason
		if text == "" {
			text = "You were removed from the room"
		}
		b.system(text, models.MessageKindSystem)
		b.notify(models.NoticeRemovedFromRoom, text)

	case protocol.Kicked:
		if !b.isSelf(ev.Username) {
			b.system(kickText(ev), models.MessageKindSystem)
			return false
		}
		b.detached = true
		store.CloseConversation(b.roomID)
		b.notify(models.NoticeKicked, kickText(ev))
		return true

	default:
		slog.Debug("unhandled room event", "room_id", b.roomID, "event", fmt.Sprintf("%T", ev))
	}

	return false
}

func (b *Binding) message(id, username, body string, kind models.MessageKind, ts time.Time) models.Message {
	local := id == ""
	if local {
		id = uuid.NewString()
	}
	if ts.IsZero() {
		ts = b.env.Now()
	}
	if kind == "" {
		kind = models.MessageKindChat
	}
	return models.Message{
		ID:             id,
		ConversationID: b.roomID,
		AuthorUsername: username,
		Body:           body,
		IsOwnMessage:   b.isSelf(username),
		Kind:           kind,
		Timestamp:      ts,
		Local:          local,
	}
}

func (b *Binding) system(text string, kind models.MessageKind) {
	b.append(text, kind)
	b.env.Store.MarkUnread(b.roomID)
}

func (b *Binding) append(text string, kind models.MessageKind) {
	b.env.Store.AppendMessage(b.roomID, models.Message{
		ID:             uuid.NewString(),
		ConversationID: b.roomID,
		Body:           text,
		Kind:           kind,
		Timestamp:      b.env.Now(),
		Local:          true,
	})
}

func (b *Binding) notify(kind models.NoticeKind, text string) {
	if b.env.Notify == nil {
		return
	}
	b.env.Notify(models.Notice{Kind: kind, ConversationID: b.roomID, Text: text})
}

func (b *Binding) isSelf(username string) bool {
	return username != "" && strings.EqualFold(username, b.env.Session.Username)
}

func kickText(ev protocol.Kicked) string {
	var sb strings.Builder
	sb.WriteString(ev.Username)
	sb.WriteString(" was kicked")
	if ev.By != "" {
		sb.WriteString(" by ")
		sb.WriteString(ev.By)
	}
	if ev.Reason != "" {
		sb.WriteString(": ")
		sb.WriteString(ev.Reason)
	}
	return sb.String()
}
