package room

import (
	"errors"
	"testing"
	"time"

	"tabchat/internal/models"
	"tabchat/internal/protocol"
	"tabchat/internal/tabs"
)

type sent struct {
	event   string
	payload any
}

type mockSender struct {
	open bool
	sent []sent
}

func (m *mockSender) Send(event string, payload any) error {
	if !m.open {
		return errors.New("not open")
	}
	m.sent = append(m.sent, sent{event, payload})
	return nil
}

func (m *mockSender) joins() []protocol.JoinRoomPayload {
	var out []protocol.JoinRoomPayload
	for _, s := range m.sent {
		if p, ok := s.payload.(protocol.JoinRoomPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockSender) rejoins() []sent {
	var out []sent
	for _, s := range m.sent {
		if _, ok := s.payload.(protocol.SilentRejoinPayload); ok {
			out = append(out, s)
		}
	}
	return out
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, role models.Role) (*Binding, *mockSender, *tabs.Store, *[]models.Notice) {
	t.Helper()

	store := tabs.New(0)
	store.SetSelf("7")
	store.OpenConversation("lobby", "Lobby")

	sender := &mockSender{open: true}
	var notices []models.Notice
	env := &Env{
		Sender:    sender,
		Store:     store,
		Names:     protocol.DefaultNames(),
		Session:   models.Session{UserID: "7", Username: "alice", Role: role},
		Invisible: func() bool { return true },
		Notify:    func(n models.Notice) { notices = append(notices, n) },
		Now:       func() time.Time { return fixedNow },
	}
	return New("lobby", env), sender, store, &notices
}

func TestBinding_JoinIsIdempotent(t *testing.T) {
	b, sender, store, _ := setup(t, models.RoleUser)

	if !b.Join() {
		t.Fatal("first join should send")
	}
	if b.Join() {
		t.Error("second join should be a no-op")
	}

	joins := sender.joins()
	if len(joins) != 1 {
		t.Fatalf("expected 1 join request, got %d", len(joins))
	}
	if joins[0].Invisible {
		t.Error("invisible must not be honoured for regular users")
	}
	if !store.IsJoined("lobby") {
		t.Error("tab should be joined")
	}

	if last := sender.sent[len(sender.sent)-1]; last.event != "room:users:get" {
		t.Errorf("expected participant request after join, got %s", last.event)
	}
}

func TestBinding_InvisibleForAdmin(t *testing.T) {
	b, sender, _, _ := setup(t, models.RoleAdmin)
	b.Join()

	joins := sender.joins()
	if len(joins) != 1 || !joins[0].Invisible {
		t.Errorf("expected invisible join for admin, got %+v", joins)
	}
}

func TestBinding_JoinWhileDisconnected(t *testing.T) {
	b, sender, store, _ := setup(t, models.RoleUser)
	sender.open = false

	if b.Join() {
		t.Error("join should fail while disconnected")
	}
	if store.IsJoined("lobby") {
		t.Error("tab must stay unjoined")
	}

	// The next Open joins it loudly.
	sender.open = true
	b.Resume()
	if joins := sender.joins(); len(joins) != 1 || len(sender.rejoins()) != 0 {
		t.Errorf("expected one loud join, got %+v", sender.sent)
	}
}

func TestBinding_ResumeRejoinsSilently(t *testing.T) {
	b, sender, _, _ := setup(t, models.RoleUser)
	b.Join()
	b.Resume()

	if joins := sender.joins(); len(joins) != 1 {
		t.Fatalf("expected 1 loud join, got %d", len(joins))
	}
	rejoins := sender.rejoins()
	if len(rejoins) != 1 {
		t.Fatalf("expected 1 silent rejoin, got %d", len(rejoins))
	}
	if rejoins[0].event != "room:silent_rejoin" {
		t.Errorf("unexpected rejoin event %q", rejoins[0].event)
	}
}

func TestBinding_RejoinCarriesLastConfirmedMessage(t *testing.T) {
	b, sender, store, _ := setup(t, models.RoleUser)
	b.Join()

	// Nothing received yet.
	b.Rejoin()
	first := sender.rejoins()[0].payload.(protocol.SilentRejoinPayload)
	want := protocol.SilentRejoinPayload{RoomID: "lobby", UserID: "7", Username: "alice", Silent: true}
	if first != want {
		t.Errorf("got %+v, want %+v", first, want)
	}

	b.Handle(protocol.ChatMessage{RoomID: "lobby", ID: "s1", Username: "bob", Body: "hi", Kind: models.MessageKindChat})
	b.Handle(protocol.ChatMessage{RoomID: "lobby", ID: "s2", Username: "bob", Body: "again", Kind: models.MessageKindChat})
	b.Handle(protocol.Participants{RoomID: "lobby", Joined: "carol"})
	store.AppendMessage("lobby", models.Message{ID: "c-1", Body: "unsent", Pending: true})

	sender.sent = nil
	b.Rejoin()
	rejoins := sender.rejoins()
	if len(rejoins) != 1 {
		t.Fatalf("expected 1 rejoin, got %d", len(rejoins))
	}
	if rejoins[0].event != "room:silent_rejoin" {
		t.Errorf("unexpected event %q", rejoins[0].event)
	}
	got := rejoins[0].payload.(protocol.SilentRejoinPayload)
	if !got.Silent || got.LastMessageID != "s2" {
		t.Errorf("expected silent rejoin after s2, got %+v", got)
	}
	if last := sender.sent[len(sender.sent)-1]; last.event != "room:users:get" {
		t.Errorf("expected participant request after rejoin, got %s", last.event)
	}
}

func TestBinding_LeaveKeepsTab(t *testing.T) {
	b, sender, store, _ := setup(t, models.RoleUser)
	b.Join()
	b.Leave()

	if store.IsJoined("lobby") {
		t.Error("tab should be unjoined after leave")
	}
	if _, ok := store.Tab("lobby"); !ok {
		t.Error("leave must not close the tab")
	}

	n := len(sender.sent)
	b.Resume()
	if len(sender.sent) != n {
		t.Error("left room must not be rejoined automatically")
	}
}

func TestBinding_Heartbeat(t *testing.T) {
	b, sender, _, _ := setup(t, models.RoleUser)

	b.Heartbeat()
	if len(sender.sent) != 0 {
		t.Fatal("heartbeat sent for unjoined room")
	}

	b.Join()
	before := len(sender.sent)
	b.Heartbeat()
	if len(sender.sent) != before+1 {
		t.Fatal("heartbeat not sent")
	}
	p, ok := sender.sent[before].payload.(protocol.RoomHeartbeatPayload)
	if !ok || p.RoomID != "lobby" || p.UserID != "7" || p.Timestamp != fixedNow.UnixMilli() {
		t.Errorf("unexpected heartbeat payload %+v", sender.sent[before].payload)
	}
}

func TestBinding_HandleChatMessage(t *testing.T) {
	b, _, store, _ := setup(t, models.RoleUser)
	store.OpenConversation("other", "Other")

	b.Handle(protocol.ChatMessage{RoomID: "lobby", ID: "m1", Username: "bob", Body: "hey"})
	b.Handle(protocol.ChatMessage{RoomID: "lobby", ID: "m1", Username: "bob", Body: "hey again"})
	b.Handle(protocol.ChatMessage{RoomID: "lobby", ID: "m2", Username: "Alice", Body: "mine"})

	msgs := store.Messages("lobby")
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Body != "hey" || msgs[0].IsOwnMessage {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if !msgs[0].Timestamp.Equal(fixedNow) {
		t.Errorf("missing timestamp should be stamped on arrival, got %v", msgs[0].Timestamp)
	}
	if !msgs[1].IsOwnMessage {
		t.Error("own message not detected")
	}

	tab, _ := store.Tab("lobby")
	if !tab.Unread {
		t.Error("background tab should be unread")
	}
}

func TestBinding_HandleHistory(t *testing.T) {
	b, _, store, _ := setup(t, models.RoleUser)
	b.Handle(protocol.ChatMessage{RoomID: "lobby", ID: "m3", Username: "bob", Body: "now"})

	b.Handle(protocol.HistoryBatch{RoomID: "lobby", Messages: []protocol.HistoryMessage{
		{ID: "m1", Username: "bob", Body: "one"},
		{ID: "m2", Username: "alice", Body: "two"},
		{ID: "m3", Username: "bob", Body: "now"},
	}})

	msgs := store.Messages("lobby")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []string{"m1", "m2", "m3"}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	if !msgs[1].IsOwnMessage {
		t.Error("own history message not detected")
	}
}

func TestBinding_HandleRoomJoined(t *testing.T) {
	b, _, store, _ := setup(t, models.RoleUser)

	b.Handle(protocol.RoomJoined{
		RoomID:          "lobby",
		Name:            "The Lobby",
		BackgroundImage: "bg.png",
		Participants:    []string{"alice", "bob"},
	})

	tab, _ := store.Tab("lobby")
	if tab.DisplayName != "The Lobby" || tab.BackgroundImage != "bg.png" || !tab.Joined {
		t.Errorf("unexpected tab %+v", tab)
	}
	if len(tab.Participants) != 2 {
		t.Errorf("unexpected participants %v", tab.Participants)
	}
}

func TestBinding_HandleParticipants(t *testing.T) {
	b, _, store, _ := setup(t, models.RoleUser)

	b.Handle(protocol.Participants{RoomID: "lobby", Participants: []string{"alice", "bob"}, Joined: "bob"})
	b.Handle(protocol.Participants{RoomID: "lobby", Joined: "alice"})

	msgs := store.Messages("lobby")
	if len(msgs) != 1 || msgs[0].Kind != models.MessageKindPresence {
		t.Fatalf("expected one presence message, got %+v", msgs)
	}

	tab, _ := store.Tab("lobby")
	if len(tab.Participants) != 2 {
		t.Errorf("participants not applied: %v", tab.Participants)
	}
}

func TestBinding_ForceLeave(t *testing.T) {
	b, sender, store, notices := setup(t, models.RoleUser)
	b.Join()

	if closed := b.Handle(protocol.ForceLeave{RoomID: "lobby", Reason: "presence expired"}); closed {
		t.Fatal("force leave must not close the tab")
	}

	if store.IsJoined("lobby") {
		t.Error("joined flag should be cleared")
	}
	msgs := store.Messages("lobby")
	if len(msgs) != 1 || msgs[0].Kind != models.MessageKindSystem || msgs[0].Body != "presence expired" {
		t.Errorf("expected system message, got %+v", msgs)
	}
	if len(*notices) != 1 || (*notices)[0].Kind != models.NoticeRemovedFromRoom {
		t.Errorf("expected removal notice, got %+v", *notices)
	}

	n := len(sender.sent)
	b.Resume()
	if len(sender.sent) != n {
		t.Error("force-left room must not be rejoined automatically")
	}

	if !b.Join() {
		t.Error("explicit join after force leave should send")
	}
}

func TestBinding_Kicked(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		wantClosed bool
	}{
		{"someone else", "bob", false},
		{"self", "alice", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, store, notices := setup(t, models.RoleUser)
			b.Join()

			closed := b.Handle(protocol.Kicked{RoomID: "lobby", Username: tt.username, By: "mod"})
			if closed != tt.wantClosed {
				t.Errorf("expected closed=%v, got %v", tt.wantClosed, closed)
			}

			_, open := store.Tab("lobby")
			if open == tt.wantClosed {
				t.Errorf("tab open=%v after kick of %s", open, tt.username)
			}
			if tt.wantClosed && (len(*notices) != 1 || (*notices)[0].Kind != models.NoticeKicked) {
				t.Errorf("expected kick notice, got %+v", *notices)
			}
		})
	}
}
