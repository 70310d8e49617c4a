package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"tabchat/internal/models"
)

func decode(t *testing.T, event, data string) (Event, error) {
	t.Helper()
	d := NewDecoder(DefaultNames())
	return d.Decode(Frame{Event: event, Data: json.RawMessage(data)})
}

func TestDecode_ChatMessage(t *testing.T) {
	ev, err := decode(t, "chat:message", `{"roomId":12,"id":345,"username":"bob","message":"<b>hi</b> there","timestamp":1714564800000}`)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	msg, ok := ev.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", ev)
	}
	if msg.RoomID != "12" || msg.ID != "345" {
		t.Errorf("numeric ids must be coerced to strings, got room %q id %q", msg.RoomID, msg.ID)
	}
	if msg.Body != "hi there" {
		t.Errorf("expected markup to be stripped, got %q", msg.Body)
	}
	if !msg.Timestamp.Equal(time.UnixMilli(1714564800000)) {
		t.Errorf("unexpected timestamp %v", msg.Timestamp)
	}
	if msg.Kind != models.MessageKindChat {
		t.Errorf("expected chat kind, got %q", msg.Kind)
	}
	if msg.Room() != "12" {
		t.Errorf("Room() = %q", msg.Room())
	}
}

func TestDecode_ChatMessageFallsBackToClientID(t *testing.T) {
	ev, err := decode(t, "chat:message", `{"roomId":"lobby","clientMsgId":"c-1","username":"alice","message":"hey"}`)
	if err != nil {
		t.Fatal(err)
	}
	if id := ev.(ChatMessage).ID; id != "c-1" {
		t.Errorf("expected client id fallback, got %q", id)
	}
}

func TestDecode_ChatMessageInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty body", `{"roomId":"lobby","username":"bob","message":""}`},
		{"missing room", `{"id":"s1","username":"bob","message":"hi"}`},
		{"blank room", `{"roomId":"","id":"s1","username":"bob","message":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decode(t, "chat:message", tt.data); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		messageType string
		typ         string
		isSystem    bool
		want        models.MessageKind
	}{
		{"", "", false, models.MessageKindChat},
		{"presence", "", false, models.MessageKindPresence},
		{"", "presence", false, models.MessageKindPresence},
		{"cmdRoll", "", false, models.MessageKindCommand},
		{"", "cmdMe", false, models.MessageKindCommand},
		{"error", "", false, models.MessageKindError},
		{"", "warning", false, models.MessageKindError},
		{"", "", true, models.MessageKindSystem},
		{"notice", "", false, models.MessageKindSystem},
		{"system", "", false, models.MessageKindSystem},
	}
	for _, tt := range tests {
		if got := classify(tt.messageType, tt.typ, tt.isSystem); got != tt.want {
			t.Errorf("classify(%q, %q, %v) = %q, want %q", tt.messageType, tt.typ, tt.isSystem, got, tt.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	rfc := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
		want time.Time
	}{
		{"rfc3339", "2024-05-01T12:00:00Z", rfc},
		{"padded", " 2024-05-01T12:00:00Z ", rfc},
		{"millis", float64(rfc.UnixMilli()), time.UnixMilli(rfc.UnixMilli())},
		{"int millis", rfc.UnixMilli(), time.UnixMilli(rfc.UnixMilli())},
		{"garbage", "yesterday", time.Time{}},
		{"missing", nil, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseTimestamp(tt.in); !got.Equal(tt.want) {
				t.Errorf("parseTimestamp(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecode_History(t *testing.T) {
	ev, err := decode(t, "chat:messages", `{
		"roomId": "lobby",
		"hasMore": true,
		"messages": [
			{"id": 1, "client_msg_id": "c-1", "username": "bob", "message": "first", "created_at": "2024-05-01T12:00:00Z"},
			{"id": 2, "username": "alice", "message": "second", "message_type": "system"},
			{"username": "ghost", "message": "no id"}
		]
	}`)
	if err != nil {
		t.Fatal(err)
	}
	batch := ev.(HistoryBatch)
	if !batch.HasMore || batch.RoomID != "lobby" {
		t.Errorf("unexpected batch header %+v", batch)
	}
	if len(batch.Messages) != 2 {
		t.Fatalf("expected messages without any id to be skipped, got %d", len(batch.Messages))
	}
	if batch.Messages[0].ID != "c-1" {
		t.Errorf("expected client id to win, got %q", batch.Messages[0].ID)
	}
	if batch.Messages[1].ID != "db-2" || batch.Messages[1].Kind != models.MessageKindSystem {
		t.Errorf("unexpected second message %+v", batch.Messages[1])
	}
}

func TestDecode_Participants(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		want  Participants
	}{
		{
			name:  "full list of names",
			event: "room:users",
			data:  `{"roomId":"lobby","users":["alice","bob"]}`,
			want:  Participants{RoomID: "lobby", Participants: []string{"alice", "bob"}},
		},
		{
			name:  "list of objects",
			event: "room:participants:update",
			data:  `{"roomId":"lobby","participants":[{"username":"alice"},{"id":3},{"username":"carol"}]}`,
			want:  Participants{RoomID: "lobby", Participants: []string{"alice", "carol"}},
		},
		{
			name:  "join delta",
			event: "room:user:joined",
			data:  `{"roomId":"lobby","user":{"username":"dave"}}`,
			want:  Participants{RoomID: "lobby", Joined: "dave"},
		},
		{
			name:  "leave delta",
			event: "room:user:left",
			data:  `{"roomId":"lobby","username":"dave"}`,
			want:  Participants{RoomID: "lobby", Left: "dave"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decode(t, tt.event, tt.data)
			if err != nil {
				t.Fatal(err)
			}
			if got := ev.(Participants); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecode_RoomJoined(t *testing.T) {
	ev, err := decode(t, "room:joined", `{"roomId":"lobby","room":{"name":"The Lobby","background_image":"/bg.png"},"currentUsers":[{"username":"bob"}]}`)
	if err != nil {
		t.Fatal(err)
	}
	want := RoomJoined{RoomID: "lobby", Name: "The Lobby", BackgroundImage: "/bg.png", Participants: []string{"bob"}}
	if got := ev.(RoomJoined); !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecode_Kicked(t *testing.T) {
	ev, err := decode(t, "user:kicked", `{"roomId":"lobby","kickedUsername":"bob","kickedBy":"admin","message":"spam"}`)
	if err != nil {
		t.Fatal(err)
	}
	want := Kicked{RoomID: "lobby", Username: "bob", By: "admin", Reason: "spam"}
	if got := ev.(Kicked); got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecode_SystemMessage(t *testing.T) {
	ev, err := decode(t, "system:message", `{"roomId":"lobby","message":"slow down","type":"warning"}`)
	if err != nil {
		t.Fatal(err)
	}
	if n := ev.(SystemNotice); !n.IsErr || n.Body != "slow down" {
		t.Errorf("unexpected notice %+v", n)
	}
}

func TestDecode_PrivateReceive(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid", `{"id":"p1","fromUserId":42,"fromUsername":"bob","message":"psst","messageType":"pm"}`, false},
		{"no message type", `{"id":"p1","fromUserId":"42","fromUsername":"bob","message":"psst"}`, false},
		{"wrong message type", `{"id":"p1","fromUserId":"42","fromUsername":"bob","message":"psst","messageType":"chat"}`, true},
		{"missing sender", `{"id":"p1","fromUsername":"bob","message":"psst"}`, true},
		{"empty body", `{"id":"p1","fromUserId":"42","fromUsername":"bob","message":""}`, true},
		{"not an object", `[1,2,3]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := decode(t, "pm:receive", tt.data)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Errorf("expected ErrInvalidPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			pm := ev.(PrivateMessage)
			if pm.FromUserID != "42" || pm.Body != "psst" || pm.ID != "p1" {
				t.Errorf("unexpected message %+v", pm)
			}
		})
	}
}

func TestDecode_PrivateSent(t *testing.T) {
	ev, err := decode(t, "pm:sent", `{"clientMsgId":"c-9","toUserId":42,"toUsername":"bob","fromUsername":"alice","message":"yo"}`)
	if err != nil {
		t.Fatal(err)
	}
	sent := ev.(PrivateSent)
	if sent.ID != "c-9" || sent.ToUserID != "42" {
		t.Errorf("unexpected echo %+v", sent)
	}

	if _, err := decode(t, "pm:sent", `{"message":"yo"}`); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload without recipient, got %v", err)
	}
}

func TestDecode_Lifecycle(t *testing.T) {
	ev, err := decode(t, "server:restarting", `{"message":"back soon"}`)
	if err != nil {
		t.Fatal(err)
	}
	if r := ev.(ServerRestarting); r.Reason != "back soon" {
		t.Errorf("unexpected reason %q", r.Reason)
	}

	ev, err = decode(t, "pong", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(Pong); !ok {
		t.Errorf("expected Pong, got %T", ev)
	}
}

func TestDecode_UnknownEvent(t *testing.T) {
	_, err := decode(t, "room:confetti", `{}`)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestDecode_CustomNames(t *testing.T) {
	names := DefaultNames()
	names.ChatMessage = "message"
	d := NewDecoder(names)

	if _, err := d.Decode(Frame{Event: "message", Data: json.RawMessage(`{"roomId":"lobby","id":"1","message":"hi"}`)}); err != nil {
		t.Errorf("renamed event must decode: %v", err)
	}
	if _, err := d.Decode(Frame{Event: "chat:message", Data: json.RawMessage(`{"roomId":"lobby","id":"1","message":"hi"}`)}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("old name must be unknown, got %v", err)
	}
}

func TestNewFrame(t *testing.T) {
	f, err := NewFrame("room:silent_rejoin", SilentRejoinPayload{RoomID: "lobby", UserID: "7", Username: "alice", Silent: true, LastMessageID: "s2"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"roomId":"lobby","userId":"7","username":"alice","silent":true,"lastMessageId":"s2"}`
	if string(f.Data) != want {
		t.Errorf("unexpected payload %s", f.Data)
	}

	f, err = NewFrame("join_room", JoinRoomPayload{RoomID: "lobby", UserID: "7", Username: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	want = `{"roomId":"lobby","userId":"7","username":"alice","invisible":false}`
	if string(f.Data) != want {
		t.Errorf("unexpected payload %s", f.Data)
	}

	f, err = NewFrame("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Data != nil {
		t.Errorf("expected no data, got %s", f.Data)
	}
}
