package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tabchat/internal/content"
	"tabchat/internal/metadata"
	"tabchat/internal/models"
	"tabchat/internal/presence"
	"tabchat/internal/protocol"
	"tabchat/internal/room"
	"tabchat/internal/tabs"

	"github.com/google/uuid"
)

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrEmptyMessage        = errors.New("empty message")
	ErrNoSession           = errors.New("not logged in")
)

const (
	noticeBuffer  = 16
	maxOutbox     = 100
	intentBacklog = 16
)

// Supervisor is the connection side of the engine.
type Supervisor interface {
	Connect(ctx context.Context, session models.Session) error
	Disconnect()
	Send(event string, payload any) error
	Events() <-chan protocol.Event
	Background(now time.Time)
	Foreground(now time.Time)
}

// Credentials persists the logged-in session between runs.
type Credentials interface {
	GetSession() (models.Session, error)
	SaveSession(session models.Session) error
	ClearSession() error
}

type Settings interface {
	presence.StatusStore
	LoadInvisible() (bool, error)
	SaveInvisible(invisible bool) error
}

// Directory resolves users and rooms over the REST API.
type Directory interface {
	ResolveUser(ctx context.Context, username string) (metadata.User, error)
	Room(ctx context.Context, roomID string) (metadata.RoomInfo, error)
	Participants(ctx context.Context, roomID string) ([]string, error)
}

type Config struct {
	PresenceInterval      time.Duration
	RoomHeartbeatInterval time.Duration
}

// outgoing is a message sent by this user and not yet echoed by the server.
type outgoing struct {
	id             string
	conversationID string
	peerID         string
	event          string
	payload        any
}

// Engine is the dispatcher. Run consumes the supervisor queue and the
// intents posted by UI goroutines on a single goroutine; every event-driven
// store mutation happens there.
type Engine struct {
	cfg      Config
	sup      Supervisor
	store    *tabs.Store
	presence *presence.Reporter
	creds    Credentials
	settings Settings
	dir      Directory
	names    protocol.Names
	now      func() time.Time

	intents chan func()
	notices chan models.Notice

	// Owned by the Run goroutine
	session   models.Session
	invisible bool
	env       *room.Env
	bindings  map[string]*room.Binding
	outbox    []outgoing
}

func New(cfg Config, sup Supervisor, store *tabs.Store, creds Credentials, settings Settings, dir Directory, names protocol.Names) *Engine {
	return &Engine{
		cfg:      cfg,
		sup:      sup,
		store:    store,
		presence: presence.NewReporter(settings, sup, names),
		creds:    creds,
		settings: settings,
		dir:      dir,
		names:    names,
		now:      time.Now,
		intents:  make(chan func(), intentBacklog),
		notices:  make(chan models.Notice, noticeBuffer),
		bindings: make(map[string]*room.Binding),
	}
}

func (e *Engine) Store() *tabs.Store {
	return e.store
}

// Notices delivers events that need a user reaction.
func (e *Engine) Notices() <-chan models.Notice {
	return e.notices
}

func (e *Engine) Run(ctx context.Context) error {
	presenceTicker := time.NewTicker(e.cfg.PresenceInterval)
	defer presenceTicker.Stop()
	roomTicker := time.NewTicker(e.cfg.RoomHeartbeatInterval)
	defer roomTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.sup.Events():
			e.handle(ev)
		case fn := <-e.intents:
			fn()
		case <-presenceTicker.C:
			e.presence.KeepAlive()
		case <-roomTicker.C:
			for _, b := range e.bindings {
				b.Heartbeat()
			}
		}
	}
}

// do runs fn on the Run goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case e.intents <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start resumes the persisted session, if any.
func (e *Engine) Start(ctx context.Context) error {
	session, err := e.creds.GetSession()
	if errors.Is(err, models.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	return e.connect(ctx, session)
}

// Login stores the session and connects. A different user than the current
// one resets all conversations first.
func (e *Engine) Login(ctx context.Context, session models.Session) error {
	if !session.Valid() {
		return ErrNoSession
	}
	if err := e.creds.SaveSession(session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return e.connect(ctx, session)
}

func (e *Engine) connect(ctx context.Context, session models.Session) error {
	err := e.do(ctx, func() error {
		e.beginSession(session)
		return nil
	})
	if err != nil {
		return err
	}
	return e.sup.Connect(ctx, session)
}

// Logout leaves every room, drops the session and closes the transport.
func (e *Engine) Logout(ctx context.Context) error {
	return e.do(ctx, func() error {
		for _, b := range e.bindings {
			b.Leave()
		}
		e.endSession()
		e.sup.Disconnect()
		if err := e.creds.ClearSession(); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		return nil
	})
}

// SendMessage appends the message optimistically and sends it. It returns
// the client-assigned message ID. A send that cannot go out now is retried
// with the same ID after the next reconnect.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string) (string, error) {
	var id string
	err := e.do(ctx, func() error {
		var err error
		id, err = e.send(conversationID, body)
		return err
	})
	return id, err
}

func (e *Engine) send(conversationID, body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyMessage
	}
	if !e.session.Valid() {
		return "", ErrNoSession
	}
	tab, ok := e.store.Tab(conversationID)
	if !ok {
		return "", ErrUnknownConversation
	}

	out := outgoing{
		id:             uuid.NewString(),
		conversationID: conversationID,
	}

	if tab.Kind == models.ConversationPrivate {
		out.peerID = tab.PeerID
		out.event = e.names.PrivateSend
		out.payload = protocol.PrivateSendPayload{
			FromUserID:   e.session.UserID,
			FromUsername: e.session.Username,
			ToUserID:     tab.PeerID,
			ToUsername:   tab.DisplayName,
			Message:      body,
			ClientMsgID:  out.id,
		}
	} else {
		out.event = e.names.ChatSend
		out.payload = protocol.ChatSendPayload{
			RoomID:      conversationID,
			UserID:      e.session.UserID,
			Username:    e.session.Username,
			Message:     body,
			ClientMsgID: out.id,
		}
	}

	e.store.AppendMessage(conversationID, models.Message{
		ID:             out.id,
		AuthorUsername: e.session.Username,
		Body:           body,
		IsOwnMessage:   true,
		Kind:           models.MessageKindChat,
		Timestamp:      e.now(),
		Pending:        true,
	})

	if len(e.outbox) >= maxOutbox {
		slog.Warn("outbox full, dropping oldest unconfirmed message", "message_id", e.outbox[0].id)
		e.outbox = e.outbox[1:]
	}
	e.outbox = append(e.outbox, out)

	if err := e.sup.Send(out.event, out.payload); err != nil {
		slog.Debug("message queued for resend", "message_id", out.id, "error", err)
	}
	return out.id, nil
}

// OpenConversation opens a room tab, focuses it and joins the room. An
// empty display name is looked up.
func (e *Engine) OpenConversation(ctx context.Context, roomID, displayName string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || tabs.IsPrivate(roomID) {
		return fmt.Errorf("%w: %q", ErrUnknownConversation, roomID)
	}

	var background string
	if displayName == "" && e.dir != nil {
		info, err := e.dir.Room(ctx, roomID)
		if err != nil {
			slog.Debug("room info unavailable", "room_id", roomID, "error", err)
		} else {
			displayName = info.Name
			background = info.BackgroundImage
		}
	}
	if displayName == "" {
		displayName = roomID
	}

	// Seeds the member list until room:joined brings the authoritative one.
	var participants []string
	if e.dir != nil {
		var err error
		participants, err = e.dir.Participants(ctx, roomID)
		if err != nil {
			slog.Debug("participants unavailable", "room_id", roomID, "error", err)
		}
	}

	return e.do(ctx, func() error {
		if !e.session.Valid() {
			return ErrNoSession
		}
		if e.store.OpenConversation(roomID, displayName) {
			if participants != nil {
				e.store.SetParticipants(roomID, participants)
			}
		} else {
			e.store.SetActive(roomID)
		}
		if background != "" {
			e.store.SetBackground(roomID, background)
		}

		b, ok := e.bindings[roomID]
		if !ok {
			b = room.New(roomID, e.env)
			e.bindings[roomID] = b
		}
		b.Join()
		return nil
	})
}

// OpenPrivateChat opens and focuses the private conversation with username.
// It returns the conversation ID.
func (e *Engine) OpenPrivateChat(ctx context.Context, username string) (string, error) {
	username = strings.TrimSpace(username)
	if err := content.ValidateUsername(username); err != nil {
		return "", err
	}

	user, err := e.dir.ResolveUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", username, err)
	}

	var id string
	err = e.do(ctx, func() error {
		if !e.session.Valid() {
			return ErrNoSession
		}
		if user.ID == e.session.UserID {
			return fmt.Errorf("cannot open a private chat with yourself")
		}
		var created bool
		id, created = e.store.OpenPrivate(user.ID, user.Username)
		if !created {
			e.store.SetActive(id)
		}
		return nil
	})
	return id, err
}

// CloseConversation leaves the room, if any, and discards the tab.
func (e *Engine) CloseConversation(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() error {
		if b, ok := e.bindings[conversationID]; ok {
			b.Leave()
			delete(e.bindings, conversationID)
		}
		e.dropOutbox(func(o outgoing) bool { return o.conversationID == conversationID })
		if !e.store.CloseConversation(conversationID) {
			return ErrUnknownConversation
		}
		return nil
	})
}

// LeaveRoom drops the room membership but keeps the tab open.
func (e *Engine) LeaveRoom(ctx context.Context, roomID string) error {
	return e.do(ctx, func() error {
		b, ok := e.bindings[roomID]
		if !ok {
			return ErrUnknownConversation
		}
		b.Leave()
		return nil
	})
}

func (e *Engine) SetActive(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() error {
		if !e.store.SetActive(conversationID) {
			return ErrUnknownConversation
		}
		return nil
	})
}

func (e *Engine) SetPresenceStatus(ctx context.Context, status models.PresenceStatus) error {
	return e.do(ctx, func() error {
		return e.presence.SetStatus(status)
	})
}

func (e *Engine) PresenceStatus() models.PresenceStatus {
	return e.presence.Status()
}

// SetInvisible stores the invisible-mode preference. It applies to the next
// join and only for privileged roles.
func (e *Engine) SetInvisible(ctx context.Context, invisible bool) error {
	return e.do(ctx, func() error {
		if err := e.settings.SaveInvisible(invisible); err != nil {
			return fmt.Errorf("failed to save invisible mode: %w", err)
		}
		e.invisible = invisible
		return nil
	})
}

func (e *Engine) Background() {
	e.sup.Background(e.now())
}

func (e *Engine) Foreground() {
	e.sup.Foreground(e.now())
}

func (e *Engine) beginSession(session models.Session) {
	if e.session.Valid() && e.session.UserID != session.UserID {
		slog.Info("switching user", "previous_user_id", e.session.UserID, "user_id", session.UserID)
		e.endSession()
	}

	e.session = session
	e.store.SetSelf(session.UserID)

	invisible, err := e.settings.LoadInvisible()
	if err != nil {
		slog.Warn("failed to load invisible mode", "error", err)
	}
	e.invisible = invisible

	e.presence.Load()
	e.presence.SetUser(session.Username)

	e.env = &room.Env{
		Sender:    e.sup,
		Store:     e.store,
		Names:     e.names,
		Session:   session,
		Invisible: func() bool { return e.invisible },
		Notify:    e.notify,
		Now:       e.now,
	}
}

func (e *Engine) endSession() {
	e.session = models.Session{}
	e.env = nil
	e.bindings = make(map[string]*room.Binding)
	e.outbox = nil
	e.store.Clear()
	e.presence.Terminate()
}

func (e *Engine) handle(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.StateChanged:
		slog.Debug("connection state changed", "state", ev.State, "socket_id", ev.SocketID, "reconnect", ev.Reconnect)
		if ev.State == models.ConnStateOpen {
			e.resume(ev.Reconnect)
			e.flushOutbox()
		}

	case protocol.Refresh:
		e.resume(true)

	case protocol.IdentityReset:
		if e.session.UserID == ev.Previous.UserID {
			e.endSession()
		}
		e.notify(models.Notice{Kind: models.NoticeIdentityReset, Text: "Signed in as a different user"})

	case protocol.SessionTerminated:
		e.endSession()
		if err := e.creds.ClearSession(); err != nil {
			slog.Error("failed to clear session", "error", err)
		}
		text := ev.Reason
		if text == "" {
			text = "Server is restarting, please log in again"
		}
		e.notify(models.Notice{Kind: models.NoticeSessionTerminated, Text: text})

	case protocol.RoomEvent:
		e.handleRoom(ev)

	case protocol.PrivateMessage:
		e.handlePrivate(ev)

	case protocol.PrivateSent:
		e.confirm(ev.ID)
		_, ok := e.store.AppendPrivate(ev.ToUserID, models.Message{
			ID:             orNewID(ev.ID),
			AuthorUsername: e.session.Username,
			Body:           ev.Body,
			IsOwnMessage:   true,
			Kind:           models.MessageKindChat,
			Timestamp:      e.stamp(ev.Timestamp),
		})
		if !ok {
			slog.Debug("dropping private echo", "to_user_id", ev.ToUserID, "message_id", ev.ID)
		}

	case protocol.PrivateError:
		e.handlePrivateError(ev)

	case protocol.PresenceAck:
		slog.Debug("presence acknowledged", "status", ev.Status)

	default:
		slog.Debug("unhandled event", "event", fmt.Sprintf("%T", ev))
	}
}

func (e *Engine) handleRoom(ev protocol.RoomEvent) {
	b, ok := e.bindings[ev.Room()]
	if !ok {
		slog.Debug("dropping event for closed room", "room_id", ev.Room(), "event", fmt.Sprintf("%T", ev))
		return
	}
	if msg, ok := ev.(protocol.ChatMessage); ok {
		e.confirm(msg.ID)
	}
	if b.Handle(ev) {
		delete(e.bindings, ev.Room())
		e.dropOutbox(func(o outgoing) bool { return o.conversationID == ev.Room() })
	}
}

func (e *Engine) handlePrivate(ev protocol.PrivateMessage) {
	if !e.session.Valid() || ev.FromUserID == e.session.UserID {
		slog.Debug("dropping private message", "from_user_id", ev.FromUserID)
		return
	}

	msg := models.Message{
		ID:             orNewID(ev.ID),
		AuthorUsername: ev.FromUsername,
		Body:           ev.Body,
		Kind:           models.MessageKindChat,
		Timestamp:      e.stamp(ev.Timestamp),
	}
	id, created := e.store.ReceivePrivate(ev.FromUserID, ev.FromUsername, msg)
	if created {
		slog.Debug("private conversation opened by peer", "conversation_id", id, "from_user_id", ev.FromUserID)
	}
}

func (e *Engine) handlePrivateError(ev protocol.PrivateError) {
	peerID := ev.ToUserID
	if peerID == "" {
		for _, t := range e.store.Tabs() {
			if t.Kind == models.ConversationPrivate && strings.EqualFold(t.DisplayName, ev.ToUsername) {
				peerID = t.PeerID
				break
			}
		}
	}
	if peerID == "" {
		slog.Debug("dropping private error for unknown peer", "to_username", ev.ToUsername)
		return
	}

	e.dropOutbox(func(o outgoing) bool { return o.peerID == peerID })

	text := ev.Reason
	if text == "" {
		text = "Message could not be delivered"
	}
	e.store.AppendPrivate(peerID, models.Message{
		ID:        uuid.NewString(),
		Body:      text,
		Kind:      models.MessageKindError,
		Timestamp: e.now(),
		Local:     true,
	})
}

// resume re-announces presence and joins rooms opened while offline. After
// a reconnect or refresh, rooms already joined are rejoined silently too.
func (e *Engine) resume(rejoin bool) {
	if !e.session.Valid() {
		return
	}
	e.presence.Announce()
	for _, id := range e.store.RoomIDs() {
		b, ok := e.bindings[id]
		if !ok {
			continue
		}
		if rejoin {
			b.Resume()
		} else {
			b.Join()
		}
	}
}

// flushOutbox resends every unconfirmed message with its original ID.
func (e *Engine) flushOutbox() {
	for _, o := range e.outbox {
		if err := e.sup.Send(o.event, o.payload); err != nil {
			slog.Debug("outbox flush interrupted", "message_id", o.id, "error", err)
			return
		}
	}
	if len(e.outbox) > 0 {
		slog.Info("resent unconfirmed messages", "count", len(e.outbox))
	}
}

func (e *Engine) confirm(id string) {
	if id == "" {
		return
	}
	e.dropOutbox(func(o outgoing) bool { return o.id == id })
}

func (e *Engine) dropOutbox(match func(outgoing) bool) {
	kept := e.outbox[:0]
	for _, o := range e.outbox {
		if !match(o) {
			kept = append(kept, o)
		}
	}
	e.outbox = kept
}

func (e *Engine) notify(n models.Notice) {
	select {
	case e.notices <- n:
	default:
		slog.Warn("notice dropped, no reader", "kind", n.Kind)
	}
}

func (e *Engine) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return e.now()
	}
	return ts
}

func orNewID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
