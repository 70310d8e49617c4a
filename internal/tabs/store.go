package tabs

import (
	"slices"
	"sync"

	"tabchat/internal/models"
)

const DefaultMaxMessages = 500

type ChangeKind string

const (
	ChangeOpened   ChangeKind = "opened"
	ChangeClosed   ChangeKind = "closed"
	ChangeUpdated  ChangeKind = "updated"
	ChangeMessages ChangeKind = "messages"
	ChangeActive   ChangeKind = "active"
	ChangeCleared  ChangeKind = "cleared"
)

// Change is delivered to subscribers after every store mutation.
type Change struct {
	ConversationID string
	Kind           ChangeKind
}

// Snapshot is a copy of a tab and its messages, safe to hand to UI code.
type Snapshot struct {
	Tab      models.Tab
	Messages []models.Message
}

type conversation struct {
	tab      models.Tab
	messages []models.Message
	ids      map[string]struct{}

	// IDs trimmed off the head, oldest first. Bounded by the message cap so a
	// late redelivery of an evicted message is still rejected.
	evicted      map[string]struct{}
	evictedOrder []string
}

func newConversation(tab models.Tab) *conversation {
	return &conversation{
		tab:     tab,
		ids:     make(map[string]struct{}),
		evicted: make(map[string]struct{}),
	}
}

func (c *conversation) has(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// seen reports whether id is stored or was stored and evicted.
func (c *conversation) seen(id string) bool {
	if c.has(id) {
		return true
	}
	_, ok := c.evicted[id]
	return ok
}

func (c *conversation) evict(id string, limit int) {
	delete(c.ids, id)
	if _, ok := c.evicted[id]; ok {
		return
	}
	c.evicted[id] = struct{}{}
	c.evictedOrder = append(c.evictedOrder, id)
	if extra := len(c.evictedOrder) - limit; extra > 0 {
		for _, old := range c.evictedOrder[:extra] {
			delete(c.evicted, old)
		}
		c.evictedOrder = slices.Clone(c.evictedOrder[extra:])
	}
}

// Store is the single source of truth for open conversations. It lives in
// memory only: a restarted process starts with no tabs.
type Store struct {
	selfID      string
	maxMessages int

	// Tab order as opened
	order []string
	convs map[string]*conversation
	// Map of peer user ID -> private conversation ID
	peers  map[string]string
	active string

	subscribers map[int]chan Change
	nextSub     int

	mu sync.RWMutex
}

func New(maxMessages int) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Store{
		maxMessages: maxMessages,
		convs:       make(map[string]*conversation),
		peers:       make(map[string]string),
		subscribers: make(map[int]chan Change),
	}
}

// SetSelf sets the local user ID used to address private conversations.
func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfID = userID
}

// OpenConversation creates a tab if absent and focuses it. It returns true
// only when the tab was newly created, so callers know whether to join.
func (s *Store) OpenConversation(id, displayName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(id, displayName, true)
}

// OpenPrivate opens the private conversation with peerID and focuses it.
func (s *Store) OpenPrivate(peerID, displayName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := DeriveConversationID(s.selfID, peerID)
	return id, s.openLocked(id, displayName, true)
}

func (s *Store) openLocked(id, displayName string, focus bool) bool {
	if id == "" {
		return false
	}
	if _, ok := s.convs[id]; ok {
		return false
	}

	tab := models.Tab{
		ConversationID: id,
		DisplayName:    displayName,
		Kind:           models.ConversationRoom,
	}
	if IsPrivate(id) {
		tab.Kind = models.ConversationPrivate
		if peer, ok := PeerOf(id, s.selfID); ok {
			tab.PeerID = peer
			s.peers[peer] = id
		}
	}

	s.convs[id] = newConversation(tab)
	s.order = append(s.order, id)
	s.notifyLocked(id, ChangeOpened)

	if focus {
		s.active = id
		s.notifyLocked(id, ChangeActive)
	}
	return true
}

// CloseConversation removes the tab and its messages. A closed active tab
// leaves no active tab behind; picking the next one is up to the caller.
func (s *Store) CloseConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return false
	}
	delete(s.convs, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	if c.tab.PeerID != "" {
		delete(s.peers, c.tab.PeerID)
	}
	s.notifyLocked(id, ChangeClosed)

	if s.active == id {
		s.active = ""
		s.notifyLocked("", ChangeActive)
	}
	return true
}

// SetActive focuses an open tab and clears its unread flag. Unknown ids are
// ignored.
func (s *Store) SetActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return false
	}
	s.active = id
	c.tab.Unread = false
	s.notifyLocked(id, ChangeActive)
	return true
}

func (s *Store) Active() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.active != ""
}

// AppendMessage appends msg in arrival order. A message whose ID is already
// present is dropped, with one exception: a pending optimistic copy is
// replaced in place by the confirmed copy of the same ID.
func (s *Store) AppendMessage(id string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(id, msg)
}

func (s *Store) appendLocked(id string, msg models.Message) bool {
	c, ok := s.convs[id]
	if !ok || msg.ID == "" {
		return false
	}
	msg.ConversationID = id

	if c.has(msg.ID) {
		if msg.Pending {
			return false
		}
		for i := len(c.messages) - 1; i >= 0; i-- {
			if c.messages[i].ID != msg.ID {
				continue
			}
			if !c.messages[i].Pending {
				return false
			}
			c.messages[i] = msg
			s.notifyLocked(id, ChangeMessages)
			return true
		}
		return false
	}
	if c.seen(msg.ID) {
		return false
	}

	c.messages = append(c.messages, msg)
	c.ids[msg.ID] = struct{}{}
	s.trimLocked(c)
	s.notifyLocked(id, ChangeMessages)
	return true
}

// PrependHistory inserts older messages ahead of the current ones in a
// single update, skipping IDs that are present or were evicted. Only as many
// messages as the cap leaves room for are kept, the newest of the batch. It
// returns the number of inserted messages.
func (s *Store) PrependHistory(id string, msgs []models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return 0
	}

	batch := make([]models.Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || c.seen(m.ID) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = id
		batch = append(batch, m)
	}
	free := s.maxMessages - len(c.messages)
	if free <= 0 || len(batch) == 0 {
		return 0
	}
	if len(batch) > free {
		batch = batch[len(batch)-free:]
	}

	c.messages = append(batch, c.messages...)
	for _, m := range batch {
		c.ids[m.ID] = struct{}{}
	}
	s.notifyLocked(id, ChangeMessages)
	return len(batch)
}

func (s *Store) trimLocked(c *conversation) {
	extra := len(c.messages) - s.maxMessages
	if extra <= 0 {
		return
	}
	for _, m := range c.messages[:extra] {
		c.evict(m.ID, s.maxMessages)
	}
	c.messages = slices.Clone(c.messages[extra:])
}

// MarkUnread flags a background tab. The flag is boolean; the active tab is
// never marked because it is on screen.
func (s *Store) MarkUnread(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markUnreadLocked(id)
}

func (s *Store) markUnreadLocked(id string) bool {
	c, ok := s.convs[id]
	if !ok || s.active == id || c.tab.Unread {
		return false
	}
	c.tab.Unread = true
	s.notifyLocked(id, ChangeUpdated)
	return true
}

func (s *Store) MarkJoined(id string, joined bool) bool {
	return s.updateTab(id, func(t *models.Tab) bool {
		if t.Joined == joined {
			return false
		}
		t.Joined = joined
		return true
	})
}

func (s *Store) IsJoined(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	return ok && c.tab.Joined
}

func (s *Store) SetDisplayName(id, name string) bool {
	return s.updateTab(id, func(t *models.Tab) bool {
		if name == "" || t.DisplayName == name {
			return false
		}
		t.DisplayName = name
		return true
	})
}

func (s *Store) SetBackground(id, image string) bool {
	return s.updateTab(id, func(t *models.Tab) bool {
		if image == "" || t.BackgroundImage == image {
			return false
		}
		t.BackgroundImage = image
		return true
	})
}

func (s *Store) SetParticipants(id string, participants []string) bool {
	return s.updateTab(id, func(t *models.Tab) bool {
		t.Participants = slices.Clone(participants)
		return true
	})
}

func (s *Store) updateTab(id string, fn func(t *models.Tab) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return false
	}
	if !fn(&c.tab) {
		return false
	}
	s.notifyLocked(id, ChangeUpdated)
	return true
}

// ReceivePrivate stores an incoming private message keyed by the peer. The
// conversation is opened in the background when no tab exists yet, and it is
// marked unread unless it is the active tab.
func (s *Store) ReceivePrivate(peerID, peerName string, msg models.Message) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.peers[peerID]
	created := false
	if !ok {
		id = DeriveConversationID(s.selfID, peerID)
		created = s.openLocked(id, peerName, false)
	}
	if s.appendLocked(id, msg) {
		s.markUnreadLocked(id)
	}
	return id, created
}

// AppendPrivate adds a message to an existing private conversation with the
// peer. It never opens a tab.
func (s *Store) AppendPrivate(peerID string, msg models.Message) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.peers[peerID]
	if !ok {
		return "", false
	}
	return id, s.appendLocked(id, msg)
}

// ConversationForPeer maps a peer user ID to its open private conversation.
func (s *Store) ConversationForPeer(peerID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.peers[peerID]
	return id, ok
}

func (s *Store) PrivateMessages(peerID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.peers[peerID]
	if !ok {
		return nil
	}
	return slices.Clone(s.convs[id].messages)
}

func (s *Store) Messages(id string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	return slices.Clone(c.messages)
}

// LastMessageID returns the ID of the newest message confirmed by the
// server, skipping optimistic and locally generated lines.
func (s *Store) LastMessageID(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return ""
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if m := c.messages[i]; !m.Pending && !m.Local {
			return m.ID
		}
	}
	return ""
}

func (s *Store) Snapshot(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Snapshot{}, false
	}
	tab := c.tab
	tab.Participants = slices.Clone(c.tab.Participants)
	return Snapshot{Tab: tab, Messages: slices.Clone(c.messages)}, true
}

func (s *Store) Tab(id string) (models.Tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return models.Tab{}, false
	}
	return c.tab, true
}

// Tabs returns all tabs in the order they were opened.
func (s *Store) Tabs() []models.Tab {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]models.Tab, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.convs[id].tab)
	}
	return result
}

// RoomIDs returns the ids of open room tabs, private chats excluded.
func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for _, id := range s.order {
		if s.convs[id].tab.Kind == models.ConversationRoom {
			result = append(result, id)
		}
	}
	return result
}

// Clear drops every tab, used on logout and forced restart.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.convs = make(map[string]*conversation)
	s.peers = make(map[string]string)
	s.active = ""
	s.notifyLocked("", ChangeCleared)
}

// Subscribe returns a channel of changes. Slow subscribers miss changes
// rather than block the store; a snapshot read after any change is current.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, buffer)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers, id)
			close(ch)
		})
	}
}

func (s *Store) notifyLocked(id string, kind ChangeKind) {
	for _, ch := range s.subscribers {
		select {
		case ch <- Change{ConversationID: id, Kind: kind}:
		default:
		}
	}
}
