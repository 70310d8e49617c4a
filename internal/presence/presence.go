package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tabchat/internal/models"
	"tabchat/internal/protocol"
)

var ErrInvalidStatus = errors.New("invalid presence status")

type StatusStore interface {
	LoadPresence() (models.PresenceStatus, error)
	SavePresence(status models.PresenceStatus) error
}

type Sender interface {
	Send(event string, payload any) error
}

// Reporter announces the user-chosen status and keeps it alive on the
// server. Status only changes on user request; it is never downgraded
// automatically.
type Reporter struct {
	store  StatusStore
	sender Sender
	event  string

	mu       sync.Mutex
	username string
	status   models.PresenceStatus
}

func NewReporter(store StatusStore, sender Sender, names protocol.Names) *Reporter {
	return &Reporter{
		store:  store,
		sender: sender,
		event:  names.Presence,
		status: models.PresenceOnline,
	}
}

// Load restores the persisted status. Unknown or missing values fall back
// to online.
func (r *Reporter) Load() models.PresenceStatus {
	status, err := r.store.LoadPresence()
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Warn("failed to load presence status", "error", err)
	}
	if !status.Selectable() {
		status = models.PresenceOnline
	}

	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
	return status
}

// SetUser binds the reporter to the logged-in username.
func (r *Reporter) SetUser(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.username = username
}

func (r *Reporter) Status() models.PresenceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus persists the new status and announces it right away when
// connected.
func (r *Reporter) SetStatus(status models.PresenceStatus) error {
	if !status.Selectable() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	if err := r.store.SavePresence(status); err != nil {
		return fmt.Errorf("failed to save presence: %w", err)
	}

	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	r.Announce()
	return nil
}

// Announce sends the current status. It is a no-op when no user is bound,
// the status is offline or the transport is down.
func (r *Reporter) Announce() {
	r.mu.Lock()
	username, status := r.username, r.status
	r.mu.Unlock()

	if username == "" || status == models.PresenceOffline {
		return
	}

	err := r.sender.Send(r.event, protocol.PresencePayload{
		Username: username,
		Status:   string(status),
	})
	if err != nil {
		slog.Debug("presence not announced", "username", username, "status", status, "error", err)
	}
}

// KeepAlive re-announces the status so the server-side record never
// expires.
func (r *Reporter) KeepAlive() {
	r.Announce()
}

// Terminate stops announcing until Load and SetUser are called again.
func (r *Reporter) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.username = ""
	r.status = models.PresenceOffline
}
