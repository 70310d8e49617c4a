package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tabchat/internal/models"
	"tabchat/internal/protocol"
	"tabchat/internal/ws"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNotOpen   = errors.New("connection is not open")
	ErrNoSession = errors.New("no valid session")
)

const eventQueueSize = 256

type Config struct {
	ReconnectDelay      time.Duration
	HandshakeTimeout    time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatMaxMissed  int
	BackgroundThreshold time.Duration
}

// link is one transport instance together with the state that must not
// outlive it.
type link struct {
	conn        *ws.Connection
	monitor     *heartbeat
	restartOnce sync.Once
}

// Supervisor owns the single transport of the process. Decoded server events
// and local lifecycle events are pushed into one queue returned by Events.
type Supervisor struct {
	cfg     Config
	dialer  ws.Dialer
	names   protocol.Names
	decoder *protocol.Decoder
	events  chan protocol.Event
	group   singleflight.Group
	now     func() time.Time

	mu           sync.Mutex
	session      models.Session
	state        models.Connection
	link         *link
	cancel       context.CancelFunc
	runDone      chan struct{}
	opened       chan struct{}
	everOpen     bool
	reconnect    bool
	backgroundAt time.Time
	wake         chan struct{}
	watchers     []chan models.Connection
}

func New(cfg Config, dialer ws.Dialer, names protocol.Names) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		names:   names,
		decoder: protocol.NewDecoder(names),
		events:  make(chan protocol.Event, eventQueueSize),
		now:     time.Now,
		state:   models.Connection{State: models.ConnStateClosed},
		wake:    make(chan struct{}, 1),
	}
}

// Events is the inbound queue. It has exactly one consumer, the dispatcher.
func (s *Supervisor) Events() <-chan protocol.Event {
	return s.events
}

func (s *Supervisor) State() models.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Session() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// WatchState returns a stream of connection state transitions. Slow readers
// only see the latest state. The returned func unsubscribes.
func (s *Supervisor) WatchState() (<-chan models.Connection, func()) {
	ch := make(chan models.Connection, 1)

	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	ch <- s.state
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
	}
}

// Connect opens the transport for session and returns once it is open or ctx
// ends. Calling it again for the same user is a no-op; concurrent callers for
// the same user share one attempt. A different user tears the current
// transport down first and IdentityReset is emitted.
func (s *Supervisor) Connect(ctx context.Context, session models.Session) error {
	if !session.Valid() {
		return ErrNoSession
	}

	ch := s.group.DoChan(session.UserID, func() (any, error) {
		return s.start(ctx, session), nil
	})

	var opened chan struct{}
	select {
	case res := <-ch:
		opened = res.Val.(chan struct{})
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-opened:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) start(ctx context.Context, session models.Session) chan struct{} {
	s.mu.Lock()
	if s.runDone != nil && s.session.UserID == session.UserID {
		opened := s.opened
		s.mu.Unlock()
		return opened
	}
	previous := s.session
	s.mu.Unlock()

	if previous.Valid() {
		slog.Info("switching identity, tearing down connection", "previous_user_id", previous.UserID, "user_id", session.UserID)
		s.Disconnect()
		select {
		case s.events <- protocol.IdentityReset{Previous: previous}:
		case <-ctx.Done():
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	opened := make(chan struct{})

	s.mu.Lock()
	s.session = session
	s.cancel = cancel
	s.runDone = done
	s.opened = opened
	s.everOpen = false
	s.reconnect = true
	s.mu.Unlock()

	go s.run(runCtx, cancel, session, done, opened)
	return opened
}

// Disconnect closes the transport deliberately and stops reconnecting.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.runDone
	s.session = models.Session{}
	s.reconnect = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Send encodes payload as the given event and queues it on the live
// transport.
func (s *Supervisor) Send(event string, payload any) error {
	s.mu.Lock()
	l := s.link
	open := s.state.State == models.ConnStateOpen
	s.mu.Unlock()

	if l == nil || !open {
		return ErrNotOpen
	}

	f, err := protocol.NewFrame(event, payload)
	if err != nil {
		return err
	}
	if err := l.conn.Send(f); err != nil {
		if errors.Is(err, ws.ErrClosed) {
			return ErrNotOpen
		}
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Background records when the process was suspended.
func (s *Supervisor) Background(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backgroundAt = now
}

// Foreground decides how to recover after a suspension. A long suspension or
// a transport that is not open forces a full reconnect; otherwise Refresh is
// emitted and the transport is kept.
func (s *Supervisor) Foreground(now time.Time) {
	s.mu.Lock()
	since := s.backgroundAt
	s.backgroundAt = time.Time{}
	running := s.runDone != nil && s.reconnect
	open := s.state.State == models.ConnStateOpen
	l := s.link
	s.mu.Unlock()

	if !running {
		return
	}

	var elapsed time.Duration
	if !since.IsZero() {
		elapsed = now.Sub(since)
	}

	if open && elapsed <= s.cfg.BackgroundThreshold {
		select {
		case s.events <- protocol.Refresh{}:
		default:
			slog.Warn("event queue full, dropping refresh")
		}
		return
	}

	slog.Info("forcing reconnect after resume", "background", elapsed, "open", open)
	if l != nil {
		l.conn.Close()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) run(ctx context.Context, cancel context.CancelFunc, session models.Session, done, opened chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.runDone == done {
			s.runDone = nil
			s.cancel = nil
		}
		s.mu.Unlock()
		s.setState(ctx, models.ConnStateClosed, "", 0, false)
		cancel()
		close(done)
	}()

	attempt := 0
	for {
		s.setState(ctx, models.ConnStateConnecting, "", attempt, false)

		// A wake-up requested before or during this attempt is satisfied by
		// the attempt itself.
		s.drainWake()
		l, err := s.dial(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("failed to connect", "user_id", session.UserID, "attempt", attempt, "error", err)
		} else {
			s.drainWake()
			attempt = 0
			if err := s.serve(ctx, session, l, opened); err != nil {
				slog.Warn("connection lost", "user_id", session.UserID, "socket_id", l.conn.ID(), "error", err)
			}
			if ctx.Err() != nil || !s.reconnectEnabled() {
				return
			}
			s.setState(ctx, models.ConnStateClosed, "", attempt, false)
		}

		if !s.reconnectEnabled() {
			return
		}

		attempt++
		if !s.sleep(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

func (s *Supervisor) dial(ctx context.Context, session models.Session) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(dialCtx, session)
	if err != nil {
		return nil, err
	}

	return &link{
		conn:    conn,
		monitor: newHeartbeat(s.cfg.HeartbeatInterval, s.cfg.HeartbeatMaxMissed, s.now()),
	}, nil
}

func (s *Supervisor) serve(ctx context.Context, session models.Session, l *link, opened chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	identify, err := protocol.NewFrame(s.names.Identify, protocol.IdentifyPayload{
		UserID:   session.UserID,
		Username: session.Username,
	})
	if err != nil {
		return err
	}
	if err := l.conn.Send(identify); err != nil {
		return err
	}

	s.mu.Lock()
	s.link = l
	reconnect := s.everOpen
	s.everOpen = true
	s.mu.Unlock()

	s.setState(ctx, models.ConnStateOpen, l.conn.ID(), 0, reconnect)
	select {
	case <-opened:
	default:
		close(opened)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		s.heartbeatLoop(ctx, l)
	})

	err = l.conn.Handle(ctx, func(f protocol.Frame) {
		s.onFrame(ctx, l, f)
	})

	cancel()
	wg.Wait()

	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()

	return err
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, l *link) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch l.monitor.Tick(s.now()) {
			case verdictProbe:
				ping, _ := protocol.NewFrame(s.names.Ping, nil)
				if err := l.conn.Send(ping); err != nil {
					slog.Debug("failed to queue ping", "socket_id", l.conn.ID(), "error", err)
				}
			case verdictStalled:
				slog.Warn("heartbeat stalled, forcing reconnect", "socket_id", l.conn.ID(), "missed", l.monitor.Missed())
				l.conn.Close()
				return
			case verdictIdle:
				return
			}
		}
	}
}

func (s *Supervisor) onFrame(ctx context.Context, l *link, f protocol.Frame) {
	ev, err := s.decoder.Decode(f)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			slog.Debug("ignoring frame", "event", f.Event)
		} else {
			slog.Warn("failed to decode frame", "event", f.Event, "error", err)
		}
		return
	}

	switch ev := ev.(type) {
	case protocol.Pong:
		l.monitor.Pong(s.now())
	case protocol.ServerRestarting:
		l.restartOnce.Do(func() {
			s.terminate(ctx, l, ev.Reason)
		})
	default:
		s.emit(ctx, ev)
	}
}

// terminate handles the server restart signal: no more reconnects, the
// transport is closed and the session dropped.
func (s *Supervisor) terminate(ctx context.Context, l *link, reason string) {
	s.mu.Lock()
	userID := s.session.UserID
	s.reconnect = false
	s.session = models.Session{}
	s.mu.Unlock()

	slog.Info("server is restarting, terminating session", "user_id", userID, "reason", reason)
	s.emit(ctx, protocol.SessionTerminated{Reason: reason})
	l.conn.Close()
}

func (s *Supervisor) emit(ctx context.Context, ev protocol.Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Supervisor) setState(ctx context.Context, state models.ConnState, socketID string, attempt int, reconnect bool) {
	s.mu.Lock()
	changed := s.state.State != state
	s.state = models.Connection{State: state, SocketID: socketID, ReconnectAttempt: attempt}
	current := s.state
	for _, w := range s.watchers {
		select {
		case <-w:
		default:
		}
		w <- current
	}
	s.mu.Unlock()

	if !changed {
		return
	}

	ev := protocol.StateChanged{State: state, SocketID: socketID, Reconnect: reconnect}
	if state == models.ConnStateClosed {
		// Closed must reach the dispatcher even when the run is being
		// cancelled.
		select {
		case s.events <- ev:
		default:
			slog.Warn("event queue full, dropping state change", "state", state)
		}
		return
	}
	s.emit(ctx, ev)
}

func (s *Supervisor) reconnectEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect
}

func (s *Supervisor) drainWake() {
	select {
	case <-s.wake:
	default:
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-s.wake:
		return true
	case <-ctx.Done():
		return false
	}
}
