package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tabchat/internal/protocol"
)

type mockWS struct {
	readCh  chan protocol.Frame
	writeCh chan any
	closeCh chan struct{}

	mu          sync.Mutex
	closed      bool
	readErr     error
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan protocol.Frame, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.readErr != nil {
		return m.readErr
	}
	select {
	case f := <-m.readCh:
		if ptr, ok := v.(*protocol.Frame); ok {
			*ptr = f
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func TestConnection_Lifecycle(t *testing.T) {
	ws := newMockWS()
	conn := NewConnection(ws, 0)
	if conn.ID() == "" {
		t.Fatal("expected connection id")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan protocol.Frame, 1)
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx, func(f protocol.Frame) {
			received <- f
		})
	}()

	// Server -> client
	ws.readCh <- protocol.Frame{Event: "pong"}
	select {
	case f := <-received:
		if f.Event != "pong" {
			t.Errorf("expected pong, got %s", f.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("frame was not delivered")
	}

	// Client -> server
	out, err := protocol.NewFrame("ping", nil)
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	if err := conn.Send(out); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case v := <-ws.writeCh:
		f, ok := v.(protocol.Frame)
		if !ok || f.Event != "ping" {
			t.Errorf("unexpected write %#v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("frame was not written")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return")
	}

	if !ws.isClosed() {
		t.Error("socket was not closed")
	}
	if err := conn.Send(out); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}

func TestConnection_ReadError(t *testing.T) {
	ws := newMockWS()
	ws.readErr = errors.New("reset by peer")
	conn := NewConnection(ws, 0)

	err := conn.Handle(context.Background(), func(protocol.Frame) {})
	if err == nil || err.Error() != "reset by peer" {
		t.Errorf("expected read error, got %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("connection should be done after read error")
	}
}

func TestConnection_LocalClose(t *testing.T) {
	ws := newMockWS()
	conn := NewConnection(ws, 0)

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background(), func(protocol.Frame) {})
	}()

	conn.Close()
	conn.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on local close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return")
	}
}

func TestConnection_QueueFull(t *testing.T) {
	conn := NewConnection(newMockWS(), 1)

	f := protocol.Frame{Event: "chat:message", Data: json.RawMessage(`{}`)}
	if err := conn.Send(f); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if err := conn.Send(f); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}
