package ws

import (
	"context"
	"errors"
	"sync"

	"tabchat/internal/protocol"

	"github.com/google/uuid"
)

const DefaultQueue = 64

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("send queue full")

	errLocalClose = errors.New("closed locally")
)

// Socket is the subset of *websocket.Conn used by Connection.
type Socket interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Connection is one live transport to the chat server. Frames are written
// from a single loop, so Send never touches the socket directly.
type Connection struct {
	ws         Socket
	id         string
	fromServer chan protocol.Frame
	outbound   chan protocol.Frame
	errorCh    chan error
	done       chan struct{}
	closeOnce  sync.Once
}

func NewConnection(ws Socket, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueue
	}
	return &Connection{
		ws:         ws,
		id:         uuid.NewString(),
		fromServer: make(chan protocol.Frame),
		outbound:   make(chan protocol.Frame, queueSize),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
}

// ID identifies this transport instance.
func (c *Connection) ID() string {
	return c.id
}

// Send queues a frame for writing. It never blocks.
func (c *Connection) Send(f protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outbound <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close tears the transport down. Handle returns shortly after.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Handle runs the read pump and the write loop until the socket fails, the
// connection is closed or ctx is cancelled. Every received frame is passed
// to onFrame from the write loop goroutine, in arrival order.
func (c *Connection) Handle(ctx context.Context, onFrame func(protocol.Frame)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx, onFrame)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.Close()
	wg.Wait()

	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errLocalClose) {
		return nil
	}
	return err
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var f protocol.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				return errLocalClose
			default:
			}
			return err
		}
		select {
		case c.fromServer <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, onFrame func(protocol.Frame)) error {
	for {
		select {
		case f := <-c.fromServer:
			onFrame(f)
		case f := <-c.outbound:
			if err := c.ws.WriteJSON(f); err != nil {
				return err
			}
		case <-c.done:
			return errLocalClose
		case <-ctx.Done():
			return nil
		}
	}
}
