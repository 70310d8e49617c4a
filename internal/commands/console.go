package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"tabchat/internal/models"
	"tabchat/internal/tabs"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrNoActiveTab    = errors.New("no active conversation")
	ErrQuit           = errors.New("quit")
)

// Engine is the set of intents the console drives.
type Engine interface {
	SendMessage(ctx context.Context, conversationID, body string) (string, error)
	OpenConversation(ctx context.Context, roomID, displayName string) error
	OpenPrivateChat(ctx context.Context, username string) (string, error)
	LeaveRoom(ctx context.Context, roomID string) error
	CloseConversation(ctx context.Context, conversationID string) error
	SetActive(ctx context.Context, conversationID string) error
	SetPresenceStatus(ctx context.Context, status models.PresenceStatus) error
	PresenceStatus() models.PresenceStatus
	SetInvisible(ctx context.Context, invisible bool) error
	Background()
	Foreground()
	Logout(ctx context.Context) error
}

// Tabs is the read side of the tab store.
type Tabs interface {
	Tabs() []models.Tab
	Active() (string, bool)
	Messages(conversationID string) []models.Message
}

const help = `Commands:
  /join <room> [name]   open and join a room
  /pm <username>        open a private chat
  /leave [room]         leave a room but keep its tab
  /close [id]           close a tab
  /switch <id|number>   focus a tab
  /tabs                 list open tabs
  /status [status]      show or set presence (online, away, busy, invisible)
  /invisible on|off     join rooms invisibly (admins only)
  /bg, /fg              simulate app backgrounding and resume
  /logout               leave all rooms and forget the session
  /quit                 exit
Anything else is sent to the active tab.`

// Console is a line-oriented front end for the engine.
type Console struct {
	engine Engine
	tabs   Tabs
	out    io.Writer

	mu sync.Mutex
	// Last printed message ID per conversation
	printed map[string]string
}

func NewConsole(engine Engine, tabs Tabs, out io.Writer) *Console {
	return &Console{
		engine:  engine,
		tabs:    tabs,
		out:     out,
		printed: make(map[string]string),
	}
}

// Run executes lines from in until EOF, /quit or ctx cancellation. Command
// errors are printed and do not stop the loop.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.Execute(ctx, line)
			if errors.Is(err, ErrQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *Console) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		id, ok := c.tabs.Active()
		if !ok {
			return ErrNoActiveTab
		}
		_, err := c.engine.SendMessage(ctx, id, line)
		return err
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Fprintln(c.out, help)
		return nil

	case "/quit", "/exit":
		return ErrQuit

	case "/join":
		if len(args) == 0 {
			return fmt.Errorf("usage: /join <room> [name]")
		}
		return c.engine.OpenConversation(ctx, args[0], strings.Join(args[1:], " "))

	case "/pm":
		if len(args) != 1 {
			return fmt.Errorf("usage: /pm <username>")
		}
		id, err := c.engine.OpenPrivateChat(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "private chat %s opened\n", id)
		return nil

	case "/leave":
		id, err := c.target(args)
		if err != nil {
			return err
		}
		return c.engine.LeaveRoom(ctx, id)

	case "/close":
		id, err := c.target(args)
		if err != nil {
			return err
		}
		return c.engine.CloseConversation(ctx, id)

	case "/switch":
		if len(args) != 1 {
			return fmt.Errorf("usage: /switch <id|number>")
		}
		id := args[0]
		if n, err := strconv.Atoi(id); err == nil {
			all := c.tabs.Tabs()
			if n < 1 || n > len(all) {
				return fmt.Errorf("no tab number %d", n)
			}
			id = all[n-1].ConversationID
		}
		if err := c.engine.SetActive(ctx, id); err != nil {
			return err
		}
		c.printHistory(id)
		return nil

	case "/tabs":
		c.printTabs()
		return nil

	case "/status":
		if len(args) == 0 {
			fmt.Fprintf(c.out, "status: %s\n", c.engine.PresenceStatus())
			return nil
		}
		return c.engine.SetPresenceStatus(ctx, models.PresenceStatus(strings.ToLower(args[0])))

	case "/invisible":
		if len(args) != 1 {
			return fmt.Errorf("usage: /invisible on|off")
		}
		switch strings.ToLower(args[0]) {
		case "on":
			return c.engine.SetInvisible(ctx, true)
		case "off":
			return c.engine.SetInvisible(ctx, false)
		}
		return fmt.Errorf("usage: /invisible on|off")

	case "/bg":
		c.engine.Background()
		return nil

	case "/fg":
		c.engine.Foreground()
		return nil

	case "/logout":
		if err := c.engine.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "logged out")
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
}

// target returns the explicit argument or the active tab.
func (c *Console) target(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	id, ok := c.tabs.Active()
	if !ok {
		return "", ErrNoActiveTab
	}
	return id, nil
}

func (c *Console) printTabs() {
	all := c.tabs.Tabs()
	if len(all) == 0 {
		fmt.Fprintln(c.out, "no open tabs")
		return
	}

	active, _ := c.tabs.Active()
	for i, t := range all {
		marker := " "
		if t.ConversationID == active {
			marker = "*"
		}
		var flags []string
		if t.Kind == models.ConversationRoom && t.Joined {
			flags = append(flags, "joined")
		}
		if t.Unread {
			flags = append(flags, "unread")
		}
		line := fmt.Sprintf("%s %d. %s (%s)", marker, i+1, t.DisplayName, t.ConversationID)
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ", ") + "]"
		}
		fmt.Fprintln(c.out, line)
	}
}

// Follow prints new messages of the active tab as the store changes.
func (c *Console) Follow(ctx context.Context, changes <-chan tabs.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			switch ch.Kind {
			case tabs.ChangeMessages:
				if active, ok := c.tabs.Active(); ok && active == ch.ConversationID {
					c.printNew(ch.ConversationID)
				}
			case tabs.ChangeClosed:
				c.mu.Lock()
				delete(c.printed, ch.ConversationID)
				c.mu.Unlock()
			case tabs.ChangeCleared:
				c.mu.Lock()
				clear(c.printed)
				c.mu.Unlock()
			}
		}
	}
}

func (c *Console) printHistory(id string) {
	c.mu.Lock()
	delete(c.printed, id)
	c.mu.Unlock()
	c.printNew(id)
}

func (c *Console) printNew(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := c.tabs.Messages(id)
	start := 0
	if last, ok := c.printed[id]; ok {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].ID == last {
				start = i + 1
				break
			}
		}
	}
	for _, m := range msgs[start:] {
		if m.Pending {
			continue
		}
		fmt.Fprintln(c.out, FormatMessage(m))
		c.printed[id] = m.ID
	}
}

func FormatMessage(m models.Message) string {
	ts := m.Timestamp.Local().Format("15:04")
	switch m.Kind {
	case models.MessageKindSystem, models.MessageKindPresence:
		return fmt.Sprintf("[%s] * %s", ts, m.Body)
	case models.MessageKindError:
		return fmt.Sprintf("[%s] ! %s", ts, m.Body)
	}
	return fmt.Sprintf("[%s] <%s> %s", ts, m.AuthorUsername, m.Body)
}
