package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"tabchat/internal/client"
	"tabchat/internal/commands"
	"tabchat/internal/config"
	"tabchat/internal/metadata"
	"tabchat/internal/models"
	"tabchat/internal/protocol"
	"tabchat/internal/storage"
	"tabchat/internal/supervisor"
	"tabchat/internal/tabs"
	"tabchat/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	flags := flag.NewFlagSet("tabchat", flag.ContinueOnError)
	username := flags.String("user", "", "Log in as this user (uses the stored session when empty)")
	userID := flags.String("user-id", "", "User ID; resolved through the API when empty")
	role := flags.String("role", string(models.RoleUser), "Session role: user, moderator or admin")
	rooms := flags.String("room", "", "Comma-separated rooms to open after login")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	names, err := protocol.LoadNames(cfg.EventNamesFile)
	if err != nil {
		return err
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	sup := supervisor.New(supervisor.Config{
		ReconnectDelay:      cfg.ReconnectDelay,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatMaxMissed:  cfg.HeartbeatMaxMissed,
		BackgroundThreshold: cfg.BackgroundThreshold,
	}, ws.NewDialer(cfg.ServerURL, cfg.HandshakeTimeout), names)
	defer sup.Disconnect()

	store := tabs.New(cfg.MaxMessagesPerTab)
	directory := metadata.NewClient(ctx, cfg.APIBaseURL, cfg.MetadataCacheTTL)

	engine := client.New(client.Config{
		PresenceInterval:      cfg.PresenceInterval,
		RoomHeartbeatInterval: cfg.RoomHeartbeatInterval,
	}, sup, store, bbStorage, bbStorage, directory, names)

	console := commands.NewConsole(engine, store, stdout)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gCtx)
	})

	// Store changes, notices and connection state are printed as they come.
	changes, unsubscribe := store.Subscribe(64)
	defer unsubscribe()
	g.Go(func() error {
		console.Follow(gCtx, changes)
		return nil
	})

	states, unwatch := sup.WatchState()
	defer unwatch()
	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case n := <-engine.Notices():
				fmt.Fprintf(stdout, "!! %s\n", n.Text)
			case st := <-states:
				fmt.Fprintf(stdout, "-- %s\n", st.State)
			}
		}
	})

	g.Go(func() error {
		if err := login(gCtx, engine, directory, *username, *userID, models.Role(*role)); err != nil {
			return err
		}
		for _, id := range strings.Split(*rooms, ",") {
			if id = strings.TrimSpace(id); id == "" {
				continue
			}
			if err := engine.OpenConversation(gCtx, id, ""); err != nil {
				slog.Warn("failed to open room", "room_id", id, "error", err)
			}
		}

		fmt.Fprintln(stdout, "Type /help for commands.")
		if err := console.Run(gCtx, stdin); err != nil {
			return err
		}
		// Leaving the console ends the program.
		return context.Canceled
	})

	return g.Wait()
}

func login(ctx context.Context, engine *client.Engine, directory *metadata.Client, username, userID string, role models.Role) error {
	if username == "" {
		err := engine.Start(ctx)
		if errors.Is(err, client.ErrNoSession) {
			return fmt.Errorf("no stored session, pass -user to log in")
		}
		return err
	}

	switch role {
	case models.RoleUser, models.RoleModerator, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if userID == "" {
		u, err := directory.ResolveUser(ctx, username)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", username, err)
		}
		userID = u.ID
		if u.Username != "" {
			username = u.Username
		}
	}

	return engine.Login(ctx, models.Session{UserID: userID, Username: username, Role: role})
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
