package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tabchat/internal/content"
	"tabchat/internal/models"

	"github.com/c-pro/geche"
	"github.com/mitchellh/mapstructure"
)

type User struct {
	ID       string `mapstructure:"id"`
	Username string `mapstructure:"username"`
	Role     string `mapstructure:"role"`
}

type RoomInfo struct {
	ID              string `mapstructure:"id"`
	Name            string `mapstructure:"name"`
	BackgroundImage string `mapstructure:"background_image"`
	OwnerID         string `mapstructure:"owner_id"`
}

// Client looks up users and rooms over the REST API. Users and room info are
// cached for the configured TTL; participant lists are always fetched.
type Client struct {
	baseURL string
	http    *http.Client
	users   geche.Geche[string, User]
	rooms   geche.Geche[string, RoomInfo]
}

func NewClient(ctx context.Context, baseURL string, ttl time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		users:   geche.NewMapTTLCache[string, User](ctx, ttl, time.Minute),
		rooms:   geche.NewMapTTLCache[string, RoomInfo](ctx, ttl, time.Minute),
	}
}

// ResolveUser returns the user with the given name or models.ErrNotFound.
func (c *Client) ResolveUser(ctx context.Context, username string) (User, error) {
	key := strings.ToLower(username)
	if u, err := c.users.Get(key); err == nil {
		return u, nil
	}

	var body map[string]any
	if err := c.get(ctx, "/api/users/username/"+url.PathEscape(username), &body); err != nil {
		return User{}, err
	}

	// The user may be returned bare or wrapped in {"user": {...}}.
	raw := body
	if nested, ok := body["user"].(map[string]any); ok {
		raw = nested
	}

	var u User
	if err := decode(raw, &u); err != nil {
		return User{}, err
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("user %q: %w", username, models.ErrNotFound)
	}
	if u.Username == "" {
		u.Username = username
	}
	u.Username = content.Sanitize(u.Username)

	c.users.Set(key, u)
	return u, nil
}

// Room returns descriptive info for a room.
func (c *Client) Room(ctx context.Context, roomID string) (RoomInfo, error) {
	if r, err := c.rooms.Get(roomID); err == nil {
		return r, nil
	}

	var body struct {
		Success  bool           `json:"success"`
		RoomInfo map[string]any `json:"roomInfo"`
	}
	if err := c.get(ctx, "/api/rooms/"+url.PathEscape(roomID)+"/info", &body); err != nil {
		return RoomInfo{}, err
	}
	if !body.Success || body.RoomInfo == nil {
		return RoomInfo{}, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}

	var r RoomInfo
	if err := decode(body.RoomInfo, &r); err != nil {
		return RoomInfo{}, err
	}
	if r.ID == "" {
		r.ID = roomID
	}
	r.Name = content.Sanitize(r.Name)

	c.rooms.Set(roomID, r)
	return r, nil
}

// Participants returns the usernames currently in a room.
func (c *Client) Participants(ctx context.Context, roomID string) ([]string, error) {
	var body struct {
		Success      bool  `json:"success"`
		Participants []any `json:"participants"`
	}
	if err := c.get(ctx, "/api/chatroom/"+url.PathEscape(roomID)+"/participants", &body); err != nil {
		return nil, err
	}
	if !body.Success {
		return nil, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}

	names := make([]string, 0, len(body.Participants))
	for _, p := range body.Participants {
		switch v := p.(type) {
		case string:
			names = append(names, content.Sanitize(v))
		case map[string]any:
			if name, ok := v["username"].(string); ok {
				names = append(names, content.Sanitize(name))
			}
		}
	}
	return names, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, models.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("request %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decode(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
