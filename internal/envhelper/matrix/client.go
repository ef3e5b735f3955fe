// Package matrix posts envhelper notices to a Matrix room. It is send-only:
// envhelper never syncs or reads room history.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
}

// Enabled reports whether enough is configured to connect.
func (c Config) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

// Client wraps the mautrix client.
type Client struct {
	client  *mautrix.Client
	timeout time.Duration
}

// New creates a new Matrix client.
func New(config Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{client: client, timeout: timeout}, nil
}

// JoinRoom joins roomID. Already being a member is not an error.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.client.JoinRoomByID(ctx, id.RoomID(roomID))
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a member
		// of the room.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (c *Client) SendNotice(roomID, message string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}
