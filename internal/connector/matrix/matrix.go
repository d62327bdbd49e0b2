// ABOUTME: Matrix chat network connector built on mautrix
// ABOUTME: Each handle owns one authenticated client and its sync position

package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/comcenter/internal/connector"
	"github.com/2389/comcenter/internal/dedupe"
)

// seenEventsPerSession bounds how many delivered event IDs a handle remembers.
const seenEventsPerSession = 4096

// Config configures the connector.
type Config struct {
	// Homeserver is the client-server API base URL, e.g. https://matrix.example.org
	Homeserver string
	// HTTPClient overrides the HTTP client used for every session.
	HTTPClient *http.Client
}

// Me is the getMe result.
type Me struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id,omitempty"`
	Homeserver string `json:"homeserver"`
}

// SendOptions are the sendMessage options.
type SendOptions struct {
	RoomID   string `json:"room_id"`
	Text     string `json:"text"`
	Markdown bool   `json:"markdown"`
}

// SendResult is the sendMessage result.
type SendResult struct {
	EventID string `json:"event_id"`
	RoomID  string `json:"room_id"`
}

// ReceiveOptions are the receiveMessage options. An empty RoomID returns
// messages from every joined room.
type ReceiveOptions struct {
	RoomID    string `json:"room_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

// Message is one received room message.
type Message struct {
	EventID   string `json:"event_id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"`
}

type session struct {
	client *mautrix.Client
	// ownsLogin is set when the session was created by a password login and
	// the access token should be invalidated on removal.
	ownsLogin bool

	mu    sync.Mutex
	since string
	// seen holds event IDs already returned on this handle; sync can hand
	// the same timeline event back after a gappy or retried batch.
	seen *dedupe.Cache
}

// Connector is the Matrix network connector.
type Connector struct {
	name   string
	config Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[connector.Handle]*session
}

var _ connector.Connector = (*Connector)(nil)

// New creates a Matrix connector registered under name.
func New(name string, cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	return &Connector{
		name:     name,
		config:   cfg,
		logger:   logger.With("connector", name, "homeserver", cfg.Homeserver),
		sessions: make(map[connector.Handle]*session),
	}, nil
}

// Name returns the network name.
func (c *Connector) Name() string {
	return c.name
}

func (c *Connector) newClient(userID id.UserID, accessToken string) (*mautrix.Client, error) {
	client, err := mautrix.NewClient(c.config.Homeserver, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if c.config.HTTPClient != nil {
		client.Client = c.config.HTTPClient
	}
	return client, nil
}

// AddConnection authenticates with an access token when one is stored,
// otherwise with a password login.
func (c *Connector) AddConnection(ctx context.Context, creds connector.Credentials) (connector.Handle, error) {
	var s *session

	switch {
	case creds.Token != "":
		client, err := c.newClient("", creds.Token)
		if err != nil {
			return "", err
		}
		resp, err := client.Whoami(ctx)
		if err != nil {
			return "", fmt.Errorf("checking access token: %w", err)
		}
		client.UserID = resp.UserID
		client.DeviceID = resp.DeviceID
		s = &session{client: client}

	case creds.Username != "" && creds.Password != "":
		client, err := c.newClient("", "")
		if err != nil {
			return "", err
		}
		_, err = client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: creds.Username,
			},
			Password:                 creds.Password,
			InitialDeviceDisplayName: "comcenter",
			StoreCredentials:         true,
		})
		if err != nil {
			return "", fmt.Errorf("logging in: %w", err)
		}
		s = &session{client: client, ownsLogin: true}

	default:
		return "", connector.ErrMissingCredentials
	}

	seen, err := dedupe.New(0, seenEventsPerSession)
	if err != nil {
		return "", err
	}
	s.seen = seen

	h := connector.Handle(uuid.New().String())

	c.mu.Lock()
	c.sessions[h] = s
	c.mu.Unlock()

	c.logger.Debug("matrix session opened", "user_id", s.client.UserID.String())
	return h, nil
}

// RemoveConnection forgets the session and logs out sessions the connector
// logged in itself. Stored access tokens are left valid.
func (c *Connector) RemoveConnection(ctx context.Context, h connector.Handle) error {
	c.mu.Lock()
	s, ok := c.sessions[h]
	delete(c.sessions, h)
	c.mu.Unlock()

	if !ok || !s.ownsLogin {
		return nil
	}
	if _, err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("logging out %s: %w", s.client.UserID, err)
	}
	return nil
}

func (c *Connector) session(h connector.Handle) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.sessions[h]
	if !ok {
		return nil, connector.ErrUnknownHandle
	}
	return s, nil
}

// GetMe returns the Matrix user behind the session.
func (c *Connector) GetMe(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	s, err := c.session(h)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Whoami(ctx)
	if err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	return Me{
		UserID:     resp.UserID.String(),
		DeviceID:   resp.DeviceID.String(),
		Homeserver: c.config.Homeserver,
	}, nil
}

// SendMessage posts a text message to a room. With Markdown set the text is
// also sent as rendered HTML.
func (c *Connector) SendMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	var o SendOptions
	if err := json.Unmarshal(opts, &o); err != nil {
		return nil, fmt.Errorf("decoding send options: %w", err)
	}
	if o.RoomID == "" || o.Text == "" {
		return nil, errors.New("room_id and text are required")
	}

	s, err := c.session(h)
	if err != nil {
		return nil, err
	}

	roomID := id.RoomID(o.RoomID)
	var resp *mautrix.RespSendEvent
	if o.Markdown {
		var html bytes.Buffer
		if err := goldmark.Convert([]byte(o.Text), &html); err != nil {
			return nil, fmt.Errorf("rendering markdown: %w", err)
		}
		resp, err = s.client.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          o.Text,
			Format:        event.FormatHTML,
			FormattedBody: html.String(),
		})
	} else {
		resp, err = s.client.SendText(ctx, roomID, o.Text)
	}
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", o.RoomID, err)
	}

	return SendResult{EventID: resp.EventID.String(), RoomID: o.RoomID}, nil
}

// ReceiveMessage returns the room messages that arrived since the previous
// call on this handle. The first call returns the initial sync timeline.
func (c *Connector) ReceiveMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	var o ReceiveOptions
	if err := json.Unmarshal(opts, &o); err != nil {
		return nil, fmt.Errorf("decoding receive options: %w", err)
	}
	if o.TimeoutMS < 0 {
		return nil, errors.New("timeout_ms must not be negative")
	}

	s, err := c.session(h)
	if err != nil {
		return nil, err
	}

	// Concurrent receives on one handle would race on the sync token
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.client.SyncRequest(ctx, o.TimeoutMS, s.since, "", false, event.PresenceOnline)
	if err != nil {
		return nil, fmt.Errorf("syncing: %w", err)
	}
	s.since = resp.NextBatch

	messages := []Message{}
	for roomID, room := range resp.Rooms.Join {
		if o.RoomID != "" && roomID.String() != o.RoomID {
			continue
		}
		for _, evt := range room.Timeline.Events {
			if evt.Type.Type != event.EventMessage.Type {
				continue
			}
			if s.seen.CheckAndMark(evt.ID.String()) {
				continue
			}
			body, _ := evt.Content.Raw["body"].(string)
			messages = append(messages, Message{
				EventID:   evt.ID.String(),
				RoomID:    roomID.String(),
				Sender:    evt.Sender.String(),
				Body:      body,
				Timestamp: evt.Timestamp,
			})
		}
	}
	return messages, nil
}

// Close logs out every password session. It is called when the connector
// is unregistered.
func (c *Connector) Close() error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[connector.Handle]*session)
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if !s.ownsLogin {
			continue
		}
		if _, err := s.client.Logout(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
