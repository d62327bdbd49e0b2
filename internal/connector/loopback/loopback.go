// ABOUTME: In-process loopback network: messages sent on a session are delivered back to it
// ABOUTME: Used for development setups and as the reference connector in tests

package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/comcenter/internal/connector"
)

// Message is one loopback message.
type Message struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Me describes the session owner.
type Me struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Network  string `json:"network"`
}

// SendOptions are the sendMessage options.
type SendOptions struct {
	Text string `json:"text"`
}

// ReceiveOptions are the receiveMessage options. Limit 0 returns everything.
type ReceiveOptions struct {
	Limit int `json:"limit"`
}

type conn struct {
	id       string
	username string
	inbox    []Message
}

// Connector is the loopback network connector.
type Connector struct {
	name string
	now  func() time.Time

	mu    sync.Mutex
	conns map[connector.Handle]*conn
}

var _ connector.Connector = (*Connector)(nil)

// New creates a loopback connector registered under name.
func New(name string) *Connector {
	return &Connector{
		name:  name,
		now:   time.Now,
		conns: make(map[connector.Handle]*conn),
	}
}

// Name returns the network name.
func (c *Connector) Name() string {
	return c.name
}

// AddConnection opens a session. Either a token or a username is required;
// the username defaults to the token.
func (c *Connector) AddConnection(ctx context.Context, creds connector.Credentials) (connector.Handle, error) {
	username := creds.Username
	if username == "" {
		username = creds.Token
	}
	if username == "" {
		return "", connector.ErrMissingCredentials
	}

	h := connector.Handle(uuid.New().String())

	c.mu.Lock()
	c.conns[h] = &conn{id: uuid.New().String(), username: username}
	c.mu.Unlock()

	return h, nil
}

// RemoveConnection drops the session and its inbox.
func (c *Connector) RemoveConnection(ctx context.Context, h connector.Handle) error {
	c.mu.Lock()
	delete(c.conns, h)
	c.mu.Unlock()
	return nil
}

// Open reports the number of live sessions.
func (c *Connector) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// GetMe returns the session owner.
func (c *Connector) GetMe(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cn, ok := c.conns[h]
	if !ok {
		return nil, connector.ErrUnknownHandle
	}
	return Me{ID: cn.id, Username: cn.username, Network: c.name}, nil
}

// SendMessage queues the message on the sender's own inbox.
func (c *Connector) SendMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	var o SendOptions
	if err := json.Unmarshal(opts, &o); err != nil {
		return nil, fmt.Errorf("decoding send options: %w", err)
	}
	if o.Text == "" {
		return nil, errors.New("text is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cn, ok := c.conns[h]
	if !ok {
		return nil, connector.ErrUnknownHandle
	}

	msg := Message{
		ID:     uuid.New().String(),
		From:   cn.username,
		Text:   o.Text,
		SentAt: c.now().UTC(),
	}
	cn.inbox = append(cn.inbox, msg)
	return msg, nil
}

// ReceiveMessage drains up to Limit messages from the inbox, oldest first.
func (c *Connector) ReceiveMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	var o ReceiveOptions
	if err := json.Unmarshal(opts, &o); err != nil {
		return nil, fmt.Errorf("decoding receive options: %w", err)
	}
	if o.Limit < 0 {
		return nil, errors.New("limit must not be negative")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cn, ok := c.conns[h]
	if !ok {
		return nil, connector.ErrUnknownHandle
	}

	n := len(cn.inbox)
	if o.Limit > 0 && o.Limit < n {
		n = o.Limit
	}
	out := make([]Message, n)
	copy(out, cn.inbox[:n])
	cn.inbox = cn.inbox[n:]
	return out, nil
}
