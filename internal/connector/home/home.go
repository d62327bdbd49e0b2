// ABOUTME: Home-automation network connector speaking to a Redis-backed home hub
// ABOUTME: Commands go out on a stream, device events are read back with a per-handle cursor

package home

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/comcenter/internal/connector"
)

// DefaultStreamPrefix namespaces every key the connector touches.
const DefaultStreamPrefix = "home"

// ErrUnknownHome is returned by AddConnection when the token matches no home.
var ErrUnknownHome = errors.New("unknown home token")

// Config configures the hub connection.
type Config struct {
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
}

// Me is the getMe result.
type Me struct {
	HomeID  string            `json:"home_id"`
	Name    string            `json:"name"`
	Devices map[string]string `json:"devices"`
}

// SendOptions are the sendMessage options: one device command.
type SendOptions struct {
	Device  string          `json:"device"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// SendResult is the sendMessage result.
type SendResult struct {
	ID string `json:"id"`
}

// ReceiveOptions are the receiveMessage options.
type ReceiveOptions struct {
	Limit     int64 `json:"limit"`
	TimeoutMS int64 `json:"timeout_ms"`
}

// Event is one device event read from the hub.
type Event struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

type session struct {
	homeID string
	name   string

	mu     sync.Mutex
	cursor string
}

// Connector is the home-automation network connector.
type Connector struct {
	name   string
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[connector.Handle]*session
}

var _ connector.Connector = (*Connector)(nil)

// New creates a connector with its own Redis client.
func New(name string, cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.Addr == "" {
		return nil, errors.New("home hub address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(name, client, cfg.StreamPrefix, logger), nil
}

// NewWithClient creates a connector over an existing client. The connector
// takes ownership of the client and closes it in Close.
func NewWithClient(name string, client *redis.Client, prefix string, logger *slog.Logger) *Connector {
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &Connector{
		name:     name,
		client:   client,
		prefix:   prefix,
		logger:   logger.With("connector", name),
		sessions: make(map[connector.Handle]*session),
	}
}

// Name returns the network name.
func (c *Connector) Name() string {
	return c.name
}

// Ping checks that the hub is reachable.
func (c *Connector) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Connector) Close() error {
	return c.client.Close()
}

func (c *Connector) homeKey(token string) string {
	return c.prefix + ":homes:" + token
}

func (c *Connector) devicesKey(homeID string) string {
	return c.prefix + ":" + homeID + ":devices"
}

func (c *Connector) commandsKey(homeID string) string {
	return c.prefix + ":" + homeID + ":commands"
}

func (c *Connector) eventsKey(homeID string) string {
	return c.prefix + ":" + homeID + ":events"
}

// AddConnection resolves the home a token belongs to. Events published
// before the connection was opened are not delivered.
func (c *Connector) AddConnection(ctx context.Context, creds connector.Credentials) (connector.Handle, error) {
	if creds.Token == "" {
		return "", connector.ErrMissingCredentials
	}

	home, err := c.client.HGetAll(ctx, c.homeKey(creds.Token)).Result()
	if err != nil {
		return "", fmt.Errorf("looking up home: %w", err)
	}
	homeID := home["id"]
	if homeID == "" {
		return "", ErrUnknownHome
	}

	cursor := "0-0"
	last, err := c.client.XRevRangeN(ctx, c.eventsKey(homeID), "+", "-", 1).Result()
	if err != nil {
		return "", fmt.Errorf("reading event stream: %w", err)
	}
	if len(last) > 0 {
		cursor = last[0].ID
	}

	h := connector.Handle(uuid.New().String())

	c.mu.Lock()
	c.sessions[h] = &session{homeID: homeID, name: home["name"], cursor: cursor}
	c.mu.Unlock()

	c.logger.Debug("home session opened", "home_id", homeID)
	return h, nil
}

// RemoveConnection forgets the session.
func (c *Connector) RemoveConnection(ctx context.Context, h connector.Handle) error {
	c.mu.Lock()
	delete(c.sessions, h)
	c.mu.Unlock()
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

// GetMe returns the home and the current state of its devices.
func (c *Connector) GetMe(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	s, err := c.session(h)
	if err != nil {
		return nil, err
	}

	devices, err := c.client.HGetAll(ctx, c.devicesKey(s.homeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading devices: %w", err)
	}
	return Me{HomeID: s.homeID, Name: s.name, Devices: devices}, nil
}

// SendMessage publishes a device command on the home's command stream.
func (c *Connector) SendMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	var o SendOptions
	if err := json.Unmarshal(opts, &o); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}
	if o.Device == "" || o.Command == "" {
		return nil, errors.New("device and command are required")
	}

	s, err := c.session(h)
	if err != nil {
		return nil, err
	}

	values := map[string]interface{}{
		"device":  o.Device,
		"command": o.Command,
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(o.Args) > 0 {
		values["args"] = string(o.Args)
	}

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.commandsKey(s.homeID),
		Values: values,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("publishing command: %w", err)
	}
	return SendResult{ID: id}, nil
}

// ReceiveMessage returns device events published after the previous call.
// With TimeoutMS set it waits up to that long for the first event.
func (c *Connector) ReceiveMessage(ctx context.Context, h connector.Handle, opts json.RawMessage) (any, error) {
	var o ReceiveOptions
	if err := json.Unmarshal(opts, &o); err != nil {
		return nil, fmt.Errorf("decoding receive options: %w", err)
	}
	if o.Limit < 0 || o.TimeoutMS < 0 {
		return nil, errors.New("limit and timeout_ms must not be negative")
	}

	s, err := c.session(h)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block := time.Duration(-1)
	if o.TimeoutMS > 0 {
		block = time.Duration(o.TimeoutMS) * time.Millisecond
	}

	streams, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.eventsKey(s.homeID), s.cursor},
		Count:   o.Limit,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	events := []Event{}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = fmt.Sprint(v)
			}
			events = append(events, Event{ID: msg.ID, Fields: fields})
			s.cursor = msg.ID
		}
	}
	return events, nil
}
