package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with JSON publish/subscribe helpers.
type Client struct {
	conn *nats.Conn

	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
	reconnects int
	connected  bool
}

// Config holds NATS connection configuration.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS and returns a ready-to-use client.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	client := &Client{
		conn:      conn,
		subs:      make(map[string]*nats.Subscription),
		connected: true,
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		client.mu.Lock()
		client.reconnects++
		client.connected = true
		client.mu.Unlock()
	})

	conn.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		client.mu.Lock()
		client.connected = false
		client.mu.Unlock()
	})

	return client, nil
}

// Publish marshals data as JSON and publishes it on subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("messaging: not connected")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", subject, err)
	}

	return c.conn.Publish(subject, payload)
}

// Handler processes a decoded message. A non-nil error is logged by the
// dispatch wrapper but never propagated to NATS; panics are recovered
// in the same place, so one bad message can never tear down the
// subscription (spec requirement: handler exceptions don't kill the
// subscriber).
type Handler func(ctx context.Context, payload []byte) error

// Subscribe registers handler on subject. Only one subscription per
// subject is allowed per client.
func (c *Client) Subscribe(subject string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, c.dispatch(subject, handler))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}

	c.subs[subject] = sub
	return nil
}

// QueueSubscribe registers handler on subject within a queue group, so
// that only one member of the group receives each message. Used when
// more than one process runs the same subscriber.
func (c *Client) QueueSubscribe(subject, queue string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s in queue %s", subject, queue)
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, c.dispatch(subject, handler))
	if err != nil {
		return fmt.Errorf("queue subscribe %s: %w", subject, err)
	}

	c.subs[key] = sub
	return nil
}

func (c *Client) dispatch(subject string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				fmt.Printf("messaging: recovered panic in handler for %s: %v\n", subject, r)
			}
		}()

		if err := handler(context.Background(), msg.Data); err != nil {
			fmt.Printf("messaging: handler for %s returned error: %v\n", subject, err)
		}
	}
}

// Unsubscribe removes a subscription previously registered with
// Subscribe (pass the subject) or QueueSubscribe (pass "subject:queue",
// the key QueueSubscribe stores it under).
func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, exists := c.subs[subject]
	if !exists {
		return fmt.Errorf("not subscribed to %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", subject, err)
	}

	delete(c.subs, subject)
	return nil
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns the number of times the connection has reconnected.
func (c *Client) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// Stats returns connection statistics.
func (c *Client) Stats() nats.Statistics {
	if c.conn == nil {
		return nats.Statistics{}
	}
	return c.conn.Stats()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, subject)
	}

	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	return nil
}

// DecodeJSON is a small helper for handlers that need a typed payload.
func DecodeJSON[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
