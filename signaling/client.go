// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/identity"
)

// Compile-time interface check.
var _ Channel = (*Client)(nil)

// Client defaults.
const (
	DefaultPingInterval   = 15 * time.Second
	DefaultPongTimeout    = 30 * time.Second
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 30 * time.Second

	registerTimeout = 10 * time.Second
	writeTimeout    = 10 * time.Second
	sendQueueDepth  = 64
	eventQueueDepth = 256
	maxMessageSize  = 1 << 20
)

var errPongTimeout = errors.New("signaling: no pong from directory")

// ClientConfig configures a websocket Client.
type ClientConfig struct {
	// URL is the directory's ws:// or wss:// endpoint.
	URL string

	Identity *identity.Identity

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Clock  clock.Clock
	Logger *slog.Logger

	PingInterval   time.Duration
	PongTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = max(DefaultBackoffMax, c.BackoffInitial)
	}
	return c
}

// Client is a Channel over a websocket to a Directory. It registers
// with a signed Register envelope, pings the directory, and reconnects
// with exponential backoff when the connection fails.
type Client struct {
	config ClientConfig
	logger *slog.Logger

	events   chan Event
	outbound chan []byte

	connected atomic.Bool
	lastPong  atomic.Int64
	pingNonce uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// Dial connects and registers with the directory. It returns once the
// directory has acknowledged the registration.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	config = config.withDefaults()
	if config.Identity == nil {
		return nil, errors.New("signaling: client needs an identity")
	}
	client := &Client{
		config:   config,
		logger:   config.Logger.With("directory", config.URL),
		events:   make(chan Event, eventQueueDepth),
		outbound: make(chan []byte, sendQueueDepth),
		done:     make(chan struct{}),
	}
	conn, err := client.connect(ctx)
	if err != nil {
		return nil, err
	}
	client.ctx, client.cancel = context.WithCancel(context.Background())
	client.connected.Store(true)
	go client.run(conn)
	return client, nil
}

func (c *Client) LocalID() connid.ID { return c.config.Identity.ConnectionID }

func (c *Client) Events() <-chan Event { return c.events }

// Connected reports whether the directory connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

func (c *Client) Send(ctx context.Context, envelope Envelope) error {
	data, err := envelope.Marshal()
	if err != nil {
		return err
	}
	if !c.connected.Load() {
		return ErrDisconnected
	}
	select {
	case c.outbound <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrDisconnected
	}
}

func (c *Client) Disconnect() error {
	c.stopOnce.Do(func() {
		c.connected.Store(false)
		c.cancel()
	})
	<-c.done
	return nil
}

// connect dials and completes registration.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.config.Dialer.DialContext(ctx, c.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing directory: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	register, err := NewRegister(c.config.Identity, c.config.Clock.Now()).Marshal()
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, register); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("awaiting registration: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	reply, err := Unmarshal(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch reply.Type {
	case TypeRegistered:
	case TypeError:
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("%w: expected registered, got %s", ErrMalformed, reply.Type)
	}
	c.lastPong.Store(c.config.Clock.Now().UnixNano())
	c.logger.Info("registered with directory", "connection_id", c.config.Identity.ConnectionID.String())
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)
	for {
		err := c.serve(conn)
		c.connected.Store(false)
		c.discardQueue()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("directory connection lost", "error", err)
		c.emit(Event{Kind: EventDisconnected, Err: fmt.Errorf("%w: %v", ErrDisconnected, err)})

		conn = c.reconnect()
		if conn == nil {
			return
		}
		c.connected.Store(true)
		c.emit(Event{Kind: EventResynchronized})
	}
}

// reconnect retries with exponential backoff until it succeeds or the
// client is disconnected.
func (c *Client) reconnect() *websocket.Conn {
	backoff := c.config.BackoffInitial
	for attempt := 1; ; attempt++ {
		select {
		case <-c.config.Clock.After(backoff):
		case <-c.ctx.Done():
			return nil
		}
		conn, err := c.connect(c.ctx)
		if err == nil {
			return conn
		}
		if c.ctx.Err() != nil {
			return nil
		}
		c.logger.Debug("directory reconnect failed", "attempt", attempt, "error", err)
		backoff = min(backoff*2, c.config.BackoffMax)
	}
}

// serve pumps one connection until it fails or the client stops. The
// returned error is nil only for a requested stop.
func (c *Client) serve(conn *websocket.Conn) error {
	connDone := make(chan struct{})
	readErr := make(chan error, 1)
	go c.readLoop(conn, connDone, readErr)
	defer func() {
		close(connDone)
		conn.Close()
		<-readErr
	}()

	ticker := c.config.Clock.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.outbound:
			if c.ctx.Err() != nil {
				closeNormally(conn)
				return nil
			}
			if err := c.write(conn, data); err != nil {
				return err
			}
		case <-ticker.C:
			sincePong := c.config.Clock.Now().Sub(time.Unix(0, c.lastPong.Load()))
			if sincePong > c.config.PongTimeout {
				return errPongTimeout
			}
			c.pingNonce++
			ping, _ := Envelope{Type: TypePing, Nonce: c.pingNonce}.Marshal()
			if err := c.write(conn, ping); err != nil {
				return err
			}
		case err := <-readErr:
			// Put it back for the deferred wait.
			readErr <- err
			return err
		case <-c.ctx.Done():
			closeNormally(conn)
			return nil
		}
	}
}

func closeNormally(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnect"))
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing to directory: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, connDone <-chan struct{}, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- fmt.Errorf("reading from directory: %w", err)
			return
		}
		envelope, err := Unmarshal(data)
		if err != nil {
			c.logger.Warn("discarding malformed envelope", "error", err)
			continue
		}
		switch envelope.Type {
		case TypePong:
			c.lastPong.Store(c.config.Clock.Now().UnixNano())
			continue
		case TypeRegistered:
			continue
		}
		select {
		case c.events <- Event{Kind: EventMessage, Envelope: envelope}:
		case <-connDone:
			readErr <- errors.New("connection closed")
			return
		}
	}
}

// emit delivers a connectivity event unless the client is stopping.
func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.ctx.Done():
	}
}

func (c *Client) discardQueue() {
	for {
		select {
		case <-c.outbound:
		default:
			return
		}
	}
}
