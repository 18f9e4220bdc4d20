// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/connid"
)

// Compile-time interface check.
var _ http.Handler = (*Directory)(nil)

// Directory is a websocket rendezvous relay. It authenticates Register
// envelopes and routes everything else by destination id. It never
// inspects negotiation payloads.
type Directory struct {
	router   *router
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewDirectory creates a Directory. The clock validates Register
// timestamps.
func NewDirectory(clk clock.Clock, logger *slog.Logger) *Directory {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Directory{
		router: newRouter(logger),
		clock:  clk,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are native clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Online reports whether id is registered.
func (d *Directory) Online(id connid.ID) bool { return d.router.online(id) }

func (d *Directory) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := d.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		d.logger.Debug("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	id, client, err := d.admit(conn)
	if err != nil {
		d.logger.Info("refusing registration", "remote", request.RemoteAddr, "error", err)
		reason := ReasonBadRegister
		if errors.Is(err, ErrRejected) && client != nil {
			reason = ReasonIDTaken
		}
		if data, marshalErr := json.Marshal(Envelope{Type: TypeError, Reason: reason}); marshalErr == nil {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.Close()
		return
	}

	go client.writeLoop()
	defer client.close()
	defer d.router.unregister(id, client)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		envelope, err := Unmarshal(data)
		if err != nil {
			client.deliver(Envelope{Type: TypeError, Reason: ReasonMalformed})
			continue
		}
		d.router.route(id, client, envelope)
	}
}

// admit reads and verifies the Register envelope and binds the
// connection. A non-nil client with an error means the id is held by
// another key.
func (d *Directory) admit(conn *websocket.Conn) (connid.ID, *directoryClient, error) {
	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return connid.ID{}, nil, err
	}
	conn.SetReadDeadline(time.Time{})
	envelope, err := Unmarshal(data)
	if err != nil {
		return connid.ID{}, nil, err
	}
	if err := VerifyRegister(envelope, d.clock.Now()); err != nil {
		return connid.ID{}, nil, err
	}
	client := newDirectoryClient(conn, d.logger.With("peer", envelope.ConnectionID.String()))
	if err := d.router.register(envelope, client); err != nil {
		return connid.ID{}, client, err
	}
	return envelope.ConnectionID, client, nil
}

// directoryClient is the directory's side of one registered websocket.
type directoryClient struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newDirectoryClient(conn *websocket.Conn, logger *slog.Logger) *directoryClient {
	return &directoryClient{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendQueueDepth),
		done:   make(chan struct{}),
	}
}

func (c *directoryClient) deliver(envelope Envelope) bool {
	data, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("encoding envelope", "type", string(envelope.Type), "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *directoryClient) evict() {
	c.logger.Info("registration replaced")
	c.close()
}

func (c *directoryClient) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *directoryClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
