// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Reliable channel messages larger than this are split. The first
// byte of every piece is continuationMore or continuationFinal.
const (
	controlChunkSize  = 16 * 1024
	continuationMore  = 1
	continuationFinal = 0

	// maxControlMessage bounds reassembly so a peer cannot make us
	// buffer without limit.
	maxControlMessage = 16 << 20

	// sendHighWater is the buffered amount above which reliable sends
	// wait for the SCTP queue to drain.
	sendHighWater = 1 << 20
	sendLowWater  = 256 << 10

	readBufferSize = 64 * 1024
)

// DataChannel is one message-oriented channel on a PeerConnection.
// Reliable channels preserve arbitrarily large messages; unreliable
// channels deliver message-sized datagrams or nothing.
type DataChannel struct {
	label    string
	reliable bool
	channel  *webrtc.DataChannel
	logger   *slog.Logger

	opened   chan struct{}
	openOnce sync.Once

	mu  sync.Mutex
	raw io.ReadWriteCloser

	// sendMu keeps the pieces of one reliable message contiguous.
	sendMu sync.Mutex

	// drained is signalled when the SCTP send buffer falls below the
	// low-water mark.
	drained chan struct{}

	messages  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newDataChannel(channel *webrtc.DataChannel, reliable bool, logger *slog.Logger) *DataChannel {
	d := &DataChannel{
		label:    channel.Label(),
		reliable: reliable,
		channel:  channel,
		logger:   logger.With("channel", channel.Label()),
		opened:   make(chan struct{}),
		drained:  make(chan struct{}, 1),
		messages: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
	channel.SetBufferedAmountLowThreshold(sendLowWater)
	channel.OnBufferedAmountLow(func() {
		select {
		case d.drained <- struct{}{}:
		default:
		}
	})
	channel.OnOpen(d.handleOpen)
	channel.OnClose(func() { d.shutdown() })
	return d
}

func (d *DataChannel) handleOpen() {
	raw, err := d.channel.Detach()
	if err != nil {
		d.logger.Error("detaching data channel failed", "error", err)
		d.shutdown()
		return
	}
	d.mu.Lock()
	d.raw = raw
	d.mu.Unlock()
	d.openOnce.Do(func() { close(d.opened) })
	go d.readLoop(raw)
}

// Label returns the channel label.
func (d *DataChannel) Label() string { return d.label }

// Opened is closed once the channel can carry messages.
func (d *DataChannel) Opened() <-chan struct{} { return d.opened }

// Closed is closed when the channel has shut down.
func (d *DataChannel) Closed() <-chan struct{} { return d.closed }

// Messages delivers inbound messages in arrival order. It is never
// closed; select on Closed to detect shutdown.
func (d *DataChannel) Messages() <-chan []byte { return d.messages }

// BufferedAmount is the number of bytes queued in SCTP.
func (d *DataChannel) BufferedAmount() uint64 { return d.channel.BufferedAmount() }

// Send writes one message. On reliable channels it blocks while the
// send buffer is above its high-water mark.
func (d *DataChannel) Send(ctx context.Context, message []byte) error {
	raw, err := d.writer()
	if err != nil {
		return err
	}
	if !d.reliable {
		return d.write(raw, message)
	}
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	for len(message) > controlChunkSize {
		if err := d.sendPiece(ctx, raw, continuationMore, message[:controlChunkSize]); err != nil {
			return err
		}
		message = message[controlChunkSize:]
	}
	return d.sendPiece(ctx, raw, continuationFinal, message)
}

func (d *DataChannel) sendPiece(ctx context.Context, raw io.Writer, flag byte, piece []byte) error {
	for d.channel.BufferedAmount() > sendHighWater {
		select {
		case <-d.drained:
		case <-d.closed:
			return ErrChannelClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	framed := make([]byte, 0, len(piece)+1)
	framed = append(framed, flag)
	return d.write(raw, append(framed, piece...))
}

func (d *DataChannel) write(raw io.Writer, message []byte) error {
	if _, err := raw.Write(message); err != nil {
		select {
		case <-d.closed:
			return ErrChannelClosed
		default:
		}
		return fmt.Errorf("writing to %s: %w", d.label, err)
	}
	return nil
}

func (d *DataChannel) writer() (io.Writer, error) {
	select {
	case <-d.closed:
		return nil, ErrChannelClosed
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.raw == nil {
		return nil, ErrChannelNotOpen
	}
	return d.raw, nil
}

func (d *DataChannel) readLoop(raw io.Reader) {
	defer d.shutdown()
	buffer := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, err := raw.Read(buffer)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-d.closed:
				default:
					d.logger.Debug("data channel read ended", "error", err)
				}
			}
			return
		}
		message := append([]byte(nil), buffer[:n]...)
		if d.reliable {
			if len(message) == 0 {
				d.logger.Warn("dropping empty reliable message")
				continue
			}
			pending = append(pending, message[1:]...)
			if len(pending) > maxControlMessage {
				d.logger.Error("reliable message exceeds limit", "bytes", len(pending))
				return
			}
			if message[0] == continuationMore {
				continue
			}
			message, pending = pending, nil
		}
		if !d.deliver(message) {
			return
		}
	}
}

// deliver blocks on reliable channels so nothing is lost, and drops on
// unreliable channels where stale media is worthless.
func (d *DataChannel) deliver(message []byte) bool {
	if !d.reliable {
		select {
		case d.messages <- message:
		default:
		}
		return true
	}
	select {
	case d.messages <- message:
		return true
	case <-d.closed:
		return false
	}
}

// Close shuts the channel down. Close is idempotent.
func (d *DataChannel) Close() error {
	d.shutdown()
	return nil
}

func (d *DataChannel) shutdown() {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		raw := d.raw
		d.mu.Unlock()
		if raw != nil {
			raw.Close()
		}
		d.channel.Close()
	})
}
