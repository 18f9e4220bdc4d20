// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/compress"
)

// DefaultMaxPasses bounds how many times a sender answers Reject
// before giving up.
const DefaultMaxPasses = 5

// SenderConfig configures a Sender.
type SenderConfig struct {
	Outbox Outbox
	Clock  clock.Clock
	Logger *slog.Logger

	// Progress, if set, is called as chunks go out and when the
	// transfer ends.
	Progress      func(TransferState)
	ProgressEvery int

	MaxPasses int
}

// Source is the file being sent.
type Source struct {
	Name   string
	Size   int64
	Reader io.ReaderAt
}

// SendOptions tune one transfer.
type SendOptions struct {
	// TransferID defaults to a random UUID. Reusing the id of an
	// interrupted transfer lets the receiver resume it.
	TransferID string
	ChunkSize  int
	Compress   bool
}

// Sender is the outgoing side of file transfers.
type Sender struct {
	config SenderConfig
	logger *slog.Logger

	mu        sync.Mutex
	transfers map[string]*Outgoing
}

// NewSender returns a Sender writing to config.Outbox.
func NewSender(config SenderConfig) (*Sender, error) {
	if config.Outbox == nil {
		return nil, errors.New("dataproto: sender needs an outbox")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 16
	}
	if config.MaxPasses <= 0 {
		config.MaxPasses = DefaultMaxPasses
	}
	return &Sender{config: config, logger: config.Logger, transfers: make(map[string]*Outgoing)}, nil
}

// Outgoing is one transfer in progress on the sending side.
type Outgoing struct {
	sender *Sender
	source Source
	inbox  chan Message

	mu      sync.Mutex
	state   TransferState
	paused  bool
	resumed chan struct{}

	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// Start checksums source, announces it and sends it in the
// background. The returned transfer finishes when the receiver
// acknowledges the file, refuses it, or it is cancelled.
func (s *Sender) Start(ctx context.Context, source Source, options SendOptions) (*Outgoing, error) {
	if source.Size < 0 || source.Reader == nil {
		return nil, errors.New("dataproto: invalid transfer source")
	}
	if options.ChunkSize == 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.ChunkSize < 0 || options.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("dataproto: chunk size %d outside (0, %d]", options.ChunkSize, MaxChunkSize)
	}
	if options.TransferID == "" {
		options.TransferID = uuid.NewString()
	}
	if !validTransferID(options.TransferID) {
		return nil, fmt.Errorf("dataproto: invalid transfer id %q", options.TransferID)
	}

	hash := sha256.New()
	if _, err := io.Copy(hash, io.NewSectionReader(source.Reader, 0, source.Size)); err != nil {
		return nil, fmt.Errorf("checksumming %s: %w", source.Name, err)
	}
	var checksum [32]byte
	copy(checksum[:], hash.Sum(nil))

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	transfer := &Outgoing{
		sender: s,
		source: source,
		inbox:  make(chan Message, 16),
		state: TransferState{
			TransferID: options.TransferID,
			Direction:  DirectionOutgoing,
			Name:       source.Name,
			Size:       source.Size,
			ChunkSize:  options.ChunkSize,
			Bitmap:     NewBitmap(ChunkCount(source.Size, options.ChunkSize)),
			Checksum:   checksum,
			Compressed: options.Compress,
			Status:     StatusActive,
			StartedAt:  s.config.Clock.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if _, exists := s.transfers[options.TransferID]; exists {
		s.mu.Unlock()
		cancel(nil)
		return nil, fmt.Errorf("dataproto: transfer %s already running", options.TransferID)
	}
	s.transfers[options.TransferID] = transfer
	s.mu.Unlock()

	go transfer.run(runCtx)
	return transfer, nil
}

// Handle routes a receiver reply to its transfer.
func (s *Sender) Handle(ctx context.Context, message Message) error {
	var id string
	switch message := message.(type) {
	case *Ready:
		id = message.TransferID
	case *Refuse:
		id = message.TransferID
	case *Ack:
		id = message.TransferID
	case *Reject:
		id = message.TransferID
	case *Control:
		return s.handleControl(message)
	default:
		return fmt.Errorf("%w: sender got %T", ErrUnexpectedMessage, message)
	}
	transfer := s.lookup(id)
	if transfer == nil {
		s.logger.Debug("reply for unknown transfer", "transfer_id", id)
		return nil
	}
	select {
	case transfer.inbox <- message:
		return nil
	case <-transfer.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleControl applies a scheduler change requested by the receiver.
func (s *Sender) handleControl(control *Control) error {
	transfer := s.lookup(control.TransferID)
	if transfer == nil {
		return nil
	}
	switch control.Op {
	case OpPause:
		transfer.setPaused(true)
	case OpResume:
		transfer.setPaused(false)
	case OpCancel:
		transfer.cancel(ErrCancelled)
	default:
		return fmt.Errorf("%w: control op %d", ErrUnexpectedMessage, control.Op)
	}
	return nil
}

func (s *Sender) lookup(id string) *Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers[id]
}

// Owns reports whether id is a transfer this sender is running. A
// Control for an id the sender owns came from the receiver.
func (s *Sender) Owns(id string) bool { return s.lookup(id) != nil }

// Active returns the transfers still running.
func (s *Sender) Active() []TransferState {
	s.mu.Lock()
	transfers := make([]*Outgoing, 0, len(s.transfers))
	for _, transfer := range s.transfers {
		transfers = append(transfers, transfer)
	}
	s.mu.Unlock()
	states := make([]TransferState, 0, len(transfers))
	for _, transfer := range transfers {
		states = append(states, transfer.State())
	}
	sortStates(states)
	return states
}

// CancelAll cancels every running transfer and waits for them.
func (s *Sender) CancelAll() {
	s.mu.Lock()
	transfers := make([]*Outgoing, 0, len(s.transfers))
	for _, transfer := range s.transfers {
		transfers = append(transfers, transfer)
	}
	s.mu.Unlock()
	for _, transfer := range transfers {
		transfer.cancel(ErrCancelled)
		<-transfer.done
	}
}

// ID returns the transfer id.
func (o *Outgoing) ID() string { return o.state.TransferID }

// State returns a snapshot of the transfer.
func (o *Outgoing) State() TransferState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Done is closed when the transfer ends.
func (o *Outgoing) Done() <-chan struct{} { return o.done }

// Wait blocks until the transfer ends and returns its outcome.
func (o *Outgoing) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops sending chunks and tells the receiver.
func (o *Outgoing) Pause(ctx context.Context) error {
	o.setPaused(true)
	return o.sender.config.Outbox.Send(ctx, &Control{TransferID: o.ID(), Op: OpPause})
}

// Resume continues a paused transfer.
func (o *Outgoing) Resume(ctx context.Context) error {
	o.setPaused(false)
	return o.sender.config.Outbox.Send(ctx, &Control{TransferID: o.ID(), Op: OpResume})
}

// Cancel abandons the transfer and tells the receiver.
func (o *Outgoing) Cancel(ctx context.Context) error {
	o.cancel(ErrCancelled)
	<-o.done
	return o.sender.config.Outbox.Send(ctx, &Control{TransferID: o.ID(), Op: OpCancel})
}

func (o *Outgoing) setPaused(paused bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if paused == o.paused {
		return
	}
	o.paused = paused
	if paused {
		o.resumed = make(chan struct{})
		o.state.Status = StatusPaused
	} else {
		close(o.resumed)
		o.state.Status = StatusActive
	}
}

// waitUnpaused blocks while the transfer is paused.
func (o *Outgoing) waitUnpaused(ctx context.Context) error {
	o.mu.Lock()
	paused, resumed := o.paused, o.resumed
	o.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (o *Outgoing) run(ctx context.Context) {
	err := o.transfer(ctx)

	o.mu.Lock()
	switch {
	case err == nil:
		o.state.Status = StatusCompleted
	case errors.Is(err, ErrCancelled):
		o.state.Status = StatusCancelled
	default:
		o.state.Status = StatusFailed
	}
	final := o.state.Clone()
	o.mu.Unlock()

	o.sender.mu.Lock()
	delete(o.sender.transfers, final.TransferID)
	o.sender.mu.Unlock()

	o.err = err
	close(o.done)
	o.cancel(nil)

	logger := o.sender.logger.With("transfer_id", final.TransferID)
	if err != nil {
		logger.Info("transfer ended", "status", final.Status.String(), "error", err)
	} else {
		logger.Info("transfer acknowledged", "size", final.Size, "chunks", final.Bitmap.Length)
	}
	if o.sender.config.Progress != nil {
		o.sender.config.Progress(final)
	}
}

func (o *Outgoing) transfer(ctx context.Context) error {
	outbox := o.sender.config.Outbox
	state := o.State()
	begin := &Begin{
		TransferID: state.TransferID,
		Name:       state.Name,
		Size:       state.Size,
		ChunkSize:  state.ChunkSize,
		Checksum:   state.Checksum,
		Compressed: state.Compressed,
	}
	if err := outbox.Send(ctx, begin); err != nil {
		return fmt.Errorf("sending begin: %w", err)
	}

	reply, err := o.await(ctx)
	if err != nil {
		return err
	}
	var pending []int
	switch reply := reply.(type) {
	case *Ready:
		if reply.Have.Length == state.Bitmap.Length && reply.Have.Valid() {
			pending = reply.Have.Missing().Indices()
			o.mu.Lock()
			o.state.Bitmap = reply.Have.Clone()
			o.mu.Unlock()
		} else {
			pending = state.Bitmap.Missing().Indices()
		}
	case *Refuse:
		return fmt.Errorf("%w: %s", ErrRefused, reply.Reason)
	default:
		return fmt.Errorf("%w: %T before ready", ErrUnexpectedMessage, reply)
	}

	for pass := 1; pass <= o.sender.config.MaxPasses; pass++ {
		if err := o.sendChunks(ctx, pending); err != nil {
			return err
		}
		if err := outbox.Send(ctx, &Complete{TransferID: state.TransferID}); err != nil {
			return fmt.Errorf("sending complete: %w", err)
		}
		reply, err := o.await(ctx)
		if err != nil {
			return err
		}
		switch reply := reply.(type) {
		case *Ack:
			return nil
		case *Reject:
			pending = reply.Resend.Indices()
			o.mu.Lock()
			for _, index := range pending {
				o.state.Bitmap.Clear(index)
			}
			o.mu.Unlock()
			o.sender.logger.Info("receiver requested resend",
				"transfer_id", state.TransferID, "pass", pass, "chunks", len(pending))
		default:
			return fmt.Errorf("%w: %T after complete", ErrUnexpectedMessage, reply)
		}
	}
	return fmt.Errorf("%w: %s still incomplete after %d passes", ErrIntegrityFailed, state.TransferID, o.sender.config.MaxPasses)
}

func (o *Outgoing) sendChunks(ctx context.Context, indices []int) error {
	outbox := o.sender.config.Outbox
	state := o.State()
	buffer := make([]byte, state.ChunkSize)
	for sent, index := range indices {
		if err := o.waitUnpaused(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if index < 0 || index >= state.Bitmap.Length {
			return fmt.Errorf("%w: resend of chunk %d", ErrUnexpectedMessage, index)
		}
		length := chunkLength(state.Size, state.ChunkSize, index)
		plaintext := buffer[:length]
		if _, err := o.source.Reader.ReadAt(plaintext, int64(index)*int64(state.ChunkSize)); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading chunk %d: %w", index, err)
		}
		chunk := &Chunk{TransferID: state.TransferID, Index: index, Checksum: sha256.Sum256(plaintext)}
		chunk.Data = append([]byte(nil), plaintext...)
		if state.Compressed {
			data, method, err := compress.Best(plaintext, compress.Zstd)
			if err != nil {
				return fmt.Errorf("compressing chunk %d: %w", index, err)
			}
			if method == compress.Zstd {
				chunk.Data = data
				chunk.Compressed = true
			}
		}
		if err := outbox.Send(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return fmt.Errorf("sending chunk %d: %w", index, err)
		}

		o.mu.Lock()
		o.state.Bitmap.Set(index)
		snapshot := o.state.Clone()
		o.mu.Unlock()
		if o.sender.config.Progress != nil && (sent+1)%o.sender.config.ProgressEvery == 0 {
			o.sender.config.Progress(snapshot)
		}
	}
	return nil
}

// await returns the next receiver reply.
func (o *Outgoing) await(ctx context.Context) (Message, error) {
	select {
	case message := <-o.inbox:
		return message, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
