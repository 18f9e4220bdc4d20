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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/compress"
	"github.com/bureau-foundation/peerdesk/lib/wire"
)

// Refuse reasons.
const (
	ReasonInUse             = "transfer-id-in-use"
	ReasonCancelGrace       = "cancel-grace"
	ReasonInsufficientSpace = "insufficient-space"
	ReasonInvalid           = "invalid-begin"
	ReasonStorage           = "storage-error"
)

// File suffixes inside the state directory.
const (
	stateSuffix = ".state"
	dataSuffix  = ".data"
)

// DefaultCancelGrace is used until the session supplies a measured
// round-trip time.
const DefaultCancelGrace = 250 * time.Millisecond

// Outbox sends a message to the peer.
type Outbox interface {
	Send(ctx context.Context, message Message) error
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(ctx context.Context, message Message) error

func (f OutboxFunc) Send(ctx context.Context, message Message) error { return f(ctx, message) }

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// StateDir holds {id}.state and {id}.data for transfers in
	// progress.
	StateDir string

	// DownloadDir receives completed files. Defaults to
	// StateDir/completed.
	DownloadDir string

	Outbox Outbox
	Clock  clock.Clock
	Logger *slog.Logger

	// FreeSpace reports free bytes on the filesystem holding path.
	// Defaults to gopsutil's disk usage.
	FreeSpace func(path string) (uint64, error)

	// Progress, if set, is called after every ProgressEvery chunks
	// and when a transfer completes.
	Progress      func(TransferState)
	ProgressEvery int
}

// Receiver is the incoming side of file transfers. It writes chunks
// into sparse files, persists progress so transfers survive restarts,
// and verifies each file against its announced checksum.
type Receiver struct {
	config ReceiverConfig
	logger *slog.Logger

	mu            sync.Mutex
	active        map[string]*incoming
	history       map[string]TransferState
	cancelled     map[string]time.Time
	cancelGrace   time.Duration
	corruptChunks uint64
}

type incoming struct {
	mu         sync.Mutex
	state      TransferState
	file       *os.File
	sinceFlush int
}

// NewReceiver creates the directories and returns an empty receiver.
// Call Resume to pick up transfers from a previous run.
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.StateDir == "" {
		return nil, errors.New("dataproto: receiver needs a state directory")
	}
	if config.Outbox == nil {
		return nil, errors.New("dataproto: receiver needs an outbox")
	}
	if config.DownloadDir == "" {
		config.DownloadDir = filepath.Join(config.StateDir, "completed")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.FreeSpace == nil {
		config.FreeSpace = diskFree
	}
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 16
	}
	for _, dir := range []string{config.StateDir, config.DownloadDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return &Receiver{
		config:      config,
		logger:      config.Logger,
		active:      make(map[string]*incoming),
		history:     make(map[string]TransferState),
		cancelled:   make(map[string]time.Time),
		cancelGrace: DefaultCancelGrace,
	}, nil
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// SetCancelGrace sets how long a cancelled id stays unusable. Sessions
// set it to the measured round-trip time.
func (r *Receiver) SetCancelGrace(grace time.Duration) {
	r.mu.Lock()
	r.cancelGrace = max(grace, 0)
	r.mu.Unlock()
}

// Resume loads every persisted transfer in the state directory.
func (r *Receiver) Resume() ([]TransferState, error) {
	entries, err := os.ReadDir(r.config.StateDir)
	if err != nil {
		return nil, fmt.Errorf("listing transfer state: %w", err)
	}
	var resumed []TransferState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, stateSuffix)
		state, file, err := r.load(id)
		if err != nil {
			r.logger.Warn("skipping unreadable transfer state", "transfer_id", id, "error", err)
			continue
		}
		r.mu.Lock()
		if _, exists := r.active[id]; exists {
			r.mu.Unlock()
			file.Close()
			continue
		}
		r.active[id] = &incoming{state: state, file: file}
		r.mu.Unlock()
		resumed = append(resumed, state.Clone())
		r.logger.Info("resumed transfer", "transfer_id", id, "chunks_held", state.Bitmap.Count(), "chunks", state.Bitmap.Length)
	}
	return resumed, nil
}

func (r *Receiver) load(id string) (TransferState, *os.File, error) {
	data, err := os.ReadFile(r.statePath(id))
	if err != nil {
		return TransferState{}, nil, err
	}
	var state TransferState
	if err := wire.Unmarshal(data, &state); err != nil {
		return TransferState{}, nil, err
	}
	if state.TransferID != id || !state.Bitmap.Valid() || state.Bitmap.Length != ChunkCount(state.Size, state.ChunkSize) {
		return TransferState{}, nil, fmt.Errorf("inconsistent state record for %s", id)
	}
	file, err := os.OpenFile(r.dataPath(id), os.O_RDWR, 0o600)
	if err != nil {
		return TransferState{}, nil, err
	}
	return state, file, nil
}

// Handle processes one transfer message from the sender.
func (r *Receiver) Handle(ctx context.Context, message Message) error {
	switch message := message.(type) {
	case *Begin:
		return r.handleBegin(ctx, message)
	case *Chunk:
		return r.handleChunk(message)
	case *Control:
		return r.handleControl(message)
	case *Complete:
		return r.handleComplete(ctx, message)
	default:
		return fmt.Errorf("%w: receiver got %T", ErrUnexpectedMessage, message)
	}
}

func (r *Receiver) handleBegin(ctx context.Context, begin *Begin) error {
	refuse := func(reason string) error {
		r.logger.Info("refusing transfer", "transfer_id", begin.TransferID, "reason", reason)
		return r.config.Outbox.Send(ctx, &Refuse{TransferID: begin.TransferID, Reason: reason})
	}
	name, ok := sanitizeName(begin.Name)
	if begin.TransferID == "" || !validTransferID(begin.TransferID) || !ok ||
		begin.Size < 0 || begin.ChunkSize <= 0 || begin.ChunkSize > MaxChunkSize {
		return refuse(ReasonInvalid)
	}

	now := r.config.Clock.Now()
	r.mu.Lock()
	if cancelledAt, ok := r.cancelled[begin.TransferID]; ok {
		if now.Sub(cancelledAt) < r.cancelGrace {
			r.mu.Unlock()
			return refuse(ReasonCancelGrace)
		}
		delete(r.cancelled, begin.TransferID)
	}
	if existing, ok := r.active[begin.TransferID]; ok {
		r.mu.Unlock()
		existing.mu.Lock()
		same := existing.state.Checksum == begin.Checksum &&
			existing.state.Size == begin.Size &&
			existing.state.ChunkSize == begin.ChunkSize
		have := existing.state.Bitmap.Clone()
		if same {
			existing.state.Compressed = begin.Compressed
			existing.state.Status = StatusActive
		}
		existing.mu.Unlock()
		if !same {
			return refuse(ReasonInUse)
		}
		r.logger.Info("resuming transfer", "transfer_id", begin.TransferID, "chunks_held", have.Count())
		return r.config.Outbox.Send(ctx, &Ready{TransferID: begin.TransferID, Have: have})
	}
	if _, ok := r.history[begin.TransferID]; ok {
		r.mu.Unlock()
		return refuse(ReasonInUse)
	}
	// Reserve the id while the file is created.
	reserved := &incoming{}
	reserved.mu.Lock()
	r.active[begin.TransferID] = reserved
	r.mu.Unlock()

	state := TransferState{
		TransferID: begin.TransferID,
		Direction:  DirectionIncoming,
		Name:       name,
		Size:       begin.Size,
		ChunkSize:  begin.ChunkSize,
		Bitmap:     NewBitmap(ChunkCount(begin.Size, begin.ChunkSize)),
		Checksum:   begin.Checksum,
		Compressed: begin.Compressed,
		Status:     StatusActive,
		StartedAt:  now,
	}
	file, reason := r.allocate(state)
	if reason != "" {
		reserved.mu.Unlock()
		r.mu.Lock()
		delete(r.active, begin.TransferID)
		r.mu.Unlock()
		return refuse(reason)
	}
	reserved.state, reserved.file = state, file
	if err := r.persist(reserved); err != nil {
		r.logger.Warn("persisting transfer state", "transfer_id", state.TransferID, "error", err)
	}
	reserved.mu.Unlock()

	r.logger.Info("accepted transfer",
		"transfer_id", state.TransferID,
		"name", state.Name,
		"size", state.Size,
		"chunks", state.Bitmap.Length,
	)
	return r.config.Outbox.Send(ctx, &Ready{TransferID: state.TransferID, Have: NewBitmap(state.Bitmap.Length)})
}

// allocate creates the sparse backing file. A non-empty reason means
// the transfer must be refused.
func (r *Receiver) allocate(state TransferState) (*os.File, string) {
	free, err := r.config.FreeSpace(r.config.StateDir)
	if err != nil {
		r.logger.Warn("checking free space", "error", err)
		return nil, ReasonStorage
	}
	if free < uint64(state.Size) {
		return nil, ReasonInsufficientSpace
	}
	file, err := os.OpenFile(r.dataPath(state.TransferID), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		r.logger.Warn("creating transfer file", "transfer_id", state.TransferID, "error", err)
		return nil, ReasonStorage
	}
	if err := file.Truncate(state.Size); err != nil {
		file.Close()
		os.Remove(file.Name())
		r.logger.Warn("sizing transfer file", "transfer_id", state.TransferID, "error", err)
		return nil, ReasonStorage
	}
	return file, ""
}

func (r *Receiver) handleChunk(chunk *Chunk) error {
	transfer := r.lookup(chunk.TransferID)
	if transfer == nil {
		r.logger.Debug("chunk for unknown transfer", "transfer_id", chunk.TransferID, "index", chunk.Index)
		return nil
	}
	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	state := &transfer.state
	if transfer.file == nil {
		return nil
	}
	if chunk.Index < 0 || chunk.Index >= state.Bitmap.Length {
		return fmt.Errorf("%w: chunk %d of %d", ErrUnexpectedMessage, chunk.Index, state.Bitmap.Length)
	}
	if state.Bitmap.Has(chunk.Index) {
		return nil
	}

	expected := chunkLength(state.Size, state.ChunkSize, chunk.Index)
	data := chunk.Data
	if chunk.Compressed {
		decompressed, err := compress.Decompress(data, compress.Zstd, expected)
		if err != nil {
			r.noteCorrupt(state.TransferID, chunk.Index, err)
			return nil
		}
		data = decompressed
	}
	if len(data) != expected {
		r.noteCorrupt(state.TransferID, chunk.Index, fmt.Errorf("chunk is %d bytes, want %d", len(data), expected))
		return nil
	}
	if sha256.Sum256(data) != chunk.Checksum {
		r.noteCorrupt(state.TransferID, chunk.Index, ErrIntegrityFailed)
		return nil
	}
	if _, err := transfer.file.WriteAt(data, int64(chunk.Index)*int64(state.ChunkSize)); err != nil {
		return fmt.Errorf("writing chunk %d of %s: %w", chunk.Index, state.TransferID, err)
	}
	state.Bitmap.Set(chunk.Index)

	transfer.sinceFlush++
	if transfer.sinceFlush >= r.config.ProgressEvery {
		transfer.sinceFlush = 0
		if err := r.persist(transfer); err != nil {
			r.logger.Warn("persisting transfer state", "transfer_id", state.TransferID, "error", err)
		}
		r.progress(*state)
	}
	return nil
}

func (r *Receiver) noteCorrupt(id string, index int, err error) {
	r.mu.Lock()
	r.corruptChunks++
	r.mu.Unlock()
	r.logger.Warn("discarding corrupt chunk", "transfer_id", id, "index", index, "error", err)
}

func (r *Receiver) handleControl(control *Control) error {
	transfer := r.lookup(control.TransferID)
	if transfer == nil {
		return nil
	}
	switch control.Op {
	case OpPause, OpResume:
		transfer.mu.Lock()
		if control.Op == OpPause {
			transfer.state.Status = StatusPaused
		} else {
			transfer.state.Status = StatusActive
		}
		transfer.mu.Unlock()
		return nil
	case OpCancel:
		r.discard(control.TransferID, transfer)
		r.logger.Info("transfer cancelled by sender", "transfer_id", control.TransferID)
		return nil
	default:
		return fmt.Errorf("%w: control op %d", ErrUnexpectedMessage, control.Op)
	}
}

// Cancel abandons an incoming transfer and tells the sender.
func (r *Receiver) Cancel(ctx context.Context, id string) error {
	transfer := r.lookup(id)
	if transfer == nil {
		return fmt.Errorf("%w: no active transfer %s", ErrUnexpectedMessage, id)
	}
	r.discard(id, transfer)
	return r.config.Outbox.Send(ctx, &Control{TransferID: id, Op: OpCancel})
}

func (r *Receiver) discard(id string, transfer *incoming) {
	r.mu.Lock()
	if r.active[id] == transfer {
		delete(r.active, id)
	}
	r.cancelled[id] = r.config.Clock.Now()
	r.mu.Unlock()

	transfer.mu.Lock()
	defer transfer.mu.Unlock()
	if transfer.file != nil {
		transfer.file.Close()
		transfer.file = nil
	}
	os.Remove(r.dataPath(id))
	os.Remove(r.statePath(id))
	transfer.state.Status = StatusCancelled
}

func (r *Receiver) handleComplete(ctx context.Context, complete *Complete) error {
	transfer := r.lookup(complete.TransferID)
	if transfer == nil {
		r.mu.Lock()
		_, done := r.history[complete.TransferID]
		r.mu.Unlock()
		if done {
			return r.config.Outbox.Send(ctx, &Ack{TransferID: complete.TransferID})
		}
		return nil
	}

	transfer.mu.Lock()
	state := &transfer.state
	if transfer.file == nil {
		transfer.mu.Unlock()
		return nil
	}
	if !state.Bitmap.Full() {
		resend := state.Bitmap.Missing()
		if err := r.persist(transfer); err != nil {
			r.logger.Warn("persisting transfer state", "transfer_id", state.TransferID, "error", err)
		}
		transfer.mu.Unlock()
		r.logger.Info("requesting missing chunks", "transfer_id", complete.TransferID, "missing", resend.Count())
		return r.config.Outbox.Send(ctx, &Reject{TransferID: complete.TransferID, Resend: resend})
	}

	digest, err := fileDigest(transfer.file, state.Size)
	if err != nil {
		transfer.mu.Unlock()
		return fmt.Errorf("hashing %s: %w", state.TransferID, err)
	}
	if digest != state.Checksum {
		// Every chunk verified but the whole does not: start over.
		state.Bitmap = NewBitmap(state.Bitmap.Length)
		resend := state.Bitmap.Missing()
		if err := r.persist(transfer); err != nil {
			r.logger.Warn("persisting transfer state", "transfer_id", state.TransferID, "error", err)
		}
		transfer.mu.Unlock()
		r.logger.Warn("file checksum mismatch", "transfer_id", complete.TransferID)
		return r.config.Outbox.Send(ctx, &Reject{TransferID: complete.TransferID, Resend: resend})
	}

	path, err := r.finish(transfer)
	if err != nil {
		transfer.mu.Unlock()
		return err
	}
	state.Status = StatusCompleted
	state.Path = path
	finished := state.Clone()
	transfer.mu.Unlock()

	r.mu.Lock()
	delete(r.active, complete.TransferID)
	r.history[complete.TransferID] = finished
	r.mu.Unlock()

	r.progress(finished)
	r.logger.Info("transfer complete", "transfer_id", finished.TransferID, "path", path, "size", finished.Size)
	return r.config.Outbox.Send(ctx, &Ack{TransferID: complete.TransferID})
}

// finish moves the verified data file into the download directory.
func (r *Receiver) finish(transfer *incoming) (string, error) {
	state := &transfer.state
	if err := transfer.file.Sync(); err != nil {
		return "", fmt.Errorf("syncing %s: %w", state.TransferID, err)
	}
	transfer.file.Close()
	transfer.file = nil

	path := uniquePath(r.config.DownloadDir, state.Name)
	if err := os.Rename(r.dataPath(state.TransferID), path); err != nil {
		return "", fmt.Errorf("placing %s: %w", state.TransferID, err)
	}
	os.Remove(r.statePath(state.TransferID))
	return path, nil
}

func fileDigest(file *os.File, size int64) ([32]byte, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, io.NewSectionReader(file, 0, size)); err != nil {
		return [32]byte{}, err
	}
	var digest [32]byte
	copy(digest[:], hash.Sum(nil))
	return digest, nil
}

// persist writes the state record with a temp-file rename so a crash
// never leaves a torn record.
func (r *Receiver) persist(transfer *incoming) error {
	data, err := wire.Marshal(transfer.state)
	if err != nil {
		return err
	}
	path := r.statePath(transfer.state.TransferID)
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func (r *Receiver) progress(state TransferState) {
	if r.config.Progress != nil {
		r.config.Progress(state.Clone())
	}
}

func (r *Receiver) lookup(id string) *incoming {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

// Active returns the transfers in progress.
func (r *Receiver) Active() []TransferState {
	r.mu.Lock()
	transfers := make([]*incoming, 0, len(r.active))
	for _, transfer := range r.active {
		transfers = append(transfers, transfer)
	}
	r.mu.Unlock()

	states := make([]TransferState, 0, len(transfers))
	for _, transfer := range transfers {
		transfer.mu.Lock()
		if transfer.state.TransferID != "" {
			states = append(states, transfer.state.Clone())
		}
		transfer.mu.Unlock()
	}
	sortStates(states)
	return states
}

// History returns completed transfers, oldest first.
func (r *Receiver) History() []TransferState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]TransferState, 0, len(r.history))
	for _, state := range r.history {
		states = append(states, state.Clone())
	}
	sortStates(states)
	return states
}

// Cleanup forgets a completed transfer so its id can be reused.
func (r *Receiver) Cleanup(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.history[id]
	delete(r.history, id)
	return ok
}

// CorruptChunks counts chunks discarded for failing verification.
func (r *Receiver) CorruptChunks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.corruptChunks
}

// Close persists and closes every active transfer. They can be picked
// up again with Resume.
func (r *Receiver) Close() error {
	r.mu.Lock()
	transfers := make([]*incoming, 0, len(r.active))
	for _, transfer := range r.active {
		transfers = append(transfers, transfer)
	}
	r.active = make(map[string]*incoming)
	r.mu.Unlock()

	var errs []error
	for _, transfer := range transfers {
		transfer.mu.Lock()
		if transfer.file != nil {
			if err := r.persist(transfer); err != nil {
				errs = append(errs, err)
			}
			if err := transfer.file.Close(); err != nil {
				errs = append(errs, err)
			}
			transfer.file = nil
		}
		transfer.mu.Unlock()
	}
	return errors.Join(errs...)
}

func (r *Receiver) statePath(id string) string {
	return filepath.Join(r.config.StateDir, id+stateSuffix)
}

func (r *Receiver) dataPath(id string) string {
	return filepath.Join(r.config.StateDir, id+dataSuffix)
}

// validTransferID admits ids that are safe as file name stems.
func validTransferID(id string) bool {
	if len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// sanitizeName strips directories from a sender-supplied name.
func sanitizeName(name string) (string, bool) {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == ".." || base == "" {
		return "", false
	}
	return base, true
}

// uniquePath returns dir/name, or dir/name (n) with an n that does not
// exist yet.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	extension := filepath.Ext(name)
	stem := strings.TrimSuffix(name, extension)
	for attempt := 1; ; attempt++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, attempt, extension))
	}
}

func sortStates(states []TransferState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].TransferID < states[j].TransferID
		}
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
}
