// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/transport"
)

// MemoryLinkPair connects two sessions in process. Media messages are
// delivered whole and in order, the control channel is reliable, and
// connectivity changes happen only when the test calls Disconnect or
// Reconnect. The pair connects once the offerer applies an answer.
type MemoryLinkPair struct {
	offerer  *MemoryLink
	answerer *MemoryLink

	mu         sync.Mutex
	connected  bool
	up         bool
	holdMedia  bool
	mediaReady chan struct{}
	readyOnce  sync.Once
	closeOnce  sync.Once
	created    [2]bool
}

// NewMemoryLinkPair returns an unconnected pair.
func NewMemoryLinkPair() *MemoryLinkPair {
	pair := &MemoryLinkPair{mediaReady: make(chan struct{})}
	pair.offerer = newMemoryLink(pair, e2e.Offerer)
	pair.answerer = newMemoryLink(pair, e2e.Answerer)
	pair.offerer.control.peer = pair.answerer.control
	pair.answerer.control.peer = pair.offerer.control
	pair.offerer.peer = pair.answerer
	pair.answerer.peer = pair.offerer
	return pair
}

// Factory returns the LinkFactory for the session playing role. Each
// side can create its link once.
func (p *MemoryLinkPair) Factory(role e2e.Role) LinkFactory {
	return func() (Link, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		index := 0
		if role == e2e.Answerer {
			index = 1
		}
		if p.created[index] {
			return nil, fmt.Errorf("memory link for %s already created", role)
		}
		p.created[index] = true
		return p.Link(role), nil
	}
}

// Link returns the side of the pair used by role.
func (p *MemoryLinkPair) Link(role e2e.Role) *MemoryLink {
	if role == e2e.Answerer {
		return p.answerer
	}
	return p.offerer
}

// HoldMedia keeps MediaReady open after connecting until ReleaseMedia.
func (p *MemoryLinkPair) HoldMedia() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdMedia = true
}

// ReleaseMedia closes MediaReady if the pair is connected.
func (p *MemoryLinkPair) ReleaseMedia() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdMedia = false
	if p.connected {
		p.readyOnce.Do(func() { close(p.mediaReady) })
	}
}

// Disconnect cuts the path: both sides surface StateDisconnected and
// media written meanwhile is lost.
func (p *MemoryLinkPair) Disconnect() {
	p.mu.Lock()
	if !p.up {
		p.mu.Unlock()
		return
	}
	p.up = false
	p.mu.Unlock()
	p.offerer.emit(transport.StateDisconnected)
	p.answerer.emit(transport.StateDisconnected)
}

// Reconnect restores the path after Disconnect.
func (p *MemoryLinkPair) Reconnect() {
	p.mu.Lock()
	if p.up || !p.connected {
		p.mu.Unlock()
		return
	}
	p.up = true
	p.mu.Unlock()
	p.offerer.emit(transport.StateConnected)
	p.answerer.emit(transport.StateConnected)
}

// Fail surfaces StateFailed on both sides.
func (p *MemoryLinkPair) Fail() {
	p.mu.Lock()
	p.up = false
	p.mu.Unlock()
	p.offerer.emit(transport.StateFailed)
	p.answerer.emit(transport.StateFailed)
}

func (p *MemoryLinkPair) connect() {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return
	}
	p.connected, p.up = true, true
	hold := p.holdMedia
	p.mu.Unlock()

	for _, link := range []*MemoryLink{p.offerer, p.answerer} {
		link.emit(transport.StateConnecting)
		link.emit(transport.StateConnected)
		link.control.open()
	}
	if !hold {
		p.readyOnce.Do(func() { close(p.mediaReady) })
	}
}

func (p *MemoryLinkPair) isUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up
}

func (p *MemoryLinkPair) shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.up = false
		p.mu.Unlock()
		p.offerer.control.close()
		p.answerer.control.close()
	})
}

// MemoryLink is one side of a MemoryLinkPair.
type MemoryLink struct {
	pair    *MemoryLinkPair
	peer    *MemoryLink
	role    e2e.Role
	control *memoryChannel

	candidates chan transport.Candidate
	states     chan transport.State
	media      chan transport.MediaMessage

	mu           sync.Mutex
	localSet     bool
	remoteSet    bool
	remoteLoss   float64
	receiveLoss  float64
	metrics      transport.Metrics
	tracks       map[uint32]*memoryTrack
	lastReceived map[uint32]transport.MediaMessage
	closed       bool

	offers           atomic.Int32
	restartOffers    atomic.Int32
	remoteCandidates atomic.Int32
	lost             atomic.Uint64
	statesDropped    atomic.Uint64
}

var _ Link = (*MemoryLink)(nil)

func newMemoryLink(pair *MemoryLinkPair, role e2e.Role) *MemoryLink {
	return &MemoryLink{
		pair:         pair,
		role:         role,
		control:      newMemoryChannel(),
		candidates:   make(chan transport.Candidate, 8),
		states:       make(chan transport.State, 32),
		media:        make(chan transport.MediaMessage, 512),
		tracks:       make(map[uint32]*memoryTrack),
		lastReceived: make(map[uint32]transport.MediaMessage),
	}
}

func (l *MemoryLink) CreateOffer(iceRestart bool) (transport.Description, error) {
	if l.isClosed() {
		return transport.Description{}, transport.ErrClosed
	}
	if l.role != e2e.Offerer {
		return transport.Description{}, fmt.Errorf("memory link: %s cannot offer", l.role)
	}
	number := l.offers.Add(1)
	if iceRestart {
		l.restartOffers.Add(1)
	}
	l.setLocal()
	return transport.Description{Type: transport.Offer, SDP: fmt.Sprintf("memory-offer-%d", number)}, nil
}

func (l *MemoryLink) CreateAnswer() (transport.Description, error) {
	if l.isClosed() {
		return transport.Description{}, transport.ErrClosed
	}
	l.mu.Lock()
	remote := l.remoteSet
	l.mu.Unlock()
	if !remote {
		return transport.Description{}, fmt.Errorf("memory link: answer before offer")
	}
	l.setLocal()
	return transport.Description{Type: transport.Answer, SDP: "memory-answer"}, nil
}

// setLocal trickles one host candidate after the first local
// description, as a real gatherer would.
func (l *MemoryLink) setLocal() {
	l.mu.Lock()
	first := !l.localSet
	l.localSet = true
	l.mu.Unlock()
	if first {
		select {
		case l.candidates <- transport.Candidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host"}:
		default:
		}
	}
}

func (l *MemoryLink) SetRemote(description transport.Description) error {
	if l.isClosed() {
		return transport.ErrClosed
	}
	l.mu.Lock()
	l.remoteSet = true
	l.mu.Unlock()
	if l.role == e2e.Offerer && description.Type == transport.Answer {
		l.pair.connect()
	}
	return nil
}

func (l *MemoryLink) AddICECandidate(transport.Candidate) error {
	if l.isClosed() {
		return transport.ErrClosed
	}
	l.remoteCandidates.Add(1)
	return nil
}

func (l *MemoryLink) Candidates() <-chan transport.Candidate { return l.candidates }

func (l *MemoryLink) States() <-chan transport.State { return l.states }

func (l *MemoryLink) Media() <-chan transport.MediaMessage { return l.media }

func (l *MemoryLink) Control() ControlChannel { return l.control }

func (l *MemoryLink) MediaReady() <-chan struct{} { return l.pair.mediaReady }

func (l *MemoryLink) AddMediaTrack(stream uint32, bitrateBPS int) (MediaTrack, error) {
	if l.isClosed() {
		return nil, transport.ErrClosed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if track, ok := l.tracks[stream]; ok {
		track.SetBitrate(bitrateBPS)
		return track, nil
	}
	track := &memoryTrack{link: l, stream: stream}
	track.bitrate.Store(int64(bitrateBPS))
	l.tracks[stream] = track
	return track, nil
}

// SetMetrics replaces what Metrics reports. QueueDepth is always
// summed from the tracks.
func (l *MemoryLink) SetMetrics(metrics transport.Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metrics = metrics
}

func (l *MemoryLink) Metrics() transport.Metrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	metrics := l.metrics
	for _, track := range l.tracks {
		metrics.QueueDepth += track.QueueDepth()
	}
	metrics.LossRatio = max(metrics.LossRatio, l.remoteLoss)
	return metrics
}

func (l *MemoryLink) SetRemoteLoss(ratio float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteLoss = ratio
}

// RemoteLoss returns the last ratio passed to SetRemoteLoss.
func (l *MemoryLink) RemoteLoss() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteLoss
}

// SetReceiveLoss sets what ReceiveLoss reports.
func (l *MemoryLink) SetReceiveLoss(ratio float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiveLoss = ratio
}

func (l *MemoryLink) ReceiveLoss() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiveLoss
}

// Close shuts both control channels and surfaces StateClosed on this
// side. It is idempotent.
func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.pair.shutdown()
	l.emit(transport.StateClosed)
	return nil
}

// Offers counts offers created; RestartOffers counts those that asked
// for an ICE restart.
func (l *MemoryLink) Offers() int        { return int(l.offers.Load()) }
func (l *MemoryLink) RestartOffers() int { return int(l.restartOffers.Load()) }

// RemoteCandidates counts candidates applied with AddICECandidate.
func (l *MemoryLink) RemoteCandidates() int { return int(l.remoteCandidates.Load()) }

// Lost counts media messages written to this side while the path was
// down.
func (l *MemoryLink) Lost() uint64 { return l.lost.Load() }

// LastReceived returns the newest media message delivered to this side
// on stream.
func (l *MemoryLink) LastReceived(stream uint32) (transport.MediaMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	message, ok := l.lastReceived[stream]
	return message, ok
}

// Inject delivers message to this side as if it had arrived from the
// peer.
func (l *MemoryLink) Inject(message transport.MediaMessage) bool {
	message.Data = bytes.Clone(message.Data)
	select {
	case l.media <- message:
		return true
	default:
		return false
	}
}

func (l *MemoryLink) deliver(message transport.MediaMessage) {
	if !l.pair.isUp() || l.isClosed() {
		l.lost.Add(1)
		return
	}
	l.mu.Lock()
	l.lastReceived[message.StreamID] = transport.MediaMessage{StreamID: message.StreamID, Data: bytes.Clone(message.Data)}
	l.mu.Unlock()
	select {
	case l.media <- message:
	default:
		l.lost.Add(1)
	}
}

func (l *MemoryLink) emit(state transport.State) {
	select {
	case l.states <- state:
	default:
		l.statesDropped.Add(1)
	}
}

func (l *MemoryLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type memoryTrack struct {
	link    *MemoryLink
	stream  uint32
	bitrate atomic.Int64
	written atomic.Uint64
}

func (t *memoryTrack) Write(message []byte, keyframe bool) (int, error) {
	if t.link.isClosed() {
		return 0, transport.ErrChannelClosed
	}
	t.written.Add(1)
	t.link.peer.deliver(transport.MediaMessage{StreamID: t.stream, Data: bytes.Clone(message)})
	return 0, nil
}

func (t *memoryTrack) SetBitrate(bitsPerSecond int) { t.bitrate.Store(int64(bitsPerSecond)) }

func (t *memoryTrack) QueueDepth() int { return 0 }

// TrackBitrate returns the pacing ceiling last set on stream's track.
func (l *MemoryLink) TrackBitrate(stream uint32) (int, bool) {
	l.mu.Lock()
	track, ok := l.tracks[stream]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	return int(track.bitrate.Load()), true
}

// Written counts media messages written on stream.
func (l *MemoryLink) Written(stream uint32) uint64 {
	l.mu.Lock()
	track, ok := l.tracks[stream]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	return track.written.Load()
}

type memoryChannel struct {
	peer      *memoryChannel
	messages  chan []byte
	opened    chan struct{}
	closed    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
}

var _ ControlChannel = (*memoryChannel)(nil)

func newMemoryChannel() *memoryChannel {
	return &memoryChannel{
		messages: make(chan []byte, 256),
		opened:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *memoryChannel) open()  { c.openOnce.Do(func() { close(c.opened) }) }
func (c *memoryChannel) close() { c.closeOnce.Do(func() { close(c.closed) }) }

func (c *memoryChannel) Send(ctx context.Context, message []byte) error {
	select {
	case <-c.closed:
		return transport.ErrChannelClosed
	default:
	}
	select {
	case <-c.opened:
	default:
		return transport.ErrChannelNotOpen
	}
	select {
	case c.peer.messages <- bytes.Clone(message):
		return nil
	case <-c.closed:
		return transport.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryChannel) Messages() <-chan []byte { return c.messages }

func (c *memoryChannel) Opened() <-chan struct{} { return c.opened }

func (c *memoryChannel) Closed() <-chan struct{} { return c.closed }
