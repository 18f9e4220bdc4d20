// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/media"
)

// Pre-negotiated channel ids. Both sides create these channels before
// the offer/answer exchange, so no in-band open handshake is needed.
const (
	controlChannelID uint16 = 0
	videoChannelID   uint16 = 1
	audioChannelID   uint16 = 2
)

// ICE timing. The grace filter sits on top of these.
const (
	iceDisconnectedTimeout = 3 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepaliveInterval   = time.Second
)

// DescriptionType distinguishes offers from answers.
type DescriptionType string

const (
	Offer  DescriptionType = "offer"
	Answer DescriptionType = "answer"
)

// Description is a session description exchanged through signaling.
type Description struct {
	Type DescriptionType `json:"type"`
	SDP  string          `json:"sdp"`
}

// Candidate is a trickled ICE candidate in the browser-compatible
// RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// MediaMessage is one reassembled inbound media message.
type MediaMessage struct {
	StreamID uint32
	Data     []byte
}

// PeerConnection is one peer-to-peer link carrying a reliable control
// channel and unreliable video and audio channels.
//
// Local candidates, surfaced state changes, inbound media and remotely
// opened channels are delivered on bounded channels; the owner drains
// them from its event loop. The connection never calls back into its
// owner directly.
type PeerConnection struct {
	config     Config
	clock      clock.Clock
	logger     *slog.Logger
	connection *webrtc.PeerConnection
	filter     *stateFilter

	control *DataChannel
	video   *DataChannel
	audio   *DataChannel

	candidates chan Candidate
	states     chan State
	media      chan MediaMessage
	incoming   chan *DataChannel

	mu                sync.Mutex
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	tracks            map[uint32]*Track
	extraChannels     []*DataChannel
	reassemblers      map[uint32]*reassembler
	remoteLoss        float64
	lastSample        rateSample
	lossBaseline      lossCounters

	receiveDrops atomic.Uint64

	ctx        context.Context
	cancel     context.CancelFunc
	closed     chan struct{}
	mediaReady chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewPeerConnection creates a peer connection and its three channels.
// Gathering starts when the local description is set.
func NewPeerConnection(config Config, clk clock.Clock, logger *slog.Logger) (*PeerConnection, error) {
	config = config.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	settingEngine := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)
	settingEngine.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	connection, err := api.NewPeerConnection(config.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PeerConnection{
		config:       config,
		clock:        clk,
		logger:       logger,
		connection:   connection,
		candidates:   make(chan Candidate, 64),
		states:       make(chan State, 16),
		media:        make(chan MediaMessage, 64),
		incoming:     make(chan *DataChannel, 8),
		tracks:       make(map[uint32]*Track),
		reassemblers: map[uint32]*reassembler{media.VideoStream: newReassembler(), media.AudioStream: newReassembler()},
		lastSample:   rateSample{at: clk.Now()},
		ctx:          ctx,
		cancel:       cancel,
		closed:       make(chan struct{}),
		mediaReady:   make(chan struct{}),
	}
	p.filter = newStateFilter(clk, config.ReconnectGrace, p.emitState)

	if p.control, err = p.negotiatedChannel("control", controlChannelID, true); err == nil {
		if p.video, err = p.negotiatedChannel("video", videoChannelID, false); err == nil {
			p.audio, err = p.negotiatedChannel("audio", audioChannelID, false)
		}
	}
	if err != nil {
		cancel()
		connection.Close()
		return nil, err
	}

	connection.OnICECandidate(p.handleLocalCandidate)
	connection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state", "state", state.String())
		p.filter.observe(stateFromPion(state))
	})
	connection.OnDataChannel(p.handleRemoteChannel)

	go p.watchMediaChannels()
	p.wg.Add(2)
	go p.receiveMedia(p.video, media.VideoStream)
	go p.receiveMedia(p.audio, media.AudioStream)
	return p, nil
}

func (p *PeerConnection) negotiatedChannel(label string, id uint16, reliable bool) (*DataChannel, error) {
	negotiated := true
	ordered := reliable
	init := &webrtc.DataChannelInit{Ordered: &ordered, Negotiated: &negotiated, ID: &id}
	if !reliable {
		var retransmits uint16
		init.MaxRetransmits = &retransmits
	}
	channel, err := p.connection.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("creating %s channel: %w", label, err)
	}
	return newDataChannel(channel, reliable, p.logger), nil
}

// Candidates delivers local ICE candidates as they are gathered.
func (p *PeerConnection) Candidates() <-chan Candidate { return p.candidates }

// States delivers surfaced lifecycle transitions.
func (p *PeerConnection) States() <-chan State { return p.states }

// State returns the current surfaced state.
func (p *PeerConnection) State() State { return p.filter.state() }

// Media delivers reassembled inbound media messages. When the owner
// falls behind, messages are dropped and counted.
func (p *PeerConnection) Media() <-chan MediaMessage { return p.media }

// IncomingChannels delivers channels opened by the remote side with
// OpenDataChannel.
func (p *PeerConnection) IncomingChannels() <-chan *DataChannel { return p.incoming }

// Control returns the reliable ordered control channel.
func (p *PeerConnection) Control() *DataChannel { return p.control }

// MediaReady is closed once both media channels are open.
func (p *PeerConnection) MediaReady() <-chan struct{} { return p.mediaReady }

func (p *PeerConnection) watchMediaChannels() {
	for _, channel := range []*DataChannel{p.video, p.audio} {
		select {
		case <-channel.Opened():
		case <-p.closed:
			return
		}
	}
	close(p.mediaReady)
}

// Done is closed once Close has been called.
func (p *PeerConnection) Done() <-chan struct{} { return p.closed }

// CreateOffer creates and applies a local offer. Candidates trickle
// separately, so the returned SDP may contain none. Set iceRestart to
// gather fresh credentials on a connection that lost its path.
func (p *PeerConnection) CreateOffer(iceRestart bool) (Description, error) {
	if p.isClosed() {
		return Description{}, ErrClosed
	}
	offer, err := p.connection.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return Description{}, fmt.Errorf("creating offer: %w", err)
	}
	if err := p.connection.SetLocalDescription(offer); err != nil {
		return Description{}, fmt.Errorf("setting local offer: %w", err)
	}
	return Description{Type: Offer, SDP: offer.SDP}, nil
}

// CreateAnswer creates and applies a local answer to the remote offer.
func (p *PeerConnection) CreateAnswer() (Description, error) {
	if p.isClosed() {
		return Description{}, ErrClosed
	}
	answer, err := p.connection.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("creating answer: %w", err)
	}
	if err := p.connection.SetLocalDescription(answer); err != nil {
		return Description{}, fmt.Errorf("setting local answer: %w", err)
	}
	return Description{Type: Answer, SDP: answer.SDP}, nil
}

// SetRemote applies the remote description and then any candidates
// that arrived ahead of it.
func (p *PeerConnection) SetRemote(description Description) error {
	if p.isClosed() {
		return ErrClosed
	}
	var sdpType webrtc.SDPType
	switch description.Type {
	case Offer:
		sdpType = webrtc.SDPTypeOffer
	case Answer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported description type %q", description.Type)
	}
	if err := p.connection.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: description.SDP}); err != nil {
		return fmt.Errorf("setting remote %s: %w", description.Type, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()
	for _, candidate := range pending {
		if err := p.connection.AddICECandidate(candidate); err != nil {
			p.logger.Warn("dropping early remote candidate", "error", err)
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate, buffering it until the
// remote description is known.
func (p *PeerConnection) AddICECandidate(candidate Candidate) error {
	if p.isClosed() {
		return ErrClosed
	}
	init := webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
	p.mu.Lock()
	if !p.remoteSet {
		p.pendingCandidates = append(p.pendingCandidates, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.connection.AddICECandidate(init); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

// OpenDataChannel opens an additional in-band negotiated channel.
// Unreliable channels are unordered with no retransmissions.
func (p *PeerConnection) OpenDataChannel(label string, reliable, ordered bool) (*DataChannel, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if !reliable {
		var retransmits uint16
		init.MaxRetransmits = &retransmits
	}
	channel, err := p.connection.CreateDataChannel(label, init)
	if err != nil {
		return nil, fmt.Errorf("creating %s channel: %w", label, err)
	}
	wrapped := newDataChannel(channel, reliable && ordered, p.logger)
	p.mu.Lock()
	p.extraChannels = append(p.extraChannels, wrapped)
	p.mu.Unlock()
	return wrapped, nil
}

// AddMediaTrack attaches a paced sender for stream to its media
// channel. A zero bitrate sends unpaced.
func (p *PeerConnection) AddMediaTrack(stream uint32, bitrateBPS int) (*Track, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	var channel *DataChannel
	switch stream {
	case media.VideoStream:
		channel = p.video
	case media.AudioStream:
		channel = p.audio
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, stream)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if track, ok := p.tracks[stream]; ok {
		track.pacer.SetRate(bitrateBPS)
		return track, nil
	}
	track := &Track{
		stream:       stream,
		channel:      channel,
		fragmentSize: p.config.FragmentSize,
	}
	track.pacer = newPacer(p.clock, bitrateBPS, p.config.QueueHighWatermark, func(piece []byte) error {
		return channel.Send(p.ctx, piece)
	})
	p.tracks[stream] = track
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// Wait for the channel rather than failing early writes.
		select {
		case <-channel.Opened():
		case <-p.ctx.Done():
			return
		}
		track.pacer.run(p.ctx, func(err error) {
			p.logger.Debug("media fragment send failed", "stream", stream, "error", err)
		})
	}()
	return track, nil
}

func (p *PeerConnection) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		p.logger.Debug("local candidate gathering complete")
		return
	}
	init := candidate.ToJSON()
	out := Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
	select {
	case p.candidates <- out:
	case <-p.closed:
	}
}

func (p *PeerConnection) handleRemoteChannel(channel *webrtc.DataChannel) {
	reliable := channel.Ordered() && channel.MaxRetransmits() == nil && channel.MaxPacketLifeTime() == nil
	wrapped := newDataChannel(channel, reliable, p.logger)
	p.mu.Lock()
	p.extraChannels = append(p.extraChannels, wrapped)
	p.mu.Unlock()
	p.logger.Debug("remote opened data channel", "label", channel.Label(), "reliable", reliable)
	select {
	case p.incoming <- wrapped:
	case <-p.closed:
		wrapped.Close()
	}
}

func (p *PeerConnection) emitState(state State) {
	select {
	case p.states <- state:
		return
	default:
	}
	select {
	case p.states <- state:
	case <-p.closed:
	}
}

func (p *PeerConnection) receiveMedia(channel *DataChannel, stream uint32) {
	defer p.wg.Done()
	for {
		select {
		case piece := <-channel.Messages():
			p.mu.Lock()
			message, err := p.reassemblers[stream].add(piece, p.clock.Now())
			p.mu.Unlock()
			if err != nil {
				p.logger.Debug("discarding malformed fragment", "stream", stream, "error", err)
				continue
			}
			if message == nil {
				continue
			}
			select {
			case p.media <- MediaMessage{StreamID: stream, Data: message}:
			default:
				p.receiveDrops.Add(1)
			}
		case <-channel.Closed():
			return
		case <-p.ctx.Done():
			return
		}
	}
}

// Close tears down every channel and the connection, then surfaces
// StateClosed. Close is idempotent.
func (p *PeerConnection) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.cancel()
		p.control.Close()
		p.video.Close()
		p.audio.Close()
		p.mu.Lock()
		extra := p.extraChannels
		p.mu.Unlock()
		for _, channel := range extra {
			channel.Close()
		}
		err = p.connection.Close()
		p.wg.Wait()
		p.filter.observe(StateClosed)
	})
	return err
}

func (p *PeerConnection) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Track is a paced sender for one media stream.
type Track struct {
	stream       uint32
	channel      *DataChannel
	pacer        *pacer
	fragmentSize int
	frameID      atomic.Uint32
}

// StreamID returns the media stream this track carries.
func (t *Track) StreamID() uint32 { return t.stream }

// Write fragments and queues one sealed media message. It reports how
// many older queued messages were dropped to make room.
func (t *Track) Write(message []byte, keyframe bool) (int, error) {
	select {
	case <-t.channel.Closed():
		return 0, ErrChannelClosed
	default:
	}
	fragments, err := fragment(t.frameID.Add(1), message, t.fragmentSize)
	if err != nil {
		return 0, err
	}
	return t.pacer.enqueue(fragments, keyframe), nil
}

// SetBitrate changes the pacing ceiling.
func (t *Track) SetBitrate(bitsPerSecond int) { t.pacer.SetRate(bitsPerSecond) }

// QueueDepth is the number of messages waiting to be sent.
func (t *Track) QueueDepth() int { return t.pacer.stats().QueueDepth }

// Metrics are link measurements of one PeerConnection.
type Metrics struct {
	RTTMillis float64 `json:"rtt_ms"`

	// LossRatio is the media loss reported by the remote receiver.
	LossRatio float64 `json:"loss_ratio"`

	SendBPS       float64 `json:"send_bps"`
	RecvBPS       float64 `json:"recv_bps"`
	BytesInFlight uint64  `json:"bytes_in_flight"`

	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`

	// QueueDepth is the number of media messages waiting in pacers.
	QueueDepth   int    `json:"queue_depth"`
	PacerDrops   uint64 `json:"pacer_drops"`
	ReceiveDrops uint64 `json:"receive_drops"`
	HiddenBlips  uint64 `json:"hidden_blips"`
}

type rateSample struct {
	at       time.Time
	sent     uint64
	received uint64
}

type lossCounters struct {
	completed uint64
	lost      uint64
}

// Metrics samples the nominated candidate pair and local queues. Rates
// cover the interval since the previous call.
func (p *PeerConnection) Metrics() Metrics {
	var metrics Metrics
	for _, report := range p.connection.GetStats() {
		pair, ok := report.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		metrics.RTTMillis = pair.CurrentRoundTripTime * 1000
		metrics.BytesSent = pair.BytesSent
		metrics.BytesReceived = pair.BytesReceived
		break
	}
	for _, channel := range []*DataChannel{p.control, p.video, p.audio} {
		metrics.BytesInFlight += channel.BufferedAmount()
	}

	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, track := range p.tracks {
		stats := track.pacer.stats()
		metrics.QueueDepth += stats.QueueDepth
		metrics.PacerDrops += stats.Drops
		metrics.BytesInFlight += uint64(stats.QueuedBytes)
	}
	if elapsed := now.Sub(p.lastSample.at).Seconds(); elapsed > 0 {
		if metrics.BytesSent >= p.lastSample.sent {
			metrics.SendBPS = float64(metrics.BytesSent-p.lastSample.sent) * 8 / elapsed
		}
		if metrics.BytesReceived >= p.lastSample.received {
			metrics.RecvBPS = float64(metrics.BytesReceived-p.lastSample.received) * 8 / elapsed
		}
	}
	p.lastSample = rateSample{at: now, sent: metrics.BytesSent, received: metrics.BytesReceived}
	metrics.LossRatio = p.remoteLoss
	metrics.ReceiveDrops = p.receiveDrops.Load()
	metrics.HiddenBlips = p.filter.hiddenBlips()
	return metrics
}

// SetRemoteLoss records the loss ratio the remote receiver reported.
func (p *PeerConnection) SetRemoteLoss(ratio float64) {
	if math.IsNaN(ratio) {
		return
	}
	p.mu.Lock()
	p.remoteLoss = min(max(ratio, 0), 1)
	p.mu.Unlock()
}

// ReceiveLoss returns the fraction of inbound media messages abandoned
// incomplete since the previous call.
func (p *PeerConnection) ReceiveLoss() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var now lossCounters
	for _, assembler := range p.reassemblers {
		now.completed += assembler.framesCompleted
		now.lost += assembler.framesLost
	}
	completed := now.completed - p.lossBaseline.completed
	lost := now.lost - p.lossBaseline.lost
	p.lossBaseline = now
	if completed+lost == 0 {
		return 0
	}
	return float64(lost) / float64(completed+lost)
}
