// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/transport"
)

// ControlChannel is the reliable ordered channel carrying the data
// protocol.
type ControlChannel interface {
	Send(ctx context.Context, message []byte) error
	Messages() <-chan []byte
	Opened() <-chan struct{}
	Closed() <-chan struct{}
}

// MediaTrack is a paced sender for one media stream.
type MediaTrack interface {
	// Write queues one sealed media message and reports how many
	// older queued messages were dropped to make room.
	Write(message []byte, keyframe bool) (int, error)
	SetBitrate(bitsPerSecond int)
	QueueDepth() int
}

// Link is the peer connection a session drives. The production
// implementation wraps a transport.PeerConnection; tests use a
// MemoryLinkPair.
type Link interface {
	CreateOffer(iceRestart bool) (transport.Description, error)
	CreateAnswer() (transport.Description, error)
	SetRemote(description transport.Description) error
	AddICECandidate(candidate transport.Candidate) error

	Candidates() <-chan transport.Candidate
	States() <-chan transport.State
	Media() <-chan transport.MediaMessage
	Control() ControlChannel

	// MediaReady is closed once media tracks can carry traffic.
	MediaReady() <-chan struct{}
	AddMediaTrack(stream uint32, bitrateBPS int) (MediaTrack, error)

	// Metrics rates cover the interval since the previous call, so a
	// session has exactly one caller.
	Metrics() transport.Metrics
	SetRemoteLoss(ratio float64)
	ReceiveLoss() float64

	Close() error
}

// LinkFactory creates the link of a new negotiation.
type LinkFactory func() (Link, error)

// TransportLinks returns a factory of pion-backed links.
func TransportLinks(config transport.Config, clk clock.Clock, logger *slog.Logger) LinkFactory {
	return func() (Link, error) {
		connection, err := transport.NewPeerConnection(config, clk, logger)
		if err != nil {
			return nil, err
		}
		return &peerLink{PeerConnection: connection}, nil
	}
}

// peerLink narrows transport.PeerConnection's concrete channel and
// track types to the session interfaces.
type peerLink struct {
	*transport.PeerConnection
}

// Compile-time interface checks.
var (
	_ Link           = (*peerLink)(nil)
	_ ControlChannel = (*transport.DataChannel)(nil)
	_ MediaTrack     = (*transport.Track)(nil)
)

func (l *peerLink) Control() ControlChannel { return l.PeerConnection.Control() }

func (l *peerLink) AddMediaTrack(stream uint32, bitrateBPS int) (MediaTrack, error) {
	track, err := l.PeerConnection.AddMediaTrack(stream, bitrateBPS)
	if err != nil {
		return nil, err
	}
	return track, nil
}
