// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bureau-foundation/peerdesk/adaptive"
	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/config"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/media/codec"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/sink"
	"github.com/bureau-foundation/peerdesk/transport"
)

// Session timing defaults.
const (
	DefaultConnectTimeout       = 30 * time.Second
	DefaultNegotiateTimeout     = 30 * time.Second
	DefaultRecoveryTimeout      = 30 * time.Second
	DefaultCancellationBudget   = 2 * time.Second
	DefaultSignalingRetryBudget = 3
	DefaultSignalingBackoff     = 500 * time.Millisecond
	DefaultLinkReportInterval   = time.Second
	DefaultEventBuffer          = 256
)

// PeerPinner records the key a peer presented and rejects a key that
// differs from the pinned one. *identity.KnownPeers implements it.
type PeerPinner interface {
	Pin(peer identity.PeerDescriptor) error
}

var _ PeerPinner = (*identity.KnownPeers)(nil)

// Config is everything one session needs. Local, Signaling and Links
// are required; the rest have defaults.
type Config struct {
	Local     *identity.Identity
	Signaling signaling.Channel
	Links     LinkFactory

	// KnownPeers, if set, pins peer identity keys on first contact.
	KnownPeers PeerPinner

	Clock  clock.Clock
	Logger *slog.Logger
	Random io.Reader

	Crypto e2e.Config

	// Media is the outbound video profile before adaptation. The
	// capture size caps the resolution.
	Media  codec.MediaConfig
	Codecs *codec.Registry

	// Adaptive, if set, runs the link-quality controller on the host.
	Adaptive *adaptive.Config

	// Host side. A nil Displays sends no video and a nil Audio sends
	// no audio.
	Displays     media.DisplayBackend
	MonitorIndex int
	Audio        media.AudioBackend
	AudioOutput  string
	SampleRate   int
	Channels     int
	Injector     sink.Injector

	// RemoteControl is the host's policy: viewers may inject input
	// only when it is set.
	RemoteControl bool

	// Viewer side.
	Renderer             sink.Renderer
	RequestRemoteControl bool

	// TransfersDir holds incoming transfers. Empty refuses every
	// incoming file.
	TransfersDir string
	FreeSpace    func(path string) (uint64, error)

	ConnectTimeout       time.Duration
	NegotiateTimeout     time.Duration
	RecoveryTimeout      time.Duration
	CancellationBudget   time.Duration
	SignalingRetryBudget int
	SignalingBackoff     time.Duration
	LinkReportInterval   time.Duration

	// EventBuffer bounds the Events channel. Events beyond it are
	// dropped and counted.
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Random == nil {
		c.Random = rand.Reader
	}
	if c.Crypto == (e2e.Config{}) {
		c.Crypto = e2e.DefaultConfig()
	}
	if c.Codecs == nil {
		c.Codecs = codec.NewRegistry()
	}
	if c.Media == (codec.MediaConfig{}) {
		c.Media = codec.MediaConfig{Codec: codec.ZDelta, Width: 1920, Height: 1080, FPS: 30, BitrateBPS: 6_000_000, GOPSeconds: 2}
	}
	if c.SampleRate == 0 {
		c.SampleRate = 48000
	}
	if c.Channels == 0 {
		c.Channels = 2
	}
	if c.Injector == nil {
		c.Injector = &sink.LogInjector{Logger: c.Logger}
	}
	if c.Renderer == nil {
		c.Renderer = &sink.LogRenderer{Logger: c.Logger}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = DefaultNegotiateTimeout
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.CancellationBudget <= 0 {
		c.CancellationBudget = DefaultCancellationBudget
	}
	if c.SignalingRetryBudget <= 0 {
		c.SignalingRetryBudget = DefaultSignalingRetryBudget
	}
	if c.SignalingBackoff <= 0 {
		c.SignalingBackoff = DefaultSignalingBackoff
	}
	if c.LinkReportInterval <= 0 {
		c.LinkReportInterval = DefaultLinkReportInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// Validate reports every missing or invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.Local == nil {
		errs = append(errs, errors.New("session: local identity is required"))
	}
	if c.Signaling == nil {
		errs = append(errs, errors.New("session: signaling channel is required"))
	}
	if c.Links == nil {
		errs = append(errs, errors.New("session: link factory is required"))
	}
	if err := c.Crypto.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Media.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Adaptive != nil {
		if err := c.Adaptive.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromFile builds the file-driven part of a session Config: crypto,
// media, adaptation, timeouts and policy. The caller supplies the
// identity, signaling channel and link factory.
func FromFile(file *config.Config) (Config, error) {
	crypto, err := e2e.NewCryptoConfig(file.Crypto.AEAD, file.Crypto.ReplayWindow)
	if err != nil {
		return Config{}, fmt.Errorf("crypto: %w", err)
	}
	crypto.RotateAfter = file.Crypto.RotateAfter.Std()
	crypto.PacketBudget = file.Crypto.PacketBudget
	crypto.AuthStormCount = file.Crypto.AuthStormCount
	crypto.AuthStormWindow = file.Crypto.AuthStormWindow.Std()
	if err := crypto.Validate(); err != nil {
		return Config{}, fmt.Errorf("crypto: %w", err)
	}

	mediaConfig, err := codec.NewMediaConfig(codec.Family(file.Media.Codec), file.Media.Width, file.Media.Height,
		file.Media.FPS, file.Media.BitrateBPS, file.Media.GOPSeconds)
	if err != nil {
		return Config{}, fmt.Errorf("media: %w", err)
	}

	adaptiveConfig := adaptive.DefaultConfig()
	adaptiveConfig.SampleInterval = file.Adaptive.SampleInterval.Std()
	adaptiveConfig.DegradeAfter = file.Adaptive.DegradeAfter
	adaptiveConfig.UpgradeAfter = file.Adaptive.UpgradeAfter
	adaptiveConfig.QueueDepthThreshold = file.Adaptive.QueueDepthThreshold
	adaptiveConfig.Ceiling = adaptive.Profile{
		Width: mediaConfig.Width, Height: mediaConfig.Height,
		FPS: mediaConfig.FPS, BitrateBPS: mediaConfig.BitrateBPS,
	}
	if err := adaptiveConfig.Validate(); err != nil {
		return Config{}, fmt.Errorf("adaptive: %w", err)
	}

	return Config{
		Crypto:               crypto,
		Media:                mediaConfig,
		Adaptive:             &adaptiveConfig,
		SampleRate:           file.Media.SampleRate,
		Channels:             file.Media.Channels,
		RemoteControl:        file.Session.RemoteControl,
		RequestRemoteControl: file.Session.RemoteControl,
		TransfersDir:         file.Paths.Transfers,
		ConnectTimeout:       file.Session.ConnectTimeout.Std(),
		NegotiateTimeout:     file.Session.NegotiateTimeout.Std(),
		RecoveryTimeout:      file.Session.RecoveryTimeout.Std(),
		CancellationBudget:   file.Session.CancellationBudget.Std(),
		SignalingRetryBudget: file.Signaling.RetryBudget,
		SignalingBackoff:     file.Signaling.BackoffInitial.Std(),
	}, nil
}

// TransportFromFile builds the peer connection config.
func TransportFromFile(file *config.Config) (transport.Config, error) {
	policy, err := transport.ParsePolicy(file.ICE.Policy)
	if err != nil {
		return transport.Config{}, err
	}
	servers := make([]transport.ICEServer, 0, len(file.ICE.Servers))
	for _, server := range file.ICE.Servers {
		servers = append(servers, transport.ICEServer{URLs: server.URLs, Username: server.Username, Credential: server.Credential})
	}
	transportConfig, err := transport.NewConfig(servers, policy, file.Transport.ReconnectGrace.Std())
	if err != nil {
		return transport.Config{}, err
	}
	transportConfig.QueueHighWatermark = file.Transport.QueueHighWatermark
	transportConfig.FragmentSize = file.Transport.FragmentSize
	transportConfig.VideoBitrateBPS = file.Media.BitrateBPS
	return transportConfig, nil
}
