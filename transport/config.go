// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

// Policy selects which ICE candidates may be used.
type Policy int

const (
	// PolicyAll gathers host candidates first, then server-reflexive
	// candidates from STUN, then relay candidates from TURN.
	PolicyAll Policy = iota

	// PolicyRelay forces all traffic through TURN.
	PolicyRelay
)

func (p Policy) String() string {
	if p == PolicyRelay {
		return "relay"
	}
	return "all"
}

// ParsePolicy accepts "all" and "relay".
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "all":
		return PolicyAll, nil
	case "relay":
		return PolicyRelay, nil
	}
	return 0, fmt.Errorf("ice policy %q is not all or relay", name)
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Bounds on the reconnect grace.
const (
	MinReconnectGrace = time.Second
	MaxReconnectGrace = 60 * time.Second
)

// Defaults applied by NewConfig.
const (
	DefaultReconnectGrace     = 3 * time.Second
	DefaultQueueHighWatermark = 256
	DefaultFragmentSize       = 1150
	DefaultGatherTimeout      = 15 * time.Second
)

// Config parameterises a PeerConnection. Construct with NewConfig.
type Config struct {
	ICEServers []ICEServer
	Policy     Policy

	// ReconnectGrace hides Disconnected blips shorter than itself.
	ReconnectGrace time.Duration

	// QueueHighWatermark bounds each media pacer queue in packets.
	QueueHighWatermark int

	// FragmentSize bounds each media data channel message, header
	// included.
	FragmentSize int

	// VideoBitrateBPS is the initial video pacer ceiling.
	VideoBitrateBPS int
}

// NewConfig returns a validated transport configuration with pacing
// defaults filled in.
func NewConfig(servers []ICEServer, policy Policy, reconnectGrace time.Duration) (Config, error) {
	config := Config{
		ICEServers:         servers,
		Policy:             policy,
		ReconnectGrace:     reconnectGrace,
		QueueHighWatermark: DefaultQueueHighWatermark,
		FragmentSize:       DefaultFragmentSize,
		VideoBitrateBPS:    6_000_000,
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks ranges and the server list.
func (c Config) Validate() error {
	var errs []error
	if c.Policy != PolicyAll && c.Policy != PolicyRelay {
		errs = append(errs, fmt.Errorf("ice policy %d is not All or Relay", c.Policy))
	}
	if c.ReconnectGrace < MinReconnectGrace || c.ReconnectGrace > MaxReconnectGrace {
		errs = append(errs, fmt.Errorf("reconnect grace %v out of range [%v, %v]", c.ReconnectGrace, MinReconnectGrace, MaxReconnectGrace))
	}
	if c.FragmentSize <= fragmentHeaderSize || c.FragmentSize > 16*1024 {
		errs = append(errs, fmt.Errorf("fragment size %d out of range (%d, 16384]", c.FragmentSize, fragmentHeaderSize))
	}
	if c.QueueHighWatermark < 1 {
		errs = append(errs, fmt.Errorf("queue high watermark %d must be positive", c.QueueHighWatermark))
	}
	haveSTUN, haveTURN := false, false
	for _, server := range c.ICEServers {
		for _, raw := range server.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("ice server %q: %w", raw, err))
				continue
			}
			switch uri.Scheme {
			case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
				haveSTUN = true
			case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
				haveTURN = true
			}
		}
	}
	if !haveSTUN {
		errs = append(errs, errors.New("at least one stun server is required"))
	}
	if c.Policy == PolicyRelay && !haveTURN {
		errs = append(errs, errors.New("relay policy requires a turn server"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	policy := webrtc.ICETransportPolicyAll
	if c.Policy == PolicyRelay {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{ICEServers: servers, ICETransportPolicy: policy}
}

func (c Config) withDefaults() Config {
	if c.ReconnectGrace == 0 {
		c.ReconnectGrace = DefaultReconnectGrace
	}
	if c.QueueHighWatermark == 0 {
		c.QueueHighWatermark = DefaultQueueHighWatermark
	}
	if c.FragmentSize == 0 {
		c.FragmentSize = DefaultFragmentSize
	}
	if c.VideoBitrateBPS == 0 {
		c.VideoBitrateBPS = 6_000_000
	}
	return c
}
