// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "PEERDESK_CONFIG"

// Config is the full node configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Identity  IdentityConfig  `yaml:"identity"`
	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ICEConfig       `yaml:"ice"`
	Media     MediaConfig     `yaml:"media"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Adaptive  AdaptiveConfig  `yaml:"adaptive"`
}

// PathsConfig locates persisted state.
type PathsConfig struct {
	// Root is the base directory; other paths default beneath it.
	Root string `yaml:"root"`

	// State holds identity.key, identity.pub, connection_id and
	// known_peers.
	State string `yaml:"state"`

	// Transfers holds in-progress and completed file transfers.
	Transfers string `yaml:"transfers"`
}

// IdentityConfig controls the local identity.
type IdentityConfig struct {
	DisplayName string `yaml:"display_name"`

	// PassphraseEnv names an environment variable whose value seals
	// identity.key. Empty leaves the key unsealed.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// SignalingConfig locates the rendezvous directory.
type SignalingConfig struct {
	URL            string   `yaml:"url"`
	RetryBudget    int      `yaml:"retry_budget"`
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
	PingInterval   Duration `yaml:"ping_interval"`
	PongTimeout    Duration `yaml:"pong_timeout"`
}

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ICEConfig lists ICE servers and the candidate policy.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`

	// Policy is "all" or "relay".
	Policy string `yaml:"policy"`
}

// MediaConfig is the outbound media profile before adaptation.
type MediaConfig struct {
	Codec      string `yaml:"codec"`
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
	BitrateBPS int    `yaml:"bitrate_bps"`
	GOPSeconds int    `yaml:"gop_seconds"`
	Display    string `yaml:"display"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// CryptoConfig selects the AEAD and key lifetimes.
type CryptoConfig struct {
	AEAD            string   `yaml:"aead"`
	ReplayWindow    int      `yaml:"replay_window"`
	RotateAfter     Duration `yaml:"rotate_after"`
	PacketBudget    uint64   `yaml:"packet_budget"`
	AuthStormCount  int      `yaml:"auth_storm_count"`
	AuthStormWindow Duration `yaml:"auth_storm_window"`
}

// TransportConfig tunes the peer connection.
type TransportConfig struct {
	ReconnectGrace     Duration `yaml:"reconnect_grace"`
	QueueHighWatermark int      `yaml:"queue_high_watermark"`
	FragmentSize       int      `yaml:"fragment_size"`
}

// SessionConfig holds state machine timeouts and policy.
type SessionConfig struct {
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	NegotiateTimeout   Duration `yaml:"negotiate_timeout"`
	RecoveryTimeout    Duration `yaml:"recovery_timeout"`
	CancellationBudget Duration `yaml:"cancellation_budget"`

	// RemoteControl allows viewers to inject input on this host.
	RemoteControl bool `yaml:"remote_control"`

	// AutoAccept accepts every incoming connect request.
	AutoAccept bool `yaml:"auto_accept"`
}

// AdaptiveConfig tunes the link-quality controller.
type AdaptiveConfig struct {
	SampleInterval      Duration `yaml:"sample_interval"`
	DegradeAfter        int      `yaml:"degrade_after"`
	UpgradeAfter        int      `yaml:"upgrade_after"`
	QueueDepthThreshold int      `yaml:"queue_depth_threshold"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses "1500ms", "30s" and similar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when a field is absent.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "peerdesk")
	return &Config{
		Paths: PathsConfig{
			Root:      root,
			State:     "${PEERDESK_ROOT}/state",
			Transfers: "${PEERDESK_ROOT}/transfers",
		},
		Signaling: SignalingConfig{
			URL:            "ws://127.0.0.1:7420/signal",
			RetryBudget:    3,
			BackoffInitial: Duration(500 * time.Millisecond),
			BackoffMax:     Duration(30 * time.Second),
			PingInterval:   Duration(15 * time.Second),
			PongTimeout:    Duration(30 * time.Second),
		},
		ICE: ICEConfig{
			Servers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			Policy:  "all",
		},
		Media: MediaConfig{
			Codec:      "ZDELTA",
			Width:      1920,
			Height:     1080,
			FPS:        30,
			BitrateBPS: 6_000_000,
			GOPSeconds: 2,
			SampleRate: 48000,
			Channels:   2,
		},
		Crypto: CryptoConfig{
			AEAD:            "ChaCha20-Poly1305",
			ReplayWindow:    256,
			RotateAfter:     Duration(time.Hour),
			PacketBudget:    1 << 30,
			AuthStormCount:  32,
			AuthStormWindow: Duration(2 * time.Second),
		},
		Transport: TransportConfig{
			ReconnectGrace:     Duration(3 * time.Second),
			QueueHighWatermark: 256,
			FragmentSize:       1150,
		},
		Session: SessionConfig{
			ConnectTimeout:     Duration(30 * time.Second),
			NegotiateTimeout:   Duration(30 * time.Second),
			RecoveryTimeout:    Duration(30 * time.Second),
			CancellationBudget: Duration(2 * time.Second),
		},
		Adaptive: AdaptiveConfig{
			SampleInterval:      Duration(time.Second),
			DegradeAfter:        2,
			UpgradeAfter:        5,
			QueueDepthThreshold: 30,
		},
	}
}

// Load reads the file named by PEERDESK_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s is not set; pass --config or export it", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults and expands path variables.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	config, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Parse decodes data over the defaults. extension selects JSONC
// preprocessing for ".json" and ".jsonc".
func Parse(data []byte, extension string) (*Config, error) {
	config := Default()
	switch strings.ToLower(extension) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	config.expandVariables()
	return config, nil
}

func (c *Config) expandVariables() {
	variables := map[string]string{"HOME": os.Getenv("HOME")}
	c.Paths.Root = expand(c.Paths.Root, variables)
	variables["PEERDESK_ROOT"] = c.Paths.Root
	c.Paths.State = expand(c.Paths.State, variables)
	c.Paths.Transfers = expand(c.Paths.Transfers, variables)
}

var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expand(text string, variables map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		if value := variables[parts[1]]; value != "" {
			return value
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every structural problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.State == "" {
		errs = append(errs, errors.New("paths.state is required"))
	}
	if c.Paths.Transfers == "" {
		errs = append(errs, errors.New("paths.transfers is required"))
	}
	if c.Signaling.URL == "" {
		errs = append(errs, errors.New("signaling.url is required"))
	} else if !strings.HasPrefix(c.Signaling.URL, "ws://") && !strings.HasPrefix(c.Signaling.URL, "wss://") {
		errs = append(errs, fmt.Errorf("signaling.url %q must use ws:// or wss://", c.Signaling.URL))
	}
	if c.Signaling.RetryBudget < 0 {
		errs = append(errs, errors.New("signaling.retry_budget must not be negative"))
	}
	if c.ICE.Policy != "all" && c.ICE.Policy != "relay" {
		errs = append(errs, fmt.Errorf("ice.policy %q must be all or relay", c.ICE.Policy))
	}
	errs = append(errs, validateICEServers(c.ICE)...)
	if c.Adaptive.DegradeAfter < 1 || c.Adaptive.UpgradeAfter < 1 {
		errs = append(errs, errors.New("adaptive.degrade_after and adaptive.upgrade_after must be at least 1"))
	}
	for name, value := range map[string]Duration{
		"session.connect_timeout":     c.Session.ConnectTimeout,
		"session.negotiate_timeout":   c.Session.NegotiateTimeout,
		"session.recovery_timeout":    c.Session.RecoveryTimeout,
		"session.cancellation_budget": c.Session.CancellationBudget,
		"adaptive.sample_interval":    c.Adaptive.SampleInterval,
	} {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// validateICEServers parses every URL and requires at least one STUN
// server. TURN entries need credentials.
func validateICEServers(ice ICEConfig) []error {
	var errs []error
	haveSTUN, haveTURN := false, false
	for index, server := range ice.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d] has no urls", index))
		}
		for _, raw := range server.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("ice.servers[%d]: %q: %w", index, raw, err))
				continue
			}
			switch uri.Scheme {
			case stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS:
				haveSTUN = true
			case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
				haveTURN = true
				if server.Username == "" || server.Credential == "" {
					errs = append(errs, fmt.Errorf("ice.servers[%d]: turn server %q needs username and credential", index, raw))
				}
			}
		}
	}
	if !haveSTUN {
		errs = append(errs, errors.New("ice.servers must include at least one stun: server"))
	}
	if ice.Policy == "relay" && !haveTURN {
		errs = append(errs, errors.New("ice.policy relay requires a turn: server"))
	}
	return errs
}

// EnsurePaths creates the state and transfer directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.State, c.Paths.Transfers} {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// Passphrase returns the identity passphrase from the configured
// environment variable, or "" when none is configured.
func (c *Config) Passphrase() string {
	if c.Identity.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Identity.PassphraseEnv)
}
