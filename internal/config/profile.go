// Package config holds the obfuscation profile, rekey policy, and session
// configuration knobs the core exposes to the (out-of-scope) configuration
// loading layer, following the teacher's struct-plus-yaml-tags-plus-
// Default*Config style.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PaddingMode selects how post-AEAD padding is generated.
type PaddingMode string

const (
	PaddingNone         PaddingMode = "none"
	PaddingFixed        PaddingMode = "fixed"
	PaddingDistribution PaddingMode = "distribution"
	PaddingTrafficShape PaddingMode = "traffic_shape"
)

// TimingMode selects the inter-frame delay distribution.
type TimingMode string

const (
	TimingNone        TimingMode = "none"
	TimingUniform     TimingMode = "uniform"
	TimingExponential TimingMode = "exponential"
	TimingPareto      TimingMode = "pareto"
	TimingNormal      TimingMode = "normal"
)

// MimicryMode selects the outer wire shape the record layer imitates.
type MimicryMode string

const (
	MimicryNone      MimicryMode = "none"
	MimicryTLS13     MimicryMode = "tls13"
	MimicryWebSocket MimicryMode = "websocket"
	MimicryDoH       MimicryMode = "doh"
	MimicryICMPEcho  MimicryMode = "icmp_echo"
)

// PaddingProfile configures post-AEAD padding.
type PaddingProfile struct {
	Mode         PaddingMode    `yaml:"mode"`
	FixedSize    int            `yaml:"fixed_size,omitempty"`
	Distribution map[int]float64 `yaml:"distribution,omitempty"`
	ShapeTarget  int            `yaml:"shape_target,omitempty"`
}

// TimingProfile configures inter-frame pacing jitter.
type TimingProfile struct {
	Mode  TimingMode `yaml:"mode"`
	Mean  float64    `yaml:"mean,omitempty"`
	Min   float64    `yaml:"min,omitempty"`
	Alpha float64    `yaml:"alpha,omitempty"`
	Mu    float64    `yaml:"mu,omitempty"`
	Sigma float64    `yaml:"sigma,omitempty"`
}

// RekeyPolicy configures the DH ratchet trigger thresholds; whichever
// fires first wins.
type RekeyPolicy struct {
	TimeSeconds int    `yaml:"time_seconds"`
	PacketCount uint64 `yaml:"packet_count"`
	BytesCount  uint64 `yaml:"bytes_count"`
}

// Interval returns the time threshold as a duration.
func (r RekeyPolicy) Interval() time.Duration {
	return time.Duration(r.TimeSeconds) * time.Second
}

// ObfuscationProfile bundles every wire-shape configuration knob the
// external interfaces section recognizes.
type ObfuscationProfile struct {
	Padding   PaddingProfile `yaml:"padding"`
	Timing    TimingProfile  `yaml:"timing"`
	Mimicry   MimicryMode    `yaml:"mimicry"`
	Elligator bool           `yaml:"elligator"`
	Rekey     RekeyPolicy    `yaml:"rekey"`
}

// SessionConfig is the top-level configuration for opening or accepting a
// session.
type SessionConfig struct {
	IdentityPath       string             `yaml:"identity_path"`
	ListenAddr         string             `yaml:"listen_addr"`
	HandshakeTimeout   time.Duration      `yaml:"handshake_timeout"`
	MigrationGrace     time.Duration      `yaml:"migration_grace"`
	InitialStreamWindow uint32            `yaml:"initial_stream_window"`
	InitialSessionWindow uint32           `yaml:"initial_session_window"`
	ReorderBufferCap   uint32             `yaml:"reorder_buffer_cap"`
	BadFrameThreshold  int                `yaml:"bad_frame_threshold"`
	BadFrameWindow     time.Duration      `yaml:"bad_frame_window"`
	Obfuscation        ObfuscationProfile `yaml:"obfuscation"`
	LogLevel           string             `yaml:"log_level"`
}

// DefaultObfuscationProfile returns the cheapest, most-observable-as-noise
// defaults: no padding, no timing jitter, no mimicry, Elligator2 disabled,
// and the rekey thresholds the ratchet component itself defaults to
// (2 minutes / 1,000,000 packets / 1 GiB).
func DefaultObfuscationProfile() ObfuscationProfile {
	return ObfuscationProfile{
		Padding:   PaddingProfile{Mode: PaddingNone},
		Timing:    TimingProfile{Mode: TimingNone},
		Mimicry:   MimicryNone,
		Elligator: false,
		Rekey: RekeyPolicy{
			TimeSeconds: 120,
			PacketCount: 1_000_000,
			BytesCount:  1 << 30,
		},
	}
}

// DefaultSessionConfig returns a config with sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		IdentityPath:         "/etc/wraith/identity.key",
		ListenAddr:           "0.0.0.0:0",
		HandshakeTimeout:     10 * time.Second,
		MigrationGrace:       3 * time.Second,
		InitialStreamWindow:  256 * 1024,
		InitialSessionWindow: 16 * 1024 * 1024,
		ReorderBufferCap:     4 * 1024 * 1024,
		BadFrameThreshold:    100,
		BadFrameWindow:       10 * time.Second,
		Obfuscation:          DefaultObfuscationProfile(),
		LogLevel:             "info",
	}
}

// LoadSessionConfig loads a SessionConfig from a YAML file, starting from
// defaults so an omitted field keeps its default value.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	cfg := DefaultSessionConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
