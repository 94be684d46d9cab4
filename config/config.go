package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tempest-io/tempest/secure"
	"github.com/tempest-io/tempest/wire"
)

const (
	EnvPrefix = "TEMPEST_"

	// DefaultMaxMessageLength caps frames at 1 MiB.
	DefaultMaxMessageLength = 1 << 20

	// DefaultSigningHash selects the HMAC variant.
	DefaultSigningHash = "SHA256"

	// DefaultResendInterval is the retransmit threshold for unacked
	// reliable datagram messages.
	DefaultResendInterval = time.Second

	// DefaultPingInterval disables the ping scheduler; hosts opt in.
	DefaultPingInterval = 0
)

// Options holds the tunables shared by both connection kinds. The zero
// value is usable after ApplyDefaults.
type Options struct {
	// MaxMessageLength disconnects on frames larger than this.
	MaxMessageLength int `yaml:"max_message_length"`

	// BufferLimit is the ceiling on concurrently checked-out send
	// buffers. Zero means 10 x CPU count.
	BufferLimit int `yaml:"buffer_limit"`

	// SigningHash selects the HMAC variant: SHA256 or SHA512.
	SigningHash string `yaml:"signing_hash"`

	// ResendInterval is the retransmit threshold for unacked reliable
	// datagram messages.
	ResendInterval time.Duration `yaml:"resend_interval"`

	// PingInterval enables the ping scheduler when positive.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// UnmarshalYAML accepts human-readable durations ("500ms", "15s") for
// the interval fields, which yaml cannot decode into time.Duration on
// its own.
func (o *Options) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		MaxMessageLength int    `yaml:"max_message_length"`
		BufferLimit      int    `yaml:"buffer_limit"`
		SigningHash      string `yaml:"signing_hash"`
		ResendInterval   string `yaml:"resend_interval"`
		PingInterval     string `yaml:"ping_interval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	o.MaxMessageLength = raw.MaxMessageLength
	o.BufferLimit = raw.BufferLimit
	o.SigningHash = raw.SigningHash
	if raw.ResendInterval != "" {
		d, err := time.ParseDuration(raw.ResendInterval)
		if err != nil {
			return fmt.Errorf("resend_interval: %w", err)
		}
		o.ResendInterval = d
	}
	if raw.PingInterval != "" {
		d, err := time.ParseDuration(raw.PingInterval)
		if err != nil {
			return fmt.Errorf("ping_interval: %w", err)
		}
		o.PingInterval = d
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (o *Options) ApplyDefaults() {
	if o.MaxMessageLength <= 0 {
		o.MaxMessageLength = DefaultMaxMessageLength
	}
	if o.BufferLimit <= 0 {
		o.BufferLimit = wire.DefaultBufferLimit()
	}
	if o.SigningHash == "" {
		o.SigningHash = DefaultSigningHash
	}
	if o.ResendInterval <= 0 {
		o.ResendInterval = DefaultResendInterval
	}
}

// Validate rejects option combinations no connection could run with.
func (o *Options) Validate() error {
	if _, err := secure.NewHashFunc(o.SigningHash); err != nil {
		return fmt.Errorf("signing_hash: %w", err)
	}
	if o.MaxMessageLength < 0 {
		return fmt.Errorf("max_message_length must not be negative")
	}
	return nil
}
