package umicp

import (
	"time"

	"github.com/umicp/umicp-go/pkg/protocol"
)

// Config carries the engine-level settings validated by Configure.
type Config struct {
	Version           string
	MaxMessageSize    int
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration

	EnableBinary    bool
	PreferredFormat protocol.ContentType

	EnableCompression    bool
	CompressionThreshold int

	RequireAuth          bool
	RequireEncryption    bool
	ValidateCertificates bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Version:              protocol.VersionString,
		MaxMessageSize:       protocol.DefaultMaxMessageSize,
		ConnectionTimeout:    30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		EnableBinary:         true,
		PreferredFormat:      protocol.ContentCBOR,
		EnableCompression:    true,
		CompressionThreshold: 1024,
		RequireAuth:          true,
		RequireEncryption:    false,
		ValidateCertificates: true,
	}
}

func (c Config) validate() error {
	if c.Version == "" {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"version must not be empty")
	}
	if c.MaxMessageSize <= 0 {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"max message size must be greater than 0")
	}
	if c.ConnectionTimeout <= 0 {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"connection timeout must be greater than 0")
	}
	if c.HeartbeatInterval <= 0 {
		return protocol.NewError(protocol.CodeInvalidArgument,
			"heartbeat interval must be greater than 0")
	}
	return nil
}
