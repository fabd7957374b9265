// Package reliable implements the sliding-window, selective-repeat ARQ
// protocol that can be interposed on top of any transport.Transport: framing
// via internal/frame, handshake, retransmission, heartbeat liveness,
// RTT-adaptive timeouts and file-transfer semantics.
package reliable

import "time"

// Config carries the protocol parameters for one ReliableChannel. It is an
// immutable snapshot handed to New; resizing the window requires a fresh
// Channel.
type Config struct {
	Version             uint8
	WindowSize          int // 1..256
	MaxPayloadSize      int // 1..65536
	MaxRetries          int
	TimeoutBaseMS       int
	TimeoutMaxMS        int
	HeartbeatIntervalMS int

	EnableCompression bool
	EnableEncryption  bool
	CipherName        string // "none", "aes-gcm", "salsa20", "sm4"
	PassPhrase        string

	// EndGracePeriod is how long the receiver tolerates a short END
	// (spec.md §4.3, §9) before declaring the transfer failed.
	EndGracePeriod time.Duration

	// FECDataShards/FECParityShards enable the optional Reed-Solomon FEC
	// layer beneath the ARQ window (0/0 = disabled, the default).
	FECDataShards   int
	FECParityShards int
}

// DefaultConfig returns the wire-format defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		Version:             1,
		WindowSize:          32,
		MaxPayloadSize:      1024,
		MaxRetries:          3,
		TimeoutBaseMS:       5000,
		TimeoutMaxMS:        15000,
		HeartbeatIntervalMS: 1000,
		CipherName:          "none",
		EndGracePeriod:      30 * time.Second,
	}
}

func (c Config) sendQueueCap() int {
	cap := 10 * c.WindowSize
	if cap <= 0 {
		cap = 10
	}
	return cap
}

func (c Config) timeoutBase() time.Duration {
	return time.Duration(c.TimeoutBaseMS) * time.Millisecond
}

func (c Config) timeoutMax() time.Duration {
	return time.Duration(c.TimeoutMaxMS) * time.Millisecond
}

func (c Config) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}
