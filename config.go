package gonsq

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config carries every tunable of the client. Zero values are filled in
// by NewConfig; a Config built by hand must still pass Validate before
// use.
type Config struct {
	// NSQDTCPAddresses are static nsqd endpoints ("host:port"). Ignored
	// when LookupdHTTPAddresses is set.
	NSQDTCPAddresses []string
	// LookupdHTTPAddresses are nsqlookupd endpoints ("host:port").
	// When present they take priority over the static list; discovery
	// starts at Subscribe time because lookupd requires a topic.
	LookupdHTTPAddresses []string

	// MaxInFlight is the global unacked-message budget distributed
	// across all connections.
	MaxInFlight int

	// Identity sent with IDENTIFY.
	ClientID  string
	Hostname  string
	UserAgent string

	HeartbeatInterval time.Duration
	SampleRate        int // 0-99, server-side sampling
	MsgTimeout        time.Duration

	// TLSV1 requests a TLS upgrade during feature negotiation. The
	// handshake itself is not implemented; connecting to a server that
	// confirms the feature fails with a clear error.
	TLSV1 bool

	// Stream compression. Snappy and Deflate are mutually exclusive.
	Snappy       bool
	Deflate      bool
	DeflateLevel int

	// AuthSecret answers an auth_required challenge.
	AuthSecret string

	// RDY controller tuning.
	IdleTimeout          time.Duration
	RedistributeInterval time.Duration

	LookupdPollInterval time.Duration

	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	CloseWaitTimeout time.Duration // bounded wait for the CLS acknowledgement
	DrainTimeout     time.Duration // Stop grace period

	Logger *slog.Logger
}

// NewConfig returns a Config with the documented defaults.
func NewConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		MaxInFlight:          42,
		Hostname:             hostname,
		ClientID:             hostname,
		UserAgent:            "gonsq/" + Version,
		HeartbeatInterval:    30 * time.Second,
		DeflateLevel:         6,
		IdleTimeout:          10 * time.Second,
		RedistributeInterval: 5 * time.Second,
		LookupdPollInterval:  30 * time.Second,
		DialTimeout:          time.Second,
		WriteTimeout:         time.Second,
		CloseWaitTimeout:     time.Second,
		DrainTimeout:         5 * time.Second,
	}
}

// Validate performs semantic validation of the configuration. It does
// not attempt to resolve or dial any address.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max-in-flight must be >= 1 (got %d)", c.MaxInFlight)
	}
	if c.Snappy && c.Deflate {
		return errors.New("snappy and deflate are mutually exclusive")
	}
	if c.Deflate && (c.DeflateLevel < 1 || c.DeflateLevel > 9) {
		return fmt.Errorf("deflate-level must be 1-9 (got %d)", c.DeflateLevel)
	}
	if c.SampleRate < 0 || c.SampleRate > 99 {
		return fmt.Errorf("sample-rate must be 0-99 (got %d)", c.SampleRate)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat-interval must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle-timeout must be > 0")
	}
	if c.RedistributeInterval <= 0 {
		return errors.New("redistribute-interval must be > 0")
	}
	if c.LookupdPollInterval <= 0 {
		return errors.New("lookupd-poll-interval must be > 0")
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return defaultLogger()
}

// identifyOptions assembles the IDENTIFY body for feature negotiation.
func (c *Config) identifyOptions() map[string]any {
	opts := map[string]any{
		"client_id":           c.ClientID,
		"hostname":            c.Hostname,
		"user_agent":          c.UserAgent,
		"feature_negotiation": true,
		"heartbeat_interval":  int64(c.HeartbeatInterval / time.Millisecond),
		"tls_v1":              c.TLSV1,
		"snappy":              c.Snappy,
		"deflate":             c.Deflate,
		"deflate_level":       c.DeflateLevel,
		"sample_rate":         c.SampleRate,
	}
	if c.MsgTimeout > 0 {
		opts["msg_timeout"] = int64(c.MsgTimeout / time.Millisecond)
	}
	return opts
}
