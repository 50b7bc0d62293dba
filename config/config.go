package config

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// Provider holds the current configuration snapshot and allows atomic,
// lock-free reloads: readers call Get and never block a concurrent
// Update.
type Provider struct {
	value atomic.Value // holds *Config
}

// NewProvider creates a new configuration provider with the initial config.
// It panics if c is nil.
func NewProvider(c *Config) *Provider {
	if c == nil {
		panic("config: initial config cannot be nil")
	}
	p := &Provider{}
	p.value.Store(c)
	return p
}

// Get returns the current configuration snapshot. Safe for concurrent use.
func (p *Provider) Get() *Config {
	return p.value.Load().(*Config)
}

// Update atomically swaps in a new configuration. The caller is
// responsible for validating newConfig first.
func (p *Provider) Update(newConfig *Config) {
	p.value.Store(newConfig)
}

// Duration wraps time.Duration so it can be read from TOML as a string
// like "6h" or "10s" instead of a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LogLevel wraps slog.Level so it can be read from TOML as a string like
// "info" or "debug".
type LogLevel struct {
	slog.Level
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	return l.Level.UnmarshalText(text)
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return l.Level.MarshalText()
}

// Server configures the gateway's HTTPS listener and its HTTP-01 /
// plaintext-redirect side channel.
type Server struct {
	// Addr is the HTTPS listen address, e.g. ":8443".
	Addr string
	// RedirectAddr, if non-empty, runs a plaintext HTTP server on this
	// address serving the ACME HTTP-01 challenge path and redirecting
	// every other request to the HTTPS address.
	RedirectAddr string

	ReadTimeout             Duration
	ReadHeaderTimeout       Duration
	WriteTimeout            Duration
	IdleTimeout             Duration
	ShutdownGracefulTimeout Duration
}

// BaseURL returns the scheme://host:port this server answers HTTPS
// requests on. If Addr cannot be split, it is returned unmodified.
func (s *Server) BaseURL() string {
	host, port, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return s.Addr
	}
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("https://%s:%s", host, port)
}

// Acme configures ACME account registration and issuance for this gateway.
type Acme struct {
	// Enabled gates whether the certificate manager is constructed with
	// ACME info at all; when false, ACME issuance is structurally
	// unreachable regardless of the remaining fields.
	Enabled bool

	ContactEmail string
	// ChallengeType is "http-01" or "tls-alpn-01".
	ChallengeType string
	DirectoryURL  string

	RenewalWindow        Duration
	RenewalSweepInterval Duration
	CheckRetries         int
	CheckInterval        Duration
}

// Storage configures the SQLite persistence backend.
type Storage struct {
	DBPath     string
	AgeKeyPath string
}

// Log configures the batched, structured audit log of issuance events.
type Log struct {
	Level         LogLevel
	ChanSize      int
	FlushSize     int
	FlushInterval Duration
}

// Notify configures outbound operational alerting.
type Notify struct {
	Discord Discord
}

// Discord configures the Discord webhook notifier.
type Discord struct {
	Enabled      bool
	WebhookURL   string
	APIRateLimit Duration
	APIBurst     int
	SendTimeout  Duration
}

// Config is the full, validated configuration for one gateway process.
type Config struct {
	Server  Server
	Acme    Acme
	Storage Storage
	Log     Log
	Notify  Notify
}
