package pggate

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	scanUtils "github.com/siemens/GoScans/utils"
)

// LogLevels defines valid settings for the global log level option
var LogLevels = []string{"trace", "debug", "info", "warn", "error"}

// RejectPolicies defines valid settings for handling plaintext clients
var RejectPolicies = []string{"drop", "notify"}

// Default timeouts applied to every route unless overridden in its listener
// section. The idle timeout defaults to zero, relying on TCP keepalives.
const (
	DefaultPreambleTimeout  = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDialTimeout      = 5 * time.Second
	DefaultCertRefresh      = 24 * time.Hour
	DefaultShutdownGrace    = 10 * time.Second
)

// Config is the top-level structure of a PgGate TOML configuration file
type Config struct {
	LogLevel      string  `toml:"log_level"`      // One out of LogLevels, defaults to "info"
	ShutdownGrace string  `toml:"shutdown_grace"` // How long in-flight connections may finish on shutdown
	Routes        []Route `toml:"proxy"`          // One listener/backend pair per [[proxy]] table

	shutdownGrace time.Duration // Parsed during validation
}

// Route pairs one listener with one backend database server
type Route struct {
	Listener Listener `toml:"listener"`
	Backend  Backend  `toml:"backend"`
}

// Listener describes the client-facing endpoint of a route, including its TLS
// identity and mTLS policy. Certificate sources may be PEM file paths or
// http(s) URLs.
type Listener struct {
	BindAddress         string `toml:"bind_address"`          // host:port to accept client connections on
	ServerCert          string `toml:"server_cert"`           // Certificate chain presented to clients
	ServerKey           string `toml:"server_key"`            // Private key matching the certificate chain
	Mtls                bool   `toml:"mtls"`                  // Whether clients must present a certificate
	ClientCa            string `toml:"client_ca"`             // Trust anchors for client certificates, required iff mtls
	CertRefreshInterval string `toml:"cert_refresh_interval"` // How long loaded certificate material stays cached
	RejectPolicy        string `toml:"reject_policy"`         // One out of RejectPolicies, defaults to "drop"
	PreambleTimeout     string `toml:"preamble_timeout"`      // Time the client has to send its first packet
	HandshakeTimeout    string `toml:"tls_handshake_timeout"` // Time the client has to complete the TLS handshake
	DialTimeout         string `toml:"upstream_dial_timeout"` // Time allowed for the upstream TCP dial
	IdleTimeout         string `toml:"idle_timeout"`          // Relay inactivity limit, zero disables it

	certRefresh      time.Duration // Parsed during validation
	preambleTimeout  time.Duration
	handshakeTimeout time.Duration
	dialTimeout      time.Duration
	idleTimeout      time.Duration
}

// Backend describes the upstream database server of a route. The upstream is
// always spoken to in plaintext, decrypted client bytes are forwarded as-is.
type Backend struct {
	Address string `toml:"address"` // host:port of the upstream Postgres server
}

// IsUrl checks whether a certificate source is a URL rather than a file path
func IsUrl(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// LoadConfig reads a TOML configuration file, applies defaults and validates
// it. Returned errors name the offending route by its position in the file.
func LoadConfig(path string) (*Config, error) {

	// Read configuration file
	content, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("could not read configuration file '%s': %w", path, errRead)
	}

	// Unmarshal TOML content
	var config Config
	errUnmarshal := toml.Unmarshal(content, &config)
	if errUnmarshal != nil {
		return nil, fmt.Errorf("could not parse configuration file '%s': %w", path, errUnmarshal)
	}

	// Validate and apply defaults
	errValidate := config.Validate()
	if errValidate != nil {
		return nil, errValidate
	}

	// Return validated configuration
	return &config, nil
}

// Validate checks the configuration for completeness and plausibility,
// filling in defaults for omitted values
func (c *Config) Validate() error {

	// Apply global defaults
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if !scanUtils.StrContained(c.LogLevel, LogLevels) {
		return fmt.Errorf("invalid log level '%s', valid levels are: %s", c.LogLevel, strings.Join(LogLevels, ", "))
	}

	// Parse shutdown grace period
	var errGrace error
	c.shutdownGrace, errGrace = parseInterval(c.ShutdownGrace, DefaultShutdownGrace)
	if errGrace != nil {
		return fmt.Errorf("invalid shutdown grace period: %w", errGrace)
	}

	// Demand at least one route
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one proxy route is required")
	}

	// Validate each route
	for i := range c.Routes {
		errRoute := c.Routes[i].Validate()
		if errRoute != nil {
			return fmt.Errorf("proxy route %d: %w", i, errRoute)
		}
	}

	// Return nil as everything went fine
	return nil
}

// ShutdownGraceDuration returns the parsed shutdown grace period
func (c *Config) ShutdownGraceDuration() time.Duration {
	return c.shutdownGrace
}

// Validate checks a single route's listener and backend settings
func (r *Route) Validate() error {

	// Validate bind endpoint
	if _, _, errBind := net.SplitHostPort(r.Listener.BindAddress); errBind != nil {
		return fmt.Errorf("invalid bind address '%s': %w", r.Listener.BindAddress, errBind)
	}

	// Validate upstream endpoint
	if _, _, errUpstream := net.SplitHostPort(r.Backend.Address); errUpstream != nil {
		return fmt.Errorf("invalid backend address '%s': %w", r.Backend.Address, errUpstream)
	}

	// Validate server certificate and key sources
	if errCert := validateCertSource(r.Listener.ServerCert, "server_cert"); errCert != nil {
		return errCert
	}
	if errKey := validateCertSource(r.Listener.ServerKey, "server_key"); errKey != nil {
		return errKey
	}

	// Demand client CA if mTLS is enabled
	if r.Listener.Mtls {
		if r.Listener.ClientCa == "" {
			return fmt.Errorf("client_ca is required when mtls is true")
		}
		if errCa := validateCertSource(r.Listener.ClientCa, "client_ca"); errCa != nil {
			return errCa
		}
	}

	// Validate reject policy
	if r.Listener.RejectPolicy == "" {
		r.Listener.RejectPolicy = "drop"
	}
	if !scanUtils.StrContained(r.Listener.RejectPolicy, RejectPolicies) {
		return fmt.Errorf(
			"invalid reject policy '%s', valid policies are: %s",
			r.Listener.RejectPolicy,
			strings.Join(RejectPolicies, ", "),
		)
	}

	// Parse interval settings
	var err error
	r.Listener.certRefresh, err = parseInterval(r.Listener.CertRefreshInterval, DefaultCertRefresh)
	if err != nil {
		return fmt.Errorf("invalid cert refresh interval: %w", err)
	}
	r.Listener.preambleTimeout, err = parseInterval(r.Listener.PreambleTimeout, DefaultPreambleTimeout)
	if err != nil {
		return fmt.Errorf("invalid preamble timeout: %w", err)
	}
	r.Listener.handshakeTimeout, err = parseInterval(r.Listener.HandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return fmt.Errorf("invalid handshake timeout: %w", err)
	}
	r.Listener.dialTimeout, err = parseInterval(r.Listener.DialTimeout, DefaultDialTimeout)
	if err != nil {
		return fmt.Errorf("invalid dial timeout: %w", err)
	}
	r.Listener.idleTimeout, err = parseInterval(r.Listener.IdleTimeout, 0)
	if err != nil {
		return fmt.Errorf("invalid idle timeout: %w", err)
	}

	// Return nil as everything went fine
	return nil
}

// validateCertSource checks that a certificate source is either a URL or an
// existing readable file
func validateCertSource(source string, field string) error {
	if source == "" {
		return fmt.Errorf("%s is required", field)
	}
	if IsUrl(source) {
		return nil
	}
	if _, errFile := os.Stat(source); errFile != nil {
		return fmt.Errorf("invalid %s '%s': %w", field, source, errFile)
	}
	return nil
}

// parseInterval parses interval strings of the forms "12h", "30min", "45s" or
// a raw number of seconds. An empty string yields the given default.
func parseInterval(s string, fallback time.Duration) (time.Duration, error) {

	// Apply default on omitted value
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}

	// Parse suffixed forms
	if hours, ok := strings.CutSuffix(s, "h"); ok {
		v, errV := strconv.ParseUint(hours, 10, 32)
		if errV != nil {
			return 0, fmt.Errorf("invalid hours value '%s'", hours)
		}
		return time.Duration(v) * time.Hour, nil
	}
	if minutes, ok := strings.CutSuffix(s, "min"); ok {
		v, errV := strconv.ParseUint(minutes, 10, 32)
		if errV != nil {
			return 0, fmt.Errorf("invalid minutes value '%s'", minutes)
		}
		return time.Duration(v) * time.Minute, nil
	}
	if seconds, ok := strings.CutSuffix(s, "s"); ok {
		v, errV := strconv.ParseUint(seconds, 10, 32)
		if errV != nil {
			return 0, fmt.Errorf("invalid seconds value '%s'", seconds)
		}
		return time.Duration(v) * time.Second, nil
	}

	// Fall back to raw seconds
	v, errV := strconv.ParseUint(s, 10, 32)
	if errV != nil {
		return 0, fmt.Errorf("invalid interval '%s'", s)
	}
	return time.Duration(v) * time.Second, nil
}
