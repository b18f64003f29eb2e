// Package config holds iaxd's runtime configuration: the engine's bind
// address and thread pools, its timing defaults, and the admin HTTP/call-token
// signing settings layered on top (§6, SPEC_FULL.md "Configuration").
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the iaxd server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Addr      string
	Port      int
	ForceBind bool

	ReadThreads  int
	EventThreads int
	TrunkThreads int
	Thread       string // scheduling priority hint: "normal", "high"

	TOS              int
	StreamReadBuffer int

	CallTokenOut bool
	CallTokenKey string // hex-encoded secret signing the CALLTOKEN JWT

	ExpiresMin int
	ExpiresDef int
	ExpiresMax int

	AuthRequired bool

	RetransCount    int
	RetransInterval int // milliseconds
	PingInterval    int // seconds
	KeepaliveSec    int // 0 disables the registration-line NAT keepalive probe

	FormatsEnabled  string // comma-separated codec names accepted
	PreferredAudio  string
	PreferredVideo  string

	TrunkPolicy        string // "always" or "efficient"
	TrunkUseTimestamps bool

	AdminAddr string
	AdminPort int

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultAddr      = "0.0.0.0"
	defaultPort      = 4569
	defaultThread    = "normal"
	defaultTOS       = 0
	defaultStreamBuf = 65536

	defaultReadThreads  = 3
	defaultEventThreads = 3
	defaultTrunkThreads = 1

	defaultExpiresMin = 60
	defaultExpiresDef = 60
	defaultExpiresMax = 3600

	defaultRetransCount    = 4
	defaultRetransInterval = 1000
	defaultPingInterval    = 20
	defaultKeepaliveSec    = 0

	defaultFormats        = "ulaw,alaw,gsm"
	defaultPreferredAudio = "ulaw"
	defaultPreferredVideo = "h263"

	defaultTrunkPolicy = "efficient"

	defaultAdminAddr = "127.0.0.1"
	defaultAdminPort = 8090

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all iaxd environment variables.
const envPrefix = "IAXD_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("iaxd", flag.ContinueOnError)

	fs.StringVar(&cfg.Addr, "addr", defaultAddr, "local address to bind the IAX2 UDP socket to")
	fs.IntVar(&cfg.Port, "port", defaultPort, "UDP port for the IAX2 engine")
	fs.BoolVar(&cfg.ForceBind, "force-bind", false, "bind even if the address is already in use by another process (SO_REUSEADDR)")

	fs.IntVar(&cfg.ReadThreads, "read-threads", defaultReadThreads, "number of listener worker goroutines")
	fs.IntVar(&cfg.EventThreads, "event-threads", defaultEventThreads, "number of event worker goroutines")
	fs.IntVar(&cfg.TrunkThreads, "trunk-threads", defaultTrunkThreads, "number of trunk-flush worker goroutines")
	fs.StringVar(&cfg.Thread, "thread", defaultThread, "scheduling priority hint (normal, high)")

	fs.IntVar(&cfg.TOS, "tos", defaultTOS, "IP DSCP/TOS value to set on the UDP socket")
	fs.IntVar(&cfg.StreamReadBuffer, "stream-readbuffer", defaultStreamBuf, "UDP socket receive buffer size in bytes")

	fs.BoolVar(&cfg.CallTokenOut, "calltoken-out", false, "require a valid CALLTOKEN IE on inbound New before admitting a transaction")
	fs.StringVar(&cfg.CallTokenKey, "calltoken-key", "", "hex-encoded secret used to sign/verify call tokens (auto-generated if empty)")

	fs.IntVar(&cfg.ExpiresMin, "expires-min", defaultExpiresMin, "minimum registration refresh interval in seconds accepted from peers")
	fs.IntVar(&cfg.ExpiresDef, "expires-def", defaultExpiresDef, "default registration refresh interval in seconds")
	fs.IntVar(&cfg.ExpiresMax, "expires-max", defaultExpiresMax, "maximum registration refresh interval in seconds granted to peers")

	fs.BoolVar(&cfg.AuthRequired, "auth-required", true, "require MD5 challenge-response authentication on inbound New/RegReq")

	fs.IntVar(&cfg.RetransCount, "retrans-count", defaultRetransCount, "number of retransmission attempts before giving up on an unacked frame")
	fs.IntVar(&cfg.RetransInterval, "retrans-interval", defaultRetransInterval, "initial retransmission interval in milliseconds")
	fs.IntVar(&cfg.PingInterval, "ping-interval", defaultPingInterval, "seconds between keepalive pings on a connected transaction")
	fs.IntVar(&cfg.KeepaliveSec, "line-keepalive", defaultKeepaliveSec, "seconds between zero-length NAT keepalive probes on a registered line (0 disables)")

	fs.StringVar(&cfg.FormatsEnabled, "formats", defaultFormats, "comma-separated list of enabled codec names")
	fs.StringVar(&cfg.PreferredAudio, "preferred", defaultPreferredAudio, "preferred audio codec")
	fs.StringVar(&cfg.PreferredVideo, "preferred-video", defaultPreferredVideo, "preferred video codec")

	fs.StringVar(&cfg.TrunkPolicy, "trunk-policy", defaultTrunkPolicy, "meta-trunk flush policy (always, efficient)")
	fs.BoolVar(&cfg.TrunkUseTimestamps, "trunk-use-timestamps", false, "carry a per-entry timestamp in outbound meta-trunk frames instead of wall-clock mode")

	fs.StringVar(&cfg.AdminAddr, "admin-addr", defaultAdminAddr, "address for the admin/observability HTTP server")
	fs.IntVar(&cfg.AdminPort, "admin-port", defaultAdminPort, "port for the admin/observability HTTP server")

	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"addr":                 envPrefix + "ADDR",
		"port":                 envPrefix + "PORT",
		"force-bind":           envPrefix + "FORCE_BIND",
		"read-threads":         envPrefix + "READ_THREADS",
		"event-threads":        envPrefix + "EVENT_THREADS",
		"trunk-threads":        envPrefix + "TRUNK_THREADS",
		"thread":               envPrefix + "THREAD",
		"tos":                  envPrefix + "TOS",
		"stream-readbuffer":    envPrefix + "STREAM_READBUFFER",
		"calltoken-out":        envPrefix + "CALLTOKEN_OUT",
		"calltoken-key":        envPrefix + "CALLTOKEN_KEY",
		"expires-min":          envPrefix + "EXPIRES_MIN",
		"expires-def":          envPrefix + "EXPIRES_DEF",
		"expires-max":          envPrefix + "EXPIRES_MAX",
		"auth-required":        envPrefix + "AUTH_REQUIRED",
		"retrans-count":        envPrefix + "RETRANS_COUNT",
		"retrans-interval":     envPrefix + "RETRANS_INTERVAL",
		"ping-interval":        envPrefix + "PING_INTERVAL",
		"line-keepalive":       envPrefix + "LINE_KEEPALIVE",
		"formats":              envPrefix + "FORMATS",
		"preferred":            envPrefix + "PREFERRED",
		"preferred-video":      envPrefix + "PREFERRED_VIDEO",
		"trunk-policy":         envPrefix + "TRUNK_POLICY",
		"trunk-use-timestamps": envPrefix + "TRUNK_USE_TIMESTAMPS",
		"admin-addr":           envPrefix + "ADMIN_ADDR",
		"admin-port":           envPrefix + "ADMIN_PORT",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "addr":
			cfg.Addr = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Port = v
			}
		case "force-bind":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.ForceBind = v
			}
		case "read-threads":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ReadThreads = v
			}
		case "event-threads":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.EventThreads = v
			}
		case "trunk-threads":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TrunkThreads = v
			}
		case "thread":
			cfg.Thread = val
		case "tos":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TOS = v
			}
		case "stream-readbuffer":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.StreamReadBuffer = v
			}
		case "calltoken-out":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.CallTokenOut = v
			}
		case "calltoken-key":
			cfg.CallTokenKey = val
		case "expires-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ExpiresMin = v
			}
		case "expires-def":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ExpiresDef = v
			}
		case "expires-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ExpiresMax = v
			}
		case "auth-required":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AuthRequired = v
			}
		case "retrans-count":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RetransCount = v
			}
		case "retrans-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RetransInterval = v
			}
		case "ping-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PingInterval = v
			}
		case "line-keepalive":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.KeepaliveSec = v
			}
		case "formats":
			cfg.FormatsEnabled = val
		case "preferred":
			cfg.PreferredAudio = val
		case "preferred-video":
			cfg.PreferredVideo = val
		case "trunk-policy":
			cfg.TrunkPolicy = val
		case "trunk-use-timestamps":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.TrunkUseTimestamps = v
			}
		case "admin-addr":
			cfg.AdminAddr = val
		case "admin-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.AdminPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		return fmt.Errorf("admin-port must be between 1 and 65535, got %d", c.AdminPort)
	}
	if c.ReadThreads < 1 {
		return fmt.Errorf("read-threads must be at least 1, got %d", c.ReadThreads)
	}
	if c.EventThreads < 1 {
		return fmt.Errorf("event-threads must be at least 1, got %d", c.EventThreads)
	}
	if c.TrunkThreads < 1 {
		return fmt.Errorf("trunk-threads must be at least 1, got %d", c.TrunkThreads)
	}
	if c.TOS < 0 || c.TOS > 255 {
		return fmt.Errorf("tos must be between 0 and 255, got %d", c.TOS)
	}
	if c.ExpiresMin < 10 {
		return fmt.Errorf("expires-min must be at least 10, got %d", c.ExpiresMin)
	}
	if c.ExpiresMax < c.ExpiresMin {
		return fmt.Errorf("expires-max (%d) must be >= expires-min (%d)", c.ExpiresMax, c.ExpiresMin)
	}
	if c.ExpiresDef < c.ExpiresMin || c.ExpiresDef > c.ExpiresMax {
		return fmt.Errorf("expires-def (%d) must be within [expires-min, expires-max]", c.ExpiresDef)
	}
	if c.RetransCount < 1 {
		return fmt.Errorf("retrans-count must be at least 1, got %d", c.RetransCount)
	}
	if c.RetransInterval < 1 {
		return fmt.Errorf("retrans-interval must be positive, got %d", c.RetransInterval)
	}
	if c.PingInterval < 1 {
		return fmt.Errorf("ping-interval must be positive, got %d", c.PingInterval)
	}
	if c.KeepaliveSec < 0 {
		return fmt.Errorf("line-keepalive must not be negative, got %d", c.KeepaliveSec)
	}

	switch strings.ToLower(c.TrunkPolicy) {
	case "always", "efficient":
		c.TrunkPolicy = strings.ToLower(c.TrunkPolicy)
	default:
		return fmt.Errorf("trunk-policy must be one of always, efficient; got %q", c.TrunkPolicy)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// CallTokenKeyBytes returns the decoded call-token signing secret.
// If none is configured, it generates a random 32-byte key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) CallTokenKeyBytes() ([]byte, error) {
	if c.CallTokenKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating calltoken key: %w", err)
		}
		c.CallTokenKey = hex.EncodeToString(key)
		slog.Warn("no calltoken-key configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.CallTokenKey)
	if err != nil {
		return nil, fmt.Errorf("decoding calltoken key: %w", err)
	}
	return key, nil
}

// Formats splits the comma-separated enabled-codec list into its entries.
func (c *Config) Formats() []string {
	if c.FormatsEnabled == "" {
		return nil
	}
	parts := strings.Split(c.FormatsEnabled, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
