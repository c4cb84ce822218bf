package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/flowpbx/webphone/internal/logging"
)

// Config holds all runtime configuration for the webphone service.
// Precedence: CLI flags > env vars > ini file > defaults.
type Config struct {
	ConfigFile  string
	BasePath    string // directory holding ringtone.wav and playable wav files
	DataDir     string
	HTTPPort    int
	SIPPort     int // 0 picks an ephemeral port
	SIPTLSPort  int
	RTPPortMin  int
	RTPPortMax  int
	TLSCert     string
	TLSKey      string
	EnableICE   bool
	STUNServer  string
	UserAgent   string
	MaxCalls    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	LogFile     string // rotated log file, empty for stdout only
	JWTSecret   string // hex-encoded secret for API bearer tokens; empty disables auth
	CORSOrigins string
	ExternalIP  string // address advertised in SDP
	SIPTrace    string // SIP message tracing: "off", "headers" or "full"
	HistoryDays int    // call history retention in days, 0 keeps everything
}

// defaults
const (
	defaultBasePath   = "."
	defaultDataDir    = "./data"
	defaultHTTPPort   = 8080
	defaultSIPPort    = 5060
	defaultSIPTLSPort = 5061
	defaultRTPPortMin = 10000
	defaultRTPPortMax = 20000
	defaultUserAgent  = "webphone"
	defaultMaxCalls   = 511
	defaultLogLevel   = "info"
	defaultLogFormat  = "text"
	defaultSIPTrace   = "off"
	defaultHistDays   = 90
)

// envPrefix is the prefix for all webphone environment variables.
const envPrefix = "WEBPHONE_"

// source maps a flag onto its environment variable and ini key.
type source struct {
	env     string
	section string
	key     string
}

var sources = map[string]source{
	"base-path":    {envPrefix + "BASE_PATH", "core", "base_path"},
	"data-dir":     {envPrefix + "DATA_DIR", "core", "data_dir"},
	"user-agent":   {envPrefix + "USER_AGENT", "core", "user_agent"},
	"max-calls":    {envPrefix + "MAX_CALLS", "core", "max_calls"},
	"enable-ice":   {envPrefix + "ENABLE_ICE", "core", "enable_ice"},
	"stun-server":  {envPrefix + "STUN_SERVER", "core", "stun_server"},
	"external-ip":  {envPrefix + "EXTERNAL_IP", "core", "external_ip"},
	"history-days": {envPrefix + "HISTORY_DAYS", "core", "history_days"},
	"sip-port":     {envPrefix + "SIP_PORT", "sip", "port"},
	"sip-trace":    {envPrefix + "SIP_TRACE", "sip", "trace"},
	"sip-tls-port": {envPrefix + "SIP_TLS_PORT", "sip", "tls_port"},
	"tls-cert":     {envPrefix + "TLS_CERT", "sip", "tls_cert"},
	"tls-key":      {envPrefix + "TLS_KEY", "sip", "tls_key"},
	"rtp-port-min": {envPrefix + "RTP_PORT_MIN", "sip", "rtp_port_min"},
	"rtp-port-max": {envPrefix + "RTP_PORT_MAX", "sip", "rtp_port_max"},
	"http-port":    {envPrefix + "HTTP_PORT", "http", "port"},
	"cors-origins": {envPrefix + "CORS_ORIGINS", "http", "cors_origins"},
	"jwt-secret":   {envPrefix + "JWT_SECRET", "http", "jwt_secret"},
	"log-level":    {envPrefix + "LOG_LEVEL", "log", "level"},
	"log-format":   {envPrefix + "LOG_FORMAT", "log", "format"},
	"log-file":     {envPrefix + "LOG_FILE", "log", "file"},
}

// Load parses configuration from the process arguments.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs parses configuration from args, the environment, and the ini
// file named by -config (or WEBPHONE_CONFIG).
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("webphone", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to an ini configuration file")
	fs.StringVar(&cfg.BasePath, "base-path", defaultBasePath, "directory containing ringtone.wav and playable wav files")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP control API listen port")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port (0 for ephemeral)")
	fs.IntVar(&cfg.SIPTLSPort, "sip-tls-port", defaultSIPTLSPort, "SIP TLS listen port")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file for the SIP TLS transport")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file for the SIP TLS transport")
	fs.BoolVar(&cfg.EnableICE, "enable-ice", false, "enable ICE for media")
	fs.StringVar(&cfg.STUNServer, "stun-server", "", "STUN server address (host:port)")
	fs.StringVar(&cfg.UserAgent, "user-agent", defaultUserAgent, "SIP User-Agent header value")
	fs.IntVar(&cfg.MaxCalls, "max-calls", defaultMaxCalls, "maximum number of simultaneous calls")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (trace, debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "rotated log file path (stdout only if empty)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded secret for API bearer tokens (auth disabled if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing at debug level (off, headers, full)")
	fs.IntVar(&cfg.HistoryDays, "history-days", defaultHistDays, "days of call history to keep (0 keeps everything)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if cfg.ConfigFile == "" {
		cfg.ConfigFile = os.Getenv(envPrefix + "CONFIG")
	}
	var file *ini.File
	if cfg.ConfigFile != "" {
		f, err := ini.Load(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		file = f
	}

	if err := applyOverrides(fs, file); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyOverrides fills every flag not given on the command line from its
// environment variable, or failing that from the ini file.
func applyOverrides(fs *flag.FlagSet, file *ini.File) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for name, src := range sources {
		if set[name] {
			continue
		}
		val, ok := os.LookupEnv(src.env)
		from := src.env
		if !ok || val == "" {
			if file == nil || !file.Section(src.section).HasKey(src.key) {
				continue
			}
			val = file.Section(src.section).Key(src.key).String()
			from = fmt.Sprintf("[%s] %s", src.section, src.key)
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", val, from, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 0 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 0 and 65535, got %d", c.SIPPort)
	}
	if c.SIPTLSPort < 0 || c.SIPTLSPort > 65535 {
		return fmt.Errorf("sip-tls-port must be between 0 and 65535, got %d", c.SIPTLSPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	if c.MaxCalls < 1 {
		return fmt.Errorf("max-calls must be positive, got %d", c.MaxCalls)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of trace, debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	validTraces := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTraces[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	if c.HistoryDays < 0 {
		return fmt.Errorf("history-days must not be negative, got %d", c.HistoryDays)
	}

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if c.STUNServer != "" {
		if _, _, err := net.SplitHostPort(c.STUNServer); err != nil {
			return fmt.Errorf("stun-server must be host:port, got %q", c.STUNServer)
		}
	}

	if c.JWTSecret != "" {
		if _, err := hex.DecodeString(c.JWTSecret); err != nil {
			return fmt.Errorf("jwt-secret must be hex encoded: %w", err)
		}
	}

	return nil
}

// TLSEnabled returns true if a certificate for the SIP TLS transport is
// configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// JWTSecretBytes returns the decoded API token secret, or nil when API
// authentication is disabled.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) < 16 {
		return nil, fmt.Errorf("jwt secret must decode to at least 16 bytes, got %d", len(key))
	}
	return key, nil
}

// SIPHost returns the hostname to use for the SIP User-Agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to use in SDP.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// LogOptions returns the options for logging.New.
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.SlogLevel(), Format: c.LogFormat, File: c.LogFile}
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}
