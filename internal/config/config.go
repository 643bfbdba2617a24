// Package config loads proxy configuration from CLI flags, a JSON config
// file, and environment variables, in that precedence order (flag wins over
// file wins over environment), mirroring the layered configuration scheme
// the bridge is translated from.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	flags "github.com/jessevdk/go-flags"

	apperrors "github.com/carlosrabelo/sv2bridge/pkg/errors"
)

// Environment is exactly one of staging, local, or production.
type Environment string

const (
	EnvStaging    Environment = "staging"
	EnvLocal      Environment = "local"
	EnvProduction Environment = "production"
)

const (
	defaultAdjustmentIntervalMs = 120_000
	defaultStartupDelayMs       = 0
	defaultAPIServerPort        = "3001"
	defaultLogLevel             = "info"
	defaultNCLogLevel           = "off"
	defaultSV1HashpowerHs       = 1e12 // 1 TH/s, used when no hashrate is declared anywhere
	defaultVersionRollingMask   = 0x1FFFE000
	defaultMaxChannels          = 256
	stagingURL                  = "https://staging.pool.example.com"
	productionURL               = "https://pool.example.com"
	localUpstreamAddr           = "127.0.0.1:20000"
	localMonitorURL             = "http://127.0.0.1:3001"
)

// Args is the CLI flag surface, parsed with go-flags. Fields are plain
// values, so a zero or empty value is treated as "not provided" and falls
// through to the config file and environment.
type Args struct {
	Staging            bool    `long:"staging" description:"use the staging environment"`
	Local              bool    `long:"local" description:"use a local upstream at 127.0.0.1:20000"`
	DownstreamHashrate  string  `short:"d" long:"downstream-hashrate" description:"declared aggregate hashrate, e.g. 10T, 2.5P, 5E"`
	LogLevel           string  `short:"l" long:"loglevel" description:"trace|debug|info|warn|error|off"`
	NCLogLevel         string  `short:"n" long:"nc" description:"noise connection log level"`
	SV1LogLevel        bool    `long:"sv1-loglevel" description:"verbose V1 ingress logging"`
	Delay              int64   `long:"delay" description:"startup delay in ms"`
	AdjustmentInterval int64   `short:"i" long:"interval" description:"vardiff adjustment interval in ms"`
	Token              string  `long:"token" description:"pool credential token"`
	TPAddress          string  `long:"tp-address" description:"upstream address override"`
	ListeningAddr      string  `long:"listening-addr" description:"V1 accept socket address"`
	ConfigFile         string  `short:"c" long:"config" description:"path to JSON config file" default:"config.json"`
	APIServerPort      string  `short:"s" long:"api-server-port" description:"telemetry HTTP port"`
	Monitor            bool    `short:"m" long:"monitor" description:"enable monitor mode"`
	AutoUpdate         bool    `short:"u" long:"auto-update" description:"enable auto-update"`
	PoolStaticKey      string  `long:"pool-static-key" description:"hex-encoded pool Noise static public key; omit to dial without pinning"`
}

// FileConfig mirrors Args for the optional JSON config file layer.
type FileConfig struct {
	Token              *string `json:"token"`
	TPAddress          *string `json:"tp_address"`
	Interval           *int64  `json:"interval"`
	Delay              *int64  `json:"delay"`
	DownstreamHashrate *string `json:"downstream_hashrate"`
	LogLevel           *string `json:"loglevel"`
	NCLogLevel         *string `json:"nc_loglevel"`
	SV1Log             *bool   `json:"sv1_log"`
	Staging            *bool   `json:"staging"`
	Local              *bool   `json:"local"`
	ListeningAddr      *string `json:"listening_addr"`
	APIServerPort      *string `json:"api_server_port"`
	Monitor            *bool   `json:"monitor"`
	AutoUpdate         *bool   `json:"auto_update"`
	PoolStaticKey      *string `json:"pool_static_key"`

	Proxy     ProxySection     `json:"proxy"`
	RateLimit RateLimitSection `json:"ratelimit"`
	SocksProxy SocksSection    `json:"socks_proxy"`
}

// ProxySection holds the V1-facing accept-loop settings.
type ProxySection struct {
	MaxClients   int `json:"max_clients"`
	ReadBufBytes int `json:"read_buf"`
	MaxChannels  int `json:"max_channels"`
}

// RateLimitSection mirrors internal/ratelimit.Config in JSON form.
type RateLimitSection struct {
	Enabled                 bool `json:"enabled"`
	MaxConnectionsPerIP     int  `json:"max_connections_per_ip"`
	MaxConnectionsPerMinute int  `json:"max_connections_per_minute"`
	BanDurationSeconds      int  `json:"ban_duration_seconds"`
	CleanupIntervalSeconds  int  `json:"cleanup_interval_seconds"`
}

// SocksSection mirrors internal/proxysocks.Config in JSON form.
type SocksSection struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is the fully resolved, validated configuration.
type Config struct {
	Token              string
	TPAddress          string
	AdjustmentInterval int64
	Delay              int64
	DownstreamHashrate float64
	LogLevel           string
	NCLogLevel         string
	SV1IngressLog      bool
	Staging            bool
	Local              bool
	ListeningAddr      string
	APIServerPort      string
	Monitor            bool
	AutoUpdate         bool
	VersionRollingMask uint32
	PoolStaticKey      string

	Proxy      ProxySection
	RateLimit  RateLimitSection
	SocksProxy SocksSection
}

// Environment resolves the mutually-exclusive environment switch.
func (c *Config) Environment() Environment {
	switch {
	case c.Staging:
		return EnvStaging
	case c.Local:
		return EnvLocal
	default:
		return EnvProduction
	}
}

// PoolURLsEndpoint returns the REST endpoint used to resolve upstream pool
// addresses for the resolved environment.
func (c *Config) PoolURLsEndpoint() string {
	base := productionURL
	if c.Environment() == EnvStaging {
		base = stagingURL
	}
	return base + "/api/pool/urls"
}

// TelemetryBaseURL returns the base URL the telemetry sinks post share,
// worker-activity, and error-log batches to for the resolved environment.
func (c *Config) TelemetryBaseURL() string {
	switch c.Environment() {
	case EnvStaging:
		return stagingURL
	case EnvLocal:
		return localMonitorURL
	default:
		return productionURL
	}
}

// Load resolves configuration with precedence CLI flag > config file >
// environment variable > built-in default, matching the layered scheme the
// option table in the external interfaces section specifies.
func Load(argv []string) (*Config, error) {
	var args Args
	parser := flags.NewParser(&args, flags.Default)
	if _, err := parser.ParseArgs(argv); err != nil {
		return nil, apperrors.WrapTier(apperrors.Fatal, "CONFIG_PARSE", "failed to parse CLI arguments", err)
	}

	file := loadFileConfig(args.ConfigFile)

	cfg := &Config{}

	cfg.Token = firstNonEmpty(args.Token, derefStr(file.Token), os.Getenv("TOKEN"))
	cfg.TPAddress = firstNonEmpty(args.TPAddress, derefStr(file.TPAddress), os.Getenv("TP_ADDRESS"))
	cfg.ListeningAddr = firstNonEmpty(args.ListeningAddr, derefStr(file.ListeningAddr), os.Getenv("LISTENING_ADDR"))

	cfg.AdjustmentInterval = firstNonZeroInt64(args.AdjustmentInterval, derefInt64(file.Interval), envInt64("INTERVAL"), defaultAdjustmentIntervalMs)
	cfg.Delay = firstNonZeroInt64(args.Delay, derefInt64(file.Delay), envInt64("DELAY"), defaultStartupDelayMs)

	hashrateStr := firstNonEmpty(args.DownstreamHashrate, derefStr(file.DownstreamHashrate), os.Getenv("DOWNSTREAM_HASHRATE"))
	if hashrateStr != "" {
		hr, err := ParseHashrate(hashrateStr)
		if err != nil {
			return nil, apperrors.WrapTier(apperrors.Fatal, "CONFIG_HASHRATE", "invalid downstream hashrate", err)
		}
		cfg.DownstreamHashrate = hr
	} else {
		cfg.DownstreamHashrate = defaultSV1HashpowerHs
	}

	cfg.APIServerPort = firstNonEmpty(args.APIServerPort, derefStr(file.APIServerPort), os.Getenv("API_SERVER_PORT"), defaultAPIServerPort)

	rawLogLevel := firstNonEmpty(args.LogLevel, derefStr(file.LogLevel), os.Getenv("LOGLEVEL"), defaultLogLevel)
	cfg.LogLevel = validateLevel(rawLogLevel, defaultLogLevel)

	rawNCLevel := firstNonEmpty(args.NCLogLevel, derefStr(file.NCLogLevel), os.Getenv("NC_LOGLEVEL"), defaultNCLogLevel)
	cfg.NCLogLevel = validateLevel(rawNCLevel, defaultNCLogLevel)

	cfg.SV1IngressLog = args.SV1LogLevel || derefBool(file.SV1Log) || envBool("SV1_LOGLEVEL")
	cfg.Staging = args.Staging || derefBool(file.Staging) || envBool("STAGING")
	cfg.Local = args.Local || derefBool(file.Local) || envBool("LOCAL")
	cfg.Monitor = args.Monitor || derefBool(file.Monitor) || envBool("MONITOR")
	cfg.AutoUpdate = args.AutoUpdate || derefBool(file.AutoUpdate) || envBool("AUTO_UPDATE")

	cfg.VersionRollingMask = defaultVersionRollingMask

	cfg.Proxy = file.Proxy
	if cfg.Proxy.MaxChannels == 0 {
		cfg.Proxy.MaxChannels = defaultMaxChannels
	}
	cfg.RateLimit = file.RateLimit
	cfg.SocksProxy = file.SocksProxy
	cfg.PoolStaticKey = firstNonEmpty(args.PoolStaticKey, derefStr(file.PoolStaticKey), os.Getenv("POOL_STATIC_KEY"))

	if !cfg.Local && cfg.Token == "" {
		return nil, apperrors.NewTier(apperrors.Fatal, "CONFIG_TOKEN", "token is required unless --local is set")
	}

	return cfg, nil
}

func loadFileConfig(path string) *FileConfig {
	fc := &FileConfig{}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc
	}
	if err := json.Unmarshal(data, fc); err != nil {
		return &FileConfig{}
	}
	return fc
}

// ParsePoolStaticKey decodes the configured hex pool Noise static key. An
// empty string is a valid "no pinning configured" answer: the upstream
// client then dials without a Noise handshake, as it does for --local.
func (c *Config) ParsePoolStaticKey() (*[32]byte, error) {
	if c.PoolStaticKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.PoolStaticKey)
	if err != nil {
		return nil, fmt.Errorf("pool static key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("pool static key: expected 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// ParseHashrate parses strings like "10T", "2.5P", "5E" into hashes/second.
func ParseHashrate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("hashrate cannot be empty, expected '<number><unit>' e.g. '10T'")
	}
	unit := s[len(s)-1]
	numStr := s[:len(s)-1]
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q in hashrate", numStr)
	}
	var multiplier float64
	switch unit {
	case 'T', 't':
		multiplier = 1e12
	case 'P', 'p':
		multiplier = 1e15
	case 'E', 'e':
		multiplier = 1e18
	default:
		return 0, fmt.Errorf("invalid unit %q, expected T, P, or E", string(unit))
	}
	return num * multiplier, nil
}

func validateLevel(level, fallback string) string {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "error", "off":
		return strings.ToLower(level)
	default:
		fmt.Fprintf(os.Stderr, "invalid log level %q, defaulting to %q\n", level, fallback)
		return fallback
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroInt64(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefBool(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func envInt64(name string) int64 {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envBool(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
