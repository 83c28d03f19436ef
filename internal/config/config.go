// Package config handles the parsing and validation of application configuration
// from command-line arguments and environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/poaipnet/beacon/internal/logger"
	"github.com/poaipnet/beacon/internal/vars"
)

// Config represents the complete application flags configuration.
type Config struct {
	// betteralign:ignore

	Server      Server        `group:"Server Options" env-namespace:"BEACON"`
	Storage     Storage       `group:"Storage Options" namespace:"db" env-namespace:"BEACON_DB"`
	GeoIP       GeoIP         `group:"GeoIP Options" namespace:"geoip" env-namespace:"BEACON_GEOIP"`
	RateLimit   RateLimit     `group:"Rate Limit Options" namespace:"rate-limit" env-namespace:"BEACON_RATE_LIMIT"`
	Registry    Registry      `group:"Registry Options" namespace:"registry" env-namespace:"BEACON_REGISTRY"`
	Map         Map           `group:"Network Map Options" namespace:"map" env-namespace:"BEACON_MAP"`
	Monitor     Monitor       `group:"Monitoring Options" namespace:"monitor" env-namespace:"BEACON_MONITOR"`
	Maintenance Maintenance   `group:"Maintenance Options" namespace:"maint"`
	Logger      logger.Config `group:"Logger Options" namespace:"log" env-namespace:"BEACON_LOG"`

	Version bool `short:"v" long:"version" description:"Print version and build info"`
}

// Server holds web server configuration.
type Server struct {
	// betteralign:ignore

	Address           string   `short:"l" long:"address" env:"LISTEN_ADDRESS" description:"Server listen address" default:":8080"`
	AdminToken        string   `short:"t" long:"admin-token" env:"ADMIN_TOKEN" description:"Operator authentication token for /admin endpoints"`
	AllowedAgents     []string `short:"a" long:"allowed-agent" env:"ALLOWED_AGENTS" description:"Allow-listed wallet client User-Agent strings" default:"PoAIPWallet/1.0" env-delim:","`
	MaxBodySize       int64    `long:"max-body-size" env:"MAX_BODY_SIZE" description:"Max body size for incoming requests" default:"4096"`
	TrustProxy        bool     `long:"trust-proxy" env:"TRUST_PROXY" description:"Trust X-Forwarded-For headers"`
	AdminLoopbackOnly bool     `long:"admin-loopback-only" env:"ADMIN_LOOPBACK_ONLY" description:"Restrict /admin endpoints to loopback clients"`
	RequestTimeout    time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" description:"Per-request processing timeout" default:"5s"`
}

// Storage holds database configuration.
type Storage struct {
	Path string `short:"d" long:"path" env:"PATH" description:"Path to SQLite database" default:"beacon.db"`
}

// GeoIP holds MaxMind GeoIP configuration.
type GeoIP struct {
	// betteralign:ignore

	Path     string        `short:"g" long:"path" env:"PATH" description:"Path to MMDB file" default:"beacon.mmdb"`
	URL      string        `long:"url" env:"URL" description:"URL to download MMDB" default:"https://git.io/GeoLite2-Country.mmdb"`
	Interval time.Duration `long:"interval" env:"INTERVAL" description:"Update interval check" default:"24h"`
}

// RateLimit holds admission-control rate limiting configuration.
type RateLimit struct {
	// betteralign:ignore

	GlobalCount     int           `long:"global-count" env:"GLOBAL_COUNT" description:"Global per-IP limit: requests count" default:"30"`
	GlobalWindow    time.Duration `long:"global-window" env:"GLOBAL_WINDOW" description:"Global per-IP limit: window duration" default:"1m"`
	RegisterPerMin  int           `long:"register" env:"REGISTER" description:"Per-IP register requests per minute" default:"5"`
	KeepalivePerMin int           `long:"keepalive" env:"KEEPALIVE" description:"Per-IP keepalive requests per minute" default:"60"`
	MapPerMin       int           `long:"network-map" env:"NETWORK_MAP" description:"Per-IP network-map requests per minute" default:"10"`
	HealthPerMin    int           `long:"health" env:"HEALTH" description:"Per-IP health requests per minute" default:"10"`
	DefaultPerMin   int           `long:"default" env:"DEFAULT" description:"Per-IP requests per minute for other endpoints" default:"20"`
	SuspicionLimit  int           `long:"suspicion-limit" env:"SUSPICION_LIMIT" description:"Invalid-client strikes before auto-blacklist" default:"5"`
}

// Registry holds node registry lifecycle configuration.
type Registry struct {
	// betteralign:ignore

	KeepaliveTTL  time.Duration `long:"keepalive-ttl" env:"KEEPALIVE_TTL" description:"Window after which a silent node is considered stale" default:"5m"`
	EvictGrace    time.Duration `long:"evict-grace" env:"EVICT_GRACE" description:"Grace period before stale records are physically removed" default:"24h"`
	EvictInterval time.Duration `long:"evict-interval" env:"EVICT_INTERVAL" description:"Interval of the background eviction sweep" default:"1h"`
}

// Map holds network map builder configuration.
type Map struct {
	// betteralign:ignore

	Secret       string `short:"s" long:"secret" env:"SECRET" description:"Shared secret keying the encrypted peer list"`
	DefaultLimit int    `long:"default-limit" env:"DEFAULT_LIMIT" description:"Default number of peers returned" default:"25"`
	MaxLimit     int    `long:"max-limit" env:"MAX_LIMIT" description:"Upper bound on peers returned per request" default:"50"`
}

// Monitor holds monitoring and alerting thresholds.
type Monitor struct {
	// betteralign:ignore

	EvalInterval     time.Duration `long:"eval-interval" env:"EVAL_INTERVAL" description:"Threshold evaluation interval" default:"30s"`
	ResourceInterval time.Duration `long:"resource-interval" env:"RESOURCE_INTERVAL" description:"Host resource sampling interval" default:"60s"`
	ErrorRateWarn    float64       `long:"error-rate-warn" env:"ERROR_RATE_WARN" description:"5-minute error rate warning threshold" default:"0.05"`
	ErrorRateCrit    float64       `long:"error-rate-crit" env:"ERROR_RATE_CRIT" description:"5-minute error rate critical threshold" default:"0.10"`
	LatencyWarn      time.Duration `long:"latency-warn" env:"LATENCY_WARN" description:"Average latency warning threshold" default:"2s"`
	LatencyCrit      time.Duration `long:"latency-crit" env:"LATENCY_CRIT" description:"Average latency critical threshold" default:"5s"`
	ResourceWarn     float64       `long:"resource-warn" env:"RESOURCE_WARN" description:"CPU/memory warning threshold in percent" default:"70"`
	ResourceCrit     float64       `long:"resource-crit" env:"RESOURCE_CRIT" description:"CPU/memory critical threshold in percent" default:"90"`
}

// Maintenance holds one-shot operation flags. When any is set the process
// runs the operation against the database and exits.
type Maintenance struct {
	// betteralign:ignore

	Unblock    string        `long:"unblock" description:"Remove an IP from the blacklist and exit"`
	PruneAudit time.Duration `long:"prune-audit" description:"Delete audit log entries older than the given age and exit"`
}

// Parse reads the configuration from flags and environment variables.
// It terminates the application if the configuration is invalid or if the help flag is invoked.
func Parse() *Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}

	if cfg.Version {
		vars.Print()
		os.Exit(0)
	}

	if cfg.Map.Secret == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-s, --map-secret' or environment variable `BEACON_MAP_SECRET` was not specified!")
		os.Exit(1)
	}

	if cfg.Server.AdminToken == "" {
		fmt.Fprintln(os.Stderr,
			"Required flag `-t, --admin-token' or environment variable `BEACON_ADMIN_TOKEN` was not specified!")
		os.Exit(1)
	}

	return &cfg
}
