package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	topic             string
	channel           string
	nsqdTCPAddrs      []string
	lookupdHTTPAddrs  []string
	maxInFlight       int
	totalMessages     int
	logFormat         string
	logLevel          string
	metricsAddr       string
	logMetricsEvery   time.Duration
	snappy            bool
	deflate           bool
	deflateLevel      int
	heartbeatInterval time.Duration
}

// addrList is a repeatable flag collecting host:port values.
type addrList []string

func (a *addrList) String() string { return strings.Join(*a, ",") }

func (a *addrList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty address")
	}
	*a = append(*a, v)
	return nil
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	var nsqdAddrs, lookupdAddrs addrList
	topic := flag.String("topic", "", "NSQ topic to consume")
	channel := flag.String("channel", "tail#ephemeral", "NSQ channel")
	flag.Var(&nsqdAddrs, "nsqd-tcp-address", "nsqd TCP address (may be given multiple times)")
	flag.Var(&lookupdAddrs, "lookupd-http-address", "nsqlookupd HTTP address (may be given multiple times; takes priority over --nsqd-tcp-address)")
	maxInFlight := flag.Int("max-in-flight", 42, "Max number of unacknowledged messages across all connections")
	totalMessages := flag.Int("n", 0, "Exit after this many messages (0 = run forever)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	useSnappy := flag.Bool("snappy", false, "Negotiate snappy stream compression")
	useDeflate := flag.Bool("deflate", false, "Negotiate deflate stream compression")
	deflateLevel := flag.Int("deflate-level", 6, "Deflate compression level (1-9)")
	heartbeat := flag.Duration("heartbeat-interval", 30*time.Second, "Server heartbeat interval")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.topic = *topic
	cfg.channel = *channel
	cfg.nsqdTCPAddrs = nsqdAddrs
	cfg.lookupdHTTPAddrs = lookupdAddrs
	cfg.maxInFlight = *maxInFlight
	cfg.totalMessages = *totalMessages
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.snappy = *useSnappy
	cfg.deflate = *useDeflate
	cfg.deflateLevel = *deflateLevel
	cfg.heartbeatInterval = *heartbeat

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to resolve or dial anything – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.topic == "" {
		return errors.New("topic is required")
	}
	if c.channel == "" {
		return errors.New("channel is required")
	}
	if len(c.nsqdTCPAddrs) == 0 && len(c.lookupdHTTPAddrs) == 0 {
		return errors.New("at least one --nsqd-tcp-address or --lookupd-http-address is required")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.maxInFlight < 1 {
		return fmt.Errorf("max-in-flight must be >= 1 (got %d)", c.maxInFlight)
	}
	if c.totalMessages < 0 {
		return fmt.Errorf("n must be >= 0 (got %d)", c.totalMessages)
	}
	if c.snappy && c.deflate {
		return errors.New("snappy and deflate are mutually exclusive")
	}
	if c.deflate && (c.deflateLevel < 1 || c.deflateLevel > 9) {
		return fmt.Errorf("deflate-level must be 1-9 (got %d)", c.deflateLevel)
	}
	if c.heartbeatInterval <= 0 {
		return errors.New("heartbeat-interval must be > 0")
	}
	return nil
}

// applyEnvOverrides maps NSQ_TAIL_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored,
// except NSQ_TAIL_METRICS, where an empty value clears the metrics address.
// Address lists are comma separated. Duration accepts Go time.ParseDuration
// format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	splitAddrs := func(v string) []string {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	if _, ok := set["topic"]; !ok {
		if v, ok := get("NSQ_TAIL_TOPIC"); ok && v != "" {
			c.topic = v
		}
	}
	if _, ok := set["channel"]; !ok {
		if v, ok := get("NSQ_TAIL_CHANNEL"); ok && v != "" {
			c.channel = v
		}
	}
	if _, ok := set["nsqd-tcp-address"]; !ok {
		if v, ok := get("NSQ_TAIL_NSQD_TCP_ADDRESS"); ok && v != "" {
			c.nsqdTCPAddrs = splitAddrs(v)
		}
	}
	if _, ok := set["lookupd-http-address"]; !ok {
		if v, ok := get("NSQ_TAIL_LOOKUPD_HTTP_ADDRESS"); ok && v != "" {
			c.lookupdHTTPAddrs = splitAddrs(v)
		}
	}
	if _, ok := set["max-in-flight"]; !ok {
		if v, ok := get("NSQ_TAIL_MAX_IN_FLIGHT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxInFlight = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQ_TAIL_MAX_IN_FLIGHT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("NSQ_TAIL_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("NSQ_TAIL_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("NSQ_TAIL_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("NSQ_TAIL_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQ_TAIL_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["snappy"]; !ok {
		if v, ok := get("NSQ_TAIL_SNAPPY"); ok && v != "" {
			c.snappy = parseBool(v, c.snappy)
		}
	}
	if _, ok := set["deflate"]; !ok {
		if v, ok := get("NSQ_TAIL_DEFLATE"); ok && v != "" {
			c.deflate = parseBool(v, c.deflate)
		}
	}
	if _, ok := set["deflate-level"]; !ok {
		if v, ok := get("NSQ_TAIL_DEFLATE_LEVEL"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 9 {
				c.deflateLevel = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQ_TAIL_DEFLATE_LEVEL: %w", err)
			}
		}
	}
	if _, ok := set["heartbeat-interval"]; !ok {
		if v, ok := get("NSQ_TAIL_HEARTBEAT_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.heartbeatInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid NSQ_TAIL_HEARTBEAT_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
