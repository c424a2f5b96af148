// Package config loads node configuration from .env files and CC_ prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/getpup/clustercode"
	"github.com/joho/godotenv"
)

// EnvPrefix marks environment variables that are configuration properties.
const EnvPrefix = "CC_"

// Properties holds configuration values keyed by dotted property name, e.g. "cluster.bind.port".
type Properties map[string]string

// Config is the complete node configuration.
type Config struct {
	Cluster   ClusterConfig
	Transcode TranscodeConfig
	Bus       BusConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

// ClusterConfig configures cluster membership.
type ClusterConfig struct {
	Name              string
	BindAddress       string
	BindPort          int
	AdvertiseAddress  string
	PreferIPv4        bool
	Hostname          string
	Seeds             []string
	HeartbeatInterval time.Duration
}

// TranscodeConfig configures the external transcoder.
type TranscodeConfig struct {
	CLI                   string
	Type                  clustercode.Transcoder
	TempDir               string
	IORedirected          bool
	DefaultVideoExtension string
}

// BusConfig configures the message bus gateway.
type BusConfig struct {
	// Driver is "memory" or an SQL driver: "postgres", "mysql", "sqlite3".
	Driver             string
	DSN                string
	Table              string
	TaskAddedQueue     string
	TaskCompletedQueue string
	PollInterval       time.Duration
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string
}

// LogConfig configures logging.
type LogConfig struct {
	Level string
}

// Defaults returns the property defaults.
func Defaults() Properties {
	return Properties{
		"cluster.name":                      "clustercode",
		"cluster.bind.port":                 "7946",
		"cluster.prefer.ipv4":               "true",
		"cluster.heartbeat.interval":        "5s",
		"transcode.cli":                     "ffmpeg",
		"transcode.type":                    "ffmpeg",
		"transcode.tempdir":                 os.TempDir(),
		"transcode.io.redirected":           "false",
		"transcode.default.video.extension": ".mkv",
		"bus.driver":                        "memory",
		"bus.table":                         "clustercode_bus_outbox",
		"bus.task.added.queue":              "task-added",
		"bus.task.completed.queue":          "task-completed",
		"bus.poll.interval":                 "1s",
		"log.level":                         "info",
	}
}

// FromEnvMap converts CC_ prefixed variables into properties: CC_API_HTTP_PORT
// becomes "api.http.port". Empty values and variables without the prefix are ignored.
// List values are kept as raw strings.
func FromEnvMap(env map[string]string) Properties {
	props := make(Properties)
	for key, value := range env {
		if value == "" || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, EnvPrefix)
		if name == "" {
			continue
		}
		props[strings.ToLower(strings.ReplaceAll(name, "_", "."))] = value
	}
	return props
}

// Load reads the given .env files (missing files are skipped), then the process
// environment, and returns the parsed configuration. Variables already present in
// the environment take precedence over .env files.
func Load(files ...string) (Config, error) {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return Parse(FromEnvMap(environ()))
}

// Parse builds a Config from props layered over Defaults.
func Parse(props Properties) (Config, error) {
	merged := Defaults()
	for k, v := range props {
		merged[k] = v
	}
	p := parser{props: merged}

	transcoder, err := clustercode.ParseTranscoder(p.str("transcode.type"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Cluster: ClusterConfig{
			Name:              p.str("cluster.name"),
			BindAddress:       p.str("cluster.bind.address"),
			BindPort:          p.int("cluster.bind.port"),
			AdvertiseAddress:  p.str("cluster.advertise.address"),
			PreferIPv4:        p.bool("cluster.prefer.ipv4"),
			Hostname:          p.str("cluster.hostname"),
			Seeds:             p.list("cluster.seeds"),
			HeartbeatInterval: p.duration("cluster.heartbeat.interval"),
		},
		Transcode: TranscodeConfig{
			CLI:                   p.str("transcode.cli"),
			Type:                  transcoder,
			TempDir:               p.str("transcode.tempdir"),
			IORedirected:          p.bool("transcode.io.redirected"),
			DefaultVideoExtension: p.str("transcode.default.video.extension"),
		},
		Bus: BusConfig{
			Driver:             p.str("bus.driver"),
			DSN:                p.str("bus.dsn"),
			Table:              p.str("bus.table"),
			TaskAddedQueue:     p.str("bus.task.added.queue"),
			TaskCompletedQueue: p.str("bus.task.completed.queue"),
			PollInterval:       p.duration("bus.poll.interval"),
		},
		Metrics: MetricsConfig{
			Addr: p.str("metrics.addr"),
		},
		Log: LogConfig{
			Level: p.str("log.level"),
		},
	}

	if p.err != nil {
		return Config{}, p.err
	}
	if cfg.Bus.Driver != "memory" && cfg.Bus.DSN == "" {
		return Config{}, fmt.Errorf("bus.dsn is required for bus driver %q", cfg.Bus.Driver)
	}
	return cfg, nil
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// parser converts properties and keeps the first conversion error.
type parser struct {
	props Properties
	err   error
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.props[key])
}

func (p *parser) int(key string) int {
	v, err := strconv.Atoi(p.str(key))
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) bool(key string) bool {
	v, err := strconv.ParseBool(p.str(key))
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) duration(key string) time.Duration {
	v, err := time.ParseDuration(p.str(key))
	if err != nil {
		p.fail(key, err)
	}
	return v
}

func (p *parser) list(key string) []string {
	raw := p.str(key)
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid value for %s: %w", key, err)
	}
}
