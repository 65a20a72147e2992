// Package config loads client configuration from a TOML file with
// environment overrides.
//
//	Default() ──→ Load(path) decodes the file over it ──→ ApplyEnv ──→ Validate
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment overrides, applied after the file.
const (
	EnvURL        = "RPCDO_URL"
	EnvToken      = "RPCDO_TOKEN"
	EnvTransports = "RPCDO_TRANSPORTS"
	EnvLogLevel   = "RPCDO_LOG_LEVEL"
)

// Transport kinds accepted in Transports.
const (
	TransportWebSocket = "ws"
	TransportTCP       = "tcp"
	TransportHTTP      = "http"
	TransportJSONRPC   = "jsonrpc"
	TransportGRPC      = "grpc"
)

type Config struct {
	URL               string        `toml:"url"`
	Transports        []string      `toml:"transports"` // composite order
	Token             string        `toml:"token"`
	AllowInsecureAuth bool          `toml:"allow_insecure_auth"`
	Timeout           time.Duration `toml:"timeout"`
	Codec             string        `toml:"codec"`

	Socket    Socket    `toml:"socket"`
	Retry     Retry     `toml:"retry"`
	Discovery Discovery `toml:"discovery"`
	Log       Log       `toml:"log"`
}

type Socket struct {
	Reconnect            bool          `toml:"reconnect"`
	ConnectTimeout       time.Duration `toml:"connect_timeout"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `toml:"heartbeat_timeout"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `toml:"max_reconnect_delay"`
	RequestTimeout       time.Duration `toml:"request_timeout"`
}

// Retry wraps the whole transport stack when MaxAttempts > 1.
type Retry struct {
	MaxAttempts  int           `toml:"max_attempts"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`
	Multiplier   float64       `toml:"multiplier"`
	Jitter       float64       `toml:"jitter"`
}

// Discovery replaces URL with registry lookups when Service is set.
type Discovery struct {
	Service       string   `toml:"service"`
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	Static        []string `toml:"static"`
	Balancer      string   `toml:"balancer"`
	PoolSize      int      `toml:"pool_size"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func Default() Config {
	return Config{
		Transports: []string{TransportWebSocket},
		Timeout:    30 * time.Second,
		Codec:      "json",
		Socket: Socket{
			Reconnect:            true,
			ConnectTimeout:       10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			HeartbeatTimeout:     10 * time.Second,
			MaxReconnectAttempts: 10,
			ReconnectDelay:       time.Second,
			MaxReconnectDelay:    30 * time.Second,
		},
		Retry: Retry{
			MaxAttempts:  1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		},
		Discovery: Discovery{
			Balancer: "round_robin",
			PoolSize: 1,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over Default, applies the environment and validates the
// result. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvURL); ok && v != "" {
		c.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvToken); ok {
		c.Token = v
	}
	if v, ok := lookup(EnvTransports); ok && v != "" {
		c.Transports = splitList(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = strings.TrimSpace(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error

	if c.Discovery.Service == "" {
		if c.URL == "" {
			errs = append(errs, errors.New("url is required without discovery"))
		} else if u, err := url.Parse(c.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("url %q is not absolute", c.URL))
		}
		if len(c.Transports) == 0 {
			errs = append(errs, errors.New("at least one transport is required"))
		}
	} else if len(c.Discovery.EtcdEndpoints) == 0 && len(c.Discovery.Static) == 0 {
		errs = append(errs, errors.New("discovery needs etcd_endpoints or static instances"))
	}

	for _, t := range c.Transports {
		switch t {
		case TransportWebSocket, TransportTCP, TransportHTTP, TransportJSONRPC, TransportGRPC:
		default:
			errs = append(errs, fmt.Errorf("unknown transport %q", t))
		}
	}
	switch c.Codec {
	case "", "json", "binary":
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}
	switch c.Discovery.Balancer {
	case "", "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("unknown balancer %q", c.Discovery.Balancer))
	}

	if c.Timeout < 0 || c.Socket.ConnectTimeout < 0 || c.Socket.RequestTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Socket.HeartbeatInterval > 0 && c.Socket.HeartbeatTimeout > c.Socket.HeartbeatInterval {
		errs = append(errs, errors.New("socket.heartbeat_timeout must not exceed heartbeat_interval"))
	}
	if c.Socket.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("socket.max_reconnect_attempts must not be negative"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must not be negative"))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, errors.New("retry.jitter must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
