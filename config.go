// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mlwm2m

import (
	"fmt"
	"time"

	"github.com/absmach/mlwm2m/pkg/registry"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by the daemon.
const EnvPrefix = "MLWM2M_"

// Config holds the daemon configuration.
type Config struct {
	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`

	// Transport
	Address         string        `env:"ADDRESS"          envDefault:":56830"`
	SessionTimeout  time.Duration `env:"SESSION_TIMEOUT"  envDefault:"5m"`
	MaxSessions     int           `env:"MAX_SESSIONS"     envDefault:"64"`
	BufferSize      int           `env:"BUFFER_SIZE"      envDefault:"2048"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Engine
	EndpointName     string        `env:"ENDPOINT_NAME"     envDefault:"mlwm2m"`
	AltPath          string        `env:"ALT_PATH"`
	AppPrefixes      []string      `env:"APP_PREFIXES"      envSeparator:","`
	PushPath         string        `env:"PUSH_PATH"         envDefault:"push"`
	MaxChunkSize     int           `env:"MAX_CHUNK_SIZE"    envDefault:"1024"`
	MaxBlock1Size    int           `env:"MAX_BLOCK1_SIZE"   envDefault:"4096"`
	AckTimeout       time.Duration `env:"ACK_TIMEOUT"       envDefault:"2s"`
	MaxRetransmit    uint8         `env:"MAX_RETRANSMIT"    envDefault:"4"`
	ExchangeLifetime time.Duration `env:"EXCHANGE_LIFETIME" envDefault:"247s"`
	EventQueueLength int           `env:"EVENT_QUEUE"       envDefault:"16"`
	DispatchQueue    uint16        `env:"DISPATCH_QUEUE"    envDefault:"1024"`

	// Servers lists "<shortID>=<host:port>" and "bs=<host:port>" entries.
	Servers []string `env:"SERVERS" envSeparator:","`

	// StorePath is a YAML or CBOR file of object records.
	StorePath string `env:"STORE_PATH"`

	// PushServer and PushInterval enable a periodic data push of
	// PushObject to that server.
	PushServer   uint16        `env:"PUSH_SERVER"`
	PushInterval time.Duration `env:"PUSH_INTERVAL"`
	PushObject   uint16        `env:"PUSH_OBJECT"   envDefault:"3"`

	// Circuit Breaker
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Rate Limiting
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"  envDefault:"100"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"    envDefault:"10"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY" envDefault:"10000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"   envDefault:"1000"`
}

// NewConfig parses the environment with opts.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Registry builds the server registry from Servers.
func (c Config) Registry() (*registry.Registry, error) {
	servers := make([]registry.Server, 0, len(c.Servers))
	for _, def := range c.Servers {
		s, err := registry.Parse(def)
		if err != nil {
			return nil, fmt.Errorf("failed to parse servers: %w", err)
		}
		servers = append(servers, s)
	}
	return registry.New(servers...), nil
}
