package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Acquirer    AcquirerConfig    `yaml:"acquirer"`
	Terminal    TerminalConfig    `yaml:"terminal"`
	Transaction TransactionConfig `yaml:"transaction"`
	Rules       RulesConfig       `yaml:"rules"`
	Bridge      BridgeConfig      `yaml:"bridge"`
	Database    DatabaseConfig    `yaml:"database"`
	RPC         RPCConfig         `yaml:"rpc"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
}

type AcquirerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	HubID        string        `yaml:"hub_id"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// UseRedis mirrors terminals into a Redis directory and distributes
	// domain events over Redis pub/sub, using bridge.redis for the
	// connection.
	UseRedis bool `yaml:"use_redis"`
	// TerminalTTL bounds how long a terminal directory entry outlives its
	// last registration.
	TerminalTTL time.Duration `yaml:"terminal_ttl"`
}

type TerminalConfig struct {
	AcquirerHost         string        `yaml:"acquirer_host"`
	AcquirerPort         int           `yaml:"acquirer_port"`
	ResponseTimeout      time.Duration `yaml:"response_timeout"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	EchoInterval         time.Duration `yaml:"echo_interval"`
	AutoEcho             bool          `yaml:"auto_echo"`
	AuthorizationEnabled bool          `yaml:"authorization_enabled"`
	TerminalID           string        `yaml:"terminal_id"`
	MerchantID           string        `yaml:"merchant_id"`
}

type TransactionConfig struct {
	ResponseWindow time.Duration `yaml:"response_window"`
}

type RulesConfig struct {
	// Path to a YAML rule document. Empty uses the built-in rules.
	Path string `yaml:"path"`
}

// Broker kinds for the message-queue bridge.
const (
	BrokerLocal  = "local"
	BrokerRedis  = "redis"
	BrokerPubSub = "pubsub"
)

type BridgeConfig struct {
	Broker string       `yaml:"broker"`
	Redis  RedisConfig  `yaml:"redis"`
	PubSub PubSubConfig `yaml:"pubsub"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type PubSubConfig struct {
	ProjectID          string `yaml:"project_id"`
	SubscriptionPrefix string `yaml:"subscription_prefix"`
	EmulatorHost       string `yaml:"emulator_host"`
}

// DatabaseMemory selects the in-process transaction store.
const DatabaseMemory = "memory"

type DatabaseConfig struct {
	// URL is a lib/pq connection string, or "memory" for an in-process
	// store. Empty disables persistence.
	URL string `yaml:"url"`
}

type RPCConfig struct {
	Port int `yaml:"port"`
	// Target is the address simulators dial.
	Target string `yaml:"target"`
}

type SimulatorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Mode           string        `yaml:"mode"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Scheduled      struct {
		Interval   time.Duration `yaml:"interval"`
		MaxRetries int           `yaml:"max_retries"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"scheduled"`
	LoadTest struct {
		TPS            int           `yaml:"tps"`
		Duration       time.Duration `yaml:"duration"`
		RampUp         time.Duration `yaml:"ramp_up"`
		MaxConcurrency int           `yaml:"max_concurrency"`
	} `yaml:"load_test"`
	Spike struct {
		NormalTPS     int           `yaml:"normal_tps"`
		SpikeTPS      int           `yaml:"spike_tps"`
		SpikeDuration time.Duration `yaml:"spike_duration"`
		Between       time.Duration `yaml:"interval_between_spikes"`
	} `yaml:"spike"`
	// Breaker settings for the RPC path.
	BreakerFailures    uint32        `yaml:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AcquirerAddr is the acquirer's listen address.
func (c *Config) AcquirerAddr() string {
	return net.JoinHostPort(c.Acquirer.Host, strconv.Itoa(c.Acquirer.Port))
}

// Default returns a configuration that runs every process on one host.
func Default() *Config {
	cfg := &Config{
		Acquirer: AcquirerConfig{
			Host:         "0.0.0.0",
			Port:         8583,
			HubID:        "acquirer-1",
			WriteTimeout: 5 * time.Second,
			TerminalTTL:  24 * time.Hour,
		},
		Terminal: TerminalConfig{
			AcquirerHost:    "localhost",
			AcquirerPort:    8583,
			ResponseTimeout: 10 * time.Second,
			DialTimeout:     5 * time.Second,
			EchoInterval:    30 * time.Second,
			TerminalID:      "TERM0001",
			MerchantID:      "MERCHANT0000001",
		},
		Transaction: TransactionConfig{ResponseWindow: 7 * time.Second},
		Bridge: BridgeConfig{
			Broker: BrokerLocal,
			Redis:  RedisConfig{Addr: "localhost:6379", PoolSize: 10},
			PubSub: PubSubConfig{SubscriptionPrefix: "isosim"},
		},
		RPC:  RPCConfig{Port: 9090, Target: "localhost:9090"},
		HTTP: HTTPConfig{Port: 8080},
		Log:  LogConfig{Level: "info", Format: "text"},
	}

	sim := &cfg.Simulator
	sim.Enabled = true
	sim.Mode = "SCHEDULED"
	sim.RequestTimeout = 5 * time.Second
	sim.Scheduled.Interval = 15 * time.Second
	sim.Scheduled.MaxRetries = 3
	sim.Scheduled.RetryDelay = 2 * time.Second
	sim.LoadTest.TPS = 10
	sim.LoadTest.Duration = 60 * time.Second
	sim.LoadTest.RampUp = 10 * time.Second
	sim.LoadTest.MaxConcurrency = 100
	sim.Spike.NormalTPS = 5
	sim.Spike.SpikeTPS = 100
	sim.Spike.SpikeDuration = 30 * time.Second
	sim.Spike.Between = 300 * time.Second
	sim.BreakerFailures = 5
	sim.BreakerOpenTimeout = 10 * time.Second
	return cfg
}

// LoadConfig reads the YAML document at path over Default, loads a .env
// file when one exists and applies ISOSIM_* overrides. An empty path skips
// the YAML step.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ============================================================================
// ENVIRONMENT OVERRIDES
// ============================================================================

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("ISOSIM_ACQUIRER_HOST", &c.Acquirer.Host)
	num("ISOSIM_ACQUIRER_PORT", &c.Acquirer.Port)
	str("ISOSIM_HUB_ID", &c.Acquirer.HubID)
	flag("ISOSIM_ACQUIRER_USE_REDIS", &c.Acquirer.UseRedis)
	str("ISOSIM_TERMINAL_ACQUIRER_HOST", &c.Terminal.AcquirerHost)
	num("ISOSIM_TERMINAL_ACQUIRER_PORT", &c.Terminal.AcquirerPort)
	flag("ISOSIM_AUTHORIZATION_ENABLED", &c.Terminal.AuthorizationEnabled)
	flag("ISOSIM_AUTO_ECHO", &c.Terminal.AutoEcho)
	dur("ISOSIM_RESPONSE_WINDOW", &c.Transaction.ResponseWindow)
	str("ISOSIM_RULES_PATH", &c.Rules.Path)
	str("ISOSIM_BRIDGE_BROKER", &c.Bridge.Broker)
	str("ISOSIM_REDIS_ADDR", &c.Bridge.Redis.Addr)
	str("ISOSIM_REDIS_PASSWORD", &c.Bridge.Redis.Password)
	str("ISOSIM_PUBSUB_PROJECT", &c.Bridge.PubSub.ProjectID)
	str("PUBSUB_EMULATOR_HOST", &c.Bridge.PubSub.EmulatorHost)
	str("ISOSIM_DATABASE_URL", &c.Database.URL)
	num("ISOSIM_RPC_PORT", &c.RPC.Port)
	str("ISOSIM_RPC_TARGET", &c.RPC.Target)
	flag("ISOSIM_SIMULATOR_ENABLED", &c.Simulator.Enabled)
	str("ISOSIM_SIMULATOR_MODE", &c.Simulator.Mode)
	num("PORT", &c.HTTP.Port)
	num("ISOSIM_HTTP_PORT", &c.HTTP.Port)
	str("ISOSIM_LOG_LEVEL", &c.Log.Level)
	str("ISOSIM_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Validate reports settings no process can start with.
func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{
		"acquirer.port":          c.Acquirer.Port,
		"terminal.acquirer_port": c.Terminal.AcquirerPort,
		"rpc.port":               c.RPC.Port,
		"http.port":              c.HTTP.Port,
	} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d out of range", name, port))
		}
	}
	switch c.Bridge.Broker {
	case BrokerLocal, BrokerRedis, BrokerPubSub:
	default:
		errs = append(errs, fmt.Errorf("bridge.broker: unknown broker %q", c.Bridge.Broker))
	}
	if c.Bridge.Broker == BrokerPubSub && c.Bridge.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("bridge.pubsub.project_id is required"))
	}
	switch c.Simulator.Mode {
	case "SCHEDULED", "LOAD_TEST", "SPIKE", "MANUAL":
	default:
		errs = append(errs, fmt.Errorf("simulator.mode: unknown mode %q", c.Simulator.Mode))
	}
	if c.Acquirer.WriteTimeout <= 0 {
		errs = append(errs, errors.New("acquirer.write_timeout must be positive"))
	}
	if c.Transaction.ResponseWindow <= 0 {
		errs = append(errs, errors.New("transaction.response_window must be positive"))
	}
	return errors.Join(errs...)
}
