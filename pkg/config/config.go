// Package config reads the validator's settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/outpace-network/validatorx/pkg/aggregator"
	"github.com/outpace-network/validatorx/pkg/outpace"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/outpace-network/validatorx/pkg/utils"
	"github.com/outpace-network/validatorx/pkg/worker"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	AdapterEthereum = "ethereum"
	AdapterDummy    = "dummy"
)

type Config struct {
	Addr string

	StoreDriver string
	PostgresURL string
	// UseRedis shares rate limits and channel updates between sentries.
	UseRedis bool

	Adapter          string
	KeystoreFile     string
	KeystorePassword string
	DummyIdentity    string

	// SentryURL, when set, makes the worker talk to a sentry over HTTP
	// instead of the local store.
	SentryURL   string
	SentryToken string

	TickInterval       time.Duration
	PropagationTimeout time.Duration
	MaxChannels        int
	EventsFindLimit    int
	WorkerPoolSize     int
	// ChannelsFile holds channels to load at startup.
	ChannelsFile string

	Aggregator aggregator.Config
	Worker     worker.Config
	Channels   outpace.ChannelRules
}

// Load reads every setting, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:               utils.Env("ADDR", ":8005"),
		StoreDriver:        utils.Env("STORE_DRIVER", StorePostgres),
		PostgresURL:        utils.Env("POSTGRES_URL", "postgres://localhost:5432/validatorx"),
		UseRedis:           utils.EnvBool("USE_REDIS", true),
		Adapter:            utils.Env("ADAPTER", AdapterEthereum),
		KeystoreFile:       utils.Env("KEYSTORE_FILE", ""),
		KeystorePassword:   utils.Env("KEYSTORE_PASSWORD", ""),
		DummyIdentity:      utils.Env("DUMMY_IDENTITY", ""),
		SentryURL:          utils.Env("SENTRY_URL", ""),
		SentryToken:        utils.Env("SENTRY_TOKEN", ""),
		TickInterval:       utils.EnvDuration("TICK_INTERVAL", 5*time.Second),
		PropagationTimeout: utils.EnvDuration("PROPAGATION_TIMEOUT", 3*time.Second),
		MaxChannels:        utils.EnvInt("MAX_CHANNELS", 512),
		EventsFindLimit:    utils.EnvInt("EVENTS_FIND_LIMIT", 100),
		WorkerPoolSize:     utils.EnvInt("WORKER_POOL_SIZE", 16),
		ChannelsFile:       utils.Env("CHANNELS_FILE", ""),
	}

	cfg.Aggregator = aggregator.DefaultConfig()
	cfg.Aggregator.Throttle = utils.EnvDuration("AGGR_THROTTLE", cfg.Aggregator.Throttle)
	cfg.Aggregator.ChannelRefreshInterval = utils.EnvDuration("CHANNEL_REFRESH_INTERVAL", cfg.Aggregator.ChannelRefreshInterval)

	cfg.Worker = worker.DefaultConfig()
	cfg.Worker.HeartbeatInterval = utils.EnvDuration("HEARTBEAT_TIME", cfg.Worker.HeartbeatInterval)
	cfg.Worker.TickTimeout = utils.EnvDuration("TICK_TIMEOUT", cfg.Worker.TickTimeout)
	cfg.Worker.ResendInterval = utils.EnvDuration("RESEND_INTERVAL", cfg.Worker.ResendInterval)
	cfg.Worker.HealthThresholdPromilles = utils.EnvInt64("HEALTH_THRESHOLD_PROMILLES", cfg.Worker.HealthThresholdPromilles)
	cfg.Worker.HealthUnsignablePromilles = utils.EnvInt64("HEALTH_UNSIGNABLE_PROMILLES", cfg.Worker.HealthUnsignablePromilles)

	core := utils.Env("OUTPACE_CORE_ADDR", "0x0000000000000000000000000000000000000000")
	if !common.IsHexAddress(core) {
		return nil, fmt.Errorf("OUTPACE_CORE_ADDR: %q is not an address", core)
	}
	minDeposit, err := utils.EnvAmounts("TOKEN_MIN_DEPOSIT")
	if err != nil {
		return nil, err
	}
	minFee, err := utils.EnvAmounts("TOKEN_MIN_FEE")
	if err != nil {
		return nil, err
	}
	cfg.Channels = outpace.ChannelRules{
		CoreAddress:  common.HexToAddress(core),
		MaxSpecBytes: utils.EnvInt("MAX_CHANNEL_SPEC_BYTES_SIZE", 35000),
		MinDeposit:   minDeposit,
		MinFee:       minFee,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER: unknown driver %q", c.StoreDriver)
	}
	switch c.Adapter {
	case AdapterEthereum:
	case AdapterDummy:
		if c.DummyIdentity == "" {
			return fmt.Errorf("DUMMY_IDENTITY is required with the dummy adapter")
		}
	default:
		return fmt.Errorf("ADAPTER: unknown adapter %q", c.Adapter)
	}
	if c.Worker.HealthUnsignablePromilles > c.Worker.HealthThresholdPromilles {
		return fmt.Errorf("HEALTH_UNSIGNABLE_PROMILLES (%d) must not exceed HEALTH_THRESHOLD_PROMILLES (%d)",
			c.Worker.HealthUnsignablePromilles, c.Worker.HealthThresholdPromilles)
	}
	if c.Worker.HealthThresholdPromilles > outpace.MaxHealth {
		return fmt.Errorf("HEALTH_THRESHOLD_PROMILLES must be at most %d", outpace.MaxHealth)
	}
	if c.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL must be at least 1s")
	}
	return nil
}

// CronSpec schedules ticks every TickInterval, in whole seconds.
func (c *Config) CronSpec() string {
	return fmt.Sprintf("@every %ds", int(c.TickInterval/time.Second))
}

// LoadChannels reads a JSON array of channels from path.
func LoadChannels(path string) ([]*types.Channel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels: %w", err)
	}
	var out []*types.Channel
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode channels %s: %w", path, err)
	}
	return out, nil
}
