package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"trading-intensity/internal/intensity"
	"trading-intensity/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. INTENSITY_REDIS_ADDR.
const EnvPrefix = "INTENSITY"

// Config holds all intensityd configuration.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	HTTPAddr      string
	LogLevel      string

	// Consumer group on the book streams
	ConsumerGroup string
	ConsumerName  string

	// Instruments as "exchange:token"
	Instruments []string

	Indicator intensity.Config

	SnapshotInterval time.Duration
	SnapshotKey      string
	ConfigChannel    string
	ResultMaxLen     int64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("sqlite.path", "data/intensity.db")
	v.SetDefault("http.addr", ":9096")
	v.SetDefault("log.level", "info")
	v.SetDefault("consumer.group", "intensity_group")
	v.SetDefault("consumer.name", "")
	v.SetDefault("instruments", []string{"SIM:SYN"})
	v.SetDefault("indicator.buffer_length", 200)
	v.SetDefault("indicator.depth", string(intensity.DepthLevel))
	v.SetDefault("indicator.policy", string(intensity.PolicyHealthySide))
	v.SetDefault("snapshot.interval", "30s")
	v.SetDefault("snapshot.key", "intensity:snapshot")
	v.SetDefault("reload.channel", "config:intensity")
	v.SetDefault("results.maxlen", 10000)
}

// Load reads configuration. A .env file in the working directory is loaded
// into the environment first; then defaults, the config file and
// INTENSITY_* environment variables are layered by viper. An empty path
// searches for intensityd.yaml in "." and "./config" and tolerates its absence.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("intensityd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	cfg := &Config{
		RedisAddr:     v.GetString("redis.addr"),
		RedisPassword: v.GetString("redis.password"),
		SQLitePath:    v.GetString("sqlite.path"),
		HTTPAddr:      v.GetString("http.addr"),
		LogLevel:      v.GetString("log.level"),
		ConsumerGroup: v.GetString("consumer.group"),
		ConsumerName:  v.GetString("consumer.name"),
		Instruments:   parseInstruments(v.GetStringSlice("instruments")),
		Indicator: intensity.Config{
			BufferLength: v.GetInt("indicator.buffer_length"),
			Depth:        intensity.DepthMode(v.GetString("indicator.depth")),
			Policy:       intensity.SidePolicy(v.GetString("indicator.policy")),
		},
		SnapshotInterval: v.GetDuration("snapshot.interval"),
		SnapshotKey:      v.GetString("snapshot.key"),
		ConfigChannel:    v.GetString("reload.channel"),
		ResultMaxLen:     v.GetInt64("results.maxlen"),
	}
	if cfg.ConsumerName == "" {
		// Unique per process so restarts never share a pending list by accident
		cfg.ConsumerName = "intensityd-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

// parseInstruments accepts both YAML lists and comma-separated env values.
func parseInstruments(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, p := range strings.Split(item, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return errors.New("config: redis.addr is required")
	}
	if len(c.Instruments) == 0 {
		return errors.New("config: at least one instrument is required")
	}
	for _, inst := range c.Instruments {
		exchange, token := model.SplitKey(inst)
		if exchange == "" || token == "" {
			return fmt.Errorf("config: instrument %q must be exchange:token", inst)
		}
	}
	if err := intensity.ValidateConfig(c.Indicator); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("config: snapshot.interval %s must be positive", c.SnapshotInterval)
	}
	return nil
}

// BookStreams returns the book stream key of every configured instrument.
func (c *Config) BookStreams() []string {
	streams := make([]string, len(c.Instruments))
	for i, inst := range c.Instruments {
		streams[i] = model.BookStreamKey(inst)
	}
	return streams
}
