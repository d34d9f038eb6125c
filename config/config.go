package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "BOARDSYNC"

type Config struct {
	DevMode  bool   `mapstructure:"dev_mode"`
	HTTPAddr string `mapstructure:"http_addr"`
	UDPAddr  string `mapstructure:"udp_addr"`
	LogLevel string `mapstructure:"log_level"`

	DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
	DynamoDBTable    string `mapstructure:"dynamodb_table"`
	SQSEndpoint      string `mapstructure:"sqs_endpoint"`
	RoomDeletedQueue string `mapstructure:"room_deleted_queue"`
	RedisEndpoint    string `mapstructure:"redis_endpoint"`

	// JWTSecret is base64 encoded
	JWTSecret     string `mapstructure:"jwt_secret"`
	AllowedOrigin string `mapstructure:"allowed_origin"`

	Room         RoomConfig         `mapstructure:"room"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	Batch        BatchConfig        `mapstructure:"batch"`
	Presence     PresenceConfig     `mapstructure:"presence"`
	Participants ParticipantsConfig `mapstructure:"participants"`
	Counter      CounterConfig      `mapstructure:"counter"`
	Retransmit   RetransmitConfig   `mapstructure:"retransmit"`
	WS           WSConfig           `mapstructure:"ws"`
}

type RoomConfig struct {
	DefaultCapacity int `mapstructure:"default_capacity"`
}

type BroadcastConfig struct {
	Workers     int           `mapstructure:"workers"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type BatchConfig struct {
	Size          int           `mapstructure:"size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	EnqueueWait   time.Duration `mapstructure:"enqueue_wait"`
}

type PresenceConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type ParticipantsConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type CounterConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type RetransmitConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseTimeout time.Duration `mapstructure:"base_timeout"`
}

type WSConfig struct {
	MaxConnectionsPerUser int `mapstructure:"max_connections_per_user"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev_mode", false)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("udp_addr", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("dynamodb_endpoint", "")
	v.SetDefault("dynamodb_table", "Boardsync")
	v.SetDefault("sqs_endpoint", "")
	v.SetDefault("room_deleted_queue", "RoomDeletedQueue")
	v.SetDefault("redis_endpoint", "localhost:6379")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("allowed_origin", "")

	v.SetDefault("room.default_capacity", 50)
	v.SetDefault("broadcast.workers", 20)
	v.SetDefault("broadcast.min_interval", "10ms")
	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.flush_interval", "5s")
	v.SetDefault("batch.queue_capacity", 10000)
	v.SetDefault("batch.enqueue_wait", "1s")
	v.SetDefault("presence.ttl", "180s")
	v.SetDefault("presence.sweep_interval", "5s")
	v.SetDefault("participants.idle_timeout", "5m")
	v.SetDefault("participants.sweep_interval", "60s")
	v.SetDefault("counter.flush_interval", "60s")
	v.SetDefault("retransmit.max_retries", 3)
	v.SetDefault("retransmit.base_timeout", "500ms")
	v.SetDefault("ws.max_connections_per_user", 5)
}

// Load reads defaults, then the optional config file, then BOARDSYNC_* environment
// variables (a .env file is loaded into the environment first). Nested keys use an
// underscore in the environment: BOARDSYNC_BATCH_SIZE sets batch.size.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
		log.Info().Str("file", configFile).Msg("Loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Secret decodes the JWT secret.
func (c *Config) Secret() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, errors.New("jwt_secret is not set")
	}
	secret, err := base64.StdEncoding.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 jwt_secret: %w", err)
	}
	return secret, nil
}
