package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	MySQL         MySQLConfig         `mapstructure:"mysql"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Leader        LeaderConfig        `mapstructure:"leader"`
	Instance      InstanceConfig      `mapstructure:"instance"`
	Log           LogConfig           `mapstructure:"log"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Auction       AuctionConfig       `mapstructure:"auction"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Engine        EngineConfig        `mapstructure:"engine"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
	Host string `mapstructure:"host"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `mapstructure:"topic" validate:"required_if=Enabled true"`
	RequiredAcks int           `mapstructure:"required_acks" validate:"oneof=-1 0 1"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Compression  string        `mapstructure:"compression" validate:"oneof=none gzip snappy lz4 zstd"`
}

type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type StorageConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=mysql memory"`
}

type AuctionConfig struct {
	DefaultMinIncrement string          `mapstructure:"default_min_increment"`
	ExtensionWindow     time.Duration   `mapstructure:"extension_window" validate:"min=0"`
	ExtensionDelta      time.Duration   `mapstructure:"extension_delta" validate:"min=0"`
	MaxExtensions       int             `mapstructure:"max_extensions" validate:"min=0"`
	IncrementTiers      []IncrementTier `mapstructure:"increment_tiers" validate:"dive"`
}

// IncrementTier is kept as strings so amounts are parsed as decimals, never floats.
type IncrementTier struct {
	UpTo      string `mapstructure:"up_to"`
	Increment string `mapstructure:"increment" validate:"required"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	ResyncInterval time.Duration `mapstructure:"resync_interval" validate:"gt=0"`
}

type NotificationsConfig struct {
	Workers         int           `mapstructure:"workers" validate:"min=1"`
	QueueSize       int           `mapstructure:"queue_size" validate:"min=1"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout" validate:"gt=0"`
	BackoffBase     time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	Lease           time.Duration `mapstructure:"lease" validate:"gtfield=DeliveryTimeout"`
	RetryQueue      string        `mapstructure:"retry_queue" validate:"oneof=redis memory"`
}

type EngineConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts" validate:"min=1"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mysql.dsn", "auction_user:auction_pass@tcp(localhost:3306)/auction_db?parseTime=true")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "auction-events")
	v.SetDefault("kafka.required_acks", -1)
	v.SetDefault("kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("kafka.compression", "snappy")
	v.SetDefault("leader.enabled", true)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("instance.id", "bidding-engine-1")
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", "mysql")
	v.SetDefault("auction.default_min_increment", "")
	v.SetDefault("auction.extension_window", 60*time.Second)
	v.SetDefault("auction.extension_delta", 120*time.Second)
	v.SetDefault("auction.max_extensions", 10)
	v.SetDefault("auction.increment_tiers", []map[string]string{
		{"up_to": "100", "increment": "5"},
		{"up_to": "500", "increment": "10"},
		{"up_to": "", "increment": "25"},
	})
	v.SetDefault("scheduler.tick_interval", time.Second)
	v.SetDefault("scheduler.resync_interval", 10*time.Second)
	v.SetDefault("notifications.workers", 4)
	v.SetDefault("notifications.queue_size", 1024)
	v.SetDefault("notifications.delivery_timeout", 5*time.Second)
	v.SetDefault("notifications.backoff_base", time.Second)
	v.SetDefault("notifications.backoff_max", 5*time.Minute)
	v.SetDefault("notifications.sweep_interval", 2*time.Second)
	v.SetDefault("notifications.lease", 30*time.Second)
	v.SetDefault("notifications.retry_queue", "redis")
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_base_delay", 50*time.Millisecond)
}

func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment variable mappings kept from the original deployment manifests
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.host", "SERVER_HOST")
	_ = v.BindEnv("redis.address", "REDIS_ADDRESS")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("mysql.dsn", "MYSQL_DSN")
	_ = v.BindEnv("mysql.max_open_conns", "MYSQL_MAX_OPEN_CONNS")
	_ = v.BindEnv("mysql.max_idle_conns", "MYSQL_MAX_IDLE_CONNS")
	_ = v.BindEnv("mysql.conn_max_lifetime", "MYSQL_CONN_MAX_LIFETIME")
	_ = v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	_ = v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	_ = v.BindEnv("leader.ttl", "LEADER_TTL")
	_ = v.BindEnv("instance.id", "INSTANCE_ID")
	_ = v.BindEnv("log.level", "LOG_LEVEL")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Configuration file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/auction-engine/")

	bindEnv(v)

	// Read configuration file (optional - will use defaults/env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	return decode(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	// Brokers arrive as a comma separated string when set from the environment.
	if len(config.Kafka.Brokers) == 1 && strings.Contains(config.Kafka.Brokers[0], ",") {
		config.Kafka.Brokers = strings.Split(config.Kafka.Brokers[0], ",")
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Redis: %s, Storage: %s, Instance: %s, Kafka: %v",
		c.Server.Host,
		c.Server.Port,
		c.Redis.Address,
		c.Storage.Driver,
		c.Instance.ID,
		c.Kafka.Enabled,
	)
}
