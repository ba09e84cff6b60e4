package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Config неизменяемый снапшот конфигурации. Загружается один раз и
// передается компонентам при конструировании, никогда не мутируется.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Security  SecurityConfig  `mapstructure:"security"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Transport TransportConfig `mapstructure:"transport"`
	Tally     TallyConfig     `mapstructure:"tally"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SecurityConfig struct {
	AgentTokenSecret string        `mapstructure:"agent_token_secret"`
	TokenExpiry      time.Duration `mapstructure:"token_expiry"`
}

// SyncConfig настройки оркестратора и политики повторов
type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	BackoffBase      float64       `mapstructure:"backoff_base"`
	BackoffCap       time.Duration `mapstructure:"backoff_cap"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
}

// TransportConfig настройки duplex-канала agent <-> backend
type TransportConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	RegisterTimeout      time.Duration `mapstructure:"register_timeout"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackendURL           string        `mapstructure:"backend_url"`
}

// TallyConfig локальный сокет учетной системы (сторона агента)
type TallyConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	Company        string        `mapstructure:"company"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var errViper viper.ConfigFileNotFoundError
		if errors.As(err, &errViper) {
			slog.Warn("config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config, %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed, %w", err)
	}

	slog.Info("configuration loaded successfully")
	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "tallysync")
	viper.SetDefault("database.password", "tallysync")
	viper.SetDefault("database.dbname", "tallysync")
	viper.SetDefault("database.sslmode", "disable")

	// redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// security defaults
	viper.SetDefault("security.agent_token_secret", "change-me-in-production")
	viper.SetDefault("security.token_expiry", "720h") // 30 days

	// sync defaults
	viper.SetDefault("sync.interval", "3m")
	viper.SetDefault("sync.batch_size", 10)
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("sync.task_timeout", "30s")
	viper.SetDefault("sync.backoff_base", 5.0)
	viper.SetDefault("sync.backoff_cap", "125m")
	viper.SetDefault("sync.conflict_strategy", "manual")

	// transport defaults
	viper.SetDefault("transport.heartbeat_interval", "30s")
	viper.SetDefault("transport.heartbeat_timeout", "10s")
	viper.SetDefault("transport.register_timeout", "10s")
	viper.SetDefault("transport.reconnect_base_delay", "1s")
	viper.SetDefault("transport.reconnect_max_delay", "30s")
	viper.SetDefault("transport.max_reconnect_attempts", 10)
	viper.SetDefault("transport.backend_url", "ws://localhost:8080/ws/agent")

	// tally defaults
	viper.SetDefault("tally.host", "localhost")
	viper.SetDefault("tally.port", 9000)
	viper.SetDefault("tally.connect_timeout", "10s")
	viper.SetDefault("tally.read_timeout", "60s")
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}

	if cfg.Server.Mode != "debug" && cfg.Server.Mode != "release" {
		return fmt.Errorf("invalid server mode %s", cfg.Server.Mode)
	}

	if cfg.Database.Host == "" {
		return errors.New("database host is required")
	}

	if cfg.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if cfg.Sync.BatchSize < 1 {
		return fmt.Errorf("invalid sync batch size %d", cfg.Sync.BatchSize)
	}

	if cfg.Sync.MaxAttempts < 1 {
		return fmt.Errorf("invalid sync max attempts %d", cfg.Sync.MaxAttempts)
	}

	if cfg.Sync.BackoffBase <= 1 {
		return fmt.Errorf("sync backoff base must be > 1, got %v", cfg.Sync.BackoffBase)
	}

	switch cfg.Sync.ConflictStrategy {
	case "manual", "source-wins", "target-wins", "merge":
	default:
		return fmt.Errorf("invalid conflict strategy %s", cfg.Sync.ConflictStrategy)
	}

	if cfg.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if cfg.Security.AgentTokenSecret == "change-me-in-production" {
		slog.Warn("Using default agent token secret - change this in production!")
	}

	return nil
}

// возвращает DSN строку для PostgreSQL
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// возвращает настройки для Redis клиента
func (r *RedisConfig) GetRedisOptions() *redis.Options {
	return &redis.Options{
		Addr:            r.Addr,
		Password:        r.Password,
		DB:              r.DB,
		DisableIdentity: true,
	}
}

// возвращает адрес локального сокета Tally
func (t *TallyConfig) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}
