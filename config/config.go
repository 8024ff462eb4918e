package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	ErrSecretNotSet     = errors.New("jwt secret must be set")
	ErrInvalidPortRange = errors.New("media port range is invalid")
)

type Config struct {
	Port           string        `yaml:"port,omitempty"`
	Environment    string        `yaml:"environment,omitempty"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	JWTSecret      string        `yaml:"jwt_secret,omitempty"`
	APIKey         string        `yaml:"api_key,omitempty"`
	Redis          RedisConfig   `yaml:"redis,omitempty"`
	Room           RoomConfig    `yaml:"room,omitempty"`
	Signal         SignalConfig  `yaml:"signal,omitempty"`
	Media          MediaConfig   `yaml:"media,omitempty"`
	WebHook        WebHookConfig `yaml:"webhook,omitempty"`
	Logging        LoggingConfig `yaml:"logging,omitempty"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Host     string `yaml:"host,omitempty"`
	Port     string `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// RoomConfig holds defaults applied to rooms that do not set their own limits.
type RoomConfig struct {
	MaxPeers                  int `yaml:"max_peers,omitempty"`
	TimeOutNoParticipantsSecs int `yaml:"timeout_no_participants_secs,omitempty"`
	MaxDurationSecs           int `yaml:"max_duration_secs,omitempty"`
}

type SignalConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	PingInterval   time.Duration `yaml:"ping_interval,omitempty"`
	PongWait       time.Duration `yaml:"pong_wait,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
	SendBufferSize int           `yaml:"send_buffer_size,omitempty"`
	QueueSize      int           `yaml:"queue_size,omitempty"`
	ReadLimit      int64         `yaml:"read_limit,omitempty"`
}

type MediaConfig struct {
	AnnouncedIP string `yaml:"announced_ip,omitempty"`
	PortMin     uint16 `yaml:"port_min,omitempty"`
	PortMax     uint16 `yaml:"port_max,omitempty"`
}

type WebHookConfig struct {
	Secret  string        `yaml:"secret,omitempty"`
	Workers int           `yaml:"workers,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Load builds a Config from the environment.
func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		APIKey:         getEnv("API_KEY", ""),
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Room: RoomConfig{
			MaxPeers:                  getEnvInt("ROOM_MAX_PEERS", 16),
			TimeOutNoParticipantsSecs: getEnvInt("ROOM_TIMEOUT_NO_PARTICIPANTS_SECS", 300),
			MaxDurationSecs:           getEnvInt("ROOM_MAX_DURATION_SECS", 0),
		},
		Signal: SignalConfig{
			RequestTimeout: getEnvDuration("SIGNAL_REQUEST_TIMEOUT", 10*time.Second),
			PingInterval:   getEnvDuration("SIGNAL_PING_INTERVAL", 54*time.Second),
			PongWait:       getEnvDuration("SIGNAL_PONG_WAIT", 60*time.Second),
			WriteTimeout:   getEnvDuration("SIGNAL_WRITE_TIMEOUT", 10*time.Second),
			SendBufferSize: getEnvInt("SIGNAL_SEND_BUFFER", 256),
			QueueSize:      getEnvInt("SIGNAL_QUEUE_SIZE", 64),
			ReadLimit:      int64(getEnvInt("SIGNAL_READ_LIMIT", 1<<20)),
		},
		Media: MediaConfig{
			AnnouncedIP: getEnv("MEDIA_ANNOUNCED_IP", "127.0.0.1"),
			PortMin:     uint16(getEnvInt("MEDIA_PORT_MIN", 40000)),
			PortMax:     uint16(getEnvInt("MEDIA_PORT_MAX", 49999)),
		},
		WebHook: WebHookConfig{
			Secret:  getEnv("WEBHOOK_SECRET", ""),
			Workers: getEnvInt("WEBHOOK_WORKERS", 4),
			Timeout: getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

// LoadFile reads a YAML file on top of the environment defaults.
func LoadFile(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", path)
	}
	return LoadBody(string(body))
}

// LoadBody parses a YAML document on top of the environment defaults. Keys
// missing from the document keep their default values.
func LoadBody(body string) (*Config, error) {
	conf := Load()
	if strings.TrimSpace(body) == "" {
		return conf, nil
	}
	decoder := yaml.NewDecoder(strings.NewReader(body))
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	return conf, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return ErrSecretNotSet
	}
	if c.Media.PortMin == 0 || c.Media.PortMax < c.Media.PortMin {
		return ErrInvalidPortRange
	}
	if c.Signal.PingInterval >= c.Signal.PongWait {
		c.Signal.PingInterval = c.Signal.PongWait / 2
	}
	if c.WebHook.Workers < 1 {
		c.WebHook.Workers = 1
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
