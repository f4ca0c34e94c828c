package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/NicolasHaas/gochat/pkg/datastore"
	"github.com/NicolasHaas/gochat/pkg/protocol"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "GOCHAT"

// Config holds server configuration.
type Config struct {
	Addr      string `envconfig:"ADDR"`       // HTTP bind address for the API, /ws and /metrics
	DBPath    string `envconfig:"DB_PATH"`    // SQLite database path
	UsersFile string `envconfig:"USERS_FILE"` // YAML file of users to create on startup

	JWTSecret string        `envconfig:"JWT_SECRET"` // HS256 signing secret (generated per process if empty)
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL"`

	SendBuffer     int           `envconfig:"SEND_BUFFER"` // outbound events queued per connection
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT"`
	PongWait       time.Duration `envconfig:"PONG_WAIT"`
	PingPeriod     time.Duration `envconfig:"PING_PERIOD"` // must be shorter than PongWait
	MaxMessageSize int64         `envconfig:"MAX_MESSAGE_SIZE"`
	StoreTimeout   time.Duration `envconfig:"STORE_TIMEOUT"`   // per-call persistence deadline
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS"` // empty = same host only, "*" = any

	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL"` // periodic metrics log (0 = disabled)

	LogLevel  string `envconfig:"LOG_LEVEL"`
	LogFormat string `envconfig:"LOG_FORMAT"`

	// CLI-only actions (run and exit)
	ExportUsers bool   `ignored:"true"` // export all users as YAML and exit
	IssueToken  string `ignored:"true"` // print a token for this username and exit
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		DBPath:          "gochat.db",
		TokenTTL:        24 * time.Hour,
		SendBuffer:      64,
		WriteTimeout:    10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageSize:  protocol.MaxMessageSize,
		StoreTimeout:    datastore.DefaultTimeout,
		MetricsInterval: 60 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// LoadConfig returns DefaultConfig overridden by GOCHAT_* environment
// variables. When envFile is set its variables are loaded first; variables
// already present in the environment win.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("server: load env file: %w", err)
		}
	}
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("server: read environment: %w", err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.Addr == "":
		return errors.New("server: addr must not be empty")
	case c.TokenTTL <= 0:
		return errors.New("server: token ttl must be positive")
	case c.SendBuffer <= 0:
		return errors.New("server: send buffer must be positive")
	case c.WriteTimeout <= 0:
		return errors.New("server: write timeout must be positive")
	case c.PongWait <= 0 || c.PingPeriod <= 0:
		return errors.New("server: pong wait and ping period must be positive")
	case c.PingPeriod >= c.PongWait:
		return fmt.Errorf("server: ping period %s must be shorter than pong wait %s", c.PingPeriod, c.PongWait)
	case c.MaxMessageSize <= 0:
		return errors.New("server: max message size must be positive")
	case c.MetricsInterval < 0:
		return errors.New("server: metrics interval must not be negative")
	}
	return nil
}
