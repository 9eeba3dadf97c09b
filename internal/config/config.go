package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ServiceName    = "kis-gateway"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	KIS                     KISConfig                 `mapstructure:"kis"`
	Stream                  StreamConfig              `mapstructure:"stream"`
	Gateway                 GatewayConfig             `mapstructure:"gateway"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
}

type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

// KISConfig holds the venue credentials and endpoints.
type KISConfig struct {
	AppKey           string        `mapstructure:"app_key"`
	AppSecret        string        `mapstructure:"app_secret"`
	AuthBaseURL      string        `mapstructure:"auth_base_url"`
	RestBaseURL      string        `mapstructure:"rest_base_url"`
	WebsocketURL     string        `mapstructure:"websocket_url"`
	AESKey           string        `mapstructure:"aes_key"`
	AESIV            string        `mapstructure:"aes_iv"`
	DevelopmentMode  bool          `mapstructure:"development_mode"`
	ApprovalValidity time.Duration `mapstructure:"approval_validity"`
	TokenValidity    time.Duration `mapstructure:"token_validity"`
	SafetyMargin     time.Duration `mapstructure:"safety_margin"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

type StreamConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectMinDelay    time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ControlRate          float64       `mapstructure:"control_rate"`
	ControlBurst         int           `mapstructure:"control_burst"`
}

type GatewayConfig struct {
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	FirstTickWait        time.Duration `mapstructure:"first_tick_wait"`
	FallbackTimeout      time.Duration `mapstructure:"fallback_timeout"`
	ClearCacheOnShutdown bool          `mapstructure:"clear_cache_on_shutdown"`
	SinkBuffer           int           `mapstructure:"sink_buffer"`
	SnapshotTTL          time.Duration `mapstructure:"snapshot_ttl"`
	SeedFromDatabase     bool          `mapstructure:"seed_from_database"`
	SubscriptionLimit    int           `mapstructure:"subscription_limit"`
}

type NatsJetstreamConfig struct {
	URL             string        `mapstructure:"url"`
	Enabled         bool          `mapstructure:"enabled"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool          `mapstructure:"show_caller"`
	LogLevel   string        `mapstructure:"log_level"`
	File       LogFileConfig `mapstructure:"file"`
}

// LogFileConfig enables rotating file output next to stdout.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

func setDefaults() {
	viper.SetDefault("env", "development")
	viper.SetDefault("log.log_level", "info")
	viper.SetDefault("graceful_shutdown_timeout", 10*time.Second)
	viper.SetDefault("port.http", "8080")
	viper.SetDefault("port.grpc", "9090")

	viper.SetDefault("kis.auth_base_url", "https://openapi.koreainvestment.com:9443")
	viper.SetDefault("kis.rest_base_url", "https://openapi.koreainvestment.com:9443")
	viper.SetDefault("kis.websocket_url", "ws://ops.koreainvestment.com:21000")
	viper.SetDefault("kis.approval_validity", 23*time.Hour)
	viper.SetDefault("kis.token_validity", 23*time.Hour)
	viper.SetDefault("kis.safety_margin", 10*time.Minute)
	viper.SetDefault("kis.http_timeout", 10*time.Second)

	viper.SetDefault("stream.heartbeat_interval", 30*time.Second)
	viper.SetDefault("stream.reconnect_min_delay", 5*time.Second)
	viper.SetDefault("stream.reconnect_max_delay", 60*time.Second)
	viper.SetDefault("stream.dial_timeout", 10*time.Second)
	viper.SetDefault("stream.write_timeout", 5*time.Second)
	viper.SetDefault("stream.max_reconnect_attempts", 10)
	viper.SetDefault("stream.control_rate", 5)
	viper.SetDefault("stream.control_burst", 10)

	viper.SetDefault("gateway.connect_timeout", 3*time.Second)
	viper.SetDefault("gateway.first_tick_wait", 500*time.Millisecond)
	viper.SetDefault("gateway.fallback_timeout", 2*time.Second)
	viper.SetDefault("gateway.clear_cache_on_shutdown", true)
	viper.SetDefault("gateway.sink_buffer", 1024)
	viper.SetDefault("gateway.snapshot_ttl", 24*time.Hour)
	viper.SetDefault("gateway.subscription_limit", 40)

	viper.SetDefault("nats_jetstream.max_age", 5*time.Minute)
}

func LoadConfig(configPath string) error {
	viper.Reset()

	// .env is optional; values already set in the environment win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	setDefaults()

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return Env.Validate()
}

// Validate only checks presence of the values the gateway cannot start without.
func (c *EnvConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.KIS.WebsocketURL) == "" {
		missing = append(missing, "kis.websocket_url")
	}
	if strings.TrimSpace(c.KIS.AuthBaseURL) == "" {
		missing = append(missing, "kis.auth_base_url")
	}
	if !c.KIS.DevelopmentMode {
		if strings.TrimSpace(c.KIS.AppKey) == "" {
			missing = append(missing, "kis.app_key")
		}
		if strings.TrimSpace(c.KIS.AppSecret) == "" {
			missing = append(missing, "kis.app_secret")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}

	return nil
}
