package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/database"
	"github.com/spf13/viper"
)

// ServiceConfig holds all configuration for the dispatch service.
type ServiceConfig struct {
	AppEnv      string            `mapstructure:"app_env"`
	NodeID      string            `mapstructure:"node_id"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Valkey      ValkeyConfig      `mapstructure:"valkey"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Navigation  NavigationConfig  `mapstructure:"navigation"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Postgres converts the section into connection settings.
func (d DatabaseConfig) Postgres() database.PostgresConfig {
	return database.PostgresConfig{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		DBName:   d.DBName,
		SSLMode:  d.SSLMode,
	}
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	EventsTopic   string   `mapstructure:"events_topic"`
	BookingTopic  string   `mapstructure:"booking_topic"`
	PaymentTopic  string   `mapstructure:"payment_topic"`
	ConsumeIntake bool     `mapstructure:"consume_intake"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
	// Embedded uses the in-process channel instead of NATS (single node).
	Embedded bool `mapstructure:"embedded"`
}

type ValkeyConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

type RoutingConfig struct {
	Provider         string        `mapstructure:"provider"`
	BaseURL          string        `mapstructure:"base_url"`
	AccessToken      string        `mapstructure:"access_token"`
	Timeout          time.Duration `mapstructure:"timeout"`
	DefaultProfile   string        `mapstructure:"default_profile"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	FallbackSpeedKmh float64       `mapstructure:"fallback_speed_kmh"`
	OffRouteMeters   float64       `mapstructure:"off_route_m"`
}

type NavigationConfig struct {
	ArrivalRadiusMeters float64 `mapstructure:"arrival_radius_m"`
}

type PersistenceConfig struct {
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxElapsed      time.Duration `mapstructure:"retry_max_elapsed"`
}

// Load reads configuration from defaults, an optional YAML file and
// DISPATCH_* environment variables, in increasing precedence. An empty
// configFile searches ./config.yaml and ./configs/config.yaml.
func Load(configFile string) (*ServiceConfig, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		_ = v.ReadInConfig() // OK if missing
	}

	// DISPATCH_DATABASE_HOST → database.host
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg ServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")
	v.SetDefault("node_id", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "dispatch_db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "service-dispatch")
	v.SetDefault("kafka.events_topic", "appointment.events")
	v.SetDefault("kafka.booking_topic", "booking.events")
	v.SetDefault("kafka.payment_topic", "payment.events")
	v.SetDefault("kafka.consume_intake", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.embedded", false)
	v.SetDefault("valkey.addr", "localhost:6379")
	v.SetDefault("valkey.enabled", true)
	v.SetDefault("routing.provider", "mapbox")
	v.SetDefault("routing.base_url", "https://api.mapbox.com")
	v.SetDefault("routing.access_token", "")
	v.SetDefault("routing.timeout", 10*time.Second)
	v.SetDefault("routing.default_profile", string(route.ProfileDriving))
	v.SetDefault("routing.cache_ttl", 5*time.Minute)
	v.SetDefault("routing.fallback_speed_kmh", 40.0)
	v.SetDefault("routing.off_route_m", 75.0)
	v.SetDefault("navigation.arrival_radius_m", 25.0)
	v.SetDefault("persistence.retry_initial_interval", 500*time.Millisecond)
	v.SetDefault("persistence.retry_max_elapsed", 2*time.Minute)
}

// Validate collects every problem before failing.
func (c *ServiceConfig) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", c.Database.Port))
	}
	if c.Database.DBName == "" {
		errs = append(errs, "database.dbname is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, "nats.url is required unless nats.embedded is set")
	}
	if c.Valkey.Enabled && c.Valkey.Addr == "" {
		errs = append(errs, "valkey.addr is required when valkey.enabled is set")
	}
	if c.Routing.Provider != "mapbox" && c.Routing.Provider != "osrm" {
		errs = append(errs, fmt.Sprintf("routing.provider must be mapbox or osrm, got %q", c.Routing.Provider))
	}
	if c.Routing.BaseURL == "" {
		errs = append(errs, "routing.base_url is required")
	}
	if c.Routing.Provider == "mapbox" && c.Routing.AccessToken == "" {
		errs = append(errs, "routing.access_token is required for the mapbox provider")
	}
	if c.Routing.Timeout <= 0 {
		errs = append(errs, "routing.timeout must be positive")
	}
	if !route.Profile(c.Routing.DefaultProfile).IsValid() {
		errs = append(errs, fmt.Sprintf("routing.default_profile is invalid: %q", c.Routing.DefaultProfile))
	}
	if c.Routing.FallbackSpeedKmh <= 0 {
		errs = append(errs, "routing.fallback_speed_kmh must be positive")
	}
	if c.Routing.OffRouteMeters <= 0 {
		errs = append(errs, "routing.off_route_m must be positive")
	}
	if c.Navigation.ArrivalRadiusMeters <= 0 {
		errs = append(errs, "navigation.arrival_radius_m must be positive")
	}
	if c.Persistence.RetryInitialInterval <= 0 || c.Persistence.RetryMaxElapsed <= 0 {
		errs = append(errs, "persistence retry intervals must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
