// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	CalendarNone   = "none"
	CalendarGoogle = "google"
	CalendarCalDAV = "caldav"
)

type Config struct {
	Env      string `env:"ENV" envDefault:"local"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// PrimaryTimeZone is the zone calendar entries are written in.
	PrimaryTimeZone string `env:"PRIMARY_TIMEZONE" envDefault:"UTC"`
	// CalendarProvider is one of "none", "google" or "caldav".
	CalendarProvider string `env:"CALENDAR_PROVIDER" envDefault:"none"`

	HTTP       HTTP       `envPrefix:"HTTP_"`
	Auth       Auth       `envPrefix:"AUTH_"`
	Storage    Storage    `envPrefix:"STORAGE_"`
	Redis      Redis      `envPrefix:"REDIS_"`
	Kafka      Kafka      `envPrefix:"KAFKA_"`
	Google     Google     `envPrefix:"GOOGLE_"`
	CalDAV     CalDAV     `envPrefix:"CALDAV_"`
	SMTP       SMTP       `envPrefix:"SMTP_"`
	Dispatcher Dispatcher `envPrefix:"DISPATCHER_"`
	Metrics    Metrics    `envPrefix:"METRICS_"`
	Tracing    Tracing    `envPrefix:"OTEL_"`
}

type HTTP struct {
	Address         string        `env:"ADDRESS" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type Auth struct {
	// Secret verifies HS256 bearer tokens.
	Secret string `env:"JWT_SECRET"`
	// Dev skips token verification and runs every request as dev@localhost.
	Dev bool `env:"DEV" envDefault:"false"`
}

type Storage struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	Path   string `env:"PATH" envDefault:"./eventsync.db"`
	DSN    string `env:"DSN"`
}

// Redis caches the category list when Address is set.
type Redis struct {
	Address  string        `env:"ADDRESS"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB" envDefault:"0"`
	TTL      time.Duration `env:"TTL" envDefault:"10m"`
}

// Kafka publishes domain events when Brokers is set.
type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"eventsync.events"`
}

type Google struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	TokenFile    string `env:"TOKEN_FILE" envDefault:"token.json"`
	CalendarID   string `env:"CALENDAR_ID" envDefault:"primary"`
}

type CalDAV struct {
	Endpoint     string `env:"ENDPOINT" envDefault:"https://caldav.icloud.com/"`
	Username     string `env:"USERNAME"`
	Password     string `env:"PASSWORD"`
	CalendarName string `env:"CALENDAR_NAME"`
}

// SMTP enables e-mail notices when Host is set.
type SMTP struct {
	Host     string        `env:"HOST"`
	Port     int           `env:"PORT" envDefault:"587"`
	Username string        `env:"USERNAME"`
	Password string        `env:"PASSWORD"`
	From     string        `env:"FROM"`
	TLS      string        `env:"TLS" envDefault:"mandatory"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"15s"`
}

type Dispatcher struct {
	Workers         int           `env:"WORKERS" envDefault:"4"`
	QueueSize       int           `env:"QUEUE_SIZE" envDefault:"256"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`
	MaxTries        uint          `env:"MAX_TRIES" envDefault:"5"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"500ms"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"30s"`
	StopTimeout     time.Duration `env:"STOP_TIMEOUT" envDefault:"30s"`
}

type Metrics struct {
	Port int `env:"PORT" envDefault:"9090"`
}

// Tracing exports spans over OTLP/HTTP when Endpoint is set.
type Tracing struct {
	Endpoint    string `env:"EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventsync"`
}

// Parse reads a .env file when present and parses the environment without
// validating the result.
func Parse() (Config, error) {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, nil
}

// Load is Parse followed by Validate.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	return cfg
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		errs = append(errs, fmt.Errorf("unknown ENV %q", c.Env))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("STORAGE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("STORAGE_DSN is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver))
	}

	if !c.Auth.Dev && c.Auth.Secret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required unless AUTH_DEV is set"))
	}

	switch c.CalendarProvider {
	case CalendarNone, CalendarGoogle:
	case CalendarCalDAV:
		if c.CalDAV.Username == "" || c.CalDAV.CalendarName == "" {
			errs = append(errs, errors.New("CALDAV_USERNAME and CALDAV_CALENDAR_NAME are required for the caldav provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CALENDAR_PROVIDER %q", c.CalendarProvider))
	}

	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
	}

	return errors.Join(errs...)
}
