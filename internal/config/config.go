package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-sync/internal/models"
)

// Config captures all tunable parameters of the sync daemon. Values are loaded
// from the environment (optionally seeded from a .env file) with defaults that
// let the binary run against a local dispatch server.
type Config struct {
	ServerURL  string
	APIBaseURL string

	UserID          string
	Role            models.Role
	VehicleCategory string
	Token           string
	RefreshToken    string

	HTTPAddr        string
	ShutdownTimeout time.Duration

	Transport TransportConfig
	Ride      RideConfig
	Offers    OfferConfig
	Chat      ChatConfig

	RESTTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN         string
	RunMigrations bool

	JournalBuffer int
	LogLevel      string
}

type TransportConfig struct {
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

type RideConfig struct {
	ProbeInterval time.Duration
	Countdown     time.Duration
}

type OfferConfig struct {
	Heartbeat    time.Duration
	RESTInterval time.Duration
	// StaleAfter is how long the push channel may stay silent before REST
	// omissions count as removals. Zero means 3x Heartbeat.
	StaleAfter time.Duration
	TTL        time.Duration
	// SpeedMps feeds the naive pickup ETA when the server sends none.
	SpeedMps float64
}

type ChatConfig struct {
	TypingIdle time.Duration
}

func Default() Config {
	return Config{
		ServerURL:       "ws://localhost:8080/ws",
		APIBaseURL:      "http://localhost:8080/api/v1",
		Role:            models.RoleRequester,
		HTTPAddr:        "127.0.0.1:8090",
		ShutdownTimeout: 10 * time.Second,
		Transport: TransportConfig{
			DialTimeout:  10 * time.Second,
			ReconnectMin: time.Second,
			ReconnectMax: 30 * time.Second,
			PingInterval: 25 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Ride: RideConfig{
			ProbeInterval: 4 * time.Second,
			Countdown:     5 * time.Second,
		},
		Offers: OfferConfig{
			Heartbeat:    5 * time.Second,
			RESTInterval: 15 * time.Second,
			TTL:          30 * time.Second,
			SpeedMps:     8,
		},
		Chat: ChatConfig{
			TypingIdle: 3 * time.Second,
		},
		RESTTimeout:   10 * time.Second,
		KafkaTopic:    "ride-sync-journal",
		KafkaGroup:    "ride-sync-mirror",
		JournalBuffer: 256,
		LogLevel:      "info",
	}
}

// StaleWindow resolves the zero default of StaleAfter.
func (c OfferConfig) StaleWindow() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	return 3 * c.Heartbeat
}

func (c Config) Identity() models.Identity {
	return models.Identity{ID: c.UserID, Role: c.Role, VehicleCategory: c.VehicleCategory}
}

// Load reads envFiles (missing files are ignored) and then the environment.
// Variables already set in the environment win over the files.
func Load(envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return Config{}, err
	}

	cfg := Default()
	var errs []error

	setStringFromEnv(&cfg.ServerURL, "SYNC_SERVER_URL")
	setStringFromEnv(&cfg.APIBaseURL, "SYNC_API_URL")
	setStringFromEnv(&cfg.UserID, "SYNC_USER_ID")
	if v := strings.TrimSpace(os.Getenv("SYNC_ROLE")); v != "" {
		cfg.Role = models.Role(strings.ToLower(v))
	}
	setStringFromEnv(&cfg.VehicleCategory, "SYNC_VEHICLE_CATEGORY")
	cfg.Token = strings.TrimSpace(os.Getenv("SYNC_TOKEN"))
	cfg.RefreshToken = strings.TrimSpace(os.Getenv("SYNC_REFRESH_TOKEN"))

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.Transport.DialTimeout, "WS_DIAL_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Transport.ReconnectMin, "WS_RECONNECT_MIN", &errs)
	setDurationFromEnv(&cfg.Transport.ReconnectMax, "WS_RECONNECT_MAX", &errs)
	setDurationFromEnv(&cfg.Transport.PingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Transport.PongWait, "WS_PONG_WAIT", &errs)
	setDurationFromEnv(&cfg.Transport.WriteWait, "WS_WRITE_WAIT", &errs)

	setDurationFromEnv(&cfg.Ride.ProbeInterval, "RIDE_PROBE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Ride.Countdown, "RIDE_COUNTDOWN", &errs)

	setDurationFromEnv(&cfg.Offers.Heartbeat, "OFFER_HEARTBEAT", &errs)
	setDurationFromEnv(&cfg.Offers.RESTInterval, "OFFER_REST_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Offers.StaleAfter, "OFFER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.Offers.TTL, "OFFER_TTL", &errs)
	setFloatFromEnv(&cfg.Offers.SpeedMps, "OFFER_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.Chat.TypingIdle, "CHAT_TYPING_IDLE", &errs)
	setDurationFromEnv(&cfg.RESTTimeout, "REST_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setIntFromEnv(&cfg.JournalBuffer, "JOURNAL_BUFFER", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("SYNC_ROLE must be requester or fulfiller, got %q", c.Role))
	}
	if c.Role == models.RoleFulfiller && c.VehicleCategory == "" {
		errs = append(errs, fmt.Errorf("SYNC_VEHICLE_CATEGORY is required for fulfillers"))
	}
	if c.Offers.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_HEARTBEAT must be > 0"))
	}
	if c.Offers.RESTInterval < c.Offers.Heartbeat {
		errs = append(errs, fmt.Errorf("OFFER_REST_INTERVAL must not be shorter than OFFER_HEARTBEAT"))
	}
	if c.Offers.TTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}
	if c.Ride.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_PROBE_INTERVAL must be > 0"))
	}
	if c.Transport.ReconnectMin <= 0 || c.Transport.ReconnectMax < c.Transport.ReconnectMin {
		errs = append(errs, fmt.Errorf("WS_RECONNECT_MIN must be > 0 and <= WS_RECONNECT_MAX"))
	}
	if c.JournalBuffer <= 0 {
		errs = append(errs, fmt.Errorf("JOURNAL_BUFFER must be > 0"))
	}
	return errs
}

func loadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
