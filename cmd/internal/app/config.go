package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"ARENA_HTTP_ADDR"   envDefault:":3001"`
	LogLevel  string `env:"ARENA_LOG_LEVEL"   envDefault:"info"`
	LogFormat string `env:"ARENA_LOG_FORMAT"  envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"ARENA_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"ARENA_HTTP_READ_TIMEOUT"        envDefault:"15s"`
	WriteTimeout      time.Duration `env:"ARENA_HTTP_WRITE_TIMEOUT"       envDefault:"15s"`
	IdleTimeout       time.Duration `env:"ARENA_HTTP_IDLE_TIMEOUT"        envDefault:"60s"`
	MaxHeaderBytes    int           `env:"ARENA_HTTP_MAX_HEADER_BYTES"    envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"ARENA_HTTP_MAX_BODY_BYTES"      envDefault:"65536"`

	// PublicBaseURL is the client origin used to build invite links.
	PublicBaseURL string `env:"ARENA_PUBLIC_BASE_URL" envDefault:"http://localhost:5173"`

	CORSAllowedOrigins   []string `env:"ARENA_CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"http://localhost:5173"`
	CORSAllowCredentials bool     `env:"ARENA_CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"ARENA_CORS_MAX_AGE_SECONDS"   envDefault:"600"`

	InviteTTL           time.Duration `env:"ARENA_INVITE_TTL"            envDefault:"15m"`
	InviteSweepInterval time.Duration `env:"ARENA_INVITE_SWEEP_INTERVAL" envDefault:"5m"`

	MaxTurns           int           `env:"ARENA_MAX_TURNS"            envDefault:"50"`
	TurnDuration       time.Duration `env:"ARENA_TURN_DURATION"        envDefault:"30s"`
	LobbyIdleTTL       time.Duration `env:"ARENA_LOBBY_IDLE_TTL"       envDefault:"1h"`
	LobbySweepInterval time.Duration `env:"ARENA_LOBBY_SWEEP_INTERVAL" envDefault:"30m"`
	LogCap             int           `env:"ARENA_LOG_CAP"              envDefault:"100"`
	LogTrimTo          int           `env:"ARENA_LOG_TRIM_TO"          envDefault:"50"`

	// Push channel.
	AllowedOrigins     []string      `env:"ARENA_ALLOWED_ORIGINS"        envSeparator:"," envDefault:"http://localhost:5173"`
	WSOriginRequired   bool          `env:"ARENA_WS_ORIGIN_REQUIRED"     envDefault:"true"`
	WSDevInsecure      bool          `env:"ARENA_WS_DEV_INSECURE"        envDefault:"false"`
	WSHeartbeat        time.Duration `env:"ARENA_WS_HEARTBEAT_INTERVAL"  envDefault:"25s"`
	WSHeartbeatTimeout time.Duration `env:"ARENA_WS_HEARTBEAT_TIMEOUT"   envDefault:"5s"`
	WSReadIdle         time.Duration `env:"ARENA_WS_READ_IDLE"           envDefault:"2m"`
	WSSendQueue        int           `env:"ARENA_WS_SEND_QUEUE"          envDefault:"64"`
	WSRateEvents       int           `env:"ARENA_WS_RATE_EVENTS"         envDefault:"60"`
	WSRateWindow       time.Duration `env:"ARENA_WS_RATE_WINDOW"         envDefault:"10s"`
	ConnIdleTTL        time.Duration `env:"ARENA_CONN_IDLE_TTL"          envDefault:"10m"`
	ConnSweepInterval  time.Duration `env:"ARENA_CONN_SWEEP_INTERVAL"    envDefault:"5m"`

	// Empty DatabaseURL keeps the battle archive in memory.
	DatabaseURL string `env:"ARENA_DATABASE_URL"`
	DBSchema    string `env:"ARENA_DB_SCHEMA"    envDefault:"arena"`
	DBMaxConns  int32  `env:"ARENA_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"ARENA_DB_MIN_CONNS" envDefault:"0"`

	// Empty RedisURL keeps invites and lobbies in process memory.
	RedisURL    string `env:"ARENA_REDIS_URL"`
	RedisPrefix string `env:"ARENA_REDIS_PREFIX" envDefault:"arena:"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `env:"ARENA_READINESS_REQUIRE_DB" envDefault:"false"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects limits the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	positive("ARENA_INVITE_TTL", c.InviteTTL > 0)
	positive("ARENA_INVITE_SWEEP_INTERVAL", c.InviteSweepInterval > 0)
	positive("ARENA_MAX_TURNS", c.MaxTurns > 0)
	positive("ARENA_TURN_DURATION", c.TurnDuration > 0)
	positive("ARENA_LOBBY_IDLE_TTL", c.LobbyIdleTTL > 0)
	positive("ARENA_LOBBY_SWEEP_INTERVAL", c.LobbySweepInterval > 0)
	positive("ARENA_LOG_CAP", c.LogCap > 0)
	positive("ARENA_LOG_TRIM_TO", c.LogTrimTo > 0)
	positive("ARENA_CONN_IDLE_TTL", c.ConnIdleTTL > 0)
	positive("ARENA_CONN_SWEEP_INTERVAL", c.ConnSweepInterval > 0)
	positive("ARENA_WS_SEND_QUEUE", c.WSSendQueue > 0)
	positive("ARENA_WS_RATE_EVENTS", c.WSRateEvents > 0)
	positive("ARENA_WS_RATE_WINDOW", c.WSRateWindow > 0)
	if c.LogTrimTo >= c.LogCap {
		errs = append(errs, errors.New("ARENA_LOG_TRIM_TO must be below ARENA_LOG_CAP"))
	}
	return errors.Join(errs...)
}
