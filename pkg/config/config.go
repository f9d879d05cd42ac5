// Package config loads seatlock settings from flags, SEATLOCK_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/seatlock/pkg/compensator"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/retry"
	"github.com/pixperk/seatlock/pkg/selector"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SEATLOCK"

type RedisConfig struct {
	// one address for a single node, several for a cluster
	Addrs        []string
	Username     string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LocksConfig struct {
	HoldTTL    time.Duration
	ReserveTTL time.Duration
	MaxTTL     time.Duration
	AdminToken string
}

type ServerConfig struct {
	GRPCListen string
	HTTPListen string
}

type LogConfig struct {
	Level string
	JSON  bool
}

type Config struct {
	Redis       RedisConfig
	Database    storage.Config
	Locks       LocksConfig
	Breaker     selector.BreakerConfig
	Retry       retry.Policy
	Compensator compensator.Config
	Server      ServerConfig
	// availability notification queue size
	NotifyBuffer int
	// what /alerts and /healthz judge the metrics against
	Alerts metrics.Thresholds
	Log    LogConfig
}

func Default() Config {
	return Config{
		Redis: RedisConfig{
			Addrs:        []string{"127.0.0.1:6379"},
			PoolSize:     64,
			DialTimeout:  500 * time.Millisecond,
			ReadTimeout:  250 * time.Millisecond,
			WriteTimeout: 250 * time.Millisecond,
		},
		Database: storage.Config{
			Driver:           storage.DriverSQLite,
			DSN:              "seatlock.db",
			LockTimeout:      500 * time.Millisecond,
			StatementTimeout: 2 * time.Second,
		},
		Locks: LocksConfig{
			HoldTTL:    3 * time.Minute,
			ReserveTTL: 15 * time.Minute,
			MaxTTL:     20 * time.Minute,
		},
		Breaker:     selector.DefaultBreakerConfig(),
		Retry:       retry.DefaultPolicy(),
		Compensator: compensator.DefaultConfig(),
		Server: ServerConfig{
			GRPCListen: ":7070",
			HTTPListen: ":7071",
		},
		NotifyBuffer: 1024,
		Alerts:       metrics.DefaultThresholds(),
		Log:          LogConfig{Level: "info"},
	}
}

// RegisterFlags declares every setting on fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String("config", "", "path to a config file (yaml, json or toml)")

	fs.StringSlice("redis-addr", d.Redis.Addrs, "primary store address; repeat for a cluster")
	fs.String("redis-username", "", "primary store username")
	fs.String("redis-password", "", "primary store password")
	fs.Int("redis-db", d.Redis.DB, "primary store database index")
	fs.String("redis-prefix", "", "key prefix for lock keys")
	fs.Int("redis-pool-size", d.Redis.PoolSize, "primary store connection pool size")
	fs.Duration("redis-dial-timeout", d.Redis.DialTimeout, "primary store dial timeout")
	fs.Duration("redis-read-timeout", d.Redis.ReadTimeout, "primary store read timeout")
	fs.Duration("redis-write-timeout", d.Redis.WriteTimeout, "primary store write timeout")

	fs.String("db-driver", d.Database.Driver, "durable store driver (sqlite3 or pgx)")
	fs.String("db-dsn", d.Database.DSN, "durable store DSN or sqlite file path")
	fs.Int("db-max-open-conns", 0, "durable store pool size (driver default when 0)")
	fs.Duration("db-lock-timeout", d.Database.LockTimeout, "row lock wait before a fenced write fails fast")
	fs.Duration("db-statement-timeout", d.Database.StatementTimeout, "statement timeout for version transactions")

	fs.Duration("hold-ttl", d.Locks.HoldTTL, "lock TTL taken on hold")
	fs.Duration("reserve-ttl", d.Locks.ReserveTTL, "lock TTL set on reserve")
	fs.Duration("max-ttl", d.Locks.MaxTTL, "longest TTL any acquire or extend may request")
	fs.String("admin-token", "", "token required by administrative operations (empty disables them)")

	fs.Int("breaker-failure-threshold", d.Breaker.FailureThreshold, "consecutive primary failures that open the circuit")
	fs.Duration("breaker-cooldown", d.Breaker.Cooldown, "minimum time open before recovery probing")
	fs.Int("breaker-half-open-calls", d.Breaker.HalfOpenMaxCalls, "trial calls allowed on the primary while half open")
	fs.Int("breaker-half-open-successes", d.Breaker.HalfOpenSuccesses, "trial successes that close the circuit")
	fs.Duration("breaker-probe-interval", d.Breaker.ProbeInterval, "health probe and shared state refresh interval")
	fs.Duration("breaker-probe-timeout", d.Breaker.ProbeTimeout, "health probe timeout")
	fs.Duration("breaker-slow-probe", d.Breaker.SlowProbeThreshold, "probe latency counted as slow")
	fs.Int("breaker-slow-probe-limit", d.Breaker.SlowProbeLimit, "consecutive slow probes that open the circuit")

	fs.Uint("retry-attempts", d.Retry.MaxAttempts, "attempts per backend call")
	fs.Duration("retry-initial", d.Retry.InitialInterval, "first retry delay")
	fs.Duration("retry-max", d.Retry.MaxInterval, "retry delay cap")
	fs.Float64("retry-multiplier", d.Retry.Multiplier, "retry delay multiplier")
	fs.Float64("retry-jitter", d.Retry.Jitter, "retry delay randomization factor")
	fs.Duration("retry-budget", d.Retry.MaxElapsed, "total time a backend call may spend retrying")

	fs.Duration("sweep-interval", d.Compensator.Interval, "compensator sweep interval")
	fs.Int64("sweep-page-size", d.Compensator.PageSize, "keys per scan page")
	fs.Float64("sweep-deletes-per-second", d.Compensator.DeletesPerSecond, "compensator delete rate ceiling")

	fs.String("grpc-listen", d.Server.GRPCListen, "gRPC listen address")
	fs.String("http-listen", d.Server.HTTPListen, "metrics and health listen address (empty disables)")
	fs.Int("notify-buffer", d.NotifyBuffer, "availability notification queue size")

	fs.Duration("alert-max-fallback", d.Alerts.MaxFallback, "alert once the primary has been out of service this long (0 disables)")
	fs.Float64("alert-min-success-rate", d.Alerts.MinSuccessRate, "alert below this acquire success rate")
	fs.Float64("alert-min-reservation-rate", d.Alerts.MinReservationRate, "alert below this reservation success rate")
	fs.Int("alert-min-health-score", d.Alerts.MinHealthScore, "alert and fail /healthz below this health score")

	fs.String("log-level", d.Log.Level, "log level (trace, debug, info, warn, error)")
	fs.Bool("log-json", d.Log.JSON, "log as JSON")
}

// Bind wires fs into v and enables SEATLOCK_* environment overrides.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil && err == nil {
			err = fmt.Errorf("bind flag %s: %w", f.Name, bindErr)
		}
	})
	if err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads the optional config file and resolves every setting.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(os.ExpandEnv(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Default()

	cfg.Redis.Addrs = v.GetStringSlice("redis-addr")
	cfg.Redis.Username = v.GetString("redis-username")
	cfg.Redis.Password = v.GetString("redis-password")
	cfg.Redis.DB = v.GetInt("redis-db")
	cfg.Redis.Prefix = v.GetString("redis-prefix")
	cfg.Redis.PoolSize = v.GetInt("redis-pool-size")
	cfg.Redis.DialTimeout = v.GetDuration("redis-dial-timeout")
	cfg.Redis.ReadTimeout = v.GetDuration("redis-read-timeout")
	cfg.Redis.WriteTimeout = v.GetDuration("redis-write-timeout")

	cfg.Database.Driver = v.GetString("db-driver")
	cfg.Database.DSN = v.GetString("db-dsn")
	cfg.Database.MaxOpenConns = v.GetInt("db-max-open-conns")
	cfg.Database.LockTimeout = v.GetDuration("db-lock-timeout")
	cfg.Database.StatementTimeout = v.GetDuration("db-statement-timeout")

	cfg.Locks.HoldTTL = v.GetDuration("hold-ttl")
	cfg.Locks.ReserveTTL = v.GetDuration("reserve-ttl")
	cfg.Locks.MaxTTL = v.GetDuration("max-ttl")
	cfg.Locks.AdminToken = v.GetString("admin-token")

	cfg.Breaker.FailureThreshold = v.GetInt("breaker-failure-threshold")
	cfg.Breaker.Cooldown = v.GetDuration("breaker-cooldown")
	cfg.Breaker.HalfOpenMaxCalls = v.GetInt("breaker-half-open-calls")
	cfg.Breaker.HalfOpenSuccesses = v.GetInt("breaker-half-open-successes")
	cfg.Breaker.ProbeInterval = v.GetDuration("breaker-probe-interval")
	cfg.Breaker.ProbeTimeout = v.GetDuration("breaker-probe-timeout")
	cfg.Breaker.SlowProbeThreshold = v.GetDuration("breaker-slow-probe")
	cfg.Breaker.SlowProbeLimit = v.GetInt("breaker-slow-probe-limit")

	cfg.Retry.MaxAttempts = v.GetUint("retry-attempts")
	cfg.Retry.InitialInterval = v.GetDuration("retry-initial")
	cfg.Retry.MaxInterval = v.GetDuration("retry-max")
	cfg.Retry.Multiplier = v.GetFloat64("retry-multiplier")
	cfg.Retry.Jitter = v.GetFloat64("retry-jitter")
	cfg.Retry.MaxElapsed = v.GetDuration("retry-budget")

	cfg.Compensator.Interval = v.GetDuration("sweep-interval")
	cfg.Compensator.PageSize = v.GetInt64("sweep-page-size")
	cfg.Compensator.DeletesPerSecond = v.GetFloat64("sweep-deletes-per-second")

	cfg.Server.GRPCListen = v.GetString("grpc-listen")
	cfg.Server.HTTPListen = v.GetString("http-listen")
	cfg.NotifyBuffer = v.GetInt("notify-buffer")

	cfg.Alerts.MaxFallback = v.GetDuration("alert-max-fallback")
	cfg.Alerts.MinSuccessRate = v.GetFloat64("alert-min-success-rate")
	cfg.Alerts.MinReservationRate = v.GetFloat64("alert-min-reservation-rate")
	cfg.Alerts.MinHealthScore = v.GetInt("alert-min-health-score")

	cfg.Log.Level = v.GetString("log-level")
	cfg.Log.JSON = v.GetBool("log-json")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis-addr is required"))
	}
	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("db-driver %q is not one of %s, %s", c.Database.Driver, storage.DriverSQLite, storage.DriverPostgres))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("db-dsn is required"))
	}
	if c.Locks.HoldTTL <= 0 {
		errs = append(errs, errors.New("hold-ttl must be positive"))
	}
	if c.Locks.ReserveTTL < c.Locks.HoldTTL {
		errs = append(errs, fmt.Errorf("reserve-ttl %s is shorter than hold-ttl %s", c.Locks.ReserveTTL, c.Locks.HoldTTL))
	}
	if c.Locks.MaxTTL < c.Locks.ReserveTTL {
		errs = append(errs, fmt.Errorf("max-ttl %s is shorter than reserve-ttl %s", c.Locks.MaxTTL, c.Locks.ReserveTTL))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.HalfOpenMaxCalls <= 0 || c.Breaker.HalfOpenSuccesses <= 0 {
		errs = append(errs, errors.New("breaker thresholds must be positive"))
	}
	if c.Breaker.ProbeInterval <= 0 {
		errs = append(errs, errors.New("breaker-probe-interval must be positive"))
	}
	if c.Retry.MaxAttempts == 0 {
		errs = append(errs, errors.New("retry-attempts must be at least 1"))
	}
	if c.Compensator.DeletesPerSecond <= 0 {
		errs = append(errs, errors.New("sweep-deletes-per-second must be positive"))
	}
	if c.Alerts.MaxFallback < 0 {
		errs = append(errs, errors.New("alert-max-fallback must not be negative"))
	}
	if c.Alerts.MinSuccessRate < 0 || c.Alerts.MinSuccessRate > 1 {
		errs = append(errs, fmt.Errorf("alert-min-success-rate %v is outside [0, 1]", c.Alerts.MinSuccessRate))
	}
	if c.Alerts.MinReservationRate < 0 || c.Alerts.MinReservationRate > 1 {
		errs = append(errs, fmt.Errorf("alert-min-reservation-rate %v is outside [0, 1]", c.Alerts.MinReservationRate))
	}
	if c.Alerts.MinHealthScore < 0 || c.Alerts.MinHealthScore > 100 {
		errs = append(errs, fmt.Errorf("alert-min-health-score %d is outside [0, 100]", c.Alerts.MinHealthScore))
	}
	if c.Server.GRPCListen == "" {
		errs = append(errs, errors.New("grpc-listen is required"))
	}
	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Errorf("unknown log-level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// NewLogger builds the root logger from the log settings.
func (c LogConfig) NewLogger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      hclog.LevelFromString(c.Level),
		JSONFormat: c.JSON,
		Output:     os.Stderr,
	})
}
