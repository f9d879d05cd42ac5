package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))

	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return Load(v)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, Default().Locks, cfg.Locks)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, uint(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, metrics.DefaultThresholds(), cfg.Alerts)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg, err := load(t, "--hold-ttl=2m", "--redis-addr=a:6379", "--redis-addr=b:6379", "--breaker-failure-threshold=7")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Locks.HoldTTL)
	assert.Equal(t, []string{"a:6379", "b:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEATLOCK_ADMIN_TOKEN", "from-env")
	t.Setenv("SEATLOCK_DB_DRIVER", "pgx")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Locks.AdminToken)
	assert.Equal(t, "pgx", cfg.Database.Driver)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seatlock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reserve-ttl: 10m\nsweep-deletes-per-second: 5\n"), 0o600))

	cfg, err := load(t, "--config="+path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.Locks.ReserveTTL)
	assert.Equal(t, 5.0, cfg.Compensator.DeletesPerSecond)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	_, err := load(t, "--reserve-ttl=1m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve-ttl")

	_, err = load(t, "--db-driver=mysql", "--log-level=loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db-driver")
	assert.Contains(t, err.Error(), "log-level")
}

func TestAlertThresholds(t *testing.T) {
	cfg, err := load(t, "--alert-max-fallback=90s", "--alert-min-success-rate=0.8",
		"--alert-min-reservation-rate=0.5", "--alert-min-health-score=40")
	require.NoError(t, err)
	assert.Equal(t, metrics.Thresholds{
		MaxFallback:        90 * time.Second,
		MinSuccessRate:     0.8,
		MinReservationRate: 0.5,
		MinHealthScore:     40,
	}, cfg.Alerts)

	_, err = load(t, "--alert-min-success-rate=1.5", "--alert-min-health-score=101")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert-min-success-rate")
	assert.Contains(t, err.Error(), "alert-min-health-score")
}
