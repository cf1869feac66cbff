// Package config loads ledgerflow settings from defaults, an optional
// config file and LEDGERFLOW_ environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "LEDGERFLOW"

type Config struct {
	HTTP      HTTP
	DB        DB
	Scheduler Scheduler
	Lease     Lease
	Log       Log
	ECB       ECB
	Metrics   Metrics
}

type HTTP struct {
	Addr string
	// Debug mounts pprof under /debug/pprof.
	Debug bool
}

type DB struct {
	// Driver is sqlite, postgres or memory.
	Driver string
	DSN    string
}

type Scheduler struct {
	Tick    time.Duration
	Runners int
}

type Lease struct {
	Grace time.Duration
	Renew time.Duration
}

type Log struct {
	Level  string
	Format string
}

type ECB struct {
	BaseURL string
	Timeout time.Duration
}

type Metrics struct {
	Enabled bool
}

// SetDefaults registers every key so that AutomaticEnv can resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.debug", false)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "file:ledgerflow.db?_pragma=busy_timeout(5000)")
	v.SetDefault("scheduler.tick", time.Minute)
	v.SetDefault("scheduler.runners", 5)
	v.SetDefault("lease.grace", 5*time.Minute)
	v.SetDefault("lease.renew", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("ecb.base_url", "https://data-api.ecb.europa.eu/service/data")
	v.SetDefault("ecb.timeout", 30*time.Second)
	v.SetDefault("metrics.enabled", true)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and returns the validated settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", file)
		}
	}

	cfg := Config{
		HTTP: HTTP{Addr: v.GetString("http.addr"), Debug: v.GetBool("http.debug")},
		DB:   DB{Driver: strings.ToLower(v.GetString("db.driver")), DSN: v.GetString("db.dsn")},
		Scheduler: Scheduler{
			Tick:    v.GetDuration("scheduler.tick"),
			Runners: v.GetInt("scheduler.runners"),
		},
		Lease: Lease{
			Grace: v.GetDuration("lease.grace"),
			Renew: v.GetDuration("lease.renew"),
		},
		Log:     Log{Level: v.GetString("log.level"), Format: v.GetString("log.format")},
		ECB:     ECB{BaseURL: v.GetString("ecb.base_url"), Timeout: v.GetDuration("ecb.timeout")},
		Metrics: Metrics{Enabled: v.GetBool("metrics.enabled")},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return errors.Newf("db.driver must be sqlite, postgres or memory, got %q", c.DB.Driver)
	}
	if c.DB.Driver != "memory" && c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if c.Scheduler.Tick <= 0 {
		return errors.New("scheduler.tick must be positive")
	}
	if c.Scheduler.Runners < 1 {
		return errors.New("scheduler.runners must be at least 1")
	}
	if c.Lease.Grace <= 0 {
		return errors.New("lease.grace must be positive")
	}
	// A single missed renewal must not let another worker reclaim the job.
	if c.Lease.Renew <= 0 || c.Lease.Renew*2 >= c.Lease.Grace {
		return errors.Newf("lease.renew must be positive and below half of lease.grace (%s)", c.Lease.Grace)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Newf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
