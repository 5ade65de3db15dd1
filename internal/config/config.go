package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv   string `env:"APP_ENV,notEmpty"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	WorkerID            string        `env:"WORKER_ID"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	DefaultLeaseTimeout time.Duration `env:"DEFAULT_LEASE_TIMEOUT" envDefault:"15m"`
	DefaultMaxAttempts  int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	RetryInitialDelay   time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay       time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1m"`
	SchedulerTick       time.Duration `env:"SCHEDULER_TICK" envDefault:"15s"`
	ReaperInterval      time.Duration `env:"REAPER_INTERVAL" envDefault:"10s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	SkipScheduleInit bool   `env:"SKIP_SCHEDULE_INIT" envDefault:"false"`
	ScheduleEmailTo  string `env:"SCHEDULE_EMAIL_TO" envDefault:"ops@example.com"`
	MigrationsDir    string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "config")
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.SchedulerTick <= 0 || c.SchedulerTick >= time.Minute:
		return errors.Errorf("config: SCHEDULER_TICK must be between 0 and 1m, got %v", c.SchedulerTick)
	case c.PollInterval <= 0:
		return errors.Errorf("config: POLL_INTERVAL must be positive, got %v", c.PollInterval)
	case c.DefaultLeaseTimeout <= 0:
		return errors.Errorf("config: DEFAULT_LEASE_TIMEOUT must be positive, got %v", c.DefaultLeaseTimeout)
	case c.DefaultMaxAttempts < 1:
		return errors.Errorf("config: DEFAULT_MAX_ATTEMPTS must be at least 1, got %d", c.DefaultMaxAttempts)
	case c.RetryMaxDelay < c.RetryInitialDelay:
		return errors.New("config: RETRY_MAX_DELAY must not be below RETRY_INITIAL_DELAY")
	}
	return nil
}

// Dev reports whether the process runs in a local development setup.
func (c Config) Dev() bool {
	return c.AppEnv == "dev" || c.AppEnv == "local" || c.AppEnv == "development"
}
