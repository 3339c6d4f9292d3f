// Package config loads client settings from the environment.
//
// Values come from FIXDESK_* variables, optionally seeded from a .env file in
// the working directory. Command-line flags override them in cmd/fixdesk.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the client configuration.
type Config struct {
	// APIURL is the REST root, e.g. https://desk.example.com/api.
	APIURL  string        `env:"API_URL" envDefault:"http://localhost:3000/api"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`

	// StateDir holds the encrypted token store. Empty means the user config dir.
	StateDir        string `env:"STATE_DIR"`
	StorePassphrase string `env:"STORE_PASSPHRASE"`

	PageSize          int           `env:"PAGE_SIZE" envDefault:"20"`
	SearchDebounce    time.Duration `env:"SEARCH_DEBOUNCE" envDefault:"400ms"`
	UploadConcurrency int           `env:"UPLOAD_CONCURRENCY" envDefault:"3"`

	Inactivity      time.Duration `env:"INACTIVITY" envDefault:"48h"`
	ExpireUntracked bool          `env:"EXPIRE_UNTRACKED" envDefault:"false"`

	// Login throttle: LoginMaxFails rejections within LoginWindow lock the
	// username out for LoginLockout.
	LoginMaxFails int           `env:"LOGIN_MAX_FAILS" envDefault:"5"`
	LoginWindow   time.Duration `env:"LOGIN_WINDOW" envDefault:"15m"`
	LoginLockout  time.Duration `env:"LOGIN_LOCKOUT" envDefault:"1m"`

	Debug bool `env:"DEBUG" envDefault:"false"`
}

const prefix = "FIXDESK_"

// Load reads .env if present, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env file: %w", err)
	}
	return Parse(nil)
}

// Parse reads cfg from environ, or from the process environment when environ is nil.
// It does not call Validate, so flags can still fix a bad value.
func Parse(environ map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: prefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize replaces out-of-range values with defaults.
func (c *Config) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.PageSize > 100 {
		c.PageSize = 100
	}
	if c.SearchDebounce < 0 {
		c.SearchDebounce = 400 * time.Millisecond
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 3
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 48 * time.Hour
	}
	if c.LoginMaxFails <= 0 {
		c.LoginMaxFails = 5
	}
	if c.LoginWindow <= 0 {
		c.LoginWindow = 15 * time.Minute
	}
	if c.LoginLockout <= 0 {
		c.LoginLockout = time.Minute
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("FIXDESK_API_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("FIXDESK_API_URL: want an http(s) URL, got %q", c.APIURL)
	}
	return nil
}
