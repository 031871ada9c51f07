// Package config loads the flight-cache service configuration:
// a YAML file, then FLIGHT_CACHE_* environment variables, then defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"
)

// Remote backends.
const (
	RemoteNone   = "none"
	RemoteHTTP   = "http"
	RemoteValkey = "valkey"
)

type Config struct {
	// Address the remote store service listens on.
	Listen string `yaml:"listen" env:"FLIGHT_CACHE_LISTEN"`
	// SQLite file of the durable tier. "memory" for an in-memory db.
	// When serving, MaxEntries applies to each namespace.
	DB            string        `yaml:"db" env:"FLIGHT_CACHE_DB"`
	MaxEntries    int           `yaml:"maxEntries" env:"FLIGHT_CACHE_MAX_ENTRIES"`
	SweepInterval time.Duration `yaml:"sweepInterval" env:"FLIGHT_CACHE_SWEEP_INTERVAL"`

	SearchTTL time.Duration `yaml:"searchTTL" env:"FLIGHT_CACHE_SEARCH_TTL"`
	PriceTTL  time.Duration `yaml:"priceTTL" env:"FLIGHT_CACHE_PRICE_TTL"`
	// Priced offers expire this long before the upstream deadline. Zero means the default.
	PriceSafetyMargin time.Duration `yaml:"priceSafetyMargin" env:"FLIGHT_CACHE_PRICE_SAFETY_MARGIN"`

	Remote Remote `yaml:"remote" envPrefix:"FLIGHT_CACHE_REMOTE_"`
}

type Remote struct {
	// none, http or valkey
	Backend   string        `yaml:"backend" env:"BACKEND"`
	URL       string        `yaml:"url" env:"URL"`
	Namespace string        `yaml:"namespace" env:"NAMESPACE"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Valkey    Valkey        `yaml:"valkey" envPrefix:"VALKEY_"`
}

type Valkey struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:            ":8080",
		DB:                "cache.db",
		MaxEntries:        500,
		SweepInterval:     time.Minute,
		SearchTTL:         30 * time.Minute,
		PriceTTL:          10 * time.Minute,
		PriceSafetyMargin: 30 * time.Second,
		Remote: Remote{
			Backend:   RemoteNone,
			Namespace: "default",
			Timeout:   2 * time.Second,
			Valkey: Valkey{
				Prefix: "flight-cache",
			},
		},
	}
}

// Load reads the given file (if it exists; an empty name skips it), applies environment overrides,
// fills in defaults and validates the result.
func Load(filename string) (Config, error) {
	var config Config
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config, fmt.Errorf("read config %s: %w", filename, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &config); err != nil {
				return config, fmt.Errorf("parse config %s: %w", filename, err)
			}
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	config.applyDefaults()
	return config, config.Validate()
}

func (c *Config) applyDefaults() {
	d := Default()
	setDefault(&c.Listen, d.Listen)
	setDefault(&c.DB, d.DB)
	setDefault(&c.MaxEntries, d.MaxEntries)
	setDefault(&c.SweepInterval, d.SweepInterval)
	setDefault(&c.SearchTTL, d.SearchTTL)
	setDefault(&c.PriceTTL, d.PriceTTL)
	setDefault(&c.PriceSafetyMargin, d.PriceSafetyMargin)
	setDefault(&c.Remote.Backend, d.Remote.Backend)
	setDefault(&c.Remote.Namespace, d.Remote.Namespace)
	setDefault(&c.Remote.Timeout, d.Remote.Timeout)
	setDefault(&c.Remote.Valkey.Prefix, d.Remote.Valkey.Prefix)
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Listen, validation.Required),
		validation.Field(&c.DB, validation.Required),
		validation.Field(&c.MaxEntries, validation.Min(1)),
		validation.Field(&c.SearchTTL, validation.Min(time.Second)),
		validation.Field(&c.PriceTTL, validation.Min(time.Second)),
		validation.Field(&c.PriceSafetyMargin, validation.Min(time.Millisecond)),
		validation.Field(&c.Remote),
	)
}

func (r Remote) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Backend, validation.In(RemoteNone, RemoteHTTP, RemoteValkey)),
		validation.Field(&r.URL, validation.When(r.Backend == RemoteHTTP, validation.Required, is.URL)),
		validation.Field(&r.Namespace, validation.Match(namespaceRe)),
		validation.Field(&r.Timeout, validation.Min(time.Millisecond)),
		validation.Field(&r.Valkey, validation.When(r.Backend == RemoteValkey, validation.By(func(any) error {
			return validation.Validate(r.Valkey.Address, validation.Required.Error("address is required"))
		}))),
	)
}

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
