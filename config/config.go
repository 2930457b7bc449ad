// Package config holds the bridge service configuration loaded by go-config.
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// BaseConfig is the root of config/app.json
type BaseConfig struct {
	App                 App         `koanf:"app" json:"app"`
	Server              Server      `koanf:"server" json:"server"`
	Bridge              Bridge      `koanf:"bridge" json:"bridge"`
	LocalPersistence    Persistence `koanf:"local_persistence" json:"local_persistence"`
	ProviderPersistence Persistence `koanf:"provider_persistence" json:"provider_persistence"`
	Redis               Redis       `koanf:"redis" json:"redis"`
	Provider            ProviderAPI `koanf:"provider" json:"provider"`
	Metrics             Metrics     `koanf:"metrics" json:"metrics"`
}

// Validate checks every section
func (c BaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.App),
		validation.Field(&c.Server),
		validation.Field(&c.Bridge),
		validation.Field(&c.LocalPersistence),
		validation.Field(&c.ProviderPersistence),
		validation.Field(&c.Redis),
		validation.Field(&c.Provider),
		validation.Field(&c.Metrics),
	)
}

func (c BaseConfig) GetApp() App                         { return c.App }
func (c BaseConfig) GetServer() Server                   { return c.Server }
func (c BaseConfig) GetBridge() Bridge                   { return c.Bridge }
func (c BaseConfig) GetLocalPersistence() Persistence    { return c.LocalPersistence }
func (c BaseConfig) GetProviderPersistence() Persistence { return c.ProviderPersistence }
func (c BaseConfig) GetRedis() Redis                     { return c.Redis }
func (c BaseConfig) GetProvider() ProviderAPI            { return c.Provider }
func (c BaseConfig) GetMetrics() Metrics                 { return c.Metrics }

// App identifies the running service
type App struct {
	Name string `koanf:"name" json:"name"`
	Env  string `koanf:"env" json:"env"`
}

func (a App) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required),
	)
}

// Server configures the HTTP listener
type Server struct {
	Address        string `koanf:"address" json:"address"`
	Prefix         string `koanf:"prefix" json:"prefix"`
	CookieSecure   bool   `koanf:"cookie_secure" json:"cookie_secure"`
	CookieHTTPOnly bool   `koanf:"cookie_http_only" json:"cookie_http_only"`
	CookieSameSite string `koanf:"cookie_same_site" json:"cookie_same_site"`
}

func (s Server) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Address, validation.Required),
		validation.Field(&s.CookieSameSite, validation.In("", "Lax", "Strict", "None")),
	)
}

// GetPrefix returns the route group prefix, "/bridge" when unset
func (s Server) GetPrefix() string {
	if p := strings.TrimSpace(s.Prefix); p != "" {
		return "/" + strings.Trim(p, "/")
	}
	return "/bridge"
}

// Persistence configures one bun database client
type Persistence struct {
	Debug                 bool   `koanf:"debug" json:"debug"`
	Driver                string `koanf:"driver" json:"driver"`
	Server                string `koanf:"server" json:"server"`
	DSN                   string `koanf:"dsn" json:"dsn"`
	PingTimeoutExpression string `koanf:"ping_timeout" json:"ping_timeout"`
	OtelIdentifier        string `koanf:"otel_identifier" json:"otel_identifier"`
}

func (p Persistence) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Driver, validation.Required),
		validation.Field(&p.DSN, validation.Required),
		validation.Field(&p.PingTimeoutExpression, validation.By(isDuration)),
	)
}

func (p Persistence) GetDebug() bool            { return p.Debug }
func (p Persistence) GetDriver() string         { return p.Driver }
func (p Persistence) GetServer() string         { return p.Server }
func (p Persistence) GetDSN() string            { return p.DSN }
func (p Persistence) GetOtelIdentifier() string { return p.OtelIdentifier }

func (p Persistence) GetPingTimeout() time.Duration {
	return parseDuration(p.PingTimeoutExpression, 5*time.Second)
}

// Redis configures the optional session cache
type Redis struct {
	Enabled  bool   `koanf:"enabled" json:"enabled"`
	Address  string `koanf:"address" json:"address"`
	Password string `koanf:"password" json:"-"`
	DB       int    `koanf:"db" json:"db"`
	Prefix   string `koanf:"prefix" json:"prefix"`
}

func (r Redis) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Address, validation.When(r.Enabled, validation.Required)),
		validation.Field(&r.DB, validation.Min(0)),
	)
}

// ProviderAPI configures the outbound provider client
type ProviderAPI struct {
	BaseURL           string `koanf:"base_url" json:"base_url"`
	TimeoutExpression string `koanf:"timeout" json:"timeout"`
}

func (p ProviderAPI) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.BaseURL, is.URL),
		validation.Field(&p.TimeoutExpression, validation.By(isDuration)),
	)
}

func (p ProviderAPI) GetTimeout() time.Duration {
	return parseDuration(p.TimeoutExpression, 10*time.Second)
}

// Metrics configures the prometheus listener
type Metrics struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Address string `koanf:"address" json:"address"`
	Path    string `koanf:"path" json:"path"`
}

func (m Metrics) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Address, validation.When(m.Enabled, validation.Required)),
	)
}

func (m Metrics) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

func parseDuration(expr string, fallback time.Duration) time.Duration {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return fallback
	}
	dur, err := time.ParseDuration(expr)
	if err != nil {
		panic(
			fmt.Sprintf("unable to parse time: expr %s", expr),
		)
	}
	return dur
}

func isDuration(value any) error {
	expr, _ := value.(string)
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	if _, err := time.ParseDuration(expr); err != nil {
		return fmt.Errorf("must be a duration: %w", err)
	}
	return nil
}
