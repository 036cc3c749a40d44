package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AlexKimmel/tokengate/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Admin struct {
	Addr string `yaml:"addr"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

// Limit is a rate policy as written in the config file.
type Limit struct {
	Rate  int64  `yaml:"rate"`
	Per   string `yaml:"per"` // "second" or "minute"
	Burst int    `yaml:"burst"`

	// Deprecated: use rate with per: minute.
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
}

func (l Limit) IsZero() bool {
	return l.Rate == 0 && l.Burst == 0 && l.RequestsPerMinute == 0
}

// Policy converts l into a limiter policy.
func (l Limit) Policy() (ratelimit.Policy, error) {
	rate, per := l.Rate, l.Per
	if rate == 0 && l.RequestsPerMinute != 0 {
		rate, per = l.RequestsPerMinute, "minute"
	}
	unit, err := ratelimit.ParseUnit(per)
	if err != nil {
		return ratelimit.Policy{}, err
	}
	return ratelimit.Policy{Rate: rate, Burst: l.Burst, Per: unit}, nil
}

type Sweep struct {
	Schedule string `yaml:"schedule"` // cron schedule, e.g. "@every 5m"
	IdleMS   int64  `yaml:"idle_ms"`
}

func (s Sweep) Idle() time.Duration {
	return time.Duration(s.IdleMS) * time.Millisecond
}

type Limits struct {
	Default       Limit `yaml:"default"`
	Sweep         Sweep `yaml:"sweep"`
	ResetOnReload bool  `yaml:"reset_on_reload"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

// Pairs returns the configured keys as secret -> key ID.
func (a Auth) Pairs() map[string]string {
	pairs := make(map[string]string, len(a.Keys))
	for _, k := range a.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	return pairs
}

type RouteLimits struct {
	Default   Limit            `yaml:"default"`
	Overrides map[string]Limit `yaml:"overrides"` // key ID -> limit
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	Limits RouteLimits `yaml:"limits"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Admin         Admin         `yaml:"admin"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Routes        []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9090"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Limits.Default.IsZero() {
		cfg.Limits.Default = Limit{Rate: 60, Per: "minute", Burst: 30}
	}
	if cfg.Limits.Sweep.Schedule == "" {
		cfg.Limits.Sweep.Schedule = "@every 5m"
	}
	if cfg.Limits.Sweep.IdleMS <= 0 {
		cfg.Limits.Sweep.IdleMS = (10 * time.Minute).Milliseconds()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Root) validate() error {
	if _, err := cfg.Limits.Default.Policy(); err != nil {
		return fmt.Errorf("limits.default: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Routes))
	for _, rt := range cfg.Routes {
		if rt.ID == "" {
			return fmt.Errorf("route with prefix %q has no id", rt.Match.PathPrefix)
		}
		if _, dup := seen[rt.ID]; dup {
			return fmt.Errorf("duplicate route id %q", rt.ID)
		}
		seen[rt.ID] = struct{}{}
		if rt.Upstream.URL == "" {
			return fmt.Errorf("route %s: missing upstream url", rt.ID)
		}
		if _, err := rt.Limits.Default.Policy(); err != nil {
			return fmt.Errorf("route %s: limits.default: %w", rt.ID, err)
		}
		for keyID, o := range rt.Limits.Overrides {
			if _, err := o.Policy(); err != nil {
				return fmt.Errorf("route %s: override %s: %w", rt.ID, keyID, err)
			}
		}
	}
	return nil
}
