package config

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enforcement-cli/internal/db"
	"github.com/sells-group/enforcement-cli/internal/identity"
	"github.com/sells-group/enforcement-cli/internal/source"
)

// Config holds the full application configuration.
type Config struct {
	Store          StoreConfig          `yaml:"store" mapstructure:"store"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Matching       MatchingConfig       `yaml:"matching" mapstructure:"matching"`
	CompaniesHouse CompaniesHouseConfig `yaml:"companies_house" mapstructure:"companies_house"`
	Events         EventsConfig         `yaml:"events" mapstructure:"events"`
	Sources        []source.Config      `yaml:"sources" mapstructure:"sources"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url"`
	db.PoolConfig `yaml:",inline" mapstructure:",squash"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MatchingConfig configures identity resolution.
type MatchingConfig struct {
	identity.Config `yaml:",inline" mapstructure:",squash"`
	// ExternalRegistry names the registry consulted after local matching;
	// empty disables it.
	ExternalRegistry string `yaml:"external_registry" mapstructure:"external_registry"`
	// BreakerThreshold consecutive registry failures open the breaker for
	// BreakerCooldownSecs.
	BreakerThreshold    int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// CompaniesHouseConfig holds Companies House API settings.
type CompaniesHouseConfig struct {
	APIKey           string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	RateLimitDelayMs int    `yaml:"rate_limit_delay_ms" mapstructure:"rate_limit_delay_ms"`
	TimeoutMs        int    `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	SearchLimit      int    `yaml:"search_limit" mapstructure:"search_limit"`
	ActiveOnly       bool   `yaml:"active_only" mapstructure:"active_only"`
}

// EventsConfig configures the progress event bus.
type EventsConfig struct {
	Buffer       int    `yaml:"buffer" mapstructure:"buffer"`
	RedisURL     string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisChannel string `yaml:"redis_channel" mapstructure:"redis_channel"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENFORCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	def := identity.DefaultConfig()
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enforcement.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("matching.medium_threshold", def.MediumThreshold)
	v.SetDefault("matching.high_threshold", def.HighThreshold)
	v.SetDefault("matching.scorer", def.Scorer)
	v.SetDefault("matching.postcode_bonus", def.PostcodeBonus)
	v.SetDefault("matching.max_candidates", def.MaxCandidates)
	v.SetDefault("matching.external_registry", "")
	v.SetDefault("matching.breaker_threshold", 5)
	v.SetDefault("matching.breaker_cooldown_secs", 60)
	v.SetDefault("companies_house.api_key", "")
	v.SetDefault("companies_house.base_url", "https://api.company-information.service.gov.uk")
	v.SetDefault("companies_house.rate_limit_delay_ms", 500)
	v.SetDefault("companies_house.timeout_ms", 15000)
	v.SetDefault("companies_house.search_limit", 10)
	v.SetDefault("companies_house.active_only", false)
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.redis_url", "")
	v.SetDefault("events.redis_channel", "enforcement:events")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	for i := range cfg.Sources {
		cfg.Sources[i] = cfg.Sources[i].WithDefaults()
	}

	return &cfg, nil
}

// Source returns the configured source with the given name.
func (c *Config) Source(name string) (source.Config, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return source.Config{}, false
}

// Validate checks the settings the given command mode depends on. Modes are
// "ingest", "serve", "review" and "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Store.MaxConns < 0 || c.Store.MinConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
		errs = append(errs, "store.min_conns must be between 0 and store.max_conns")
	}

	switch mode {
	case "migrate", "review":
	case "ingest", "serve":
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		if mode == "ingest" && len(c.Sources) == 0 {
			errs = append(errs, "at least one source is required")
		}
		errs = append(errs, c.validateMatching()...)
		errs = append(errs, c.validateSources()...)
		if c.Events.Buffer < 0 {
			errs = append(errs, "events.buffer must be >= 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateMatching() []string {
	var errs []string
	if err := c.Matching.Config.Validate(); err != nil {
		errs = append(errs, "matching: "+strings.TrimPrefix(err.Error(), "identity: "))
	}
	switch c.Matching.ExternalRegistry {
	case "":
	case identity.RegistryCompaniesHouse:
		if c.CompaniesHouse.APIKey == "" {
			errs = append(errs, "companies_house.api_key is required when matching.external_registry is companies_house")
		}
	default:
		errs = append(errs, "matching.external_registry must be empty or companies_house")
	}
	return errs
}

func (c *Config) validateSources() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name != "" && seen[s.Name] {
			errs = append(errs, "sources: duplicate name "+s.Name)
		}
		seen[s.Name] = true
		if err := s.WithDefaults().Validate(); err != nil {
			name := s.Name
			if name == "" {
				name = "#" + strconv.Itoa(i)
			}
			errs = append(errs, "sources["+name+"]: "+err.Error())
		}
	}
	return errs
}

// Redacted returns a copy with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Store.DatabaseURL = redactURL(c.Store.DatabaseURL)
	out.Events.RedisURL = redactURL(c.Events.RedisURL)
	out.CompaniesHouse.APIKey = mask(c.CompaniesHouse.APIKey)
	out.Sources = make([]source.Config, len(c.Sources))
	for i, s := range c.Sources {
		s.Credentials = mask(s.Credentials)
		out.Sources[i] = s
	}
	return &out
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	b, err := yaml.Marshal(c.Redacted())
	return b, eris.Wrap(err, "config: marshal yaml")
}

const redacted = "****"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// redactURL masks the password of URL-shaped values. Anything else, like a
// SQLite path, is returned as is.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	// url.UserPassword would escape the mask.
	user := url.User(u.User.Username()).String()
	u.User = nil
	prefix := u.Scheme + "://"
	return prefix + user + ":" + redacted + "@" + strings.TrimPrefix(u.String(), prefix)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
