package source

import (
	"net/url"
	"strings"
	"time"

	"github.com/sells-group/enforcement-cli/internal/model"
)

// Providers for the cursor strategy.
const (
	ProviderHTTP   = "http"
	ProviderNotion = "notion"
)

// SortField orders a cursor source.
type SortField struct {
	Field     string `yaml:"field" mapstructure:"field"`
	Direction string `yaml:"direction" mapstructure:"direction"`
}

// Config describes one source instance.
type Config struct {
	Name     string         `yaml:"name" mapstructure:"name"`
	Strategy model.Strategy `yaml:"strategy" mapstructure:"strategy"`
	// Provider selects the cursor implementation: http (default) or notion.
	Provider string `yaml:"provider" mapstructure:"provider"`

	Endpoint       string `yaml:"endpoint" mapstructure:"endpoint"`
	DetailEndpoint string `yaml:"detail_endpoint" mapstructure:"detail_endpoint"`
	Credentials    string `yaml:"credentials" mapstructure:"credentials"`

	// Table is the container identifier: an Airtable table or a Notion
	// database id.
	Table  string      `yaml:"table" mapstructure:"table"`
	View   string      `yaml:"view" mapstructure:"view"`
	Filter string      `yaml:"filter" mapstructure:"filter"`
	Fields []string    `yaml:"fields" mapstructure:"fields"`
	Sort   []SortField `yaml:"sort" mapstructure:"sort"`

	PageSize         int `yaml:"page_size" mapstructure:"page_size"`
	RateLimitDelayMs int `yaml:"rate_limit_delay_ms" mapstructure:"rate_limit_delay_ms"`
	TimeoutMs        int `yaml:"timeout_ms" mapstructure:"timeout_ms"`
	// RetryAttempts counts retries after the first try; negative disables
	// retrying.
	RetryAttempts    int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelayMs     int `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	MaxRecords       int `yaml:"max_records" mapstructure:"max_records"`

	// FieldMap maps canonical record fields (organization_name,
	// action_date, fine_amount, ...) to source field names.
	FieldMap map[string]string `yaml:"field_map" mapstructure:"field_map"`

	Kind      model.Kind `yaml:"kind" mapstructure:"kind"`
	Regulator string     `yaml:"regulator" mapstructure:"regulator"`
}

// Defaults applied by WithDefaults.
const (
	DefaultPageSize      = 100
	DefaultTimeoutMs     = 30000
	DefaultRetryAttempts = 3
	DefaultRetryDelayMs  = 1000
)

// WithDefaults returns a copy of c with zero values filled in.
func (c Config) WithDefaults() Config {
	if c.Provider == "" && c.Strategy == model.StrategyCursor {
		c.Provider = ProviderHTTP
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = DefaultTimeoutMs
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = DefaultRetryDelayMs
	}
	if c.Kind == "" {
		c.Kind = model.KindProsecution
	}
	return c
}

// Validate checks the fields each strategy requires.
func (c Config) Validate() error {
	bad := func(field, reason string) error {
		return &ConfigurationError{Source: c.Name, Field: field, Reason: reason}
	}

	if strings.TrimSpace(c.Name) == "" {
		return bad("name", "required")
	}
	if c.Strategy == model.StrategyCursor && c.Provider == ProviderNotion && c.PageSize > 100 {
		return bad("page_size", "notion allows at most 100")
	}
	if c.PageSize < 0 || c.RateLimitDelayMs < 0 || c.TimeoutMs < 0 || c.RetryDelayMs < 0 || c.MaxRecords < 0 {
		return bad("limits", "must not be negative")
	}
	if c.Kind != "" && !c.Kind.Valid() {
		return bad("kind", "must be prosecution or notice")
	}
	for _, s := range c.Sort {
		if s.Field == "" {
			return bad("sort", "field is required")
		}
		if d := strings.ToLower(s.Direction); d != "" && d != "asc" && d != "desc" {
			return bad("sort", "direction must be asc or desc")
		}
	}

	switch c.Strategy {
	case model.StrategyCursor:
		switch c.Provider {
		case "", ProviderHTTP:
			if p := urlProblem(c.Endpoint); p != "" {
				return bad("endpoint", p)
			}
		case ProviderNotion:
			if c.Credentials == "" {
				return bad("credentials", "notion token required")
			}
			if c.Filter != "" {
				return bad("filter", "not supported by the notion provider")
			}
		default:
			return bad("provider", "must be http or notion")
		}
		if c.Table == "" {
			return bad("table", "required for cursor sources")
		}
	case model.StrategyRangeDetail:
		if p := urlProblem(c.Endpoint); p != "" {
			return bad("endpoint", p)
		}
		if p := urlProblem(c.DetailEndpoint); p != "" {
			return bad("detail_endpoint", p)
		}
	default:
		return bad("strategy", "must be cursor or range_detail")
	}
	return nil
}

func (c Config) rateLimitDelay() time.Duration {
	return time.Duration(c.RateLimitDelayMs) * time.Millisecond
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) retryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// urlProblem describes what is wrong with raw, or returns "" if it is a
// usable absolute URL.
func urlProblem(raw string) string {
	if raw == "" {
		return "required"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "must be an absolute URL"
	}
	return ""
}
