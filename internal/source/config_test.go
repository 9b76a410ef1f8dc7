package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enforcement-cli/internal/model"
)

func validCursorConfig() Config {
	return Config{
		Name:     "hse-prosecutions",
		Strategy: model.StrategyCursor,
		Endpoint: "https://api.airtable.com/v0/appXYZ",
		Table:    "Prosecutions",
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := validCursorConfig().WithDefaults()
	assert.Equal(t, ProviderHTTP, cfg.Provider)
	assert.Equal(t, DefaultPageSize, cfg.PageSize)
	assert.Equal(t, DefaultTimeoutMs, cfg.TimeoutMs)
	assert.Equal(t, DefaultRetryAttempts, cfg.RetryAttempts)
	assert.Equal(t, DefaultRetryDelayMs, cfg.RetryDelayMs)
	assert.Equal(t, model.KindProsecution, cfg.Kind)

	again := cfg.WithDefaults()
	assert.Equal(t, cfg, again)

	noRetry := validCursorConfig()
	noRetry.RetryAttempts = -1
	assert.Equal(t, -1, noRetry.WithDefaults().RetryAttempts)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing name", func(c *Config) { c.Name = " " }, "name"},
		{"negative limit", func(c *Config) { c.TimeoutMs = -1 }, "limits"},
		{"bad kind", func(c *Config) { c.Kind = "warning" }, "kind"},
		{"bad sort", func(c *Config) { c.Sort = []SortField{{Field: "Date", Direction: "up"}} }, "sort"},
		{"relative endpoint", func(c *Config) { c.Endpoint = "/v0/app" }, "endpoint"},
		{"missing table", func(c *Config) { c.Table = "" }, "table"},
		{"unknown provider", func(c *Config) { c.Provider = "ftp" }, "provider"},
		{"unknown strategy", func(c *Config) { c.Strategy = "scrape" }, "strategy"},
		{"notion without token", func(c *Config) { c.Provider = ProviderNotion; c.Endpoint = "" }, "credentials"},
		{"notion filter", func(c *Config) {
			c.Provider = ProviderNotion
			c.Credentials = "secret"
			c.Filter = "{}"
		}, "filter"},
		{"range without detail", func(c *Config) { c.Strategy = model.StrategyRangeDetail }, "detail_endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validCursorConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestOpen_ConfigurationError(t *testing.T) {
	t.Parallel()

	cfg := validCursorConfig()
	cfg.Endpoint = ""
	_, err := Open(cfg)

	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "hse-prosecutions", ce.Source)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestOpen_SelectsAdapter(t *testing.T) {
	t.Parallel()

	a, err := Open(validCursorConfig())
	require.NoError(t, err)
	assert.IsType(t, &HTTPCursorAdapter{}, a)
	assert.Equal(t, "hse-prosecutions", a.Name())

	n := validCursorConfig()
	n.Provider = ProviderNotion
	n.Credentials = "secret"
	a, err = Open(n, WithNotionClient(&mockNotion{}))
	require.NoError(t, err)
	assert.IsType(t, &NotionAdapter{}, a)

	r := Config{
		Name:           "hse-notices",
		Strategy:       model.StrategyRangeDetail,
		Endpoint:       "https://example.test/notices",
		DetailEndpoint: "https://example.test/notices",
		Kind:           model.KindNotice,
	}
	a, err = Open(r)
	require.NoError(t, err)
	assert.IsType(t, &RangeDetailAdapter{}, a)
}
