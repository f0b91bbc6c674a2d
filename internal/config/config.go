package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default archive location for raw filing documents.
const DefaultBaseURL = "https://www.sec.gov/Archives/edgar/data"

const (
	// The archive's access policy rejects anonymous clients, so this should be
	// overridden with a real contact.
	DefaultUserAgent = "edgarsync/0.3 (admin@example.com)"

	DefaultRequestTimeout       = 30 * time.Second
	DefaultRequestDelay         = 50 * time.Millisecond
	DefaultFlushInterval        = 50
	DefaultGapFillFlushInterval = 25
	DefaultProgressLogInterval  = 100
	DefaultDocumentExt          = "txt"
)

// Cursor policies for periodic completion-cache flushes.
const (
	// CursorEntity records only completed entity boundaries in the cache cursor.
	CursorEntity = "entity"
	// CursorItem records whatever entity/position was current at flush time.
	CursorItem = "item"
)

// Config holds application settings
type Config struct {
	InventoryDir string // one CSV of expected filings per entity
	OutputDir    string // root of the document tree
	CacheDir     string // completion cache, progress and failure files
	DbPath       string // DuckDB event log (":memory:" allowed)

	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	RequestDelay   time.Duration

	FlushInterval        int
	GapFillFlushInterval int
	ProgressLogInterval  int
	AutoConfirmGapFill   bool
	CursorPolicy         string
	VerifyOnDisk         bool
	DocumentExt          string
}

// Default returns a Config populated with the standard settings.
func Default() Config {
	return Config{
		InventoryDir:         "./output/13f_filings/all_13f_adshs",
		OutputDir:            "./output/raw_13f_filings",
		CacheDir:             "./local_cache",
		DbPath:               "./local_cache/edgarsync_events.duckdb",
		BaseURL:              DefaultBaseURL,
		UserAgent:            DefaultUserAgent,
		RequestTimeout:       DefaultRequestTimeout,
		RequestDelay:         DefaultRequestDelay,
		FlushInterval:        DefaultFlushInterval,
		GapFillFlushInterval: DefaultGapFillFlushInterval,
		ProgressLogInterval:  DefaultProgressLogInterval,
		AutoConfirmGapFill:   true,
		CursorPolicy:         CursorEntity,
		DocumentExt:          DefaultDocumentExt,
	}
}

// WithDefaults returns a copy of the config with default values applied for zero-value fields.
// RequestDelay is left alone: zero disables rate limiting.
func (c Config) WithDefaults() Config {
	d := Default()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.GapFillFlushInterval <= 0 {
		c.GapFillFlushInterval = d.GapFillFlushInterval
	}
	if c.ProgressLogInterval <= 0 {
		c.ProgressLogInterval = d.ProgressLogInterval
	}
	if c.CursorPolicy == "" {
		c.CursorPolicy = d.CursorPolicy
	}
	if c.DocumentExt == "" {
		c.DocumentExt = d.DocumentExt
	}
	return c
}

// Validate checks the settings the orchestrator cannot run without.
func (c Config) Validate() error {
	if c.InventoryDir == "" || c.OutputDir == "" || c.CacheDir == "" {
		return fmt.Errorf("inventory-dir, output-dir and cache-dir are required")
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("request-delay must not be negative, got %s", c.RequestDelay)
	}
	switch c.CursorPolicy {
	case CursorEntity, CursorItem:
	default:
		return fmt.Errorf("cursor-policy must be %q or %q, got %q", CursorEntity, CursorItem, c.CursorPolicy)
	}
	if strings.ContainsAny(c.DocumentExt, `/\.`) {
		return fmt.Errorf("document-ext must be a bare extension, got %q", c.DocumentExt)
	}
	return nil
}

// SetDefaults registers the default values with v so config files and the
// environment only need to mention what they change.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("inventory-dir", d.InventoryDir)
	v.SetDefault("output-dir", d.OutputDir)
	v.SetDefault("cache-dir", d.CacheDir)
	v.SetDefault("db-path", d.DbPath)
	v.SetDefault("base-url", d.BaseURL)
	v.SetDefault("user-agent", d.UserAgent)
	v.SetDefault("request-timeout", d.RequestTimeout)
	v.SetDefault("request-delay", d.RequestDelay)
	v.SetDefault("flush-interval", d.FlushInterval)
	v.SetDefault("gap-fill-flush-interval", d.GapFillFlushInterval)
	v.SetDefault("progress-log-interval", d.ProgressLogInterval)
	v.SetDefault("auto-confirm-gap-fill", d.AutoConfirmGapFill)
	v.SetDefault("cursor-policy", d.CursorPolicy)
	v.SetDefault("verify-on-disk", d.VerifyOnDisk)
	v.SetDefault("document-ext", d.DocumentExt)
}

// Load builds a Config from v (flags, environment and config file already
// bound by the caller), applies defaults and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		InventoryDir:         v.GetString("inventory-dir"),
		OutputDir:            v.GetString("output-dir"),
		CacheDir:             v.GetString("cache-dir"),
		DbPath:               v.GetString("db-path"),
		BaseURL:              strings.TrimRight(v.GetString("base-url"), "/"),
		UserAgent:            v.GetString("user-agent"),
		RequestTimeout:       v.GetDuration("request-timeout"),
		RequestDelay:         v.GetDuration("request-delay"),
		FlushInterval:        v.GetInt("flush-interval"),
		GapFillFlushInterval: v.GetInt("gap-fill-flush-interval"),
		ProgressLogInterval:  v.GetInt("progress-log-interval"),
		AutoConfirmGapFill:   v.GetBool("auto-confirm-gap-fill"),
		CursorPolicy:         strings.ToLower(v.GetString("cursor-policy")),
		VerifyOnDisk:         v.GetBool("verify-on-disk"),
		DocumentExt:          strings.TrimPrefix(v.GetString("document-ext"), "."),
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
