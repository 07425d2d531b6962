package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Output formats accepted for collection exports.
const (
	FormatText = "txt"
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatDual = "dual"
)

// Policies for files that already exist in the product folder.
const (
	ExistingSuffix = "suffix"
	ExistingSkip   = "skip"
)

// Policies deciding the exit code when some downloads fail.
const (
	PartialStrict  = "strict"
	PartialLenient = "lenient"
)

// Config holds scraper configuration.
type Config struct {
	Selector     string
	MaxThreads   int
	Profile      string
	ProfilesFile string

	Timeout          time.Duration
	MaxRedirects     int
	UserAgent        string
	RateLimit        float64
	MaxBodySize      int
	RespectRobotsTxt bool

	OutputDir       string
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	ExistingPolicy  string
	PartialPolicy   string
	DedupeMaxSize   int
	SummaryFile     string // empty writes next to the product folder, "-" disables
	AltTextFile     string
	Jobs            int

	NextSelector       string
	MaxPages           int
	OutputFile         string
	OutputFormat       string // txt, csv, json, or dual
	BatchSize          int
	PipelineBufferSize int
	Markdown           bool

	Verbose     bool
	MetricsAddr string
}

// DefaultConfig returns the defaults used by the command line.
func DefaultConfig() *Config {
	return &Config{
		MaxThreads:         4,
		Timeout:            10 * time.Second,
		MaxRedirects:       5,
		UserAgent:          "ScrapImageBot/1.0",
		MaxBodySize:        10 * 1024 * 1024,
		OutputDir:          "images",
		MaxAttempts:        3,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		ExistingPolicy:     ExistingSuffix,
		PartialPolicy:      PartialStrict,
		DedupeMaxSize:      4096,
		Jobs:               1,
		MaxPages:           20,
		OutputFile:         "output/collection.txt",
		OutputFormat:       FormatText,
		BatchSize:          64,
		PipelineBufferSize: 256,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.MaxThreads <= 0 {
		return fmt.Errorf("max threads must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max redirects cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max body size cannot be negative")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir cannot be empty")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.ExistingPolicy != ExistingSuffix && c.ExistingPolicy != ExistingSkip {
		return fmt.Errorf("existing policy must be suffix or skip")
	}
	if c.PartialPolicy != PartialStrict && c.PartialPolicy != PartialLenient {
		return fmt.Errorf("partial policy must be strict or lenient")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.Jobs <= 0 {
		return fmt.Errorf("jobs must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case FormatText, FormatCSV, FormatJSON, FormatDual:
	default:
		return fmt.Errorf("output format must be txt, csv, json, or dual")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	return nil
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL must use http or https: %q", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host: %q", raw)
	}
	return nil
}

// Keys shared by command line flags, SCRAPER_* environment variables and
// config files.
const (
	KeySelector         = "selector"
	KeyMaxThreads       = "max-threads"
	KeyProfile          = "profile"
	KeyProfilesFile     = "profiles"
	KeyTimeout          = "timeout"
	KeyMaxRedirects     = "max-redirects"
	KeyUserAgent        = "user-agent"
	KeyRateLimit        = "rate"
	KeyMaxBodySize      = "max-body-size"
	KeyRespectRobotsTxt = "respect-robots"
	KeyOutputDir        = "output-dir"
	KeyMaxAttempts      = "max-attempts"
	KeyRetryBackoff     = "retry-backoff"
	KeyRetryBackoffMax  = "retry-backoff-max"
	KeyExistingPolicy   = "existing"
	KeyPartialPolicy    = "partial"
	KeyDedupeMaxSize    = "dedupe-max-size"
	KeySummaryFile      = "summary"
	KeyAltTextFile      = "alt-json"
	KeyJobs             = "jobs"
	KeyNextSelector     = "next-selector"
	KeyMaxPages         = "max-pages"
	KeyOutputFile       = "output"
	KeyOutputFormat     = "format"
	KeyBatchSize        = "batch-size"
	KeyPipelineBuffer   = "pipeline-buffer"
	KeyMarkdown         = "markdown"
	KeyVerbose          = "verbose"
	KeyMetricsAddr      = "metrics-addr"
)

// Load overlays every key set in v onto the defaults and validates the
// result.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	flag := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	str(KeySelector, &cfg.Selector)
	num(KeyMaxThreads, &cfg.MaxThreads)
	str(KeyProfile, &cfg.Profile)
	str(KeyProfilesFile, &cfg.ProfilesFile)
	dur(KeyTimeout, &cfg.Timeout)
	num(KeyMaxRedirects, &cfg.MaxRedirects)
	str(KeyUserAgent, &cfg.UserAgent)
	if v.IsSet(KeyRateLimit) {
		cfg.RateLimit = v.GetFloat64(KeyRateLimit)
	}
	num(KeyMaxBodySize, &cfg.MaxBodySize)
	flag(KeyRespectRobotsTxt, &cfg.RespectRobotsTxt)
	str(KeyOutputDir, &cfg.OutputDir)
	num(KeyMaxAttempts, &cfg.MaxAttempts)
	dur(KeyRetryBackoff, &cfg.RetryBackoff)
	dur(KeyRetryBackoffMax, &cfg.RetryBackoffMax)
	str(KeyExistingPolicy, &cfg.ExistingPolicy)
	str(KeyPartialPolicy, &cfg.PartialPolicy)
	num(KeyDedupeMaxSize, &cfg.DedupeMaxSize)
	str(KeySummaryFile, &cfg.SummaryFile)
	str(KeyAltTextFile, &cfg.AltTextFile)
	num(KeyJobs, &cfg.Jobs)
	str(KeyNextSelector, &cfg.NextSelector)
	num(KeyMaxPages, &cfg.MaxPages)
	str(KeyOutputFile, &cfg.OutputFile)
	str(KeyOutputFormat, &cfg.OutputFormat)
	num(KeyBatchSize, &cfg.BatchSize)
	num(KeyPipelineBuffer, &cfg.PipelineBufferSize)
	flag(KeyMarkdown, &cfg.Markdown)
	flag(KeyVerbose, &cfg.Verbose)
	str(KeyMetricsAddr, &cfg.MetricsAddr)

	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)
	cfg.ExistingPolicy = strings.ToLower(cfg.ExistingPolicy)
	cfg.PartialPolicy = strings.ToLower(cfg.PartialPolicy)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
