package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andesco/styleproxy/pkg/fallback"
	"github.com/andesco/styleproxy/pkg/rewriter"
)

const (
	DefaultStylesheetURL = "https://cdn.jsdelivr.net/npm/water.css@2/out/water.css"
	DefaultSelector      = "head"
	DefaultTitle         = "Style injection proxy"
	DefaultUserAgent     = "Mozilla/5.0 (compatible; styleproxy/1.0)"
	DefaultPort          = "8080"
)

// Config holds everything the proxy needs at runtime.
type Config struct {
	Port           string   `yaml:"port"`
	QueryStringKey string   `yaml:"queryStringKey"`
	StylesheetURL  string   `yaml:"stylesheetURL"`
	Selector       string   `yaml:"selector"`
	Title          string   `yaml:"title"`
	UserAgent      string   `yaml:"userAgent"`
	AllowedDomains []string `yaml:"allowedDomains"`
	// Timeout is the upstream response header timeout in seconds. Zero disables it.
	Timeout  int    `yaml:"timeout"`
	LogLevel string `yaml:"logLevel"`
	LogURLs  bool   `yaml:"logURLs"`

	// FallbackContentType is fixed per deployment; requests do not negotiate it.
	FallbackContentType string `yaml:"fallbackContentType"`
}

// Default returns a Config with every optional field filled in.
func Default() Config {
	return Config{
		Port:                DefaultPort,
		StylesheetURL:       DefaultStylesheetURL,
		Selector:            DefaultSelector,
		Title:               DefaultTitle,
		UserAgent:           DefaultUserAgent,
		Timeout:             15,
		LogLevel:            "info",
		FallbackContentType: "html",
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// environment overrides. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("syntax error in config file '%s': %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("QUERY_STRING_KEY", &c.QueryStringKey)
	str("STYLESHEET_URL", &c.StylesheetURL)
	str("INJECT_SELECTOR", &c.Selector)
	str("FALLBACK_TITLE", &c.Title)
	str("FALLBACK_CONTENT_TYPE", &c.FallbackContentType)
	str("USER_AGENT", &c.UserAgent)
	str("LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("ALLOWED_DOMAINS"); ok && v != "" {
		c.AllowedDomains = splitList(v)
	}
	if v, ok := lookup("HTTP_TIMEOUT"); ok && v != "" {
		timeout, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_TIMEOUT: %w", err)
		}
		c.Timeout = timeout
	}
	if v, ok := lookup("LOG_URLS"); ok && v != "" {
		c.LogURLs = v == "true"
	}
	return nil
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var errs []error
	if c.QueryStringKey == "" {
		errs = append(errs, errors.New("QUERY_STRING_KEY is required"))
	}
	if u, err := url.Parse(c.StylesheetURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("stylesheet URL %q is not absolute", c.StylesheetURL))
	}
	if _, err := rewriter.ParseSelector(c.Selector); err != nil {
		errs = append(errs, err)
	}
	if _, ok := fallback.ParseContentType(c.FallbackContentType); !ok {
		errs = append(errs, fmt.Errorf("unsupported fallback content type %q", c.FallbackContentType))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %d", c.Timeout))
	}
	return errors.Join(errs...)
}

// ContentType returns the parsed fallback content type, HTML when unset or unknown.
func (c Config) ContentType() fallback.ContentType {
	if ct, ok := fallback.ParseContentType(c.FallbackContentType); ok {
		return ct
	}
	return fallback.HTML
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
