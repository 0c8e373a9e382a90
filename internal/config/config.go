package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/fush/internal/gitproto"
	"github.com/schaermu/fush/internal/refdiff"
)

// DefaultUsername is sent with password credentials that name no user.
const DefaultUsername = "git"

// Config represents the complete fush configuration
type Config struct {
	Source  RemoteConfig      `yaml:"source"`
	Target  RemoteConfig      `yaml:"target"`
	Headers map[string]string `yaml:"headers"`
	Sync    SyncConfig        `yaml:"sync"`
	Relay   RelayConfig       `yaml:"relay"`
	AWS     AWSConfig         `yaml:"aws"`
	Serve   ServeConfig       `yaml:"serve"`
}

// RemoteConfig configures one side of the sync
type RemoteConfig struct {
	URL  string     `yaml:"url"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures HTTP credentials for a remote. At most one secret
// source may be set.
type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordFile string `yaml:"password_file"`
	TokenFile    string `yaml:"token_file"`
	// TokenSecret is an AWS Secrets Manager secret id or ARN holding a token.
	TokenSecret string `yaml:"token_secret"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Refs                []string      `yaml:"refs"`
	Prune               bool          `yaml:"prune"`
	ConcurrentDiscovery bool          `yaml:"concurrent_discovery"`
	Timeout             time.Duration `yaml:"timeout"`
	FetchCapabilities   []string      `yaml:"fetch_capabilities"`
	PushCapabilities    []string      `yaml:"push_capabilities"`
}

// RelayConfig configures pack buffering
type RelayConfig struct {
	MemoryLimit int64  `yaml:"memory_limit"`
	SpoolDir    string `yaml:"spool_dir"`
}

// AWSConfig configures the AWS Secrets Manager client
type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// DefaultPath returns $XDG_CONFIG_HOME/fush/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "fush", "config.yaml")
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML, expands environment variables and applies defaults.
// It does not validate, so callers can apply overrides first.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.expandEnv()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for _, r := range []*RemoteConfig{&c.Source, &c.Target} {
		r.URL = os.ExpandEnv(r.URL)
		r.Auth.Username = os.ExpandEnv(r.Auth.Username)
		r.Auth.PasswordFile = os.ExpandEnv(r.Auth.PasswordFile)
		r.Auth.TokenFile = os.ExpandEnv(r.Auth.TokenFile)
		r.Auth.TokenSecret = os.ExpandEnv(r.Auth.TokenSecret)
	}
	for k, v := range c.Headers {
		c.Headers[k] = os.ExpandEnv(v)
	}
	c.Relay.SpoolDir = os.ExpandEnv(c.Relay.SpoolDir)
	c.AWS.Region = os.ExpandEnv(c.AWS.Region)
	c.AWS.Endpoint = os.ExpandEnv(c.AWS.Endpoint)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if len(c.Sync.Refs) == 0 {
		c.Sync.Refs = append([]string(nil), refdiff.DefaultPatterns...)
	}
	for _, r := range []*RemoteConfig{&c.Source, &c.Target} {
		if r.Auth.PasswordFile != "" && r.Auth.Username == "" {
			r.Auth.Username = DefaultUsername
		}
	}
	if len(c.Serve.AllowedEventTypes) == 0 {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validateRemote("source", c.Source); err != nil {
		return err
	}
	if err := validateRemote("target", c.Target); err != nil {
		return err
	}
	if c.Source.URL == c.Target.URL {
		return fmt.Errorf("source.url and target.url must differ")
	}

	if _, err := refdiff.NewMatcher(c.Sync.Refs); err != nil {
		return fmt.Errorf("sync.refs: %w", err)
	}
	if c.Sync.Timeout < 0 {
		return fmt.Errorf("sync.timeout must not be negative: %s", c.Sync.Timeout)
	}
	if _, err := gitproto.Restrict(gitproto.FetchCapabilities(), c.Sync.FetchCapabilities); err != nil {
		return fmt.Errorf("sync.fetch_capabilities: %w", err)
	}
	push, err := gitproto.Restrict(gitproto.PushCapabilities(), c.Sync.PushCapabilities)
	if err != nil {
		return fmt.Errorf("sync.push_capabilities: %w", err)
	}
	if !push.Has(gitproto.ReportStatus) {
		return fmt.Errorf("sync.push_capabilities must include %s", gitproto.ReportStatus)
	}
	if c.Sync.Prune && !push.Has(gitproto.DeleteRefs) {
		return fmt.Errorf("sync.prune requires %s in sync.push_capabilities", gitproto.DeleteRefs)
	}

	if c.Relay.MemoryLimit < 0 {
		return fmt.Errorf("relay.memory_limit must not be negative")
	}
	if c.Relay.SpoolDir != "" && !filepath.IsAbs(c.Relay.SpoolDir) {
		return fmt.Errorf("relay.spool_dir must be an absolute path: %s", c.Relay.SpoolDir)
	}
	if c.AWS.Endpoint != "" {
		if _, err := url.ParseRequestURI(c.AWS.Endpoint); err != nil {
			return fmt.Errorf("aws.endpoint: %w", err)
		}
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return fmt.Errorf("serve.github_webhook_secret_file is required when serve is enabled")
		}
	}

	return nil
}

func validateRemote(name string, r RemoteConfig) error {
	if r.URL == "" {
		return fmt.Errorf("%s.url is required", name)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("%s.url: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s.url must be an http:// or https:// URL: %s", name, r.URL)
	}

	set := 0
	for _, s := range []string{r.Auth.PasswordFile, r.Auth.TokenFile, r.Auth.TokenSecret} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("%s.auth: only one of password_file, token_file or token_secret may be set", name)
	}
	return nil
}

// UsesAWS reports whether any credential is stored in AWS Secrets Manager.
func (c *Config) UsesAWS() bool {
	return c.Source.Auth.TokenSecret != "" || c.Target.Auth.TokenSecret != ""
}

// AuthMethod returns a description of the configured auth method
func (a AuthConfig) AuthMethod() string {
	switch {
	case a.TokenSecret != "":
		return "aws-token"
	case a.TokenFile != "":
		return "token"
	case a.PasswordFile != "":
		return "basic"
	case a.Username != "":
		return "username"
	default:
		return "none"
	}
}
