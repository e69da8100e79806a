// Package config provides layered configuration loading for mail2slack:
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mail2slack/internal/routing"
	"github.com/shineum/mail2slack/internal/telemetry"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Forward provider names accepted in forward.provider.
const (
	ProviderNone   = ""
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig       `yaml:"smtp"`
	Slack     SlackConfig      `yaml:"slack"`
	Routing   RoutingConfig    `yaml:"routing"`
	Forward   ForwardConfig    `yaml:"forward"`
	SES       SESConfig        `yaml:"ses"`
	Graph     GraphConfig      `yaml:"graph"`
	TLS       TLSConfig        `yaml:"tls"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// SMTPConfig holds inbound SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// SlackConfig holds Slack Web API settings and which Slack deliveries run.
type SlackConfig struct {
	Token         string `yaml:"token"`
	APIURL        string `yaml:"api_url"`
	AllowCreate   bool   `yaml:"allow_create"`
	CreatePrivate bool   `yaml:"create_private"`
	Notify        bool   `yaml:"notify"`
	Archive       bool   `yaml:"archive"`
	MaxAttempts   int    `yaml:"max_attempts"`
}

// RoutingConfig holds the routing table source and miss handling.
type RoutingConfig struct {
	// File is a JSON or YAML routing table. It wins over Routes.
	File string `yaml:"file"`
	// Routes is an inline table in the same shape as File.
	Routes          map[string]any `yaml:"routes"`
	MissPolicy      string         `yaml:"miss_policy"`
	FallbackChannel string         `yaml:"fallback_channel"`
	// Watch reloads File when it changes.
	Watch bool `yaml:"watch"`

	// routesJSON carries ROUTES_JSON until the table is built.
	routesJSON string
}

// ForwardConfig selects the forwarding provider and rewrite identity.
type ForwardConfig struct {
	Provider         string `yaml:"provider"`
	Sender           string `yaml:"sender"`
	RewriteLocalPart string `yaml:"rewrite_local_part"`
}

// SESConfig holds AWS SES credentials. Empty keys use the default AWS chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths. Both empty means a
// self-signed certificate is generated at startup.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot be acted on.
func (c *Config) Validate() error {
	var errs []error

	if !routing.MissPolicy(c.Routing.MissPolicy).Valid() {
		errs = append(errs, fmt.Errorf("routing.miss_policy: unknown policy %q", c.Routing.MissPolicy))
	}

	switch c.Forward.Provider {
	case ProviderNone, ProviderStdout:
	case ProviderSES:
		if c.SES.Region == "" {
			errs = append(errs, errors.New("ses.region is required when forward.provider is ses"))
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph tenant_id, client_id, client_secret and sender are required when forward.provider is graph"))
		}
	default:
		errs = append(errs, fmt.Errorf("forward.provider: unknown provider %q", c.Forward.Provider))
	}

	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}

	return errors.Join(errs...)
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// OpenRoutes builds the routing store. A routes file takes precedence over
// ROUTES_JSON, which takes precedence over the inline table.
func (c *Config) OpenRoutes() (*routing.Store, error) {
	switch {
	case c.Routing.File != "":
		return routing.OpenStore(c.Routing.File)
	case c.Routing.routesJSON != "":
		t, err := routing.ParseJSON([]byte(c.Routing.routesJSON))
		if err != nil {
			return nil, fmt.Errorf("ROUTES_JSON: %w", err)
		}
		return routing.NewStore(t), nil
	default:
		return routing.NewStore(routing.ParseTable(c.Routing.Routes)), nil
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Slack.Notify = true
	c.Slack.Archive = true
	c.Routing.MissPolicy = string(routing.MissReject)
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values that
// fail to parse are ignored.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	setString(&c.Slack.Token, "SLACK_BOT_TOKEN")
	setString(&c.Slack.APIURL, "SLACK_API_URL")
	setBool(&c.Slack.AllowCreate, "SLACK_ALLOW_CREATE")
	setBool(&c.Slack.CreatePrivate, "SLACK_CREATE_PRIVATE")
	setBool(&c.Slack.Notify, "SLACK_NOTIFY")
	setBool(&c.Slack.Archive, "SLACK_ARCHIVE")
	if v := os.Getenv("SLACK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Slack.MaxAttempts = n
		}
	}

	setString(&c.Routing.File, "ROUTES_FILE")
	setString(&c.Routing.routesJSON, "ROUTES_JSON")
	if v := os.Getenv("ROUTING_MISS_POLICY"); v != "" {
		c.Routing.MissPolicy = strings.ToLower(v)
	}
	setString(&c.Routing.FallbackChannel, "ROUTING_FALLBACK_CHANNEL")
	setBool(&c.Routing.Watch, "ROUTES_WATCH")

	if v := os.Getenv("FORWARD_PROVIDER"); v != "" {
		c.Forward.Provider = strings.ToLower(v)
	}
	setString(&c.Forward.Sender, "FORWARD_SENDER")
	setString(&c.Forward.RewriteLocalPart, "FORWARD_REWRITE_LOCAL_PART")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	setBool(&c.Telemetry.Enabled, "OTEL_ENABLED")
	setBool(&c.Telemetry.Stdout, "OTEL_STDOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
