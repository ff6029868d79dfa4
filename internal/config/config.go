package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Listener ListenerConfig `mapstructure:"listener"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type ListenerConfig struct {
	Channel       string   `mapstructure:"channel"`
	Tables        []string `mapstructure:"tables"`
	Function      string   `mapstructure:"function"`
	TriggerPrefix string   `mapstructure:"trigger_prefix"`
}

type WebhookConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var (
	identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
	// Only ${NAME} is expanded, so a bare $ in a password survives.
	envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// maxIdentifierLen is NAMEDATALEN-1; postgres truncates longer names.
const maxIdentifierLen = 63

// triggerSuffix matches trigger.Config.TriggerName.
const triggerSuffix = "_event"

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("listener.channel", "events")
	v.SetDefault("listener.function", "notify_event")
	v.SetDefault("listener.trigger_prefix", "notify_")
	v.SetDefault("webhook.max_retries", 0)
	v.SetDefault("journal.path", "pghook.db")
	v.SetDefault("metrics.addr", ":9187")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := expandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func expandEnv(s string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envRefRe.FindStringSubmatch(ref)[1])
	})
}

func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database.database is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port out of range: %d", c.Database.Port)
	}

	if !identifierRe.MatchString(c.Listener.Channel) {
		return fmt.Errorf("invalid listener.channel: %q", c.Listener.Channel)
	}
	if !identifierRe.MatchString(c.Listener.Function) {
		return fmt.Errorf("invalid listener.function: %q", c.Listener.Function)
	}
	if c.Listener.TriggerPrefix != "" && !identifierRe.MatchString(c.Listener.TriggerPrefix) {
		return fmt.Errorf("invalid listener.trigger_prefix: %q", c.Listener.TriggerPrefix)
	}
	if len(c.Listener.Tables) == 0 {
		return fmt.Errorf("listener.tables must name at least one table")
	}
	seen := make(map[string]bool, len(c.Listener.Tables))
	for _, table := range c.Listener.Tables {
		if !identifierRe.MatchString(table) {
			return fmt.Errorf("invalid table name: %q", table)
		}
		if n := len(c.Listener.TriggerPrefix) + len(table) + len(triggerSuffix); n > maxIdentifierLen {
			return fmt.Errorf("trigger name for table %s is %d bytes, postgres allows %d; shorten listener.trigger_prefix or the table name",
				table, n, maxIdentifierLen)
		}
		if seen[table] {
			return fmt.Errorf("duplicate table name: %s", table)
		}
		seen[table] = true
	}

	if c.Webhook.URL == "" {
		return fmt.Errorf("webhook.url is required")
	}
	u, err := url.Parse(c.Webhook.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook.url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook.url has no host")
	}
	if c.Webhook.Timeout < 0 {
		return fmt.Errorf("webhook.timeout must not be negative")
	}
	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("webhook.max_retries must not be negative")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	if c.Alerts.Enabled && c.Alerts.SlackWebhook == "" {
		return fmt.Errorf("alerts.slack_webhook is required when alerts are enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}

	// Set default log settings if not specified
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (valid options: console, json)", c.Log.Format)
	}

	return nil
}

// ConnectionString builds a libpq keyword/value string. Values are quoted, so
// passwords may contain spaces, quotes and backslashes.
func (d *DatabaseConfig) ConnectionString() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		quoteValue(d.Host), d.Port, quoteValue(d.Database), quoteValue(d.User), quoteValue(d.Password), quoteValue(sslmode))
}

var valueEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func quoteValue(s string) string {
	return "'" + valueEscaper.Replace(s) + "'"
}
