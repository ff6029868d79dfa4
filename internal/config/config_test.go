package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "pghook-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
database:
  host: localhost
  port: 5433
  database: shop
  user: shop
  password: secret

listener:
  tables:
    - orders
    - refunds

webhook:
  url: https://hooks.example.com/orders
  timeout: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Host != "localhost" {
		t.Errorf("expected host=localhost, got %s", cfg.Database.Host)
	}
	if cfg.Database.Port != 5433 {
		t.Errorf("expected port=5433, got %d", cfg.Database.Port)
	}
	if cfg.Listener.Channel != "events" {
		t.Errorf("expected default channel events, got %s", cfg.Listener.Channel)
	}
	if cfg.Listener.Function != "notify_event" {
		t.Errorf("expected default function notify_event, got %s", cfg.Listener.Function)
	}
	if len(cfg.Listener.Tables) != 2 || cfg.Listener.Tables[0] != "orders" || cfg.Listener.Tables[1] != "refunds" {
		t.Errorf("expected tables [orders refunds], got %v", cfg.Listener.Tables)
	}
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %s", cfg.Webhook.Timeout)
	}
	if cfg.Webhook.MaxRetries != 0 {
		t.Errorf("expected max_retries=0, got %d", cfg.Webhook.MaxRetries)
	}
	if cfg.Journal.Enabled {
		t.Error("expected journal to be disabled by default")
	}
	if cfg.Log.Format != "console" {
		t.Errorf("expected log format console, got %s", cfg.Log.Format)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PGHOOK_TEST_PASSWORD", "from-env")

	path := writeConfig(t, `
database:
  host: localhost
  database: shop
  user: shop
  password: ${PGHOOK_TEST_PASSWORD}
listener:
  tables: [orders]
webhook:
  url: http://localhost:8080/hook
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Password != "from-env" {
		t.Errorf("expected password from env, got %q", cfg.Database.Password)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Database.Port)
	}
}

func TestLoadKeepsLiteralDollar(t *testing.T) {
	t.Setenv("PGHOOK_TEST_USER", "shop")

	path := writeConfig(t, `
database:
  host: localhost
  database: shop
  user: ${PGHOOK_TEST_USER}
  password: pa$$word$HOME
listener:
  tables: [orders]
webhook:
  url: http://localhost:8080/hook
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Password != "pa$$word$HOME" {
		t.Errorf("expected literal password, got %q", cfg.Database.Password)
	}
	if cfg.Database.User != "shop" {
		t.Errorf("expected user from env, got %q", cfg.Database.User)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/pghook.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "shop",
			User:     "shop",
		},
		Listener: ListenerConfig{
			Channel:       "events",
			Tables:        []string{"orders"},
			Function:      "notify_event",
			TriggerPrefix: "notify_",
		},
		Webhook: WebhookConfig{
			URL: "https://hooks.example.com/orders",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"missing database host", func(c *Config) { c.Database.Host = "" }, true},
		{"port out of range", func(c *Config) { c.Database.Port = 70000 }, true},
		{"no tables", func(c *Config) { c.Listener.Tables = nil }, true},
		{"duplicate table", func(c *Config) { c.Listener.Tables = []string{"orders", "orders"} }, true},
		{"injected table name", func(c *Config) { c.Listener.Tables = []string{"orders; drop table x"} }, true},
		{"bad channel", func(c *Config) { c.Listener.Channel = "Events-1" }, true},
		{"missing webhook", func(c *Config) { c.Webhook.URL = "" }, true},
		{"ftp webhook", func(c *Config) { c.Webhook.URL = "ftp://example.com/x" }, true},
		{"negative retries", func(c *Config) { c.Webhook.MaxRetries = -1 }, true},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true }, true},
		{"alerts without webhook", func(c *Config) { c.Alerts.Enabled = true }, true},
		{"trigger name too long", func(c *Config) { c.Listener.Tables = []string{strings.Repeat("t", 54)} }, true},
		{"trigger name at limit", func(c *Config) { c.Listener.Tables = []string{strings.Repeat("t", 50)} }, false},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "testdb",
		User:     "testuser",
		Password: "testpass",
	}

	connStr := db.ConnectionString()
	expected := "host='localhost' port=5432 dbname='testdb' user='testuser' password='testpass' sslmode='disable'"

	if connStr != expected {
		t.Errorf("ConnectionString() = %v, want %v", connStr, expected)
	}
}

func TestConnectionStringQuotesValues(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "shop",
		User:     "shop",
		Password: `it's a \secret`,
		SSLMode:  "require",
	}

	parsed, err := pgconn.ParseConfig(db.ConnectionString())
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	if parsed.Password != db.Password {
		t.Errorf("expected password %q, got %q", db.Password, parsed.Password)
	}
	if parsed.User != "shop" || parsed.Database != "shop" || parsed.Port != 5432 {
		t.Errorf("unexpected parsed config: user=%s database=%s port=%d", parsed.User, parsed.Database, parsed.Port)
	}
}
