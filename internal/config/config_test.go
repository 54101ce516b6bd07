package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: donorlink_prod
  user: app
  password: s3cret

realtime:
  poll_interval: 500ms
  buffer: 16
  resubscribe_min: 100ms
  resubscribe_max: 5s

reconcile:
  schedule: "0 * * * *"

server:
  port: 9090

auth:
  secret: topsecret
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != DriverMySQL {
		t.Errorf("Driver = %q, want %q", cfg.Database.Driver, DriverMySQL)
	}
	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Host = %q, want 10.0.0.5", cfg.Database.Host)
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Port = %d, want 3307", cfg.Database.Port)
	}
	if cfg.Database.Name != "donorlink_prod" {
		t.Errorf("Name = %q, want donorlink_prod", cfg.Database.Name)
	}
	if cfg.Database.User != "app" || cfg.Database.Password != "s3cret" {
		t.Errorf("credentials = %q/%q", cfg.Database.User, cfg.Database.Password)
	}
	if cfg.Realtime.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", cfg.Realtime.PollInterval)
	}
	if cfg.Realtime.Buffer != 16 {
		t.Errorf("Buffer = %d, want 16", cfg.Realtime.Buffer)
	}
	if cfg.Realtime.ResubscribeMin != 100*time.Millisecond || cfg.Realtime.ResubscribeMax != 5*time.Second {
		t.Errorf("resubscribe = %v..%v", cfg.Realtime.ResubscribeMin, cfg.Realtime.ResubscribeMax)
	}
	if cfg.Reconcile.Schedule != "0 * * * *" {
		t.Errorf("Schedule = %q", cfg.Reconcile.Schedule)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Auth.Secret != "topsecret" {
		t.Errorf("Auth.Secret = %q", cfg.Auth.Secret)
	}
}

func TestParse_EmptyUsesSQLiteDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.Path != "donorlink.db" {
		t.Errorf("Path = %q, want donorlink.db", cfg.Database.Path)
	}
	if cfg.Realtime.PollInterval != time.Second {
		t.Errorf("PollInterval = %v, want 1s", cfg.Realtime.PollInterval)
	}
	if cfg.Realtime.Buffer != 64 {
		t.Errorf("Buffer = %d, want 64", cfg.Realtime.Buffer)
	}
	if cfg.Reconcile.Schedule != "*/5 * * * *" {
		t.Errorf("Schedule = %q", cfg.Reconcile.Schedule)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestParse_DriverDefaults(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantPort int
		wantUser string
	}{
		{"mysql", "database:\n  driver: mysql\n", 3306, "root"},
		{"postgres", "database:\n  driver: postgres\n", 5432, "postgres"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Database.Port != tt.wantPort {
				t.Errorf("Port = %d, want %d", cfg.Database.Port, tt.wantPort)
			}
			if cfg.Database.User != tt.wantUser {
				t.Errorf("User = %q, want %q", cfg.Database.User, tt.wantUser)
			}
			if cfg.Database.Host != "127.0.0.1" {
				t.Errorf("Host = %q, want 127.0.0.1", cfg.Database.Host)
			}
		})
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "database:\n  driver: oracle\n", "database.driver"},
		{"bad schedule", "reconcile:\n  schedule: \"* *\"\n", "reconcile.schedule"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"inverted backoff", "realtime:\n  resubscribe_min: 5s\n  resubscribe_max: 1s\n", "resubscribe_max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "donorlink.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/donorlink.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q", err.Error())
	}
}
