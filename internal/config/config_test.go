package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromLayersAndEnv(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("base.yaml", `
service: crowdfund
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
events:
  mode: outbox
escrow:
  voting_window_hours: 48
`)
	write("test.yaml", `
db:
  host: db.test
`)
	write("secrets.env", "DB_SECRET=s3cret\n")
	t.Setenv("EVENTS_MODE", "direct")

	cfg, err := LoadFrom("test", dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Host != "db.test" || cfg.DB.Port != 5432 {
		t.Errorf("unexpected db config %+v", cfg.DB)
	}
	if cfg.DB.Password != "s3cret" {
		t.Errorf("secret not substituted: %q", cfg.DB.Password)
	}
	if cfg.Events.Mode != "direct" {
		t.Errorf("env override ignored: %q", cfg.Events.Mode)
	}
	if cfg.Escrow.VotingWindow() != 48*time.Hour {
		t.Errorf("voting window = %v", cfg.Escrow.VotingWindow())
	}
	if cfg.Users.CleanupUnverifiedAfter() != 72*time.Hour {
		t.Errorf("cleanup default = %v", cfg.Users.CleanupUnverifiedAfter())
	}
	if cfg.Events.OutboxInterval() != time.Second {
		t.Errorf("outbox interval default = %v", cfg.Events.OutboxInterval())
	}
}
