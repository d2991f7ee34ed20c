package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestDecodeMergesEnvironmentAndSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
  password: ${DB_SECRET}
redis:
  addr: localhost:6379
cache:
  ttl_seconds: 300
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
cache:
  ttl_seconds: 60
`)
	writeFile(t, dir, "secrets.env", "DB_SECRET=\"s3cret\"\n")

	var cfg struct {
		DB    DBConfig    `yaml:"db"`
		Redis RedisConfig `yaml:"redis"`
		Cache CacheConfig `yaml:"cache"`
	}
	if err := Decode("staging", dir, &cfg); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if cfg.DB.Host != "db.staging" {
		t.Errorf("host = %q, want db.staging", cfg.DB.Host)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("port = %d, want 5432 from base", cfg.DB.Port)
	}
	if cfg.DB.Password != "s3cret" {
		t.Errorf("password = %q, want substituted secret", cfg.DB.Password)
	}
	if cfg.Cache.TTL().Seconds() != 60 {
		t.Errorf("ttl = %v, want 60s", cfg.Cache.TTL())
	}
}

func TestDecodeMissingBase(t *testing.T) {
	var out map[string]interface{}
	if err := Decode("local", t.TempDir(), &out); err == nil {
		t.Fatal("expected error when base.yaml is missing")
	}
}

func TestCacheConfigDefaults(t *testing.T) {
	var c CacheConfig
	if c.TTL().Minutes() != 5 {
		t.Errorf("default ttl = %v", c.TTL())
	}
	if c.InvalidateTimeout().Seconds() != 2 {
		t.Errorf("default invalidate timeout = %v", c.InvalidateTimeout())
	}
	if c.DedupeTTL().Hours() != 1 {
		t.Errorf("default dedupe ttl = %v", c.DedupeTTL())
	}
}
