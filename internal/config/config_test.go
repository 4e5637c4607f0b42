package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Alloc.MaxSetsPerCategory != 10 {
		t.Errorf("default max_sets_per_category = %d, want 10", cfg.Alloc.MaxSetsPerCategory)
	}
	if cfg.Alloc.MaxAgeMonths != 2 {
		t.Errorf("default max_age_months = %d, want 2", cfg.Alloc.MaxAgeMonths)
	}
	if cfg.Redis.Addr == "" {
		t.Error("default redis addr is empty")
	}
	if cfg.Daemon.HTTPAddr == "" {
		t.Error("default http addr is empty")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"redis": {"addr": "redis.internal:6380", "db": 3},
		"alloc": {"max_sets_per_category": 5},
		"daemon": {"http_addr": ":9000", "log_level": "debug"}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("redis db = %d, want 3", cfg.Redis.DB)
	}
	if cfg.Alloc.MaxSetsPerCategory != 5 {
		t.Errorf("max_sets_per_category = %d, want 5", cfg.Alloc.MaxSetsPerCategory)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Alloc.MaxAgeMonths != 2 {
		t.Errorf("max_age_months = %d, want default 2", cfg.Alloc.MaxAgeMonths)
	}
	if cfg.Daemon.HTTPAddr != ":9000" {
		t.Errorf("http addr = %q", cfg.Daemon.HTTPAddr)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/quizforge.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("QUIZFORGE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("QUIZFORGE_PG_DSN", "postgres://env/db")
	t.Setenv("MAX_SETS_PER_CATEGORY", "7")
	t.Setenv("MAX_AGE_MONTHS", "4")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "env-redis:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Postgres.DSN != "postgres://env/db" {
		t.Errorf("pg dsn = %q", cfg.Postgres.DSN)
	}
	if cfg.Alloc.MaxSetsPerCategory != 7 {
		t.Errorf("max_sets_per_category = %d, want 7", cfg.Alloc.MaxSetsPerCategory)
	}
	if cfg.Alloc.MaxAgeMonths != 4 {
		t.Errorf("max_age_months = %d, want 4", cfg.Alloc.MaxAgeMonths)
	}
}

func TestLoadFromEnvIgnoresInvalidNumbers(t *testing.T) {
	t.Setenv("MAX_SETS_PER_CATEGORY", "zero")
	t.Setenv("MAX_AGE_MONTHS", "-3")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Alloc.MaxSetsPerCategory != 10 {
		t.Errorf("max_sets_per_category = %d, want default 10", cfg.Alloc.MaxSetsPerCategory)
	}
	if cfg.Alloc.MaxAgeMonths != 2 {
		t.Errorf("max_age_months = %d, want default 2", cfg.Alloc.MaxAgeMonths)
	}
}

func TestSettings(t *testing.T) {
	s := NewSettings(AllocConfig{MaxSetsPerCategory: 10, MaxAgeMonths: 2})

	if got := s.MaxSetsPerCategory(); got != 10 {
		t.Errorf("MaxSetsPerCategory = %d, want 10", got)
	}
	if err := s.SetMaxSetsPerCategory(3); err != nil {
		t.Fatalf("SetMaxSetsPerCategory: %v", err)
	}
	if got := s.MaxSetsPerCategory(); got != 3 {
		t.Errorf("MaxSetsPerCategory after set = %d, want 3", got)
	}

	if err := s.SetMaxSetsPerCategory(0); err == nil {
		t.Error("expected error for zero cap")
	}
	if err := s.SetMaxAgeMonths(-1); err == nil {
		t.Error("expected error for negative age")
	}
	if got := s.MaxAgeMonths(); got != 2 {
		t.Errorf("MaxAgeMonths = %d, want 2 after rejected update", got)
	}
}
