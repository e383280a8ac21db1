package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostingtele.yaml")
	content := "api_addr: \":9000\"\nBUILD_WORKERS: 8\nVERIFY_BOT_TOKEN: true\nLOG_LEVEL: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("LOG_LEVEL", "warn")
	for _, key := range []string{"API_ADDR", "BUILD_WORKERS", "VERIFY_BOT_TOKEN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := LoadAPIConfig()
	if cfg.Addr != ":9000" {
		t.Fatalf("expected addr from file, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env to win for LOG_LEVEL, got %q", cfg.LogLevel)
	}
	if !cfg.VerifyBotToken {
		t.Fatalf("expected VERIFY_BOT_TOKEN from file")
	}
	if got := LoadBuilderConfig().BuildWorkers; got != 8 {
		t.Fatalf("expected 8 build workers, got %d", got)
	}
}

func TestLoadFileRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("minio:\n  endpoint: x\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := LoadFile(path); err == nil {
		t.Fatalf("expected nested value error")
	}
}

func TestGetSecondsFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("STOP_GRACE_SECONDS", "soon")
	if got := GetSeconds("STOP_GRACE_SECONDS", 10); got != 10*time.Second {
		t.Fatalf("expected fallback of 10s, got %v", got)
	}
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := APIConfig{StoreDriver: "memory", ArchiveStore: "disk", MaxArchiveBytes: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing secrets error")
	}
	cfg.TelegramBotToken = "1:abc"
	cfg.EncryptionKey = "key"
	cfg.JWTSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.ArchiveStore = "minio"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected minio endpoint error")
	}
}
