package ctrader

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestLoadEnvironmentConfigDemo(t *testing.T) {
	t.Setenv("CTRADER_ENVIRONMENT", "demo")
	t.Setenv("DEMO_CLIENT_ID", "demo_client_id_12345")
	t.Setenv("DEMO_CLIENT_SECRET", "demo_secret")
	t.Setenv("DEMO_ACCESS_TOKEN", "demo_token")
	t.Setenv("CTRADER_ACCOUNT_ID", "777")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg, err := LoadEnvironmentConfig(logger)
	if err != nil {
		t.Fatalf("LoadEnvironmentConfig failed: %v", err)
	}

	if cfg.Environment != EnvDemo {
		t.Errorf("Expected demo environment, got %s", cfg.Environment)
	}
	if cfg.Host != demoHost {
		t.Errorf("Expected demo host, got %s", cfg.Host)
	}
	if cfg.AccountID != 777 {
		t.Errorf("Expected account 777, got %d", cfg.AccountID)
	}
	if cfg.AccessToken != "demo_token" {
		t.Errorf("Expected demo token, got %s", cfg.AccessToken)
	}
}

func TestLoadEnvironmentConfigDefaultsToDemo(t *testing.T) {
	t.Setenv("CTRADER_ENVIRONMENT", "")
	t.Setenv("DEMO_CLIENT_ID", "demo_client_id_12345")
	t.Setenv("DEMO_CLIENT_SECRET", "demo_secret")
	t.Setenv("CTRADER_ACCOUNT_ID", "777")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg, err := LoadEnvironmentConfig(logger)
	if err != nil {
		t.Fatalf("LoadEnvironmentConfig failed: %v", err)
	}
	if cfg.Environment != EnvDemo {
		t.Errorf("Expected default demo environment, got %s", cfg.Environment)
	}
}

func TestLoadEnvironmentConfigRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("CTRADER_ENVIRONMENT", "staging")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if _, err := LoadEnvironmentConfig(logger); err == nil {
		t.Error("Expected error for unknown environment")
	}
}

func TestLoadEnvironmentConfigMissingCredentials(t *testing.T) {
	t.Setenv("CTRADER_ENVIRONMENT", "demo")
	t.Setenv("DEMO_CLIENT_ID", "")
	t.Setenv("DEMO_CLIENT_SECRET", "")
	t.Setenv("CTRADER_ACCOUNT_ID", "777")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if _, err := LoadEnvironmentConfig(logger); err == nil {
		t.Error("Expected error for missing credentials")
	}
}

func TestMaskClientID(t *testing.T) {
	if got := maskClientID("abc"); got != "****" {
		t.Errorf("Short client ID should be fully masked, got %s", got)
	}
	if got := maskClientID("1234_real_client_5678"); got != "1234****5678" {
		t.Errorf("Expected 1234****5678, got %s", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	client := NewClient(DefaultConfig(), nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second}, // 64s doubles past the cap
		{10, 60 * time.Second},
		{70, 60 * time.Second}, // shift overflows to a non-positive value
	}
	for _, tt := range tests {
		if d := client.backoffDelay(tt.attempt); d != tt.want {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.want, d)
		}
	}
}
