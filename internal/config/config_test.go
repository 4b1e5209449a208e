package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
mock_mode: true
accounts:
  - name: primary
    enabled: true
`

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Port)
	}
	if cfg.Polling.PositionIntervalMinutes != 15 {
		t.Errorf("PositionIntervalMinutes = %d, want default 15", cfg.Polling.PositionIntervalMinutes)
	}
	if cfg.Execution.MaxSteps != 5 {
		t.Errorf("MaxSteps = %d, want default 5", cfg.Execution.MaxSteps)
	}
	if cfg.Selection.TargetDeltaOpen != 0.30 {
		t.Errorf("TargetDeltaOpen = %v, want default 0.30", cfg.Selection.TargetDeltaOpen)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].Name != "primary" {
		t.Errorf("Accounts = %+v, want one account named primary", cfg.Accounts)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
port: 9090
gateway:
  base_url: https://broker.example.com
accounts:
  - name: acct-a
    enabled: true
  - name: acct-b
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Gateway.BaseURL != "https://broker.example.com" {
		t.Errorf("Gateway.BaseURL = %q, want override", cfg.Gateway.BaseURL)
	}
	if len(cfg.EnabledAccounts()) != 1 {
		t.Errorf("EnabledAccounts() len = %d, want 1", len(cfg.EnabledAccounts()))
	}
}

func TestLoadEnvOverridesNotifierSecrets(t *testing.T) {
	t.Setenv("TIGER_NOTIFIER_WEBHOOK_URL", "https://hooks.example.com/xyz")
	t.Setenv("TIGER_NOTIFIER_TELEGRAM_TOKEN", "shh")

	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notifier.WebhookURL != "https://hooks.example.com/xyz" {
		t.Errorf("Notifier.WebhookURL = %q, want env override", cfg.Notifier.WebhookURL)
	}
	if cfg.Notifier.TelegramToken != "shh" {
		t.Errorf("Notifier.TelegramToken = %q, want env override", cfg.Notifier.TelegramToken)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRequiresAtLeastOneAccount(t *testing.T) {
	t.Parallel()

	cfg := &Config{Port: 8080, MockMode: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero accounts")
	}
}

func TestValidateRejectsDuplicateAccountNames(t *testing.T) {
	t.Parallel()

	cfg := validBaseConfig()
	cfg.Accounts = append(cfg.Accounts, AccountConfig{Name: "primary", Enabled: true})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate account name")
	}
}

func TestValidateRequiresGatewayBaseURLUnlessMock(t *testing.T) {
	t.Parallel()

	cfg := validBaseConfig()
	cfg.MockMode = false
	cfg.Gateway.BaseURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when base_url missing and mock_mode false")
	}

	cfg.MockMode = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("mock_mode should waive base_url requirement, got %v", err)
	}
}

func TestValidateRejectsBadExpiryWindow(t *testing.T) {
	t.Parallel()

	cfg := validBaseConfig()
	cfg.Selection.MinDaysToExpiry = 30
	cfg.Selection.MaxDaysToExpiry = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for inverted expiry window")
	}
}

func validBaseConfig() *Config {
	return &Config{
		Port:     8080,
		MockMode: true,
		Accounts: []AccountConfig{{Name: "primary", Enabled: true}},
		Polling: PollingConfig{
			PositionIntervalMinutes: 15,
			OrderIntervalMinutes:    5,
			MaxConsecutiveErrors:    5,
		},
		Spread: SpreadConfig{MaxRatio: 0.15},
		Selection: ContractSelectionConfig{
			MinDaysToExpiry: 7,
			MaxDaysToExpiry: 45,
		},
	}
}
