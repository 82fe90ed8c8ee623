package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "unit-secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		testContext.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if cfg.TokenTTL != 30*time.Minute {
		testContext.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.LogLevel != defaultLogLevel {
		testContext.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
}

func TestLoadRejectsInvalidConfiguration(testContext *testing.T) {
	tests := []struct {
		name      string
		configure func(testConfig map[string]any)
	}{
		{name: "missing-signing-secret", configure: func(testConfig map[string]any) {
			delete(testConfig, "auth.signing_secret")
		}},
		{name: "empty-database-path", configure: func(testConfig map[string]any) {
			testConfig["database.path"] = "  "
		}},
		{name: "non-positive-token-ttl", configure: func(testConfig map[string]any) {
			testConfig["auth.token_ttl_minutes"] = 0
		}},
	}

	for _, testCase := range tests {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			values := map[string]any{"auth.signing_secret": "unit-secret"}
			testCase.configure(values)

			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}

			if _, err := Load(configViper); err == nil {
				testContext.Fatalf("expected validation error")
			}
		})
	}
}
