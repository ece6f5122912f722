package config

import (
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

// minimal set of required secrets for a successful load.
func requiredEnv() map[string]string {
	return map[string]string{
		"UIS_ACCESS_TOKEN":       "uis-token",
		"OPENAI_API_KEY":         "sk-test",
		"CALLSCRIBE_ADMIN_TOKEN": "admin-token",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(envMap(requiredEnv()))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.UIS.SearchLookbackMinutes != 120 {
		t.Errorf("SearchLookbackMinutes = %d, want 120", cfg.UIS.SearchLookbackMinutes)
	}
	if cfg.UIS.SearchLimit != 1000 {
		t.Errorf("SearchLimit = %d, want 1000", cfg.UIS.SearchLimit)
	}
	if cfg.Pipeline.LocateAttempts != 2 {
		t.Errorf("LocateAttempts = %d, want 2", cfg.Pipeline.LocateAttempts)
	}
	if cfg.OpenAI.Model != "whisper-1" {
		t.Errorf("Model = %q, want whisper-1", cfg.OpenAI.Model)
	}
	if cfg.Storage.ResultDir != "result" {
		t.Errorf("ResultDir = %q, want result", cfg.Storage.ResultDir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	env := requiredEnv()
	env["CALLSCRIBE_PORT"] = "9090"
	env["CALLSCRIBE_LOCATE_DELAY"] = "10ms"
	env["UIS_DATA_API_URL"] = "http://localhost:9999/v2.0"
	env["CALLSCRIBE_ARCHIVE_DAYS"] = "30"

	cfg, err := loadWith(envMap(env))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Pipeline.LocateDelay != 10*time.Millisecond {
		t.Errorf("LocateDelay = %v, want 10ms", cfg.Pipeline.LocateDelay)
	}
	if cfg.UIS.DataAPIURL != "http://localhost:9999/v2.0" {
		t.Errorf("DataAPIURL = %q", cfg.UIS.DataAPIURL)
	}
	if cfg.Pipeline.ArchiveDays != 30 {
		t.Errorf("ArchiveDays = %d, want 30", cfg.Pipeline.ArchiveDays)
	}
}

func TestLoadMissingSecrets(t *testing.T) {
	cases := []struct {
		name   string
		drop   string
		wantIn string
	}{
		{"no UIS token", "UIS_ACCESS_TOKEN", "UIS_ACCESS_TOKEN"},
		{"no OpenAI key", "OPENAI_API_KEY", "OPENAI_API_KEY"},
		{"no admin token", "CALLSCRIBE_ADMIN_TOKEN", "CALLSCRIBE_ADMIN_TOKEN"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := requiredEnv()
			delete(env, tc.drop)
			_, err := loadWith(envMap(env))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantIn) {
				t.Errorf("error %q does not mention %s", err, tc.wantIn)
			}
		})
	}
}

func TestLoadBadValues(t *testing.T) {
	env := requiredEnv()
	env["CALLSCRIBE_PORT"] = "not-a-number"
	if _, err := loadWith(envMap(env)); err == nil {
		t.Error("expected error for bad port")
	}

	env = requiredEnv()
	env["CALLSCRIBE_ARCHIVE_INTERVAL"] = "yearly"
	if _, err := loadWith(envMap(env)); err == nil {
		t.Error("expected error for bad duration")
	}
}
