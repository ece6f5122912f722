package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	UIS      UISConfig
	OpenAI   OpenAIConfig
	Storage  StorageConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port       int
	AdminToken string
}

// UISConfig points at the upstream call-tracking API.
type UISConfig struct {
	DataAPIURL  string
	MediaURL    string
	AccessToken string
	// Lookback window for plain batch queries, and the widened window
	// used when searching for a single call (reporting can lag).
	LookbackMinutes       int
	SearchLookbackMinutes int
	BatchLimit            int
	SearchLimit           int
}

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	ProxyURL string
}

type StorageConfig struct {
	DataDir    string
	ResultDir  string
	ArchiveDir string
}

type PipelineConfig struct {
	LocateAttempts  int
	LocateDelay     time.Duration
	ArchiveDays     int
	ArchiveInterval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8000,
		},
		UIS: UISConfig{
			DataAPIURL:            "https://dataapi.comagic.ru/v2.0",
			MediaURL:              "https://app.comagic.ru",
			LookbackMinutes:       1440,
			SearchLookbackMinutes: 120,
			BatchLimit:            100,
			SearchLimit:           1000,
		},
		OpenAI: OpenAIConfig{
			BaseURL:  "https://api.openai.com/v1",
			Model:    "whisper-1",
			Language: "ru",
		},
		Storage: StorageConfig{
			DataDir:    "data",
			ResultDir:  "result",
			ArchiveDir: "archive",
		},
		Pipeline: PipelineConfig{
			LocateAttempts:  2,
			LocateDelay:     2 * time.Second,
			ArchiveDays:     7,
			ArchiveInterval: 24 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the environment on top of defaults.
// Secrets (UIS access token, OpenAI API key, admin token) have no defaults
// and must be provided.
func Load() (Config, error) {
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if err := applyOverrides(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if cfg.UIS.AccessToken == "" {
		return Config{}, fmt.Errorf("missing required config: UIS access token (set UIS_ACCESS_TOKEN)")
	}
	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key (set OPENAI_API_KEY)")
	}
	if cfg.Server.AdminToken == "" {
		return Config{}, fmt.Errorf("missing required config: admin token (set CALLSCRIBE_ADMIN_TOKEN)")
	}

	return cfg, nil
}

func applyOverrides(cfg *Config, getenv func(string) string) error {
	var err error

	setString(getenv, "CALLSCRIBE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	setString(getenv, "UIS_DATA_API_URL", &cfg.UIS.DataAPIURL)
	setString(getenv, "UIS_MEDIA_URL", &cfg.UIS.MediaURL)
	setString(getenv, "UIS_ACCESS_TOKEN", &cfg.UIS.AccessToken)
	setString(getenv, "OPENAI_API_KEY", &cfg.OpenAI.APIKey)
	setString(getenv, "OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	setString(getenv, "WHISPER_MODEL", &cfg.OpenAI.Model)
	setString(getenv, "WHISPER_LANGUAGE", &cfg.OpenAI.Language)
	setString(getenv, "OPENAI_PROXY_URL", &cfg.OpenAI.ProxyURL)
	setString(getenv, "CALLSCRIBE_DATA_DIR", &cfg.Storage.DataDir)
	setString(getenv, "CALLSCRIBE_RESULT_DIR", &cfg.Storage.ResultDir)
	setString(getenv, "CALLSCRIBE_ARCHIVE_DIR", &cfg.Storage.ArchiveDir)
	setString(getenv, "LOG_LEVEL", &cfg.Log.Level)

	if err = setInt(getenv, "CALLSCRIBE_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err = setInt(getenv, "UIS_LOOKBACK_MINUTES", &cfg.UIS.LookbackMinutes); err != nil {
		return err
	}
	if err = setInt(getenv, "UIS_SEARCH_LOOKBACK_MINUTES", &cfg.UIS.SearchLookbackMinutes); err != nil {
		return err
	}
	if err = setInt(getenv, "UIS_BATCH_LIMIT", &cfg.UIS.BatchLimit); err != nil {
		return err
	}
	if err = setInt(getenv, "UIS_SEARCH_LIMIT", &cfg.UIS.SearchLimit); err != nil {
		return err
	}
	if err = setInt(getenv, "CALLSCRIBE_LOCATE_ATTEMPTS", &cfg.Pipeline.LocateAttempts); err != nil {
		return err
	}
	if err = setInt(getenv, "CALLSCRIBE_ARCHIVE_DAYS", &cfg.Pipeline.ArchiveDays); err != nil {
		return err
	}
	if err = setDuration(getenv, "CALLSCRIBE_LOCATE_DELAY", &cfg.Pipeline.LocateDelay); err != nil {
		return err
	}
	if err = setDuration(getenv, "CALLSCRIBE_ARCHIVE_INTERVAL", &cfg.Pipeline.ArchiveInterval); err != nil {
		return err
	}

	return nil
}

func setString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func setInt(getenv func(string) string, key string, dst *int) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(getenv func(string) string, key string, dst *time.Duration) error {
	v := getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	*dst = d
	return nil
}
