package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Groq     GroqConfig
	Ollama   OllamaConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Schema   SchemaConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type GroqConfig struct {
	APIKey       string
	BaseURL      string
	SQLModel     string
	SummaryModel string
}

type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
}

type DatabaseConfig struct {
	DSN string
}

type StorageConfig struct {
	DataDir string
}

type SchemaConfig struct {
	// Path to an augmented schema JSON file. Empty means the bundled
	// Chinook schema.
	Path string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 3000,
		},
		Groq: GroqConfig{
			BaseURL:      "https://api.groq.com/openai/v1",
			SQLModel:     "llama3-70b-8192",
			SummaryModel: "llama3-8b-8192",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.askdb.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/askdb/config.json
// and secrets come from environment variables or the askdb secrets file.
//
// Environment variables (ASKDB_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform secret store for secrets still unset.
	if cfg.Groq.APIKey == "" {
		if key, err := kc.Get("askdb", "groq_api_key"); err == nil && key != "" {
			cfg.Groq.APIKey = key
		}
	}
	if cfg.Database.DSN == "" {
		if dsn, err := kc.Get("askdb", "database_dsn"); err == nil && dsn != "" {
			cfg.Database.DSN = dsn
		}
	}

	if cfg.Groq.APIKey == "" {
		msg := "missing required config: Groq API key. " +
			"Set it via environment variable ASKDB_GROQ_API_KEY" +
			secretHint("groq_api_key")
		return Config{}, fmt.Errorf("%s", msg)
	}
	if cfg.Database.DSN == "" {
		msg := "missing required config: database DSN. " +
			"Set it via environment variable ASKDB_DATABASE_DSN" +
			secretHint("database_dsn")
		return Config{}, fmt.Errorf("%s", msg)
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
