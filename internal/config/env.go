package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken = "METEOBOT_TELEGRAM_TOKEN"
	EnvStorageDSN    = "METEOBOT_STORAGE_DSN"
)

// LoadDotEnv loads variables from the given .env files (default ".env").
// Missing files are ignored; variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	present := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// applyEnv keeps secrets out of the config file.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}
