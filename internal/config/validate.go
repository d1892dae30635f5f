package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New()
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "postgres", "redis":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("invalid config: storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}
