package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	errs = append(errs, requirePositiveDuration("TICK_INTERVAL", cfg.TickIntervalStr)...)
	errs = append(errs, requirePositiveDuration("FIRING_WINDOW", cfg.FiringWindowStr)...)

	// A window narrower than half the tick interval leaves gaps between
	// ticks where a scheduled minute can never be seen.
	if cfg.TickInterval > 0 && cfg.FiringWindow > 0 && cfg.FiringWindow*2 < cfg.TickInterval {
		errs = append(errs, ValidationError{
			Field:   "FIRING_WINDOW",
			Message: fmt.Sprintf("must be at least half of TICK_INTERVAL (%s)", cfg.TickIntervalStr),
		})
	}

	if cfg.ProviderURL == "" {
		errs = append(errs, ValidationError{
			Field:   "PROVIDER_URL",
			Message: "required",
		})
	}
	if cfg.SenderFrom == "" {
		errs = append(errs, ValidationError{
			Field:   "SENDER_FROM",
			Message: "required",
		})
	}

	if cfg.SendRate > 0 && cfg.SendBurst <= 0 {
		errs = append(errs, ValidationError{
			Field:   "SEND_BURST",
			Message: "must be positive when SEND_RATE is set",
		})
	}

	if cfg.ReconcileEnabled && cfg.ReconcileThreshold <= cfg.TickInterval {
		errs = append(errs, ValidationError{
			Field:   "RECONCILE_THRESHOLD",
			Message: "must exceed TICK_INTERVAL or fresh executions get re-emitted",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func requirePositiveDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	return nil
}
