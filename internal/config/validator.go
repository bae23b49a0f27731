package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers keywarden-specific validation
// rules. Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("key_hash", validateKeyHash); err != nil {
		return fmt.Errorf("failed to register key_hash validator: %w", err)
	}
	return nil
}

// validateKeyHash validates the admin key hash field.
// Valid forms: "argon2id:$argon2id$..." or "sha256:<64 hex chars>".
func validateKeyHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()

	if rest, ok := strings.CutPrefix(hash, "argon2id:"); ok {
		return strings.HasPrefix(rest, "$argon2id$")
	}
	if rest, ok := strings.CutPrefix(hash, "sha256:"); ok {
		if len(rest) != 64 {
			return false
		}
		for _, c := range rest {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				return false
			}
		}
		return true
	}
	return false
}

// Validate validates the Config using struct tags and cross-field
// rules, returning actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStorePath(); err != nil {
		return err
	}
	if err := c.validateUniqueAdminKeyNames(); err != nil {
		return err
	}
	return nil
}

// validateStorePath ensures durable backends have a data location.
func (c *Config) validateStorePath() error {
	if c.Store.Backend == "memory" {
		return nil
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store: backend %q requires a path", c.Store.Backend)
	}
	return nil
}

// validateUniqueAdminKeyNames rejects duplicate admin key labels so
// log lines stay attributable to one key.
func (c *Config) validateUniqueAdminKeyNames() error {
	seen := make(map[string]struct{}, len(c.Auth.AdminKeys))
	for i, k := range c.Auth.AdminKeys {
		if _, dup := seen[k.Name]; dup {
			return fmt.Errorf("admin_keys[%d]: duplicate name: %s", i, k.Name)
		}
		seen[k.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "key_hash":
		return fmt.Sprintf("%s must be 'argon2id:$argon2id$...' or 'sha256:<hex digest>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
