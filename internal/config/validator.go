package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the GateConfig using struct tags and cross-field
// rules, with actionable error messages.
func (c *GateConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateStoreBackend(); err != nil {
		return err
	}
	return c.validateAPIKeyHashes()
}

// validateStoreBackend ensures the sqlite backend has a DSN.
func (c *GateConfig) validateStoreBackend() error {
	if c.Store.Backend == "sqlite" && c.Store.DSN == "" {
		return errors.New("store: the sqlite backend requires store.dsn")
	}
	return nil
}

// validateAPIKeyHashes ensures stored hashes are one of the two supported
// formats: an argon2id PHC string or a 64-char hex SHA-256.
func (c *GateConfig) validateAPIKeyHashes() error {
	for i, key := range c.Auth.APIKeys {
		if strings.HasPrefix(key.Hash, "$argon2id$") {
			continue
		}
		if len(key.Hash) == 64 && isHex(key.Hash) {
			continue
		}
		return fmt.Errorf("auth.api_keys[%d]: hash must be an argon2id PHC string or hex sha256", i)
	}
	return nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
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

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "startswith":
		return fmt.Sprintf("%s must start with %q", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
