package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the ProxyConfig using struct tags and custom
// cross-field rules. Returns an error if validation fails, with actionable
// error messages.
func (c *ProxyConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamIDs(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamIDs resolves spec.md §9's open question on duplicate
// server_ids: rejected at config load. It also rejects any id containing
// the configured namespace separator, since that would make proxy names
// ambiguous to decode (registry.Namer.Decode splits on the first
// occurrence of the separator).
func (c *ProxyConfig) validateUpstreamIDs() error {
	sep := c.Server.NamespaceSeparator
	if sep == "" {
		sep = "::"
	}

	seen := make(map[string]struct{}, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if u.ID == "" {
			return fmt.Errorf("upstreams[%d]: id is required", i)
		}
		if strings.Contains(u.ID, sep) {
			return fmt.Errorf("upstreams[%d]: id %q must not contain the namespace separator %q", i, u.ID, sep)
		}
		if _, dup := seen[u.ID]; dup {
			return fmt.Errorf("upstreams[%d]: duplicate upstream id %q", i, u.ID)
		}
		seen[u.ID] = struct{}{}

		if len(u.Command) == 0 || u.Command[0] == "" {
			return fmt.Errorf("upstreams[%d] (%s): command must not be empty", i, u.ID)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
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

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
