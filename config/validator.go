package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validEnvironments = []string{"development", "staging", "production"}

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateBackends, Config{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// ValidateWithDetails validates cfg and reports every failing field.
func ValidateWithDetails(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	details := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, ConfigError{
			Field:   fe.Namespace(),
			Message: formatValidationError(fe),
			Value:   fe.Value(),
		})
	}
	return details
}

// validateBackends checks settings that only matter for the selected
// storage, feedback and embedding backends.
func validateBackends(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Storage.Type == "badger" && strings.TrimSpace(cfg.Storage.Badger.Path) == "" {
		sl.ReportError(cfg.Storage.Badger.Path, "Storage.Badger.Path", "Path", "required_for", "badger")
	}
	if cfg.Memory.Feedback.Backend == "redis" && strings.TrimSpace(cfg.Redis.Address) == "" {
		sl.ReportError(cfg.Redis.Address, "Redis.Address", "Address", "required_for", "redis feedback")
	}
	if cfg.Embedding.Provider == "openai" && strings.TrimSpace(cfg.Embedding.APIKey) == "" {
		// APIKey is never echoed back in errors.
		sl.ReportError("", "Embedding.APIKey", "APIKey", "required_for", "openai")
	}
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_for":
		return fmt.Sprintf("is required when using %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gtefield":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "env":
		return fmt.Sprintf("must be one of [%s]", strings.Join(validEnvironments, " "))
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

func validateEnvironment(fl validator.FieldLevel) bool {
	return slices.Contains(validEnvironments, fl.Field().String())
}
