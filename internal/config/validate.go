package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MinSecretLength is the minimum JWT secret length outside dev mode.
const MinSecretLength = 32

// Validate checks the configuration with struct tags and the cross-field
// rules that tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlFieldName)
	v.RegisterStructValidation(validateAuth, AuthConfig{})

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	return nil
}

func validateAuth(sl validator.StructLevel) {
	a := sl.Current().Interface().(AuthConfig)
	if !a.Dev && a.JWTSecret != "" && len(a.JWTSecret) < MinSecretLength {
		sl.ReportError(a.JWTSecret, "jwt_secret", "JWTSecret", "secret_len", "")
	}
}

func yamlFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")

	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", field, "access_ttl")
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "cidr|ip":
		return fmt.Sprintf("%s must be a CIDR or an IP address", field)
	case "secret_len":
		return fmt.Sprintf("%s must be at least %d bytes (set auth.dev for local development)", field, MinSecretLength)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}
