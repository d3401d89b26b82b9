package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every section the engine needs regardless of ingress.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	sections := []struct {
		name  string
		value any
	}{
		{name: "model", value: c.Model},
		{name: "streaming", value: c.Streaming},
		{name: "retrieval", value: c.Retrieval},
		{name: "store", value: c.Store},
		{name: "sessions", value: c.Sessions},
		{name: "dispatch", value: c.Dispatch},
		{name: "gateway", value: c.Gateway},
	}

	for _, section := range sections {
		if err := validateSection(section.name, section.value); err != nil {
			return err
		}
	}

	return nil
}

// ValidateTelegram checks the Telegram section; only the gateway needs it.
func (c *Config) ValidateTelegram() error {
	if c == nil {
		return errors.New("config is required")
	}

	return validateSection("telegram", c.Telegram)
}

func validateSection(name string, value any) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("validate %s: %w", name, err)
	}

	messages := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		messages = append(messages, describeFieldError(name, fieldErr))
	}

	return fmt.Errorf("invalid config: %s", strings.Join(messages, "; "))
}

func describeFieldError(section string, fieldErr validator.FieldError) string {
	field := section + "." + fieldErr.Field()
	switch fieldErr.Tag() {
	case "required", "required_if", "required_unless":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fieldErr.Param(), fmt.Sprint(fieldErr.Value()))
	default:
		if fieldErr.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", field, fieldErr.Tag(), fieldErr.Param())
		}
		return fmt.Sprintf("%s failed %s", field, fieldErr.Tag())
	}
}
