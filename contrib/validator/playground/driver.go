// Package playground provides a go-playground/validator implementation of the
// caravan Validator port.
//
// Usage:
//
//	bus := app.New("orders", transport,
//	    app.WithValidator(playground.NewDriver()))
//
// The pipeline runs the validator against every decoded payload before its
// handler. Failures surface as contracts.ValidationErrors and deadletter
// without retries, so messages a redeploy cannot fix never loop through the
// redelivery ladder.
package playground

import (
	"reflect"
	"strings"
	"sync"

	"github.com/caravan-bus/caravan/core/pkg/contracts"
	"github.com/go-playground/validator/v10"
)

// Config for the validator driver.
type Config struct {
	// UseJSONNames reports fields by their json tag, matching the wire
	// shape consumers actually sent.
	UseJSONNames bool

	// Messages overrides the error templates per tag. Templates may use
	// {field}, {tag}, {param} and {value} placeholders.
	Messages map[string]string
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		UseJSONNames: true,
		Messages:     defaultMessages(),
	}
}

func defaultMessages() map[string]string {
	return map[string]string{
		"required": "{field} is required",
		"email":    "{field} must be a valid email address",
		"min":      "{field} must be at least {param}",
		"max":      "{field} must be at most {param}",
		"gte":      "{field} must be greater than or equal to {param}",
		"lte":      "{field} must be less than or equal to {param}",
		"gt":       "{field} must be greater than {param}",
		"lt":       "{field} must be less than {param}",
		"oneof":    "{field} must be one of: {param}",
		"url":      "{field} must be a valid URL",
		"uuid":     "{field} must be a valid UUID",
		"numeric":  "{field} must be a valid number",
		"datetime": "{field} must be a valid datetime",
	}
}

// Driver implements contracts.Validator using go-playground/validator.
type Driver struct {
	validate     *validator.Validate
	translations map[string]string
	mu           sync.RWMutex
}

// NewDriver creates a validator driver with default settings.
func NewDriver() *Driver {
	return NewDriverWithConfig(DefaultConfig())
}

// NewDriverWithConfig creates a validator driver with custom config.
func NewDriverWithConfig(cfg *Config) *Driver {
	v := validator.New()

	if cfg.UseJSONNames {
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	}

	translations := defaultMessages()
	for k, msg := range cfg.Messages {
		translations[k] = msg
	}

	return &Driver{
		validate:     v,
		translations: translations,
	}
}

// Validator returns the underlying validator instance.
func (d *Driver) Validator() *validator.Validate {
	return d.validate
}

// Validate validates a struct based on its tags.
func (d *Driver) Validate(data any) error {
	err := d.validate.Struct(data)
	if err == nil {
		return nil
	}

	var out contracts.ValidationErrors
	if errs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range errs {
			out = append(out, contracts.ValidationError{
				Field:   e.Field(),
				Tag:     e.Tag(),
				Value:   e.Value(),
				Message: d.formatMessage(e),
			})
		}
		return out
	}
	// An InvalidValidationError (non-struct input) is not a field failure.
	return err
}

// RegisterValidation registers a custom validation tag.
func (d *Driver) RegisterValidation(tag string, fn contracts.ValidationFunc) error {
	return d.validate.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
		return fn(fl.Field().Interface())
	})
}

// RegisterTranslation overrides the error message for a tag.
func (d *Driver) RegisterTranslation(tag string, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.translations[tag] = message
	return nil
}

func (d *Driver) formatMessage(e validator.FieldError) string {
	d.mu.RLock()
	template, ok := d.translations[e.Tag()]
	d.mu.RUnlock()

	if !ok {
		template = "{field} failed validation for '{tag}'"
	}

	message := template
	message = strings.ReplaceAll(message, "{field}", e.Field())
	message = strings.ReplaceAll(message, "{tag}", e.Tag())
	message = strings.ReplaceAll(message, "{param}", e.Param())
	message = strings.ReplaceAll(message, "{value}", formatValue(e.Value()))
	return message
}

func formatValue(v any) string {
	if v == nil {
		return "nil"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

var _ contracts.Validator = (*Driver)(nil)
