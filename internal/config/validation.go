package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report config keys, not Go field names, in validation errors.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	return v
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, &ValidationError{
					Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
					Message: constraintMessage(fe),
				})
			}
		} else {
			errs = append(errs, err)
		}
	}

	// Cross-field checks the tag language cannot express.
	if c.Pool.MinSize > c.Pool.MaxSize {
		errs = append(errs, &ValidationError{
			Field:   "pool.min_size",
			Message: fmt.Sprintf("min_size (%d) must not exceed max_size (%d)", c.Pool.MinSize, c.Pool.MaxSize),
		})
	}
	if c.Pool.Size < c.Pool.MinSize || c.Pool.Size > c.Pool.MaxSize {
		errs = append(errs, &ValidationError{
			Field:   "pool.size",
			Message: fmt.Sprintf("size (%d) must be within [min_size, max_size] = [%d, %d]", c.Pool.Size, c.Pool.MinSize, c.Pool.MaxSize),
		})
	}
	if c.Pool.MinOverflow > c.Pool.MaxOverflow {
		errs = append(errs, &ValidationError{
			Field:   "pool.min_overflow",
			Message: fmt.Sprintf("min_overflow (%d) must not exceed max_overflow (%d)", c.Pool.MinOverflow, c.Pool.MaxOverflow),
		})
	}
	if c.Pool.LowUtilThreshold >= c.Pool.HighUtilThreshold {
		errs = append(errs, &ValidationError{
			Field:   "pool.low_util_threshold",
			Message: fmt.Sprintf("low_util_threshold (%.2f) must be below high_util_threshold (%.2f)", c.Pool.LowUtilThreshold, c.Pool.HighUtilThreshold),
		})
	}

	if !c.DatabaseEmbedded() {
		if c.Database.User == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.user",
				Message: "user is required when database.host is set",
			})
		}
		if c.Database.Name == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.name",
				Message: "name is required when database.host is set",
			})
		}
	} else if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required when database.host is empty",
		})
	}

	if c.AI.Enabled && c.AI.BaseURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "ai.base_url",
			Message: "base_url is required when ai.enabled is true",
		})
	}

	return errs
}

// constraintMessage renders a tag failure without echoing the offending
// value, so secrets never reach logs through validation errors.
func constraintMessage(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fmt.Sprintf("violates constraint %s=%s", fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("violates constraint %s", fe.Tag())
}
