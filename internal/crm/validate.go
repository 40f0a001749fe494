package crm

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func init() {
	// Report JSON field names instead of Go struct field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateRequest checks v against its struct tags and converts failures
// into a *ValidationError.
func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return fmt.Errorf("failed to validate request: %w", err)
	}

	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		var message string
		switch fe.Tag() {
		case "required":
			message = "This field is required"
		case "len":
			message = fmt.Sprintf("Must be exactly %s characters", fe.Param())
		case "min":
			message = fmt.Sprintf("At least %s required", fe.Param())
		case "numeric":
			message = "Must contain digits only"
		default:
			message = "Invalid value"
		}
		fields[fe.Field()] = message
	}

	return &ValidationError{Fields: fields}
}
