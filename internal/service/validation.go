package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/broadcast-engine/internal/errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct turns validator failures into a ValidationError keyed by
// JSON field name.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return appErrors.NewValidation(err)
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Field()
		param := fe.Param()
		switch fe.Tag() {
		case "required":
			fields[field] = "is required"
		case "min":
			fields[field] = "must be at least " + param
		case "max":
			fields[field] = "must be at most " + param
		case "oneof":
			fields[field] = "must be one of: " + param
		case "gtefield":
			fields[field] = "must be greater than or equal to " + strings.ToLower(param)
		default:
			fields[field] = "is invalid"
		}
	}
	return &appErrors.ValidationError{Fields: fields}
}

func fieldError(field, msg string, err error) error {
	return &appErrors.ValidationError{Fields: map[string]string{field: msg}, Err: err}
}
