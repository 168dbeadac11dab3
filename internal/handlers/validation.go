package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"chat-engine/internal/status"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError turns the first failed rule into an ErrInvalidArgument
// naming the JSON field.
func validationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return fmt.Errorf("%v: %w", err, status.ErrInvalidArgument)
	}

	fe := errs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required: %w", fe.Field(), status.ErrInvalidArgument)
	case "max":
		return fmt.Errorf("%s must be at most %s characters: %w", fe.Field(), fe.Param(), status.ErrInvalidArgument)
	case "oneof":
		return fmt.Errorf("%s must be one of [%s]: %w", fe.Field(), fe.Param(), status.ErrInvalidArgument)
	case "gt":
		return fmt.Errorf("%s must be greater than %s: %w", fe.Field(), fe.Param(), status.ErrInvalidArgument)
	default:
		return fmt.Errorf("%s is invalid: %w", fe.Field(), status.ErrInvalidArgument)
	}
}

// fail renders a domain error as a JSON envelope. Transport errors built
// with apis.New*Error go back to the router unchanged.
func fail(e *core.RequestEvent, err error) error {
	var apiErr *router.ApiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return writeError(e, err)
}
