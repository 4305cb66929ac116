package poolchain

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct checks the validate tags of s and folds every violation into one error
// wrapping ErrValidation.
func validateStruct(s any) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	messages := lo.Map(fieldErrors, func(e validator.FieldError, _ int) string {
		return lo.SnakeCase(e.Field()) + " " + describe(e)
	})
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(messages, "; "))
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "gte":
		return fmt.Sprintf("must be at least %s, got %v", e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s, got %v", e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("must be one of %s, got %v", e.Param(), e.Value())
	case "required":
		return "is required"
	}
	return "failed on " + e.Tag()
}
