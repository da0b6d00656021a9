package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

// global validator instance
var validate = validator.New()

// ValidateStruct runs struct-tag validation and converts the first failure
// into a ValidationError.
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		e := validationErrors[0]
		return NewValidationError(e.StructNamespace(), fmt.Sprintf("failed rule '%s'", e.Tag()), e.Value())
	}
	return WrapError(KindValidation, "validate", err)
}

// ValidateFact checks a fact before insertion. Retracted evidence must
// carry zero confidence.
func ValidateFact(f *Fact) error {
	if f == nil {
		return NewValidationError("fact", "is required", nil)
	}
	if math.IsNaN(f.Confidence) || math.IsNaN(f.BaseWeight) {
		return NewValidationError("confidence", "must be a number", f.Confidence)
	}
	if err := ValidateStruct(f); err != nil {
		return err
	}
	if f.Modifiers.Retracted && f.Confidence != 0 {
		return NewValidationError("confidence", "retracted evidence must have zero confidence", f.Confidence)
	}
	return nil
}
