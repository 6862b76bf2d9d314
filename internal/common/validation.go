package common

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents validation failures
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s", e.Field, e.Value, e.Message)
}

// Validator collects rule failures across fields.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{
		errors: make([]ValidationError, 0),
	}
}

// Field validates a field and collects errors
func (v *Validator) Field(fieldName string, value any, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(fieldName, value); err != nil {
			v.errors = append(v.errors, *err)
		}
	}
	return v
}

// Check records a failure for fieldName when ok is false.
func (v *Validator) Check(ok bool, fieldName string, value any, message string) *Validator {
	if !ok {
		v.errors = append(v.errors, ValidationError{Field: fieldName, Value: value, Message: message})
	}
	return v
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Error returns the combined failures wrapped around ErrValidation, or nil.
func (v *Validator) Error() error {
	if !v.HasErrors() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, v.ErrorMessage())
}

func (v *Validator) ErrorMessage() string {
	if !v.HasErrors() {
		return ""
	}
	messages := make([]string, 0, len(v.errors))
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// ValidationRule represents a single validation rule
type ValidationRule func(fieldName string, value any) *ValidationError

func Required(fieldName string, value any) *ValidationError {
	if value == nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}
	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
		}
	case []byte:
		if len(v) == 0 {
			return &ValidationError{Field: fieldName, Value: "<empty>", Message: "is required"}
		}
	}
	return nil
}

// InRange accepts numeric values within [min, max].
func InRange(min, max float64) ValidationRule {
	return func(fieldName string, value any) *ValidationError {
		var f float64
		switch n := value.(type) {
		case int:
			f = float64(n)
		case int32:
			f = float64(n)
		case int64:
			f = float64(n)
		case float32:
			f = float64(n)
		case float64:
			f = n
		default:
			return &ValidationError{Field: fieldName, Value: value, Message: "must be numeric"}
		}
		if f < min || f > max {
			return &ValidationError{
				Field:   fieldName,
				Value:   value,
				Message: fmt.Sprintf("must be between %g and %g", min, max),
			}
		}
		return nil
	}
}

// OneOf accepts strings from a closed set.
func OneOf(allowed ...string) ValidationRule {
	return func(fieldName string, value any) *ValidationError {
		s, ok := value.(string)
		if !ok || !slices.Contains(allowed, s) {
			return &ValidationError{
				Field:   fieldName,
				Value:   value,
				Message: "must be one of " + strings.Join(allowed, ", "),
			}
		}
		return nil
	}
}

var reHexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HexDigest accepts lowercase hex sha256 digests.
func HexDigest(fieldName string, value any) *ValidationError {
	s, ok := value.(string)
	if !ok || !reHexDigest.MatchString(s) {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a lowercase hex sha256 digest"}
	}
	return nil
}
