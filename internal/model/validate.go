package model

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. validator caches struct
// metadata internally, so a single instance is the intended usage.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs validator tags on any request type.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("model: validate: %w", err)
	}
	return nil
}

// ValidateWorkflowPatch checks field constraints on a patch. Length limits
// match the column constraints so a bad patch fails before reaching storage.
func ValidateWorkflowPatch(p WorkflowPatch) error {
	if p.Name != nil {
		if l := len(*p.Name); l < MinWorkflowNameLen || l > MaxWorkflowNameLen {
			return fmt.Errorf("model: name must be %d-%d characters, got %d", MinWorkflowNameLen, MaxWorkflowNameLen, l)
		}
	}
	if p.Description != nil && len(*p.Description) > MaxDescriptionLen {
		return fmt.Errorf("model: description exceeds %d characters", MaxDescriptionLen)
	}
	return nil
}
