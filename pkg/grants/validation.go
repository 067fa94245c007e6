package grants

import (
	"fmt"
	"regexp"
)

const (
	// MaxPriority bounds grant priorities
	MaxPriority = 1000
	// SystemPriorityFloor is the lowest priority reserved for system grants
	SystemPriorityFloor = 900
)

// ValidationError indicates a malformed grant field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// Validate checks a grant's fields before it is written
func Validate(grant *PermissionGrant) error {
	if !grant.SubjectType.IsValid() {
		return &ValidationError{Field: "subject_type", Message: fmt.Sprintf("unknown subject type %q", grant.SubjectType)}
	}
	if grant.SubjectID <= 0 {
		return &ValidationError{Field: "subject_id", Message: "must be positive"}
	}
	if grant.ResourceType == "" {
		return &ValidationError{Field: "resource_type", Message: "must not be empty"}
	}
	if len(grant.Actions) == 0 {
		return &ValidationError{Field: "actions", Message: "must not be empty"}
	}
	for _, action := range grant.Actions {
		if action == "" {
			return &ValidationError{Field: "actions", Message: "must not contain empty actions"}
		}
	}
	if !grant.Effect.IsValid() {
		return &ValidationError{Field: "effect", Message: fmt.Sprintf("unknown effect %q", grant.Effect)}
	}
	if !grant.Scope.IsValid() {
		return &ValidationError{Field: "scope", Message: fmt.Sprintf("unknown scope %q", grant.Scope)}
	}
	if !grant.Inheritance.IsValid() {
		return &ValidationError{Field: "inheritance", Message: fmt.Sprintf("unknown inheritance %q", grant.Inheritance)}
	}

	if grant.Scope == ScopeGlobal && grant.ResourceID != nil {
		return &ValidationError{Field: "resource_id", Message: "must be absent for global scope"}
	}
	if grant.Scope != ScopeGlobal && grant.ResourceID == nil {
		return &ValidationError{Field: "resource_id", Message: fmt.Sprintf("required for %s scope", grant.Scope)}
	}

	if grant.Priority < 0 || grant.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("must be between 0 and %d", MaxPriority)}
	}
	if grant.Priority >= SystemPriorityFloor && !grant.IsSystem {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("priorities %d and above are reserved for system grants", SystemPriorityFloor)}
	}

	if grant.ValidFrom != nil && grant.ValidUntil != nil && !grant.ValidUntil.After(*grant.ValidFrom) {
		return &ValidationError{Field: "valid_until", Message: "must be after valid_from"}
	}

	for i, cond := range grant.Conditions {
		if err := validateCondition(i, cond); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(index int, cond Condition) error {
	field := fmt.Sprintf("conditions[%d]", index)
	if cond.Field == "" {
		return &ValidationError{Field: field, Message: "field must not be empty"}
	}
	if !cond.Operator.IsValid() {
		return &ValidationError{Field: field, Message: fmt.Sprintf("unknown operator %q", cond.Operator)}
	}
	if cond.Logic != "" && cond.Logic != "and" && cond.Logic != "or" {
		return &ValidationError{Field: field, Message: fmt.Sprintf("logic must be \"and\" or \"or\", got %q", cond.Logic)}
	}

	switch cond.Operator {
	case OpIn, OpNotIn:
		if _, ok := cond.Value.([]interface{}); !ok {
			if _, ok := cond.Value.([]string); !ok {
				return &ValidationError{Field: field, Message: "value must be a list for set operators"}
			}
		}
	case OpRegex:
		pattern, ok := cond.Value.(string)
		if !ok {
			return &ValidationError{Field: field, Message: "regex value must be a string"}
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return &ValidationError{Field: field, Message: fmt.Sprintf("invalid regex: %v", err)}
		}
	}
	return nil
}
