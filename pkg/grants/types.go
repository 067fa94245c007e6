package grants

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubjectType identifies what kind of principal a grant applies to
type SubjectType string

const (
	SubjectUser  SubjectType = "user"
	SubjectRole  SubjectType = "role"
	SubjectGroup SubjectType = "group"
)

// IsValid checks if the subject type is known
func (s SubjectType) IsValid() bool {
	switch s {
	case SubjectUser, SubjectRole, SubjectGroup:
		return true
	}
	return false
}

// Effect is the outcome a grant contributes to a decision
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// IsValid checks if the effect is known
func (e Effect) IsValid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Scope describes the administrative reach of a grant
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeOrganization Scope = "organization"
	ScopeDepartment   Scope = "department"
	ScopeProject      Scope = "project"
	ScopeResource     Scope = "resource"
)

// IsValid checks if the scope is known
func (s Scope) IsValid() bool {
	switch s {
	case ScopeGlobal, ScopeOrganization, ScopeDepartment, ScopeProject, ScopeResource:
		return true
	}
	return false
}

// Inheritance controls whether a grant made on a resource reaches its
// descendants
type Inheritance string

const (
	// InheritanceNone confines the grant to its own resource
	InheritanceNone Inheritance = "none"
	// InheritanceInherit propagates the grant to descendants
	InheritanceInherit Inheritance = "inherit"
	// InheritanceOverride propagates and masks any grant farther up the tree
	InheritanceOverride Inheritance = "override"
)

// IsValid checks if the inheritance mode is known
func (i Inheritance) IsValid() bool {
	switch i {
	case InheritanceNone, InheritanceInherit, InheritanceOverride:
		return true
	}
	return false
}

// ConditionOperator is the comparison applied by a condition predicate
type ConditionOperator string

const (
	OpEqual          ConditionOperator = "eq"
	OpNotEqual       ConditionOperator = "neq"
	OpGreaterThan    ConditionOperator = "gt"
	OpGreaterOrEqual ConditionOperator = "gte"
	OpLessThan       ConditionOperator = "lt"
	OpLessOrEqual    ConditionOperator = "lte"
	OpIn             ConditionOperator = "in"
	OpNotIn          ConditionOperator = "not_in"
	OpContains       ConditionOperator = "contains"
	OpRegex          ConditionOperator = "regex"
)

// IsValid checks if the operator is known
func (o ConditionOperator) IsValid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpGreaterThan, OpGreaterOrEqual,
		OpLessThan, OpLessOrEqual, OpIn, OpNotIn, OpContains, OpRegex:
		return true
	}
	return false
}

// Condition is one predicate evaluated against the request context.
// Logic chains this condition with the next one; it defaults to "and".
type Condition struct {
	Field           string            `json:"field"`
	Operator        ConditionOperator `json:"operator"`
	Value           interface{}       `json:"value"`
	CaseInsensitive bool              `json:"case_insensitive,omitempty"`
	Logic           string            `json:"logic,omitempty"`
}

// PermissionGrant is one stored authorization rule
type PermissionGrant struct {
	ID           int64       `json:"id"`
	SubjectType  SubjectType `json:"subject_type"`
	SubjectID    int64       `json:"subject_id"`
	ResourceType string      `json:"resource_type"`
	// ResourceID nil means the grant is global
	ResourceID  *int64      `json:"resource_id,omitempty"`
	Actions     []string    `json:"actions"`
	Effect      Effect      `json:"effect"`
	Scope       Scope       `json:"scope"`
	Inheritance Inheritance `json:"inheritance"`
	Conditions  []Condition `json:"conditions,omitempty"`
	ValidFrom   *time.Time  `json:"valid_from,omitempty"`
	ValidUntil  *time.Time  `json:"valid_until,omitempty"`
	Priority    int         `json:"priority"`
	IsActive    bool        `json:"is_active"`
	IsSystem    bool        `json:"is_system"`
	UsageCount  int64       `json:"usage_count"`
	LastUsedAt  *time.Time  `json:"last_used_at,omitempty"`
	GrantedBy   *int64      `json:"granted_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
}

// HasAction reports whether the grant covers the given action
func (g *PermissionGrant) HasAction(action string) bool {
	for _, a := range g.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// ValidAt reports whether the grant's validity window covers t
func (g *PermissionGrant) ValidAt(t time.Time) bool {
	if g.ValidFrom != nil && t.Before(*g.ValidFrom) {
		return false
	}
	if g.ValidUntil != nil && !t.Before(*g.ValidUntil) {
		return false
	}
	return true
}

// IsGlobal reports whether the grant applies to all resources
func (g *PermissionGrant) IsGlobal() bool {
	return g.ResourceID == nil
}

func marshalJSONColumn(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(b), nil
}

// UpdateRequest carries the mutable grant fields. Nil pointers mean
// "leave unchanged"; an all-nil request is a read.
type UpdateRequest struct {
	Actions     *[]string    `json:"actions,omitempty"`
	Effect      *Effect      `json:"effect,omitempty"`
	Scope       *Scope       `json:"scope,omitempty"`
	Inheritance *Inheritance `json:"inheritance,omitempty"`
	Conditions  *[]Condition `json:"conditions,omitempty"`
	ValidFrom   *time.Time   `json:"valid_from,omitempty"`
	ValidUntil  *time.Time   `json:"valid_until,omitempty"`
	Priority    *int         `json:"priority,omitempty"`
	IsActive    *bool        `json:"is_active,omitempty"`
}

// SearchFilter narrows grant searches. Zero values are ignored.
type SearchFilter struct {
	SubjectType  SubjectType
	SubjectID    *int64
	ResourceType string
	ResourceID   *int64
	// Action matches grants whose action set contains this action
	Action string
	Effect Effect
	Scope  Scope
	// IsActive filters on the active flag when set
	IsActive *bool
	// ValidAt keeps only grants whose validity window covers this time
	ValidAt *time.Time
	// IncludeDeleted includes soft-deleted grants
	IncludeDeleted bool

	Limit  int
	Offset int
	// SortBy is one of: id, priority, created_at, updated_at
	SortBy    string
	SortOrder string
}

// Stats aggregates grant counts
type Stats struct {
	TotalGrants   int64                 `json:"total_grants"`
	ActiveGrants  int64                 `json:"active_grants"`
	DeletedGrants int64                 `json:"deleted_grants"`
	ByEffect      map[Effect]int64      `json:"by_effect"`
	BySubjectType map[SubjectType]int64 `json:"by_subject_type"`
	ByScope       map[Scope]int64       `json:"by_scope"`
}

// SubjectRef identifies a concrete subject with its role and group
// memberships resolved
type SubjectRef struct {
	UserID   int64
	RoleIDs  []int64
	GroupIDs []int64
}
