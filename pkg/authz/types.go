package authz

import (
	"context"
	"time"

	"github.com/archonhq/archon/pkg/grants"
)

// AccessRequest describes a single access check: who wants to perform
// which action on which resource, plus any environment attributes the
// grant conditions may reference.
type AccessRequest struct {
	SubjectID     int64                  `json:"subject_id"`
	SubjectRoles  []int64                `json:"subject_roles,omitempty"`
	SubjectGroups []int64                `json:"subject_groups,omitempty"`
	ResourceType  string                 `json:"resource_type"`
	ResourceID    int64                  `json:"resource_id"`
	Action        string                 `json:"action"`
	Environment   map[string]interface{} `json:"environment,omitempty"`
	Timestamp     time.Time              `json:"timestamp,omitempty"`
}

// MatchedGrant pairs a grant that applied to a request with its distance
// from the requested resource. Distance 0 is a direct grant, 1 the
// immediate parent, and so on up to the root; global grants sit one step
// beyond the root.
type MatchedGrant struct {
	Grant    grants.PermissionGrant `json:"grant"`
	Distance int                    `json:"distance"`
}

// Decision is the outcome of an evaluation. It is always populated, even
// when the evaluation itself failed: failures produce a denial with a
// reason rather than an error.
type Decision struct {
	Granted      bool           `json:"granted"`
	Effect       grants.Effect  `json:"effect"`
	Matched      []MatchedGrant `json:"matched,omitempty"`
	DeniedBy     *MatchedGrant  `json:"denied_by,omitempty"`
	Reason       string         `json:"reason"`
	EvaluatedAt  time.Time      `json:"evaluated_at"`
	CacheHit     bool           `json:"cache_hit"`
	EvaluationID string         `json:"evaluation_id"`
}

// IdentityProvider resolves the role and group memberships of a subject
// when the caller did not supply them on the request. Implementations
// typically front a directory or membership table.
type IdentityProvider interface {
	RolesOf(ctx context.Context, subjectID int64) ([]int64, error)
	GroupsOf(ctx context.Context, subjectID int64) ([]int64, error)
}
