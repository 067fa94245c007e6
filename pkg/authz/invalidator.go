package authz

import (
	"context"

	"github.com/archonhq/archon/pkg/grants"
	"github.com/archonhq/archon/pkg/hierarchy"
	"github.com/archonhq/archon/pkg/observability"
)

// Invalidator listens for grant and hierarchy changes and bumps the
// cache version counters that fingerprints embed. It prefers the
// narrowest counter it can prove correct and falls back to the global
// one whenever scoping is uncertain.
type Invalidator struct {
	hierarchy *hierarchy.Store
	cache     Cache
	logger    *observability.Logger
}

func NewInvalidator(h *hierarchy.Store, cache Cache, logger *observability.Logger) *Invalidator {
	return &Invalidator{hierarchy: h, cache: cache, logger: logger}
}

// GrantChanged implements grants.ChangeListener. User grants invalidate
// that subject; role and group grants may affect any number of subjects,
// so they invalidate globally.
func (inv *Invalidator) GrantChanged(ctx context.Context, grant *grants.PermissionGrant) {
	if grant.SubjectType != grants.SubjectUser {
		inv.cache.BumpGlobal(ctx)
		return
	}
	inv.cache.BumpSubject(ctx, grant.SubjectID)
	if grant.ResourceID == nil {
		return
	}
	inv.bumpRootOf(ctx, *grant.ResourceID)
}

// NodeChanged implements hierarchy.ChangeListener. Decisions are keyed
// by the root of the resource's tree, so bumping the node's current
// root suffices: a move across roots changes the fingerprint's root on
// its own.
func (inv *Invalidator) NodeChanged(ctx context.Context, node *hierarchy.ResourceNode) {
	inv.bumpRootOf(ctx, node.ID)
}

func (inv *Invalidator) bumpRootOf(ctx context.Context, nodeID int64) {
	crumbs, err := inv.hierarchy.Breadcrumb(ctx, nodeID)
	if err != nil {
		if inv.logger != nil {
			inv.logger.WithError(err).WithField("node_id", nodeID).
				Warn("cannot scope cache invalidation, bumping globally")
		}
		inv.cache.BumpGlobal(ctx)
		return
	}
	rootID := nodeID
	if len(crumbs) > 0 {
		rootID = crumbs[0].ID
	}
	inv.cache.BumpResource(ctx, rootID)
}
