package authz

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/archonhq/archon/pkg/audit"
	"github.com/archonhq/archon/pkg/grants"
	"github.com/archonhq/archon/pkg/hierarchy"
	"github.com/archonhq/archon/pkg/observability"
)

// Evaluator answers access requests by combining the grants that apply
// to a subject along the resource's ancestor chain. Evaluation is
// fail-closed: any storage or condition error produces a denial, never
// a spurious allow.
type Evaluator struct {
	hierarchy *hierarchy.Store
	grants    *grants.Store
	cache     Cache
	identity  IdentityProvider
	audit     audit.Logger
	logger    *observability.Logger
	metrics   *observability.Metrics
}

func NewEvaluator(h *hierarchy.Store, g *grants.Store, cache Cache, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Evaluator {
	if auditLogger == nil {
		auditLogger = &audit.NoopLogger{}
	}
	return &Evaluator{
		hierarchy: h,
		grants:    g,
		cache:     cache,
		audit:     auditLogger,
		logger:    logger,
		metrics:   metrics,
	}
}

// SetIdentityProvider installs a membership lookup used when a request
// arrives without roles or groups.
func (e *Evaluator) SetIdentityProvider(p IdentityProvider) {
	e.identity = p
}

// Resolve evaluates an access request and always returns a decision.
// Errors along the way deny the request with the failure recorded in
// the reason; they are never surfaced as a granted decision.
func (e *Evaluator) Resolve(ctx context.Context, req *AccessRequest) *Decision {
	var timer *prometheus.Timer
	if e.metrics != nil {
		timer = prometheus.NewTimer(e.metrics.EvaluationSeconds)
	}
	decision := e.resolve(ctx, req)
	if timer != nil {
		timer.ObserveDuration()
	}
	e.observe(decision)
	e.recordDecision(ctx, req, decision)
	return decision
}

func (e *Evaluator) resolve(ctx context.Context, req *AccessRequest) *Decision {
	now := req.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if req.SubjectID <= 0 || req.ResourceID <= 0 || req.Action == "" {
		return e.deny(req, "malformed request: subject, resource, and action are required")
	}

	if err := e.fillMemberships(ctx, req); err != nil {
		return e.fail(req, fmt.Errorf("resolve memberships: %w", err))
	}

	// The breadcrumb drives both candidate collection and the cache
	// fingerprint: the chain's root identifies which resource version
	// counter guards this decision.
	crumbs, err := e.hierarchy.Breadcrumb(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, hierarchy.ErrNotFound) {
			return e.deny(req, fmt.Sprintf("resource %d not found", req.ResourceID))
		}
		return e.fail(req, fmt.Errorf("load ancestor chain: %w", err))
	}
	rootID := req.ResourceID
	if len(crumbs) > 0 {
		rootID = crumbs[0].ID
	}

	key := e.fingerprint(ctx, req, rootID)
	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, key); ok {
			if e.metrics != nil {
				e.metrics.CacheHitsTotal.Inc()
			}
			hit := *cached
			hit.CacheHit = true
			hit.EvaluationID = uuid.NewString()
			hit.EvaluatedAt = time.Now().UTC()
			return &hit
		}
		if e.metrics != nil {
			e.metrics.CacheMissesTotal.Inc()
		}
	}

	resourceIDs := make([]int64, 0, len(crumbs)+1)
	resourceIDs = append(resourceIDs, req.ResourceID)
	for _, c := range crumbs {
		resourceIDs = append(resourceIDs, c.ID)
	}

	subject := grants.SubjectRef{
		UserID:   req.SubjectID,
		RoleIDs:  req.SubjectRoles,
		GroupIDs: req.SubjectGroups,
	}
	candidates, err := e.grants.CandidatesFor(ctx, subject, req.ResourceType, resourceIDs, now)
	if err != nil {
		return e.fail(req, fmt.Errorf("collect candidate grants: %w", err))
	}

	matched, err := e.filterAndRank(candidates, crumbs, req)
	if err != nil {
		return e.fail(req, err)
	}
	matched = maskOverridden(matched)

	decision := e.judge(matched)
	decision.EvaluatedAt = time.Now().UTC()
	decision.EvaluationID = uuid.NewString()

	if e.cache != nil {
		e.cache.Set(ctx, key, decision)
	}
	e.recordGrantUsage(ctx, decision)
	return decision
}

// filterAndRank keeps the candidates that actually apply: right action,
// conditions satisfied, and close enough in the tree for their
// inheritance mode. Survivors come back sorted nearest first, then by
// priority, age, and id for a stable order.
func (e *Evaluator) filterAndRank(candidates []grants.PermissionGrant, crumbs []hierarchy.ResourceNode, req *AccessRequest) ([]MatchedGrant, error) {
	distanceOf := func(g *grants.PermissionGrant) (int, bool) {
		if g.IsGlobal() {
			return len(crumbs) + 1, true
		}
		if *g.ResourceID == req.ResourceID {
			return 0, true
		}
		for i, c := range crumbs {
			if c.ID == *g.ResourceID {
				// crumbs run root to parent, so the parent is the
				// nearest ancestor.
				return len(crumbs) - i, true
			}
		}
		return 0, false
	}

	var matched []MatchedGrant
	for _, g := range candidates {
		if !g.HasAction(req.Action) {
			continue
		}
		dist, ok := distanceOf(&g)
		if !ok {
			continue
		}
		// Grants on an ancestor only reach descendants when they are
		// marked to propagate.
		if dist > 0 && !g.IsGlobal() && g.Inheritance == grants.InheritanceNone {
			continue
		}
		ok, err := evalConditions(g.Conditions, req)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", g.ID, err)
		}
		if !ok {
			continue
		}
		matched = append(matched, MatchedGrant{Grant: g, Distance: dist})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Grant.Priority != b.Grant.Priority {
			return a.Grant.Priority > b.Grant.Priority
		}
		if !a.Grant.CreatedAt.Equal(b.Grant.CreatedAt) {
			return a.Grant.CreatedAt.Before(b.Grant.CreatedAt)
		}
		return a.Grant.ID < b.Grant.ID
	})
	return matched, nil
}

// maskOverridden drops every grant farther away than the nearest
// override grant. An override at distance d shadows whatever the tree
// above it would have said.
func maskOverridden(matched []MatchedGrant) []MatchedGrant {
	cutoff := -1
	for _, m := range matched {
		if m.Grant.Inheritance == grants.InheritanceOverride {
			if cutoff < 0 || m.Distance < cutoff {
				cutoff = m.Distance
			}
		}
	}
	if cutoff < 0 {
		return matched
	}
	kept := matched[:0]
	for _, m := range matched {
		if m.Distance <= cutoff {
			kept = append(kept, m)
		}
	}
	return kept
}

// judge applies deny-override to the surviving grants: a single deny
// beats any number of allows, and no grants at all means denial.
func (e *Evaluator) judge(matched []MatchedGrant) *Decision {
	var allows []MatchedGrant
	for i := range matched {
		if matched[i].Grant.Effect == grants.EffectDeny {
			m := matched[i]
			return &Decision{
				Granted:  false,
				Effect:   grants.EffectDeny,
				Matched:  matched,
				DeniedBy: &m,
				Reason:   fmt.Sprintf("denied by grant %d at distance %d", m.Grant.ID, m.Distance),
			}
		}
		allows = append(allows, matched[i])
	}
	if len(allows) == 0 {
		return &Decision{
			Granted: false,
			Effect:  grants.EffectDeny,
			Reason:  "no applicable grant",
		}
	}
	return &Decision{
		Granted: true,
		Effect:  grants.EffectAllow,
		Matched: allows,
		Reason:  fmt.Sprintf("allowed by grant %d at distance %d", allows[0].Grant.ID, allows[0].Distance),
	}
}

func (e *Evaluator) fillMemberships(ctx context.Context, req *AccessRequest) error {
	if e.identity == nil {
		return nil
	}
	if req.SubjectRoles == nil {
		roles, err := e.identity.RolesOf(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		req.SubjectRoles = roles
	}
	if req.SubjectGroups == nil {
		groups, err := e.identity.GroupsOf(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		req.SubjectGroups = groups
	}
	return nil
}

// fingerprint builds the cache key for a request. Version counters for
// the global namespace, the subject, and the resource's root are part
// of the key, so bumping any of them orphans the old entries.
func (e *Evaluator) fingerprint(ctx context.Context, req *AccessRequest, rootID int64) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%d|%s", req.SubjectID, req.ResourceType, req.ResourceID, req.Action)
	for _, r := range req.SubjectRoles {
		fmt.Fprintf(h, "|r%d", r)
	}
	for _, g := range req.SubjectGroups {
		fmt.Fprintf(h, "|g%d", g)
	}
	if len(req.Environment) > 0 {
		keys := make([]string, 0, len(req.Environment))
		for k := range req.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "|e%s=%v", k, req.Environment[k])
		}
	}
	var gv, sv, rv uint64
	if e.cache != nil {
		gv = e.cache.GlobalVersion(ctx)
		sv = e.cache.SubjectVersion(ctx, req.SubjectID)
		rv = e.cache.ResourceVersion(ctx, rootID)
	}
	// The root id itself is part of the key: when a subtree moves to a
	// different tree, its decisions re-key under the new root and the
	// stale entries become unreachable.
	return fmt.Sprintf("%d:%d:%d:%d:%x", rootID, gv, sv, rv, h.Sum64())
}

func (e *Evaluator) deny(req *AccessRequest, reason string) *Decision {
	return &Decision{
		Granted:      false,
		Effect:       grants.EffectDeny,
		Reason:       reason,
		EvaluatedAt:  time.Now().UTC(),
		EvaluationID: uuid.NewString(),
	}
}

func (e *Evaluator) fail(req *AccessRequest, err error) *Decision {
	if e.logger != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"subject_id":  req.SubjectID,
			"resource_id": req.ResourceID,
			"action":      req.Action,
		}).Error("evaluation failed, denying")
	}
	if e.metrics != nil {
		e.metrics.EvaluationFailures.Inc()
	}
	return e.deny(req, fmt.Sprintf("evaluation failed: %v", err))
}

func (e *Evaluator) observe(d *Decision) {
	if e.metrics == nil {
		return
	}
	outcome := "denied"
	if d.Granted {
		outcome = "granted"
	}
	e.metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
}

// recordDecision writes the audit trail entry for an evaluation. Every
// call is audited, including cache hits; a trail with gaps is worse
// than a slightly slower cache path.
func (e *Evaluator) recordDecision(ctx context.Context, req *AccessRequest, d *Decision) {
	event := audit.NewDecisionEvent(req.SubjectID, req.ResourceType, req.ResourceID, req.Action, d.Granted, d.Reason)
	event.RequestID = observability.GetRequestID(ctx)
	event.Metadata = map[string]interface{}{
		"evaluation_id": d.EvaluationID,
		"cache_hit":     d.CacheHit,
	}
	if d.DeniedBy != nil {
		event.GrantID = &d.DeniedBy.Grant.ID
	} else if len(d.Matched) > 0 {
		event.GrantID = &d.Matched[0].Grant.ID
	}
	if err := e.audit.Record(ctx, event); err != nil {
		if e.logger != nil {
			e.logger.WithError(err).Error("failed to record decision audit event")
		}
		if e.metrics != nil {
			e.metrics.AuditWriteFailures.Inc()
		}
	} else if e.metrics != nil {
		e.metrics.AuditEventsTotal.WithLabelValues(string(audit.EventTypeDecision)).Inc()
	}
}

func (e *Evaluator) recordGrantUsage(ctx context.Context, d *Decision) {
	if len(d.Matched) == 0 && d.DeniedBy == nil {
		return
	}
	seen := make(map[int64]bool, len(d.Matched)+1)
	ids := make([]int64, 0, len(d.Matched)+1)
	for _, m := range d.Matched {
		if !seen[m.Grant.ID] {
			seen[m.Grant.ID] = true
			ids = append(ids, m.Grant.ID)
		}
	}
	if d.DeniedBy != nil && !seen[d.DeniedBy.Grant.ID] {
		ids = append(ids, d.DeniedBy.Grant.ID)
	}
	if err := e.grants.RecordUsage(ctx, ids); err != nil && e.logger != nil {
		e.logger.WithError(err).Warn("failed to record grant usage")
	}
}
