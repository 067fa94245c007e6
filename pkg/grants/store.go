package grants

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/archonhq/archon/pkg/audit"
	"github.com/archonhq/archon/pkg/observability"
	"github.com/archonhq/archon/pkg/storage"
)

// ErrNotFound is returned when a referenced grant does not exist or is deleted
var ErrNotFound = errors.New("permission grant not found")

// ChangeListener is notified after a grant mutation commits. The
// evaluation cache hooks in here to bump its version counters.
type ChangeListener interface {
	GrantChanged(ctx context.Context, grant *PermissionGrant)
}

// Store manages permission grant records
type Store struct {
	db       *sql.DB
	dialect  storage.Dialect
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	listener ChangeListener
}

// NewStore creates a grant store. The audit logger and metrics may be nil.
func NewStore(db *sql.DB, dialect storage.Dialect, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Store {
	if auditLogger == nil {
		auditLogger = audit.NoopLogger{}
	}
	return &Store{
		db:      db,
		dialect: dialect,
		audit:   auditLogger,
		logger:  logger,
		metrics: metrics,
	}
}

// SetChangeListener registers the post-mutation hook. Must be called
// before the store is shared; there is no locking around it.
func (s *Store) SetChangeListener(l ChangeListener) {
	s.listener = l
}

func (s *Store) notifyChange(ctx context.Context, grant *PermissionGrant) {
	if s.listener != nil {
		s.listener.GrantChanged(ctx, grant)
	}
}

func (s *Store) observeMutation(operation string) {
	if s.metrics != nil {
		s.metrics.GrantMutationsTotal.WithLabelValues(operation).Inc()
	}
}

func (s *Store) recordAudit(ctx context.Context, event *audit.Event) {
	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}
	if err := s.audit.Record(ctx, event); err != nil {
		if s.logger != nil {
			s.logger.WithError(err).WithField("event_type", string(event.EventType)).Error("Failed to record audit event")
		}
		if s.metrics != nil {
			s.metrics.AuditWriteFailures.Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.AuditEventsTotal.WithLabelValues(string(event.EventType)).Inc()
	}
}

const grantColumns = `id, subject_type, subject_id, resource_type, resource_id,
	actions, effect, scope, inheritance, conditions,
	valid_from, valid_until, priority, is_active, is_system,
	usage_count, last_used_at, granted_by, created_at, updated_at, deleted_at`

func scanGrant(scanner interface {
	Scan(dest ...interface{}) error
}) (*PermissionGrant, error) {
	var grant PermissionGrant
	var resourceID, grantedBy sql.NullInt64
	var actionsJSON string
	var conditionsJSON sql.NullString
	var validFrom, validUntil, lastUsedAt, deletedAt sql.NullTime

	err := scanner.Scan(
		&grant.ID, &grant.SubjectType, &grant.SubjectID, &grant.ResourceType, &resourceID,
		&actionsJSON, &grant.Effect, &grant.Scope, &grant.Inheritance, &conditionsJSON,
		&validFrom, &validUntil, &grant.Priority, &grant.IsActive, &grant.IsSystem,
		&grant.UsageCount, &lastUsedAt, &grantedBy, &grant.CreatedAt, &grant.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if resourceID.Valid {
		id := resourceID.Int64
		grant.ResourceID = &id
	}
	if grantedBy.Valid {
		id := grantedBy.Int64
		grant.GrantedBy = &id
	}
	if validFrom.Valid {
		t := validFrom.Time
		grant.ValidFrom = &t
	}
	if validUntil.Valid {
		t := validUntil.Time
		grant.ValidUntil = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		grant.LastUsedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		grant.DeletedAt = &t
	}

	if err := json.Unmarshal([]byte(actionsJSON), &grant.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions of grant %d: %w", grant.ID, err)
	}
	if conditionsJSON.Valid && conditionsJSON.String != "" {
		if err := json.Unmarshal([]byte(conditionsJSON.String), &grant.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions of grant %d: %w", grant.ID, err)
		}
	}
	return &grant, nil
}

// Create validates and persists a new grant
func (s *Store) Create(ctx context.Context, grant *PermissionGrant) error {
	if err := Validate(grant); err != nil {
		return err
	}

	actionsJSON, err := marshalJSONColumn(grant.Actions)
	if err != nil {
		return err
	}
	var conditionsJSON interface{}
	if len(grant.Conditions) > 0 {
		encoded, err := marshalJSONColumn(grant.Conditions)
		if err != nil {
			return err
		}
		conditionsJSON = encoded
	}

	now := time.Now().UTC()
	grant.CreatedAt = now
	grant.UpdatedAt = now
	if !grant.IsActive {
		grant.IsActive = true
	}

	query := `
		INSERT INTO permission_grants (
			subject_type, subject_id, resource_type, resource_id,
			actions, effect, scope, inheritance, conditions,
			valid_from, valid_until, priority, is_active, is_system,
			granted_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	args := []interface{}{
		grant.SubjectType, grant.SubjectID, grant.ResourceType, grant.ResourceID,
		actionsJSON, grant.Effect, grant.Scope, grant.Inheritance, conditionsJSON,
		grant.ValidFrom, grant.ValidUntil, grant.Priority, grant.IsActive, grant.IsSystem,
		grant.GrantedBy, now, now,
	}

	if s.dialect == storage.DialectPostgres {
		if err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&grant.ID); err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
	} else {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert grant: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted grant id: %w", err)
		}
		grant.ID = id
	}

	s.observeMutation("create")
	event := audit.NewMutationEvent(audit.EventTypeGrantCreate, grant.ResourceType, 0, "",
		fmt.Sprintf("granted %s:%v to %s %d", grant.Effect, grant.Actions, grant.SubjectType, grant.SubjectID))
	event.GrantID = &grant.ID
	event.ResourceID = grant.ResourceID
	s.recordAudit(ctx, event)
	s.notifyChange(ctx, grant)
	return nil
}

// Get returns a grant by id; soft-deleted grants are not found
func (s *Store) Get(ctx context.Context, id int64) (*PermissionGrant, error) {
	grant, err := scanGrant(s.db.QueryRowContext(ctx,
		"SELECT "+grantColumns+" FROM permission_grants WHERE id = $1 AND deleted_at IS NULL", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("grant %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grant %d: %w", id, err)
	}
	return grant, nil
}

// Update applies the non-nil fields of req. A request that changes
// nothing returns the current record without writing.
func (s *Store) Update(ctx context.Context, id int64, req *UpdateRequest) (*PermissionGrant, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *current
	if req.Actions != nil {
		updated.Actions = *req.Actions
	}
	if req.Effect != nil {
		updated.Effect = *req.Effect
	}
	if req.Scope != nil {
		updated.Scope = *req.Scope
	}
	if req.Inheritance != nil {
		updated.Inheritance = *req.Inheritance
	}
	if req.Conditions != nil {
		updated.Conditions = *req.Conditions
	}
	if req.ValidFrom != nil {
		updated.ValidFrom = req.ValidFrom
	}
	if req.ValidUntil != nil {
		updated.ValidUntil = req.ValidUntil
	}
	if req.Priority != nil {
		updated.Priority = *req.Priority
	}
	if req.IsActive != nil {
		updated.IsActive = *req.IsActive
	}

	if grantsEqual(current, &updated) {
		return current, nil
	}

	if err := Validate(&updated); err != nil {
		return nil, err
	}

	actionsJSON, err := marshalJSONColumn(updated.Actions)
	if err != nil {
		return nil, err
	}
	var conditionsJSON interface{}
	if len(updated.Conditions) > 0 {
		encoded, err := marshalJSONColumn(updated.Conditions)
		if err != nil {
			return nil, err
		}
		conditionsJSON = encoded
	}

	now := time.Now().UTC()
	updated.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_grants
		SET actions = $1, effect = $2, scope = $3, inheritance = $4, conditions = $5,
		    valid_from = $6, valid_until = $7, priority = $8, is_active = $9, updated_at = $10
		WHERE id = $11 AND deleted_at IS NULL
	`, actionsJSON, updated.Effect, updated.Scope, updated.Inheritance, conditionsJSON,
		updated.ValidFrom, updated.ValidUntil, updated.Priority, updated.IsActive, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update grant %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, fmt.Errorf("grant %d: %w", id, ErrNotFound)
	}

	s.observeMutation("update")
	event := audit.NewMutationEvent(audit.EventTypeGrantUpdate, updated.ResourceType, 0, "",
		fmt.Sprintf("updated grant %d", id))
	event.GrantID = &id
	event.ResourceID = updated.ResourceID
	event.Changes = grantChanges(current, &updated)
	s.recordAudit(ctx, event)
	s.notifyChange(ctx, &updated)
	return &updated, nil
}

// grantsEqual compares the mutable fields of two grants
func grantsEqual(a, b *PermissionGrant) bool {
	return reflect.DeepEqual(a.Actions, b.Actions) &&
		a.Effect == b.Effect &&
		a.Scope == b.Scope &&
		a.Inheritance == b.Inheritance &&
		reflect.DeepEqual(a.Conditions, b.Conditions) &&
		timePtrEqual(a.ValidFrom, b.ValidFrom) &&
		timePtrEqual(a.ValidUntil, b.ValidUntil) &&
		a.Priority == b.Priority &&
		a.IsActive == b.IsActive
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func grantChanges(before, after *PermissionGrant) *audit.ChangeDetails {
	changes := &audit.ChangeDetails{
		Before: map[string]interface{}{},
		After:  map[string]interface{}{},
	}
	record := func(field string, b, a interface{}) {
		if !reflect.DeepEqual(b, a) {
			changes.Before[field] = b
			changes.After[field] = a
		}
	}
	record("actions", before.Actions, after.Actions)
	record("effect", string(before.Effect), string(after.Effect))
	record("scope", string(before.Scope), string(after.Scope))
	record("inheritance", string(before.Inheritance), string(after.Inheritance))
	record("priority", before.Priority, after.Priority)
	record("is_active", before.IsActive, after.IsActive)
	return changes
}

// SoftDelete marks a grant deleted and deactivates it. This is the only
// delete visible to evaluation.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	grant, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if grant.IsSystem {
		return &ValidationError{Field: "is_system", Message: "system grants cannot be deleted"}
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE permission_grants
		SET deleted_at = $1, is_active = $2, updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL
	`, now, false, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete grant %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("grant %d: %w", id, ErrNotFound)
	}

	s.observeMutation("delete")
	event := audit.NewMutationEvent(audit.EventTypeGrantDelete, grant.ResourceType, 0, "",
		fmt.Sprintf("revoked grant %d from %s %d", id, grant.SubjectType, grant.SubjectID))
	event.GrantID = &id
	event.ResourceID = grant.ResourceID
	s.recordAudit(ctx, event)
	s.notifyChange(ctx, grant)
	return nil
}

// HardDelete purges a soft-deleted grant row. Rows still live return
// ErrNotFound; callers must soft-delete first.
func (s *Store) HardDelete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM permission_grants WHERE id = $1 AND deleted_at IS NOT NULL", id)
	if err != nil {
		return fmt.Errorf("failed to purge grant %d: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("grant %d (not soft-deleted): %w", id, ErrNotFound)
	}

	s.observeMutation("purge")
	event := audit.NewMutationEvent(audit.EventTypeGrantPurge, "grant", id, "",
		fmt.Sprintf("purged grant %d", id))
	event.GrantID = &id
	s.recordAudit(ctx, event)
	return nil
}

var sortColumns = map[string]string{
	"id":         "id",
	"priority":   "priority",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// Search returns grants matching the filter.
func (s *Store) Search(ctx context.Context, filter SearchFilter) ([]PermissionGrant, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if filter.SubjectType != "" {
		conds = append(conds, "subject_type = "+arg(string(filter.SubjectType)))
	}
	if filter.SubjectID != nil {
		conds = append(conds, "subject_id = "+arg(*filter.SubjectID))
	}
	if filter.ResourceType != "" {
		conds = append(conds, "resource_type = "+arg(filter.ResourceType))
	}
	if filter.ResourceID != nil {
		conds = append(conds, "resource_id = "+arg(*filter.ResourceID))
	}
	if filter.Effect != "" {
		conds = append(conds, "effect = "+arg(string(filter.Effect)))
	}
	if filter.Scope != "" {
		conds = append(conds, "scope = "+arg(string(filter.Scope)))
	}
	if filter.IsActive != nil {
		conds = append(conds, "is_active = "+arg(*filter.IsActive))
	}
	if filter.ValidAt != nil {
		conds = append(conds, "(valid_from IS NULL OR valid_from <= "+arg(*filter.ValidAt)+")")
		conds = append(conds, "(valid_until IS NULL OR valid_until > "+arg(*filter.ValidAt)+")")
	}
	if filter.Action != "" {
		// Actions live in a JSON array column; matching the quoted
		// element keeps the filter in SQL so LIMIT/OFFSET see the
		// filtered row set. A wildcard grant matches every action.
		conds = append(conds, "(actions LIKE "+arg(`%"`+filter.Action+`"%`)+
			" OR actions LIKE "+arg(`%"*"%`)+")")
	}

	query := "SELECT " + grantColumns + " FROM permission_grants"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	sortBy, ok := sortColumns[filter.SortBy]
	if !ok {
		sortBy = "id"
	}
	order := "ASC"
	if strings.EqualFold(filter.SortOrder, "desc") {
		order = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, order)

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search grants: %w", err)
	}
	defer rows.Close()

	var results []PermissionGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *grant)
	}
	return results, rows.Err()
}

// CandidatesFor returns the active, time-valid grants that could apply to
// the subject on the target resource or any of its ancestors. resourceIDs
// must contain the target id plus its breadcrumb ids; global grants
// (resource_id NULL) are always included. Action and condition filtering
// happen in the evaluator.
func (s *Store) CandidatesFor(ctx context.Context, subject SubjectRef, resourceType string, resourceIDs []int64, at time.Time) ([]PermissionGrant, error) {
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	// Placeholders must be generated in the order they appear in the
	// query text: sqlite numbers $N parameters by first occurrence, so
	// out-of-order generation would bind values into the wrong slots.
	activeArg := arg(true)
	typeArg := arg(resourceType)

	subjectClauses := []string{
		"(subject_type = 'user' AND subject_id = " + arg(subject.UserID) + ")",
	}
	if len(subject.RoleIDs) > 0 {
		placeholders := make([]string, len(subject.RoleIDs))
		for i, id := range subject.RoleIDs {
			placeholders[i] = arg(id)
		}
		subjectClauses = append(subjectClauses,
			"(subject_type = 'role' AND subject_id IN ("+strings.Join(placeholders, ", ")+"))")
	}
	if len(subject.GroupIDs) > 0 {
		placeholders := make([]string, len(subject.GroupIDs))
		for i, id := range subject.GroupIDs {
			placeholders[i] = arg(id)
		}
		subjectClauses = append(subjectClauses,
			"(subject_type = 'group' AND subject_id IN ("+strings.Join(placeholders, ", ")+"))")
	}

	resourceClause := "resource_id IS NULL"
	if len(resourceIDs) > 0 {
		placeholders := make([]string, len(resourceIDs))
		for i, id := range resourceIDs {
			placeholders[i] = arg(id)
		}
		resourceClause += " OR resource_id IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query := "SELECT " + grantColumns + ` FROM permission_grants
		WHERE deleted_at IS NULL
		  AND is_active = ` + activeArg + `
		  AND resource_type = ` + typeArg + `
		  AND (` + strings.Join(subjectClauses, " OR ") + `)
		  AND (` + resourceClause + `)
		  AND (valid_from IS NULL OR valid_from <= ` + arg(at) + `)
		  AND (valid_until IS NULL OR valid_until > ` + arg(at) + `)
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect candidate grants: %w", err)
	}
	defer rows.Close()

	var candidates []PermissionGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *grant)
	}
	return candidates, rows.Err()
}

// RecordUsage bumps the usage counter and last-used timestamp for the
// grants that contributed to a decision. Best effort; errors are logged
// by the caller.
func (s *Store) RecordUsage(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	var args []interface{}
	args = append(args, time.Now().UTC())
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE permission_grants SET usage_count = usage_count + 1, last_used_at = $1 WHERE id IN ("+strings.Join(placeholders, ", ")+")",
		args...)
	if err != nil {
		return fmt.Errorf("failed to record grant usage: %w", err)
	}
	return nil
}

// Stats aggregates grant counts
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByEffect:      make(map[Effect]int64),
		BySubjectType: make(map[SubjectType]int64),
		ByScope:       make(map[Scope]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN deleted_at IS NULL AND is_active THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN deleted_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM permission_grants
	`).Scan(&stats.TotalGrants, &stats.ActiveGrants, &stats.DeletedGrants)
	if err != nil {
		return nil, fmt.Errorf("failed to count grants: %w", err)
	}

	groupBys := []struct {
		column string
		add    func(key string, count int64)
	}{
		{"effect", func(k string, c int64) { stats.ByEffect[Effect(k)] = c }},
		{"subject_type", func(k string, c int64) { stats.BySubjectType[SubjectType(k)] = c }},
		{"scope", func(k string, c int64) { stats.ByScope[Scope(k)] = c }},
	}
	for _, g := range groupBys {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+g.column+", COUNT(*) FROM permission_grants WHERE deleted_at IS NULL GROUP BY "+g.column)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate grants by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, err
			}
			g.add(key, count)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.GrantsActiveTotal.Set(float64(stats.ActiveGrants))
	}
	return stats, nil
}
