package hierarchy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/archonhq/archon/pkg/audit"
	"github.com/archonhq/archon/pkg/observability"
	"github.com/archonhq/archon/pkg/storage"
)

// treeLockID is the advisory lock key serializing hierarchy mutations
// on Postgres. Concurrent bound shifts on overlapping ranges would
// corrupt the nested-set encoding without it.
const treeLockID int64 = 7453010

// ChangeListener is notified after a structural mutation commits. The
// evaluation cache hooks in here to drop decisions that depended on the
// old tree shape.
type ChangeListener interface {
	NodeChanged(ctx context.Context, node *ResourceNode)
}

// Store manages the nested-set tree of resource nodes
type Store struct {
	db       *sql.DB
	dialect  storage.Dialect
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
	listener ChangeListener
}

// SetChangeListener registers the post-mutation hook. Must be called
// before the store is shared; there is no locking around it.
func (s *Store) SetChangeListener(l ChangeListener) {
	s.listener = l
}

func (s *Store) notifyChange(ctx context.Context, node *ResourceNode) {
	if s.listener != nil && node != nil {
		s.listener.NodeChanged(ctx, node)
	}
}

// NewStore creates a hierarchy store. The audit logger and metrics may be
// nil; mutations then skip audit emission and instrumentation.
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

const nodeColumns = "id, name, parent_id, path, level, position, lft, rgt, status, created_at, updated_at, deleted_at"

// inTreeTx runs fn inside a transaction serialized against all other
// hierarchy mutations. On Postgres this uses serializable isolation plus
// a transaction-scoped advisory lock; SQLite serializes writers natively.
func (s *Store) inTreeTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opts := &sql.TxOptions{}
	if s.dialect == storage.DialectPostgres {
		opts.Isolation = sql.LevelSerializable
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin hierarchy transaction: %w", err)
	}

	if s.dialect == storage.DialectPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", treeLockID); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to acquire tree lock: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hierarchy transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(scanner rowScanner) (*ResourceNode, error) {
	var node ResourceNode
	var parentID sql.NullInt64
	var deletedAt sql.NullTime

	err := scanner.Scan(
		&node.ID, &node.Name, &parentID, &node.Path,
		&node.Level, &node.Position, &node.LeftBound, &node.RightBound,
		&node.Status, &node.CreatedAt, &node.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		id := parentID.Int64
		node.ParentID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		node.DeletedAt = &t
	}
	return &node, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// getNode loads a node by id. Deleted nodes are returned with their
// status visible; callers reject them where the operation requires it.
func (s *Store) getNode(ctx context.Context, q querier, id int64, forUpdate bool) (*ResourceNode, error) {
	query := "SELECT " + nodeColumns + " FROM resource_nodes WHERE id = $1"
	if forUpdate {
		query += s.dialect.LockClause()
	}

	node, err := scanNode(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node %d: %w", id, err)
	}
	return node, nil
}

// Get returns a node by id, including soft-deleted nodes
func (s *Store) Get(ctx context.Context, id int64) (*ResourceNode, error) {
	return s.getNode(ctx, s.db, id, false)
}

// validateName rejects empty names and names containing path separators
func validateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if strings.Contains(name, "/") {
		return &ValidationError{Field: "name", Message: "must not contain '/'"}
	}
	if len(name) > 255 {
		return &ValidationError{Field: "name", Message: "must not exceed 255 characters"}
	}
	return nil
}

// siblingExists checks for a live node with the same name under the parent
func (s *Store) siblingExists(ctx context.Context, q querier, parentID *int64, name string, excludeID int64) (bool, error) {
	var query string
	var args []interface{}
	if parentID != nil {
		query = "SELECT EXISTS(SELECT 1 FROM resource_nodes WHERE parent_id = $1 AND name = $2 AND id != $3 AND status != 'deleted')"
		args = []interface{}{*parentID, name, excludeID}
	} else {
		query = "SELECT EXISTS(SELECT 1 FROM resource_nodes WHERE parent_id IS NULL AND name = $1 AND id != $2 AND status != 'deleted')"
		args = []interface{}{name, excludeID}
	}

	var exists bool
	if err := q.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check sibling names: %w", err)
	}
	return exists, nil
}

// siblingPosition returns the next free sibling position under a parent
func (s *Store) siblingPosition(ctx context.Context, q querier, parentID *int64, excludeID int64) (int, error) {
	var query string
	var args []interface{}
	if parentID != nil {
		query = "SELECT COUNT(*) FROM resource_nodes WHERE parent_id = $1 AND id != $2"
		args = []interface{}{*parentID, excludeID}
	} else {
		query = "SELECT COUNT(*) FROM resource_nodes WHERE parent_id IS NULL AND id != $1"
		args = []interface{}{excludeID}
	}

	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count siblings: %w", err)
	}
	return count, nil
}

func (s *Store) observeMutation(operation, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.HierarchyMutationsTotal.WithLabelValues(operation, outcome).Inc()
}

func (s *Store) recordAudit(ctx context.Context, event *audit.Event) {
	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}
	if event.SubjectID == nil {
		if sid, ok := observability.GetSubjectID(ctx); ok {
			event.SubjectID = &sid
		}
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
