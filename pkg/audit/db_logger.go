package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/archonhq/archon/pkg/storage"
)

// DBLogger implements audit logging to a SQL database
type DBLogger struct {
	db      *sql.DB
	dialect storage.Dialect
}

// NewDBLogger creates a new database-backed audit sink
func NewDBLogger(db *sql.DB, dialect storage.Dialect) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db, dialect: dialect}

	if err := logger.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_events table: %w", err)
	}

	return logger, nil
}

// ensureTable creates the audit_events table if it doesn't exist
func (l *DBLogger) ensureTable() error {
	var query string
	if l.dialect == storage.DialectPostgres {
		query = `
		CREATE TABLE IF NOT EXISTS audit_events (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL,
			subject_id BIGINT,
			subject_type VARCHAR(20),
			resource_type VARCHAR(50),
			resource_id BIGINT,
			resource_name VARCHAR(255),
			action VARCHAR(50),
			grant_id BIGINT,
			request_id VARCHAR(100),
			ip_address VARCHAR(45),
			message TEXT,
			error_message TEXT,
			metadata TEXT,
			changes TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_audit_events_subject_id ON audit_events(subject_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_resource ON audit_events(resource_type, resource_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_status ON audit_events(status);
		`
	} else {
		query = `
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			event_type VARCHAR(100) NOT NULL,
			status VARCHAR(20) NOT NULL,
			subject_id BIGINT,
			subject_type VARCHAR(20),
			resource_type VARCHAR(50),
			resource_id BIGINT,
			resource_name VARCHAR(255),
			action VARCHAR(50),
			grant_id BIGINT,
			request_id VARCHAR(100),
			ip_address VARCHAR(45),
			message TEXT,
			error_message TEXT,
			metadata TEXT,
			changes TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		`
	}

	_, err := l.db.Exec(query)
	return err
}

// Record persists an audit event
func (l *DBLogger) Record(ctx context.Context, event *Event) error {
	var metadataJSON, changesJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if event.Changes != nil {
		changesJSON, err = json.Marshal(event.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal changes: %w", err)
		}
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (
			timestamp, event_type, status,
			subject_id, subject_type,
			resource_type, resource_id, resource_name,
			action, grant_id,
			request_id, ip_address,
			message, error_message, metadata, changes
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8,
			$9, $10,
			$11, $12,
			$13, $14, $15, $16
		)
	`

	res, err := l.db.ExecContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.SubjectID, event.SubjectType,
		event.ResourceType, event.ResourceID, event.ResourceName,
		event.Action, event.GrantID,
		event.RequestID, event.IPAddress,
		event.Message, event.ErrorMessage, nullableString(metadataJSON), nullableString(changesJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	return nil
}

// Close is a no-op; the caller owns the database handle
func (l *DBLogger) Close() error {
	return nil
}

// Search returns audit events matching the filter, newest first by default
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]Event, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StartTime != nil {
		conds = append(conds, "timestamp >= "+arg(*filter.StartTime))
	}
	if filter.EndTime != nil {
		conds = append(conds, "timestamp <= "+arg(*filter.EndTime))
	}
	if filter.SubjectID != nil {
		conds = append(conds, "subject_id = "+arg(*filter.SubjectID))
	}
	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			placeholders[i] = arg(string(et))
		}
		conds = append(conds, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Status != nil {
		conds = append(conds, "status = "+arg(string(*filter.Status)))
	}
	if filter.ResourceType != "" {
		conds = append(conds, "resource_type = "+arg(filter.ResourceType))
	}
	if filter.ResourceID != nil {
		conds = append(conds, "resource_id = "+arg(*filter.ResourceID))
	}
	if filter.Action != "" {
		conds = append(conds, "action = "+arg(filter.Action))
	}

	query := `
		SELECT id, timestamp, event_type, status,
		       subject_id, subject_type,
		       resource_type, resource_id, resource_name,
		       action, grant_id,
		       request_id, ip_address,
		       message, error_message, metadata, changes
		FROM audit_events
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	order := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		order = "ASC"
	}
	query += " ORDER BY timestamp " + order + ", id " + order

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT " + arg(limit)
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}

	return events, rows.Err()
}

// GetStats aggregates audit event counts
func (l *DBLogger) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		EventsByType:   make(map[EventType]int64),
		EventsByStatus: make(map[EventStatus]int64),
	}

	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events").Scan(&stats.TotalEvents); err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, "SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by type: %w", err)
	}
	for rows.Next() {
		var et string
		var count int64
		if err := rows.Scan(&et, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EventsByType[EventType(et)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = l.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM audit_events GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by status: %w", err)
	}
	for rows.Next() {
		var st string
		var count int64
		if err := rows.Scan(&st, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EventsByStatus[EventStatus(st)] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.AccessDenials = stats.EventsByStatus[EventStatusDenied]

	return stats, nil
}

// Purge deletes audit events older than the cutoff and returns the number removed
func (l *DBLogger) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// scanEvent scans an audit event from a database row
func scanEvent(scanner interface {
	Scan(dest ...interface{}) error
}) (*Event, error) {
	var event Event
	var subjectID, resourceID, grantID sql.NullInt64
	var subjectType, resourceType, resourceName, action, requestID, ipAddress sql.NullString
	var message, errorMessage, metadataJSON, changesJSON sql.NullString

	err := scanner.Scan(
		&event.ID, &event.Timestamp, &event.EventType, &event.Status,
		&subjectID, &subjectType,
		&resourceType, &resourceID, &resourceName,
		&action, &grantID,
		&requestID, &ipAddress,
		&message, &errorMessage, &metadataJSON, &changesJSON,
	)
	if err != nil {
		return nil, err
	}

	if subjectID.Valid {
		id := subjectID.Int64
		event.SubjectID = &id
	}
	if resourceID.Valid {
		id := resourceID.Int64
		event.ResourceID = &id
	}
	if grantID.Valid {
		id := grantID.Int64
		event.GrantID = &id
	}
	event.SubjectType = subjectType.String
	event.ResourceType = resourceType.String
	event.ResourceName = resourceName.String
	event.Action = action.String
	event.RequestID = requestID.String
	event.IPAddress = ipAddress.String
	event.Message = message.String
	event.ErrorMessage = errorMessage.String

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			event.Metadata = nil
		}
	}
	if changesJSON.Valid && changesJSON.String != "" {
		var changes ChangeDetails
		if err := json.Unmarshal([]byte(changesJSON.String), &changes); err == nil {
			event.Changes = &changes
		}
	}

	return &event, nil
}

// nullableString converts empty JSON payloads to NULL
func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
