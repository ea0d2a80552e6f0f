package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/rosterhq/roster/model"
)

// PostgresStore persists audit entries in an append-only table. Indexes on
// (resource_id, recorded_at), (user_email, recorded_at) and (correlation_id)
// back the three query shapes the trail must answer.
type PostgresStore struct {
	Conn *sql.DB
}

// NewPostgresStore wraps an open connection and ensures the schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{Conn: db}
	if err := store.createTable(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTable() error {
	_, err := s.Conn.Exec(`
		CREATE SCHEMA IF NOT EXISTS roster;
		CREATE TABLE IF NOT EXISTS roster.audit_entries (
			id SERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			action TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			user_email TEXT,
			member_email TEXT,
			provider TEXT,
			result TEXT NOT NULL,
			error_type TEXT,
			error_message TEXT,
			justification TEXT,
			meta_data JSONB,
			ttl TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_audit_resource ON roster.audit_entries (resource_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_audit_user ON roster.audit_entries (user_email, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_audit_correlation ON roster.audit_entries (correlation_id);
	`)
	return errors.Wrap(err, "failed to create audit schema")
}

func (s *PostgresStore) Append(ctx context.Context, entry *model.AuditEntry) error {
	metaDataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit metadata")
	}

	var ttl interface{}
	if !entry.TTL.IsZero() {
		ttl = entry.TTL
	}

	_, err = s.Conn.ExecContext(ctx, `
		INSERT INTO roster.audit_entries
			(correlation_id, recorded_at, action, resource_type, resource_id,
			 user_email, member_email, provider, result, error_type,
			 error_message, justification, meta_data, ttl)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, entry.CorrelationID, entry.Timestamp, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.UserEmail, entry.MemberEmail, entry.Provider, entry.Result, entry.ErrorType,
		entry.ErrorMessage, entry.Justification, metaDataJSON, ttl)
	return errors.Wrap(err, "failed to append audit entry")
}

const selectColumns = `
	SELECT correlation_id, recorded_at, action, resource_type, resource_id,
	       user_email, member_email, provider, result, error_type,
	       error_message, justification, meta_data, ttl
	FROM roster.audit_entries
`

func (s *PostgresStore) scanEntries(rows *sql.Rows) ([]*model.AuditEntry, error) {
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		entry := &model.AuditEntry{}
		var userEmail, memberEmail, provider, errorType, errorMessage, justification sql.NullString
		var metaDataJSON []byte
		var ttl sql.NullTime
		err := rows.Scan(&entry.CorrelationID, &entry.Timestamp, &entry.Action, &entry.ResourceType,
			&entry.ResourceID, &userEmail, &memberEmail, &provider, &entry.Result,
			&errorType, &errorMessage, &justification, &metaDataJSON, &ttl)
		if err != nil {
			return nil, err
		}
		entry.UserEmail = userEmail.String
		entry.MemberEmail = memberEmail.String
		entry.Provider = provider.String
		entry.ErrorType = errorType.String
		entry.ErrorMessage = errorMessage.String
		entry.Justification = justification.String
		if ttl.Valid {
			entry.TTL = ttl.Time
		}
		if len(metaDataJSON) > 0 {
			if err := json.Unmarshal(metaDataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ByResource(ctx context.Context, resourceID string) ([]*model.AuditEntry, error) {
	rows, err := s.Conn.QueryContext(ctx, selectColumns+`
		WHERE resource_id = $1 ORDER BY recorded_at, correlation_id
	`, resourceID)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(rows)
}

func (s *PostgresStore) ByUser(ctx context.Context, userEmail string) ([]*model.AuditEntry, error) {
	rows, err := s.Conn.QueryContext(ctx, selectColumns+`
		WHERE user_email = $1 ORDER BY recorded_at, correlation_id
	`, userEmail)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(rows)
}

func (s *PostgresStore) ByCorrelation(ctx context.Context, correlationID string) ([]*model.AuditEntry, error) {
	rows, err := s.Conn.QueryContext(ctx, selectColumns+`
		WHERE correlation_id = $1 ORDER BY recorded_at
	`, correlationID)
	if err != nil {
		return nil, err
	}
	return s.scanEntries(rows)
}

// PurgeExpired deletes entries past their retention horizon. Meant to run
// from a maintenance schedule, not the write path.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.Conn.ExecContext(ctx, `
		DELETE FROM roster.audit_entries WHERE ttl IS NOT NULL AND ttl < $1
	`, time.Now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired audit entries")
	}
	return res.RowsAffected()
}
