package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// auditRepo implements the AuditRepo interface.
type auditRepo struct {
	db Querier
}

// NewAuditRepo creates a new audit repository.
func NewAuditRepo(db Querier) AuditRepo {
	return &auditRepo{db: db}
}

// Log creates a new audit log entry. A nil actor means the system acted.
func (r *auditRepo) Log(ctx context.Context, entityType string, entityID uuid.UUID, action string, actorID *uuid.UUID, details interface{}) error {
	query := `
		INSERT INTO audit_logs (id, entity_type, entity_id, action, actor_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}

	_, err := r.db.Exec(ctx, query, uuid.New(), entityType, entityID, action, actorID, detailsJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

func auditFilter(f *domain.AuditLogFilter) *filter {
	b := &filter{}
	if f == nil {
		return b
	}
	if f.EntityType != nil {
		b.add("entity_type = $%d", *f.EntityType)
	}
	if f.EntityID != nil {
		b.add("entity_id = $%d", *f.EntityID)
	}
	if f.Action != nil {
		b.add("action = $%d", *f.Action)
	}
	if f.ActorID != nil {
		b.add("actor_id = $%d", *f.ActorID)
	}
	if f.Since != nil {
		b.add("created_at >= $%d", *f.Since)
	}
	return b
}

// List retrieves audit logs with filtering.
func (r *auditRepo) List(ctx context.Context, f *domain.AuditLogFilter) ([]*domain.AuditLog, error) {
	b := auditFilter(f)
	limit, offset := 0, 0
	if f != nil {
		limit, offset = f.Limit, f.Offset
	}
	query := `
		SELECT id, entity_type, entity_id, action, actor_id, details, created_at
		FROM audit_logs` + b.where() + ` ORDER BY created_at DESC` + b.page(limit, offset)

	rows, err := r.db.Query(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute audit query: %w", err)
	}
	defer rows.Close()

	var auditLogs []*domain.AuditLog
	for rows.Next() {
		var a domain.AuditLog
		var details []byte
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Action, &a.ActorID, &details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		a.Details = details
		auditLogs = append(auditLogs, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return auditLogs, nil
}

// Count returns the total number of audit logs matching the filter.
func (r *auditRepo) Count(ctx context.Context, f *domain.AuditLogFilter) (int, error) {
	b := auditFilter(f)
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+b.where(), b.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}
