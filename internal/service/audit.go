package service

import (
	"context"
	"fmt"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/repository"
)

type auditService struct {
	repo repository.AuditRepo
}

// NewAuditService creates the audit trail reader.
func NewAuditService(repo repository.AuditRepo) AuditService {
	return &auditService{repo: repo}
}

func (s *auditService) List(ctx context.Context, filter *domain.AuditLogFilter) ([]*domain.AuditLog, int, error) {
	logs, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return logs, total, nil
}
