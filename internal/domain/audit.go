package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditLog represents an audit log entry.
type AuditLog struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	EntityType string          `json:"entity_type" db:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id" db:"entity_id"`
	Action     string          `json:"action" db:"action"`
	ActorID    *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	Details    json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// EntityType defines valid entity types for audit logs.
type EntityType string

const (
	EntityUser      EntityType = "user"
	EntityLoan      EntityType = "loan"
	EntityLoanType  EntityType = "loan_type"
	EntityGuarantor EntityType = "guarantor"
	EntityGrant     EntityType = "grant"
	EntityGrantType EntityType = "grant_type"
	EntityDeduction EntityType = "deduction"
	EntityMpesa     EntityType = "mpesa_transaction"
	EntityDependant EntityType = "dependant"
)

// AuditAction defines common audit actions.
type AuditAction string

const (
	ActionCreated   AuditAction = "created"
	ActionUpdated   AuditAction = "updated"
	ActionDeleted   AuditAction = "deleted"
	ActionApproved  AuditAction = "approved"
	ActionRejected  AuditAction = "rejected"
	ActionCanceled  AuditAction = "canceled"
	ActionAccepted  AuditAction = "accepted"
	ActionDeclined  AuditAction = "declined"
	ActionDisbursed AuditAction = "disbursed"
	ActionCompleted AuditAction = "completed"
	ActionFailed    AuditAction = "failed"
	ActionDefaulted AuditAction = "defaulted"
	ActionLogin     AuditAction = "login"
	ActionLogout    AuditAction = "logout"
)

// AuditLogFilter represents filters for audit log queries.
type AuditLogFilter struct {
	EntityType *string    `json:"entity_type,omitempty"`
	EntityID   *uuid.UUID `json:"entity_id,omitempty"`
	Action     *string    `json:"action,omitempty"`
	ActorID    *uuid.UUID `json:"actor_id,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	Offset     int        `json:"offset,omitempty"`
}
