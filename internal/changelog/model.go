package changelog

import (
	"errors"
	"fmt"
	"strings"
)

// ChangeType enumerates the mutation kinds a client may submit.
type ChangeType string

const (
	// ChangeTypeCreate introduces a new entity.
	ChangeTypeCreate ChangeType = "create"
	// ChangeTypeUpdate mutates an existing entity.
	ChangeTypeUpdate ChangeType = "update"
	// ChangeTypeDelete removes an entity.
	ChangeTypeDelete ChangeType = "delete"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidWorkspaceID indicates that a workspace identifier is empty or exceeds storage bounds.
	ErrInvalidWorkspaceID = errors.New("changelog: invalid workspace id")
	// ErrInvalidChangeType indicates an unknown mutation kind.
	ErrInvalidChangeType = errors.New("changelog: invalid change type")
)

// WorkspaceID represents a validated workspace identifier.
type WorkspaceID string

// NewWorkspaceID validates raw input and returns a WorkspaceID.
func NewWorkspaceID(rawInput string) (WorkspaceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWorkspaceID, maxIdentifierLength)
	}
	return WorkspaceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WorkspaceID) String() string {
	return string(id)
}

// ParseChangeType validates raw input against the known mutation kinds.
func ParseChangeType(value string) (ChangeType, error) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(value))) {
	case ChangeTypeCreate:
		return ChangeTypeCreate, nil
	case ChangeTypeUpdate:
		return ChangeTypeUpdate, nil
	case ChangeTypeDelete:
		return ChangeTypeDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChangeType, value)
	}
}

// ChangeRecord is one opaque, already-encrypted mutation relayed between
// clients. The server never reads EncryptedData or Nonce; Version is assigned
// by the coordinator on acceptance and immutable afterwards.
type ChangeRecord struct {
	WorkspaceID   string     `gorm:"column:workspace_id;primaryKey;size:190;not null" json:"-"`
	Version       int64      `gorm:"column:version;primaryKey;not null" json:"version"`
	ChangeID      string     `gorm:"column:change_id;size:190;not null;index:idx_changes_change_id" json:"id"`
	EntityID      string     `gorm:"column:entity_id;size:190;not null" json:"entityId"`
	ChangeType    ChangeType `gorm:"column:change_type;size:16;not null" json:"changeType"`
	EncryptedData string     `gorm:"column:encrypted_data;type:text;not null" json:"encryptedData"`
	Nonce         string     `gorm:"column:nonce;type:text;not null" json:"nonce"`
	SiteID        string     `gorm:"column:site_id;size:190;not null" json:"siteId"`
	Timestamp     string     `gorm:"column:client_timestamp;size:64;not null" json:"timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "workspace_changes"
}

// VersionCounter tracks the highest assigned version for one workspace. It is
// written in the same transaction as the record batch it covers.
type VersionCounter struct {
	WorkspaceID    string `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	CurrentVersion int64  `gorm:"column:current_version;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (VersionCounter) TableName() string {
	return "workspace_versions"
}
