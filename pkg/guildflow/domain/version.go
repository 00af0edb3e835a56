package domain

import (
	"database/sql"
	"time"
)

const (
	VersionStatusDraft     = "draft"
	VersionStatusPublished = "published"
	VersionStatusArchived  = "archived"
)

const (
	MigrationTypeAutomatic = "automatic"
	MigrationTypeManual    = "manual"
	MigrationTypeAdmin     = "admin"
)

// WorkflowVersion is a snapshot of a definition's node graph. Immutable
// once published.
type WorkflowVersion struct {
	ID            int64
	DefinitionID  int64
	VersionNumber int
	Definition    string
	CanvasLayout  sql.NullString
	Status        string
	ChangeNotes   sql.NullString
	PublishedAt   sql.NullTime
	PublishedBy   sql.NullInt64
	Created       time.Time
	Modified      time.Time
}

func (v *WorkflowVersion) IsDraft() bool     { return v.Status == VersionStatusDraft }
func (v *WorkflowVersion) IsPublished() bool { return v.Status == VersionStatusPublished }

// WorkflowInstanceMigration records moving a running instance between
// versions, with the node mapping that was applied.
type WorkflowInstanceMigration struct {
	ID            int64
	InstanceID    int64
	FromVersionID int64
	ToVersionID   int64
	NodeMapping   sql.NullString
	MigrationType string
	MigratedBy    sql.NullInt64
	Created       time.Time
}
