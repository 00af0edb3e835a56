package domain

import (
	"database/sql"
	"time"
)

const (
	RuleCanViewEntity = "can_view_entity"
	RuleCanEditEntity = "can_edit_entity"
	RuleCanViewField  = "can_view_field"
	RuleCanEditField  = "can_edit_field"
)

// WorkflowVisibilityRule controls entity or field visibility for one
// state. Target is a field name or "*" for the whole entity.
type WorkflowVisibilityRule struct {
	ID        int64
	StateID   int64
	RuleType  string
	Target    string
	Condition sql.NullString
	Priority  int
	Created   time.Time
	Modified  time.Time
}
