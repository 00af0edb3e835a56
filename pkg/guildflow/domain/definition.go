package domain

import (
	"database/sql"
	"time"
)

const (
	StateTypeInitial      = "initial"
	StateTypeIntermediate = "intermediate"
	StateTypeApproval     = "approval"
	StateTypeTerminal     = "terminal"
)

const (
	TriggerTypeManual    = "manual"
	TriggerTypeAutomatic = "automatic"
	TriggerTypeScheduled = "scheduled"
	TriggerTypeEvent     = "event"
)

// WorkflowDefinition is a named blueprint bound to one governed entity type.
// Classic definitions carry their states and transitions as rows; graph
// definitions point at a published WorkflowVersion via CurrentVersionID.
type WorkflowDefinition struct {
	ID               int64
	Name             string
	Slug             string
	Description      sql.NullString
	EntityType       string
	Version          int
	IsActive         bool
	IsDefault        bool
	CurrentVersionID sql.NullInt64
	Created          time.Time
	Modified         time.Time
}

type WorkflowState struct {
	ID             int64
	DefinitionID   int64
	Name           string
	Slug           string
	Label          sql.NullString
	StateType      string
	Metadata       sql.NullString
	OnEnterActions sql.NullString
	OnExitActions  sql.NullString
	PositionX      int
	PositionY      int
	Created        time.Time
	Modified       time.Time
}

func (s *WorkflowState) IsTerminal() bool { return s.StateType == StateTypeTerminal }
func (s *WorkflowState) IsApproval() bool { return s.StateType == StateTypeApproval }

type WorkflowTransition struct {
	ID            int64
	DefinitionID  int64
	FromStateID   int64
	ToStateID     int64
	Name          string
	Slug          string
	Label         sql.NullString
	Priority      int
	Conditions    sql.NullString
	Actions       sql.NullString
	IsAutomatic   bool
	TriggerType   string
	TriggerConfig sql.NullString
	Created       time.Time
	Modified      time.Time
}
