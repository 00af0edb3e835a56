package domain

import (
	"database/sql"
	"time"
)

// WorkflowInstance is one execution of a definition bound to a governed
// entity. CurrentStateID drives the classic state machine; VersionID and
// ActiveNodes are populated for instances running a versioned node graph
// and are what instance migration remaps.
type WorkflowInstance struct {
	ID              int64
	DefinitionID    int64
	VersionID       sql.NullInt64
	EntityType      string
	EntityID        int64
	CurrentStateID  int64
	PreviousStateID sql.NullInt64
	Context         sql.NullString
	ActiveNodes     sql.NullString
	StateEnteredAt  time.Time
	StartedAt       time.Time
	CompletedAt     sql.NullTime
	Created         time.Time
	Modified        time.Time
}

func (i *WorkflowInstance) IsCompleted() bool { return i.CompletedAt.Valid }

// WorkflowTransitionLog is the append-only audit row written alongside
// every instance mutation.
type WorkflowTransitionLog struct {
	ID              int64
	InstanceID      int64
	FromStateID     sql.NullInt64
	ToStateID       int64
	TransitionID    sql.NullInt64
	TriggeredBy     sql.NullInt64
	TriggerType     string
	ContextSnapshot sql.NullString
	Notes           sql.NullString
	Created         time.Time
}
