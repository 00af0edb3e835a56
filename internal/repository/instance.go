package repository

import (
	"database/sql"
	"strings"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

const INSTANCE_COLUMNS = ` id, workflow_definition_id, workflow_version_id, entity_type,
		entity_id, current_state_id, previous_state_id, context, active_nodes,
		state_entered_at, started_at, completed_at, created, modified `

type InstanceRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewInstanceRepository(db *sql.DB, clock core.Clock) *InstanceRepository {
	return &InstanceRepository{db: db, clock: clock}
}

func scanInstance(row interface{ Scan(dest ...any) error }) (*domain.WorkflowInstance, error) {
	var i domain.WorkflowInstance
	err := row.Scan(
		&i.ID,
		&i.DefinitionID,
		&i.VersionID,
		&i.EntityType,
		&i.EntityID,
		&i.CurrentStateID,
		&i.PreviousStateID,
		&i.Context,
		&i.ActiveNodes,
		&i.StateEnteredAt,
		&i.StartedAt,
		&i.CompletedAt,
		&i.Created,
		&i.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *InstanceRepository) FindByID(id int64) (*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instances WHERE id = ` + placeholder(1) + `
	`
	return scanInstance(r.db.QueryRow(query, id))
}

// FindActiveByEntity returns the uncompleted instance bound to an entity,
// or nil when there is none. At most one can exist.
func (r *InstanceRepository) FindActiveByEntity(entityType string, entityID int64) (*domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instances
		WHERE entity_type = ` + placeholder(1) + `
		  AND entity_id = ` + placeholder(2) + `
		  AND completed_at IS NULL
		LIMIT 1
	`
	i, err := scanInstance(r.db.QueryRow(query, entityType, entityID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return i, err
}

// FindActive returns uncompleted instances for the scheduled sweep, oldest
// first, capped at limit.
func (r *InstanceRepository) FindActive(limit int) ([]domain.WorkflowInstance, error) {
	query := `
		SELECT ` + INSTANCE_COLUMNS + `
		FROM workflow_instances
		WHERE completed_at IS NULL
		ORDER BY id ASC
		LIMIT ` + placeholder(1) + `
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []domain.WorkflowInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, *i)
	}
	return instances, rows.Err()
}

// Create inserts the instance and its from=null audit row in one
// transaction, so an instance never exists without its starting log entry.
func (r *InstanceRepository) Create(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) (int64, error) {
	err := runInTx(r.db, func(tx *sql.Tx) error {
		now := r.clock.Now()
		vals := []any{inst.DefinitionID, inst.VersionID, inst.EntityType, inst.EntityID,
			inst.CurrentStateID, inst.PreviousStateID, inst.Context, inst.ActiveNodes,
			formatDateInDatabase(inst.StateEnteredAt), formatDateInDatabase(inst.StartedAt),
			formatDateInDatabaseNull(inst.CompletedAt),
			formatDateInDatabase(now), formatDateInDatabase(now)}
		pps := make([]string, 0, len(vals))
		for i := range vals {
			pps = append(pps, placeholder(i+1))
		}
		base := `INSERT INTO workflow_instances (
			workflow_definition_id, workflow_version_id, entity_type, entity_id,
			current_state_id, previous_state_id, context, active_nodes,
			state_entered_at, started_at, completed_at, created, modified
		) VALUES (` + strings.Join(pps, ", ") + `)`
		if _, err := insertReturningID(tx, base, vals, &inst.ID); err != nil {
			return err
		}
		logRow.InstanceID = inst.ID
		return r.insertLog(tx, logRow)
	})
	return inst.ID, err
}

// ApplyTransition persists a state move and its audit row atomically.
// State and audit trail never diverge.
func (r *InstanceRepository) ApplyTransition(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) error {
	return runInTx(r.db, func(tx *sql.Tx) error {
		query := `
			UPDATE workflow_instances
			SET current_state_id = ` + placeholder(1) + `,
			    previous_state_id = ` + placeholder(2) + `,
			    context = ` + placeholder(3) + `,
			    state_entered_at = ` + placeholder(4) + `,
			    completed_at = ` + placeholder(5) + `,
			    modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(6) + ` AND completed_at IS NULL
		`
		res, err := tx.Exec(query,
			inst.CurrentStateID,
			inst.PreviousStateID,
			inst.Context,
			formatDateInDatabase(inst.StateEnteredAt),
			formatDateInDatabaseNull(inst.CompletedAt),
			inst.ID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return sql.ErrNoRows
		}
		logRow.InstanceID = inst.ID
		return r.insertLog(tx, logRow)
	})
}

func (r *InstanceRepository) SaveContext(id int64, context sql.NullString) error {
	query := `
		UPDATE workflow_instances
		SET context = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE id = ` + placeholder(2) + `
	`
	_, err := r.db.Exec(query, context, id)
	return err
}

func (r *InstanceRepository) insertLog(q queryer, l *domain.WorkflowTransitionLog) error {
	vals := []any{l.InstanceID, l.FromStateID, l.ToStateID, l.TransitionID,
		l.TriggeredBy, l.TriggerType, l.ContextSnapshot, l.Notes,
		formatDateInDatabase(r.clock.Now())}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_transition_logs (
		workflow_instance_id, from_state_id, to_state_id, transition_id,
		triggered_by, trigger_type, context_snapshot, notes, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	_, err := insertReturningID(q, base, vals, &l.ID)
	return err
}

const TRANSITION_LOG_COLUMNS = ` id, workflow_instance_id, from_state_id, to_state_id,
		transition_id, triggered_by, trigger_type, context_snapshot, notes, created `

// FindLogs returns the audit trail for an instance, oldest first.
func (r *InstanceRepository) FindLogs(instanceID int64) ([]domain.WorkflowTransitionLog, error) {
	query := `
		SELECT ` + TRANSITION_LOG_COLUMNS + `
		FROM workflow_transition_logs
		WHERE workflow_instance_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.WorkflowTransitionLog
	for rows.Next() {
		var l domain.WorkflowTransitionLog
		if err := rows.Scan(
			&l.ID,
			&l.InstanceID,
			&l.FromStateID,
			&l.ToStateID,
			&l.TransitionID,
			&l.TriggeredBy,
			&l.TriggerType,
			&l.ContextSnapshot,
			&l.Notes,
			&l.Created,
		); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
