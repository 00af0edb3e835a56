package repository

import (
	"database/sql"
	"strings"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

const DEFINITION_COLUMNS = ` id, name, slug, description, entity_type, version,
		is_active, is_default, current_version_id, created, modified `

const STATE_COLUMNS = ` id, workflow_definition_id, name, slug, label, state_type,
		metadata, on_enter_actions, on_exit_actions, position_x, position_y,
		created, modified `

const TRANSITION_COLUMNS = ` id, workflow_definition_id, from_state_id, to_state_id,
		name, slug, label, priority, conditions, actions, is_automatic,
		trigger_type, trigger_config, created, modified `

// DefinitionRepository serves the classic definition graph: definitions,
// their states, and their transitions.
type DefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewDefinitionRepository(db *sql.DB, clock core.Clock) *DefinitionRepository {
	return &DefinitionRepository{db: db, clock: clock}
}

func scanDefinition(row interface{ Scan(dest ...any) error }) (*domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Slug,
		&d.Description,
		&d.EntityType,
		&d.Version,
		&d.IsActive,
		&d.IsDefault,
		&d.CurrentVersionID,
		&d.Created,
		&d.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DefinitionRepository) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions WHERE id = ` + placeholder(1) + `
	`
	return scanDefinition(r.db.QueryRow(query, id))
}

// FindActiveBySlug returns the active definition for a slug, preferring the
// highest version when several rows share the slug.
func (r *DefinitionRepository) FindActiveBySlug(slug string) (*domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions
		WHERE slug = ` + placeholder(1) + ` AND is_active = ` + boolLiteral(true) + `
		ORDER BY version DESC
		LIMIT 1
	`
	d, err := scanDefinition(r.db.QueryRow(query, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// FindActiveWithVersion returns active definitions that have a published
// version pointer, for trigger dispatch.
func (r *DefinitionRepository) FindActiveWithVersion() ([]domain.WorkflowDefinition, error) {
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions
		WHERE is_active = ` + boolLiteral(true) + ` AND current_version_id IS NOT NULL
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []domain.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

func (r *DefinitionRepository) Save(d *domain.WorkflowDefinition) (int64, error) {
	now := r.clock.Now()
	vals := []any{d.Name, d.Slug, d.Description, d.EntityType, d.Version, d.IsActive,
		d.IsDefault, d.CurrentVersionID, formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_definitions (
		name, slug, description, entity_type, version, is_active,
		is_default, current_version_id, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &d.ID)
}

func scanState(row interface{ Scan(dest ...any) error }) (*domain.WorkflowState, error) {
	var s domain.WorkflowState
	err := row.Scan(
		&s.ID,
		&s.DefinitionID,
		&s.Name,
		&s.Slug,
		&s.Label,
		&s.StateType,
		&s.Metadata,
		&s.OnEnterActions,
		&s.OnExitActions,
		&s.PositionX,
		&s.PositionY,
		&s.Created,
		&s.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *DefinitionRepository) FindStateByID(id int64) (*domain.WorkflowState, error) {
	query := `
		SELECT ` + STATE_COLUMNS + `
		FROM workflow_states WHERE id = ` + placeholder(1) + `
	`
	return scanState(r.db.QueryRow(query, id))
}

func (r *DefinitionRepository) FindInitialState(definitionID int64) (*domain.WorkflowState, error) {
	query := `
		SELECT ` + STATE_COLUMNS + `
		FROM workflow_states
		WHERE workflow_definition_id = ` + placeholder(1) + ` AND state_type = '` + domain.StateTypeInitial + `'
		LIMIT 1
	`
	s, err := scanState(r.db.QueryRow(query, definitionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

func (r *DefinitionRepository) SaveState(s *domain.WorkflowState) (int64, error) {
	now := r.clock.Now()
	vals := []any{s.DefinitionID, s.Name, s.Slug, s.Label, s.StateType, s.Metadata,
		s.OnEnterActions, s.OnExitActions, s.PositionX, s.PositionY,
		formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_states (
		workflow_definition_id, name, slug, label, state_type, metadata,
		on_enter_actions, on_exit_actions, position_x, position_y, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &s.ID)
}

func scanTransition(row interface{ Scan(dest ...any) error }) (*domain.WorkflowTransition, error) {
	var t domain.WorkflowTransition
	err := row.Scan(
		&t.ID,
		&t.DefinitionID,
		&t.FromStateID,
		&t.ToStateID,
		&t.Name,
		&t.Slug,
		&t.Label,
		&t.Priority,
		&t.Conditions,
		&t.Actions,
		&t.IsAutomatic,
		&t.TriggerType,
		&t.TriggerConfig,
		&t.Created,
		&t.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *DefinitionRepository) FindTransitionByID(id int64) (*domain.WorkflowTransition, error) {
	query := `
		SELECT ` + TRANSITION_COLUMNS + `
		FROM workflow_transitions WHERE id = ` + placeholder(1) + `
	`
	return scanTransition(r.db.QueryRow(query, id))
}

func (r *DefinitionRepository) FindTransition(definitionID, fromStateID int64, slug string) (*domain.WorkflowTransition, error) {
	query := `
		SELECT ` + TRANSITION_COLUMNS + `
		FROM workflow_transitions
		WHERE workflow_definition_id = ` + placeholder(1) + `
		  AND from_state_id = ` + placeholder(2) + `
		  AND slug = ` + placeholder(3) + `
	`
	t, err := scanTransition(r.db.QueryRow(query, definitionID, fromStateID, slug))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// FindTransitionsFrom returns all transitions out of a state ordered by
// ascending priority, the tie-break order for automatic evaluation.
func (r *DefinitionRepository) FindTransitionsFrom(definitionID, fromStateID int64) ([]domain.WorkflowTransition, error) {
	query := `
		SELECT ` + TRANSITION_COLUMNS + `
		FROM workflow_transitions
		WHERE workflow_definition_id = ` + placeholder(1) + `
		  AND from_state_id = ` + placeholder(2) + `
		ORDER BY priority ASC, id ASC
	`
	rows, err := r.db.Query(query, definitionID, fromStateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []domain.WorkflowTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, *t)
	}
	return transitions, rows.Err()
}

func (r *DefinitionRepository) SaveTransition(t *domain.WorkflowTransition) (int64, error) {
	now := r.clock.Now()
	vals := []any{t.DefinitionID, t.FromStateID, t.ToStateID, t.Name, t.Slug, t.Label,
		t.Priority, t.Conditions, t.Actions, t.IsAutomatic, t.TriggerType, t.TriggerConfig,
		formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_transitions (
		workflow_definition_id, from_state_id, to_state_id, name, slug, label,
		priority, conditions, actions, is_automatic, trigger_type, trigger_config,
		created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &t.ID)
}
