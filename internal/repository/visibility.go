package repository

import (
	"database/sql"
	"strings"

	"github.com/guildworks/guildflow/internal/config"
	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

type VisibilityRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewVisibilityRepository(db *sql.DB, clock core.Clock) *VisibilityRepository {
	return &VisibilityRepository{db: db, clock: clock}
}

// conditionColumn quotes the condition column for MySQL, where CONDITION is
// a reserved word.
func conditionColumn() string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_MYSQL {
		return "`condition`"
	}
	return "condition"
}

func visibilityColumns() string {
	return ` id, workflow_state_id, rule_type, target, ` + conditionColumn() + `, priority, created, modified `
}

func scanVisibilityRule(row interface{ Scan(dest ...any) error }) (*domain.WorkflowVisibilityRule, error) {
	var v domain.WorkflowVisibilityRule
	err := row.Scan(
		&v.ID,
		&v.StateID,
		&v.RuleType,
		&v.Target,
		&v.Condition,
		&v.Priority,
		&v.Created,
		&v.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// FindRules returns rules of one type for a state, highest priority first.
// Entity-level rules carry the wildcard target, field-level rules do not.
func (r *VisibilityRepository) FindRules(stateID int64, ruleType string, wildcard bool) ([]domain.WorkflowVisibilityRule, error) {
	targetClause := "target <> '*'"
	if wildcard {
		targetClause = "target = '*'"
	}
	query := `
		SELECT ` + visibilityColumns() + `
		FROM workflow_visibility_rules
		WHERE workflow_state_id = ` + placeholder(1) + `
		  AND rule_type = ` + placeholder(2) + `
		  AND ` + targetClause + `
		ORDER BY priority DESC, id ASC
	`
	rows, err := r.db.Query(query, stateID, ruleType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.WorkflowVisibilityRule
	for rows.Next() {
		v, err := scanVisibilityRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *v)
	}
	return rules, rows.Err()
}

func (r *VisibilityRepository) SaveRule(v *domain.WorkflowVisibilityRule) (int64, error) {
	now := r.clock.Now()
	vals := []any{v.StateID, v.RuleType, v.Target, v.Condition, v.Priority,
		formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_visibility_rules (
		workflow_state_id, rule_type, target, ` + conditionColumn() + `, priority, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &v.ID)
}
