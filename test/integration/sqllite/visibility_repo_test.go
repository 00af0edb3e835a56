package sqllite

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildworks/guildflow/internal/repository"
	"github.com/guildworks/guildflow/pkg/guildflow/domain"
)

func TestVisibilityRulesRoundTrip(t *testing.T) {
	db, clock := setupDatabase(t)
	m := seedStateMachine(t, db, clock)
	repo := repository.NewVisibilityRepository(db, clock)

	rules := []domain.WorkflowVisibilityRule{
		{StateID: m.review.ID, RuleType: domain.RuleCanViewEntity, Target: "*", Priority: 10,
			Condition: sql.NullString{String: `{"ownership": "requester"}`, Valid: true}},
		{StateID: m.review.ID, RuleType: domain.RuleCanViewEntity, Target: "*", Priority: 20,
			Condition: sql.NullString{String: `{"permission": "applications.review"}`, Valid: true}},
		{StateID: m.review.ID, RuleType: domain.RuleCanViewField, Target: "notes",
			Condition: sql.NullString{String: `{"permission": "applications.review"}`, Valid: true}},
		{StateID: m.review.ID, RuleType: domain.RuleCanViewField, Target: "status"},
	}
	for i := range rules {
		id, err := repo.SaveRule(&rules[i])
		require.NoError(t, err)
		require.NotZero(t, id)
	}

	// Entity-level lookup sees only wildcard rules, highest priority first.
	entityRules, err := repo.FindRules(m.review.ID, domain.RuleCanViewEntity, true)
	require.NoError(t, err)
	require.Len(t, entityRules, 2)
	assert.Equal(t, 20, entityRules[0].Priority)
	assert.Equal(t, `{"permission": "applications.review"}`, entityRules[0].Condition.String)
	assert.Equal(t, 10, entityRules[1].Priority)

	// Field-level lookup excludes the wildcard target.
	fieldRules, err := repo.FindRules(m.review.ID, domain.RuleCanViewField, false)
	require.NoError(t, err)
	require.Len(t, fieldRules, 2)
	assert.ElementsMatch(t, []string{"notes", "status"}, []string{fieldRules[0].Target, fieldRules[1].Target})
	assert.False(t, fieldRules[1].Condition.Valid)

	none, err := repo.FindRules(m.review.ID, domain.RuleCanEditField, false)
	require.NoError(t, err)
	assert.Empty(t, none)
}
