package engine

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildworks/guildflow/pkg/guildflow/domain"
)

const validGraph = `{
	"nodes": {
		"trigger_1": {"type": "trigger", "config": {"event": "application.submitted"}, "outputs": [{"target": "approval_1"}]},
		"approval_1": {"type": "approval", "outputs": [{"target": "end_1"}, {"target": "end_2"}]},
		"end_1": {"type": "end"},
		"end_2": {"type": "end"}
	}
}`

func graphMap(t *testing.T, s string) map[string]any {
	t.Helper()
	m := decodeJSONMap(sql.NullString{String: s, Valid: true})
	require.NotEmpty(t, m)
	return m
}

func TestCreateDraftNumbersSequentially(t *testing.T) {
	defs := &mockDefinitionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowDefinition, error) {
			return &domain.WorkflowDefinition{ID: id}, nil
		},
	}
	var created *domain.WorkflowVersion
	versions := &mockVersionStore{
		MaxVersionNumberFunc: func(definitionID int64) (int, error) { return 3, nil },
		CreateFunc: func(v *domain.WorkflowVersion) (int64, error) {
			v.ID = 10
			created = v
			return 10, nil
		},
	}
	m := NewVersionManager(defs, versions, &mockInstanceStore{})

	res, err := m.CreateDraft(1, graphMap(t, validGraph), nil, "initial layout")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, 4, res.Data["versionNumber"])
	require.NotNil(t, created)
	assert.Equal(t, domain.VersionStatusDraft, created.Status)
	assert.Equal(t, "initial layout", created.ChangeNotes.String)
}

func TestCreateDraftUnknownDefinition(t *testing.T) {
	m := NewVersionManager(&mockDefinitionStore{}, &mockVersionStore{}, &mockInstanceStore{})
	res, err := m.CreateDraft(99, nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Workflow definition not found.", res.Reason)
}

func TestUpdateDraftRejectsPublished(t *testing.T) {
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			return &domain.WorkflowVersion{ID: id, Status: domain.VersionStatusPublished}, nil
		},
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, &mockInstanceStore{})

	res, err := m.UpdateDraft(1, graphMap(t, validGraph), nil, "")
	require.NoError(t, err)
	assert.Equal(t, "Only draft versions can be updated.", res.Reason)
}

func TestPublishValidatesGraph(t *testing.T) {
	badGraph := `{
		"nodes": {
			"trigger_1": {"type": "trigger", "outputs": [{"target": "missing"}]},
			"island": {"type": "action"}
		}
	}`
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			return &domain.WorkflowVersion{ID: id, Definition: badGraph, Status: domain.VersionStatusDraft}, nil
		},
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, &mockInstanceStore{})

	res, err := m.Publish(1, 1)
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "Definition validation failed: ")
	assert.Contains(t, res.Reason, "Definition must contain at least one end node.")
	assert.Contains(t, res.Reason, "Node 'trigger_1' references non-existent target 'missing'.")
	assert.Contains(t, res.Reason, "Node 'island' is not reachable from the trigger node.")
}

func TestPublishPromotesDraft(t *testing.T) {
	var published *domain.WorkflowVersion
	var publishedBy sql.NullInt64
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			return &domain.WorkflowVersion{ID: id, DefinitionID: 1, VersionNumber: 2, Definition: validGraph, Status: domain.VersionStatusDraft}, nil
		},
		PublishFunc: func(v *domain.WorkflowVersion, by sql.NullInt64) error {
			published, publishedBy = v, by
			return nil
		},
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, &mockInstanceStore{})

	res, err := m.Publish(5, 3)
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)
	require.NotNil(t, published)
	assert.Equal(t, int64(3), publishedBy.Int64)
}

func TestPublishRejectsNonDraft(t *testing.T) {
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			return &domain.WorkflowVersion{ID: id, Definition: validGraph, Status: domain.VersionStatusArchived}, nil
		},
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, &mockInstanceStore{})

	res, err := m.Publish(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "Only draft versions can be published.", res.Reason)
}

func TestValidateDefinitionStructure(t *testing.T) {
	cases := []struct {
		name  string
		graph string
		want  []string
	}{
		{
			"missing nodes short-circuits",
			`{"meta": {}}`,
			[]string{`Definition must contain a non-empty "nodes" array.`},
		},
		{
			"multiple triggers",
			`{"nodes": {
				"t1": {"type": "trigger", "outputs": ["e1"]},
				"t2": {"type": "trigger", "outputs": ["e1"]},
				"e1": {"type": "end"}
			}}`,
			[]string{
				"Definition must contain exactly one trigger node.",
				"Node 't2' is not reachable from the trigger node.",
			},
		},
		{
			"loop without maxIterations",
			`{"nodes": {
				"t1": {"type": "trigger", "outputs": ["l1"]},
				"l1": {"type": "loop", "outputs": ["e1"]},
				"e1": {"type": "end"}
			}}`,
			[]string{"Loop node 'l1' must have maxIterations set."},
		},
		{
			"loop with maxIterations is valid",
			`{"nodes": {
				"t1": {"type": "trigger", "outputs": ["l1"]},
				"l1": {"type": "loop", "config": {"maxIterations": 5}, "outputs": ["e1", "l1"]},
				"e1": {"type": "end"}
			}}`,
			nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			graph := decodeJSONMap(sql.NullString{String: tc.graph, Valid: true})
			assert.Equal(t, tc.want, validateDefinition(graph))
		})
	}
}

func TestArchiveClearsDefinitionPointer(t *testing.T) {
	defs := &mockDefinitionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowDefinition, error) {
			return &domain.WorkflowDefinition{ID: id, CurrentVersionID: sql.NullInt64{Int64: 5, Valid: true}}, nil
		},
	}
	var gotClear bool
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			return &domain.WorkflowVersion{ID: id, DefinitionID: 1, Status: domain.VersionStatusPublished}, nil
		},
		ArchiveFunc: func(v *domain.WorkflowVersion, clearPointer bool) error {
			gotClear = clearPointer
			return nil
		},
	}
	m := NewVersionManager(defs, versions, &mockInstanceStore{})

	res, err := m.Archive(5)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, gotClear)

	// Archiving a version the definition no longer points at keeps the pointer.
	res, err = m.Archive(6)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.False(t, gotClear)
}

func TestMigrateInstanceAutoMapsSharedNodes(t *testing.T) {
	oldGraph := `{"nodes": {"t1": {"type": "trigger", "outputs": ["a1"]}, "a1": {"type": "approval", "outputs": ["e1"]}, "e1": {"type": "end"}}}`
	newGraph := `{"nodes": {"t1": {"type": "trigger", "outputs": ["a1"]}, "a1": {"type": "approval", "outputs": ["e1", "e2"]}, "e1": {"type": "end"}, "e2": {"type": "end"}}}`

	inst := &domain.WorkflowInstance{
		ID:           3,
		VersionID:    sql.NullInt64{Int64: 1, Valid: true},
		ActiveNodes:  sql.NullString{String: `["a1"]`, Valid: true},
		DefinitionID: 1,
	}
	instances := &mockInstanceStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowInstance, error) { return inst, nil },
	}
	var migrated *domain.WorkflowInstanceMigration
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			switch id {
			case 1:
				return &domain.WorkflowVersion{ID: 1, Definition: oldGraph, Status: domain.VersionStatusArchived}, nil
			case 2:
				return &domain.WorkflowVersion{ID: 2, Definition: newGraph, Status: domain.VersionStatusPublished}, nil
			}
			return nil, nil
		},
		MigrateInstanceFunc: func(i *domain.WorkflowInstance, mig *domain.WorkflowInstanceMigration) error {
			migrated = mig
			return nil
		},
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, instances)

	res, err := m.MigrateInstance(3, 2, 9, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)
	require.NotNil(t, migrated)
	assert.Equal(t, int64(1), migrated.FromVersionID)
	assert.Equal(t, int64(2), migrated.ToVersionID)
	assert.Equal(t, domain.MigrationTypeManual, migrated.MigrationType)
	assert.Equal(t, int64(2), inst.VersionID.Int64)
	assert.Equal(t, `["a1"]`, inst.ActiveNodes.String)
}

func TestMigrateInstanceGuards(t *testing.T) {
	target := &domain.WorkflowVersion{ID: 2, Definition: `{"nodes":{}}`, Status: domain.VersionStatusPublished}
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			if id == 2 {
				return target, nil
			}
			return nil, nil
		},
	}

	completed := &domain.WorkflowInstance{ID: 1, CompletedAt: sql.NullTime{Valid: true}}
	instances := &mockInstanceStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowInstance, error) { return completed, nil },
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, instances)

	res, err := m.MigrateInstance(1, 2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "Cannot migrate a terminal instance.", res.Reason)

	target.Status = domain.VersionStatusDraft
	active := &domain.WorkflowInstance{ID: 1}
	instances.FindByIDFunc = func(id int64) (*domain.WorkflowInstance, error) { return active, nil }
	res, err = m.MigrateInstance(1, 2, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "Target version must be published.", res.Reason)

	target.Status = domain.VersionStatusPublished
	active.ActiveNodes = sql.NullString{String: `["orphan"]`, Valid: true}
	res, err = m.MigrateInstance(1, 2, 0, map[string]string{"other": "other"})
	require.NoError(t, err)
	assert.Equal(t, "Active node 'orphan' cannot be mapped to the target version.", res.Reason)
}

func TestCompareVersions(t *testing.T) {
	v1 := `{"nodes": {"t1": {"type": "trigger"}, "a1": {"type": "approval", "config": {"requiredCount": 1}}}}`
	v2 := `{"nodes": {"t1": {"type": "trigger"}, "a1": {"type": "approval", "config": {"requiredCount": 2}}, "e1": {"type": "end"}}}`
	versions := &mockVersionStore{
		FindByIDFunc: func(id int64) (*domain.WorkflowVersion, error) {
			if id == 1 {
				return &domain.WorkflowVersion{ID: 1, Definition: v1}, nil
			}
			return &domain.WorkflowVersion{ID: 2, Definition: v2}, nil
		},
	}
	m := NewVersionManager(&mockDefinitionStore{}, versions, &mockInstanceStore{})

	diff, err := m.CompareVersions(1, 2)
	require.NoError(t, err)
	assert.Contains(t, diff.Added, "e1")
	assert.Empty(t, diff.Removed)
	assert.Contains(t, diff.Modified, "a1")
	assert.NotContains(t, diff.Modified, "t1")
}

func TestDecodeActiveNodes(t *testing.T) {
	assert.Nil(t, decodeActiveNodes(sql.NullString{}))
	assert.Equal(t, []string{"a1", "b2"},
		decodeActiveNodes(sql.NullString{String: `["a1", {"node_key": "b2"}]`, Valid: true}))
	assert.Equal(t, []string{"c3"},
		decodeActiveNodes(sql.NullString{String: `[{"key": "c3"}]`, Valid: true}))
}
