package engine

import (
	"database/sql"
	"log/slog"
	"reflect"
	"sort"
	"strings"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

// VersionManager owns the draft → published → archived lifecycle of node
// graph versions, structural validation, running-instance migration, and
// version diffing.
type VersionManager struct {
	definitions DefinitionStore
	versions    VersionStore
	instances   InstanceStore
}

func NewVersionManager(definitions DefinitionStore, versions VersionStore, instances InstanceStore) *VersionManager {
	return &VersionManager{
		definitions: definitions,
		versions:    versions,
		instances:   instances,
	}
}

// VersionDiff is the structural difference between two version graphs.
type VersionDiff struct {
	Added    map[string]any
	Removed  map[string]any
	Modified map[string]map[string]any
}

// CreateDraft stores a new draft with the next sequential version number.
func (m *VersionManager) CreateDraft(definitionID int64, graph map[string]any, layout map[string]any, notes string) (core.Result, error) {
	def, err := m.definitions.FindByID(definitionID)
	if err == sql.ErrNoRows {
		return core.Fail("Workflow definition not found."), nil
	}
	if err != nil {
		return core.Result{}, err
	}

	maxNumber, err := m.versions.MaxVersionNumber(def.ID)
	if err != nil {
		return core.Result{}, err
	}

	version := &domain.WorkflowVersion{
		DefinitionID:  def.ID,
		VersionNumber: maxNumber + 1,
		Definition:    jsonString(graph),
		CanvasLayout:  encodeJSONMap(layout),
		Status:        domain.VersionStatusDraft,
	}
	if notes != "" {
		version.ChangeNotes = sql.NullString{String: notes, Valid: true}
	}
	if _, err := m.versions.Create(version); err != nil {
		return core.Result{}, err
	}
	return core.OK(map[string]any{
		"versionId":     version.ID,
		"versionNumber": version.VersionNumber,
	}), nil
}

// UpdateDraft rewrites a draft in place. Published and archived versions
// are immutable.
func (m *VersionManager) UpdateDraft(versionID int64, graph map[string]any, layout map[string]any, notes string) (core.Result, error) {
	version, err := m.versions.FindByID(versionID)
	if err != nil {
		return core.Result{}, err
	}
	if version == nil {
		return core.Fail("Workflow version not found."), nil
	}
	if !version.IsDraft() {
		return core.Fail("Only draft versions can be updated."), nil
	}

	version.Definition = jsonString(graph)
	if layout != nil {
		version.CanvasLayout = encodeJSONMap(layout)
	}
	if notes != "" {
		version.ChangeNotes = sql.NullString{String: notes, Valid: true}
	}
	if err := m.versions.UpdateDraft(version); err != nil {
		return core.Result{}, err
	}
	return core.OK(map[string]any{"versionId": version.ID}), nil
}

// Publish validates a draft and promotes it, archiving the previously
// published version and repointing the definition in one transaction.
func (m *VersionManager) Publish(versionID int64, publishedBy int64) (core.Result, error) {
	version, err := m.versions.FindByID(versionID)
	if err != nil {
		return core.Result{}, err
	}
	if version == nil {
		return core.Fail("Workflow version not found."), nil
	}
	if !version.IsDraft() {
		return core.Fail("Only draft versions can be published."), nil
	}

	graph := decodeJSONMap(sql.NullString{String: version.Definition, Valid: true})
	if errors := validateDefinition(graph); len(errors) > 0 {
		return core.Fail("Definition validation failed: " + strings.Join(errors, "; ")), nil
	}

	if err := m.versions.Publish(version, nullID(publishedBy)); err != nil {
		return core.Result{}, err
	}
	slog.Info("workflow version published",
		"definition_id", version.DefinitionID, "version", version.VersionNumber)
	return core.OK(map[string]any{"versionId": version.ID}), nil
}

// Archive retires a version. Archiving the currently published version
// also detaches and deactivates its definition.
func (m *VersionManager) Archive(versionID int64) (core.Result, error) {
	version, err := m.versions.FindByID(versionID)
	if err != nil {
		return core.Result{}, err
	}
	if version == nil {
		return core.Fail("Workflow version not found."), nil
	}

	clearPointer := false
	if version.IsPublished() {
		def, err := m.definitions.FindByID(version.DefinitionID)
		if err != nil && err != sql.ErrNoRows {
			return core.Result{}, err
		}
		clearPointer = def != nil && def.CurrentVersionID.Valid && def.CurrentVersionID.Int64 == version.ID
	}
	if err := m.versions.Archive(version, clearPointer); err != nil {
		return core.Result{}, err
	}
	return core.OK(nil), nil
}

// GetCurrentVersion returns the version a definition currently points at.
func (m *VersionManager) GetCurrentVersion(definitionID int64) (*domain.WorkflowVersion, error) {
	def, err := m.definitions.FindByID(definitionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !def.CurrentVersionID.Valid {
		return nil, nil
	}
	return m.versions.FindByID(def.CurrentVersionID.Int64)
}

// GetVersionHistory returns every version of a definition, newest first.
func (m *VersionManager) GetVersionHistory(definitionID int64) ([]domain.WorkflowVersion, error) {
	return m.versions.FindAll(definitionID)
}

// MigrateInstance moves a running instance to a published target version.
// Without an explicit mapping, nodes sharing a key map to themselves; an
// active node with no mapping rejects the migration before any mutation.
func (m *VersionManager) MigrateInstance(instanceID, targetVersionID, migratedBy int64, nodeMapping map[string]string) (core.Result, error) {
	inst, err := m.instances.FindByID(instanceID)
	if err == sql.ErrNoRows {
		return core.Fail("Workflow instance not found."), nil
	}
	if err != nil {
		return core.Result{}, err
	}
	if inst.IsCompleted() {
		return core.Fail("Cannot migrate a terminal instance."), nil
	}

	target, err := m.versions.FindByID(targetVersionID)
	if err != nil {
		return core.Result{}, err
	}
	if target == nil || !target.IsPublished() {
		return core.Fail("Target version must be published."), nil
	}

	var fromVersionID int64
	if inst.VersionID.Valid {
		fromVersionID = inst.VersionID.Int64
	}

	if nodeMapping == nil {
		nodeMapping = map[string]string{}
		oldNodes := map[string]any{}
		if fromVersionID != 0 {
			oldVersion, err := m.versions.FindByID(fromVersionID)
			if err != nil {
				return core.Result{}, err
			}
			if oldVersion != nil {
				oldNodes = graphNodes(oldVersion.Definition)
			}
		}
		newNodes := graphNodes(target.Definition)
		for key := range oldNodes {
			if _, ok := newNodes[key]; ok {
				nodeMapping[key] = key
			}
		}
	}

	activeNodes := decodeActiveNodes(inst.ActiveNodes)
	for _, key := range activeNodes {
		if _, ok := nodeMapping[key]; !ok {
			return core.Failf("Active node '%s' cannot be mapped to the target version.", key), nil
		}
	}

	remapped := make([]any, 0, len(activeNodes))
	for _, key := range activeNodes {
		remapped = append(remapped, nodeMapping[key])
	}

	inst.VersionID = sql.NullInt64{Int64: targetVersionID, Valid: true}
	inst.ActiveNodes = encodeJSONSlice(remapped)

	mig := &domain.WorkflowInstanceMigration{
		InstanceID:    inst.ID,
		FromVersionID: fromVersionID,
		ToVersionID:   targetVersionID,
		NodeMapping:   encodeStringMap(nodeMapping),
		MigrationType: domain.MigrationTypeManual,
		MigratedBy:    nullID(migratedBy),
	}
	if err := m.versions.MigrateInstance(inst, mig); err != nil {
		return core.Result{}, err
	}
	slog.Info("workflow instance migrated",
		"instance_id", inst.ID, "from_version", fromVersionID, "to_version", targetVersionID)
	return core.OK(map[string]any{
		"instanceId":  inst.ID,
		"migrationId": mig.ID,
	}), nil
}

// CompareVersions diffs the node maps of two versions.
func (m *VersionManager) CompareVersions(versionID1, versionID2 int64) (*VersionDiff, error) {
	v1, err := m.versions.FindByID(versionID1)
	if err != nil {
		return nil, err
	}
	v2, err := m.versions.FindByID(versionID2)
	if err != nil {
		return nil, err
	}
	if v1 == nil || v2 == nil {
		return nil, sql.ErrNoRows
	}

	nodes1 := graphNodes(v1.Definition)
	nodes2 := graphNodes(v2.Definition)

	diff := &VersionDiff{
		Added:    map[string]any{},
		Removed:  map[string]any{},
		Modified: map[string]map[string]any{},
	}
	for key, node := range nodes2 {
		if _, ok := nodes1[key]; !ok {
			diff.Added[key] = node
		}
	}
	for key, node := range nodes1 {
		if _, ok := nodes2[key]; !ok {
			diff.Removed[key] = node
		}
	}
	for key, oldNode := range nodes1 {
		newNode, ok := nodes2[key]
		if !ok {
			continue
		}
		if !reflect.DeepEqual(oldNode, newNode) {
			diff.Modified[key] = map[string]any{"old": oldNode, "new": newNode}
		}
	}
	return diff, nil
}

// validateDefinition checks a version graph's structure and returns every
// violation found. A missing nodes map short-circuits the rest.
func validateDefinition(graph map[string]any) []string {
	var errors []string

	nodes, ok := graph["nodes"].(map[string]any)
	if !ok || len(nodes) == 0 {
		return []string{`Definition must contain a non-empty "nodes" array.`}
	}

	keys := make([]string, 0, len(nodes))
	for key := range nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var triggerKey string
	triggerCount := 0
	endCount := 0
	for _, key := range keys {
		switch nodeType(nodes[key]) {
		case "trigger":
			triggerCount++
			if triggerKey == "" {
				triggerKey = key
			}
		case "end":
			endCount++
		}
	}
	if triggerCount != 1 {
		errors = append(errors, "Definition must contain exactly one trigger node.")
	}
	if endCount < 1 {
		errors = append(errors, "Definition must contain at least one end node.")
	}

	for _, key := range keys {
		for _, target := range outputTargets(nodes[key]) {
			if _, ok := nodes[target]; !ok {
				errors = append(errors, "Node '"+key+"' references non-existent target '"+target+"'.")
			}
		}
	}

	if triggerKey != "" {
		reachable := findReachableNodes(triggerKey, nodes)
		for _, key := range keys {
			if key != triggerKey && !reachable[key] {
				errors = append(errors, "Node '"+key+"' is not reachable from the trigger node.")
			}
		}
	}

	for _, key := range keys {
		if nodeType(nodes[key]) != "loop" {
			continue
		}
		node, _ := nodes[key].(map[string]any)
		nodeConfig, _ := node["config"].(map[string]any)
		if n, ok := toFloat(nodeConfig["maxIterations"]); !ok || n <= 0 {
			errors = append(errors, "Loop node '"+key+"' must have maxIterations set.")
		}
	}

	return errors
}

// findReachableNodes walks output edges iteratively from a start node.
// The explicit visited set keeps accidental cycles harmless.
func findReachableNodes(startKey string, nodes map[string]any) map[string]bool {
	visited := map[string]bool{}
	queue := []string{startKey}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, target := range outputTargets(nodes[current]) {
			if !visited[target] {
				queue = append(queue, target)
			}
		}
	}
	return visited
}

func nodeType(node any) string {
	m, _ := node.(map[string]any)
	t, _ := m["type"].(string)
	return t
}

// outputTargets reads a node's outputs, accepting both {target: key}
// objects and bare string keys.
func outputTargets(node any) []string {
	m, _ := node.(map[string]any)
	outputs, _ := m["outputs"].([]any)
	var targets []string
	for _, output := range outputs {
		switch o := output.(type) {
		case map[string]any:
			if target, ok := o["target"].(string); ok {
				targets = append(targets, target)
			}
		case string:
			targets = append(targets, o)
		}
	}
	return targets
}

func graphNodes(definition string) map[string]any {
	graph := decodeJSONMap(sql.NullString{String: definition, Valid: true})
	nodes, _ := graph["nodes"].(map[string]any)
	if nodes == nil {
		return map[string]any{}
	}
	return nodes
}

// decodeActiveNodes flattens the stored active node list to node keys,
// accepting both bare strings and {node_key: …} objects.
func decodeActiveNodes(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var keys []string
	for _, item := range decodeJSONList(s.String) {
		switch n := item.(type) {
		case string:
			keys = append(keys, n)
		case map[string]any:
			if key, ok := n["node_key"].(string); ok {
				keys = append(keys, key)
			} else if key, ok := n["key"].(string); ok {
				keys = append(keys, key)
			}
		}
	}
	return keys
}
