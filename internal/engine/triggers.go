package engine

import (
	"log/slog"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
)

// TriggerDispatcher fans external events out to workflow definitions whose
// published version carries a matching trigger node.
type TriggerDispatcher struct {
	definitions  DefinitionStore
	versions     VersionStore
	orchestrator *Orchestrator
}

func NewTriggerDispatcher(definitions DefinitionStore, versions VersionStore, orchestrator *Orchestrator) *TriggerDispatcher {
	return &TriggerDispatcher{
		definitions:  definitions,
		versions:     versions,
		orchestrator: orchestrator,
	}
}

// DispatchTrigger starts at most one workflow per matching definition. The
// governed entity id comes from the event data field named by the trigger
// node's entityIdField config.
func (d *TriggerDispatcher) DispatchTrigger(eventName string, eventData map[string]any, triggeredBy int64) ([]core.Result, error) {
	defs, err := d.definitions.FindActiveWithVersion()
	if err != nil {
		return nil, err
	}

	var results []core.Result
	for _, def := range defs {
		version, err := d.versions.FindByID(def.CurrentVersionID.Int64)
		if err != nil {
			return results, err
		}
		if version == nil {
			continue
		}
		nodes := graphNodes(version.Definition)
		if len(nodes) == 0 {
			continue
		}

		for _, node := range nodes {
			nodeMap, _ := node.(map[string]any)
			if nodeType(nodeMap) != "trigger" {
				continue
			}
			nodeConfig, _ := nodeMap["config"].(map[string]any)
			triggerEvent, _ := nodeConfig["event"].(string)
			if triggerEvent == "" {
				triggerEvent, _ = nodeConfig["eventName"].(string)
			}
			if triggerEvent != eventName {
				continue
			}

			var entityID int64
			if field, ok := nodeConfig["entityIdField"].(string); ok && field != "" {
				entityID, _ = toInt64(eventData[field])
			}

			res, err := d.orchestrator.StartWorkflow(def.Slug, def.EntityType, entityID, triggeredBy, eventData)
			if err != nil {
				slog.Error("trigger dispatch failed", "event", eventName, "definition", def.Slug, "error", err)
				results = append(results, core.Failf("Trigger dispatch error: %v", err))
			} else {
				results = append(results, res)
			}
			// Only start once per definition.
			break
		}
	}
	return results, nil
}
