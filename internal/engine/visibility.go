package engine

import (
	"fmt"
	"log/slog"

	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

// VisibilityEvaluator answers entity and field visibility questions for a
// running instance from the priority-ordered rule set of its current
// state. Defaults to allow when no rules exist.
type VisibilityEvaluator struct {
	rules     VisibilityStore
	instances InstanceStore
	evaluator *RuleEvaluator
	identity  IdentityProvider
	entities  EntityResolver
}

func NewVisibilityEvaluator(
	rules VisibilityStore,
	instances InstanceStore,
	evaluator *RuleEvaluator,
	identity IdentityProvider,
	entities EntityResolver,
) *VisibilityEvaluator {
	return &VisibilityEvaluator{
		rules:     rules,
		instances: instances,
		evaluator: evaluator,
		identity:  identity,
		entities:  entities,
	}
}

func (v *VisibilityEvaluator) CanViewEntity(instanceID int64, userID int64) (bool, error) {
	return v.evaluateEntityRule(domain.RuleCanViewEntity, instanceID, userID)
}

func (v *VisibilityEvaluator) CanEditEntity(instanceID int64, userID int64) (bool, error) {
	return v.evaluateEntityRule(domain.RuleCanEditEntity, instanceID, userID)
}

// VisibleFields returns the field names the user may see in the current
// state. A lone "*" entry means all fields.
func (v *VisibilityEvaluator) VisibleFields(instanceID int64, userID int64) ([]string, error) {
	return v.fieldsForRule(domain.RuleCanViewField, instanceID, userID)
}

func (v *VisibilityEvaluator) EditableFields(instanceID int64, userID int64) ([]string, error) {
	return v.fieldsForRule(domain.RuleCanEditField, instanceID, userID)
}

// evaluateEntityRule applies wildcard-target rules highest priority first.
// No rules means allow; an empty condition on a rule means allow; the
// first rule whose condition holds wins; no match means deny.
func (v *VisibilityEvaluator) evaluateEntityRule(ruleType string, instanceID int64, userID int64) (bool, error) {
	inst, err := v.instances.FindByID(instanceID)
	if err != nil {
		return false, fmt.Errorf("load instance %d: %w", instanceID, err)
	}
	rules, err := v.rules.FindRules(inst.CurrentStateID, ruleType, true)
	if err != nil {
		return false, err
	}
	if len(rules) == 0 {
		return true, nil
	}

	ctx := v.buildUserContext(userID, inst)
	for _, rule := range rules {
		condition := decodeJSONMap(rule.Condition)
		if len(condition) == 0 {
			return true, nil
		}
		if v.evaluator.Evaluate(condition, ctx) {
			return true, nil
		}
	}
	return false, nil
}

func (v *VisibilityEvaluator) fieldsForRule(ruleType string, instanceID int64, userID int64) ([]string, error) {
	inst, err := v.instances.FindByID(instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %d: %w", instanceID, err)
	}
	rules, err := v.rules.FindRules(inst.CurrentStateID, ruleType, false)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return []string{"*"}, nil
	}

	ctx := v.buildUserContext(userID, inst)
	seen := map[string]bool{}
	var fields []string
	for _, rule := range rules {
		condition := decodeJSONMap(rule.Condition)
		if len(condition) == 0 || v.evaluator.Evaluate(condition, ctx) {
			if !seen[rule.Target] {
				seen[rule.Target] = true
				fields = append(fields, rule.Target)
			}
		}
	}
	return fields, nil
}

func (v *VisibilityEvaluator) buildUserContext(userID int64, inst *domain.WorkflowInstance) map[string]any {
	ctx := map[string]any{
		"user_id":          userID,
		"user_permissions": []string{},
		"user_roles":       []string{},
		"instance_id":      inst.ID,
	}

	if userID != 0 && v.identity != nil {
		if permissions, err := v.identity.MemberPermissions(userID); err != nil {
			slog.Warn("visibility: could not load permissions", "member", userID, "error", err)
		} else {
			ctx["user_permissions"] = permissions
		}
		if roles, err := v.identity.MemberRoles(userID); err != nil {
			slog.Warn("visibility: could not load roles", "member", userID, "error", err)
		} else {
			ctx["user_roles"] = roles
		}
	}

	ctx["entity_type"] = inst.EntityType
	ctx["entity_id"] = inst.EntityID
	if v.entities != nil {
		if entity, err := v.entities.Resolve(inst.EntityType, inst.EntityID); err != nil {
			slog.Warn("visibility: could not load entity", "entity_type", inst.EntityType, "entity_id", inst.EntityID, "error", err)
		} else {
			ctx["entity"] = entity
		}
	}
	ctx["instance"] = map[string]any{
		"id":      inst.ID,
		"context": decodeJSONMap(inst.Context),
	}
	return ctx
}
