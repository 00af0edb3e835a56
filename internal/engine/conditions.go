package engine

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
)

// ConditionFunc evaluates one leaf condition against the runtime context.
type ConditionFunc func(params map[string]any, ctx map[string]any) bool

// RuleEvaluator evaluates the JSON condition DSL: boolean combinators
// (all, any, not) over pluggable leaf condition types. Fails closed,
// unknown condition types evaluate to false.
type RuleEvaluator struct {
	clock      core.Clock
	conditions map[string]ConditionFunc
}

func NewRuleEvaluator(clock core.Clock) *RuleEvaluator {
	e := &RuleEvaluator{
		clock:      clock,
		conditions: map[string]ConditionFunc{},
	}
	e.RegisterConditionType("permission", permissionCondition)
	e.RegisterConditionType("role", roleCondition)
	e.RegisterConditionType("field", fieldCondition)
	e.RegisterConditionType("ownership", ownershipCondition)
	e.RegisterConditionType("approval_gate", approvalGateCondition)
	e.RegisterConditionType("time", e.timeCondition)
	e.RegisterConditionType("workflow_context", workflowContextCondition)
	return e
}

func (e *RuleEvaluator) RegisterConditionType(name string, fn ConditionFunc) {
	e.conditions[name] = fn
}

func (e *RuleEvaluator) RegisteredConditionTypes() []string {
	names := make([]string, 0, len(e.conditions))
	for name := range e.conditions {
		names = append(names, name)
	}
	return names
}

func (e *RuleEvaluator) Evaluate(condition map[string]any, ctx map[string]any) bool {
	if sub, ok := condition["all"]; ok {
		return e.evaluateAll(sub, ctx)
	}
	if sub, ok := condition["any"]; ok {
		return e.evaluateAny(sub, ctx)
	}
	if sub, ok := condition["not"]; ok {
		inner, ok := sub.(map[string]any)
		if !ok {
			return false
		}
		return !e.Evaluate(inner, ctx)
	}
	return e.evaluateLeaf(condition, ctx)
}

func (e *RuleEvaluator) evaluateAll(sub any, ctx map[string]any) bool {
	list, ok := sub.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		cond, ok := item.(map[string]any)
		if !ok || !e.Evaluate(cond, ctx) {
			return false
		}
	}
	return true
}

func (e *RuleEvaluator) evaluateAny(sub any, ctx map[string]any) bool {
	list, ok := sub.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if cond, ok := item.(map[string]any); ok && e.Evaluate(cond, ctx) {
			return true
		}
	}
	return false
}

func (e *RuleEvaluator) evaluateLeaf(condition map[string]any, ctx map[string]any) bool {
	name := detectConditionType(condition)
	if name == "" {
		return false
	}
	fn, ok := e.conditions[name]
	if !ok {
		return false
	}
	return fn(condition, ctx)
}

func detectConditionType(condition map[string]any) string {
	if t, ok := condition["type"].(string); ok {
		return t
	}
	for _, key := range []string{
		"permission", "role", "field", "ownership",
		"approval_gate", "time", "workflow_context",
	} {
		if _, ok := condition[key]; ok {
			return key
		}
	}
	return ""
}

func permissionCondition(params map[string]any, ctx map[string]any) bool {
	permission, ok := params["permission"].(string)
	if !ok {
		return false
	}
	return stringListContains(ctx["user_permissions"], permission)
}

func roleCondition(params map[string]any, ctx map[string]any) bool {
	role, ok := params["role"].(string)
	if !ok {
		return false
	}
	return stringListContains(ctx["user_roles"], role)
}

func fieldCondition(params map[string]any, ctx map[string]any) bool {
	fieldPath, ok := params["field"].(string)
	if !ok {
		return false
	}
	operator := "eq"
	if op, ok := params["operator"].(string); ok {
		operator = op
	}
	fieldValue := resolveContextField(fieldPath, ctx)

	switch operator {
	case "is_set":
		return fieldValue != nil
	case "is_empty":
		return isEmptyValue(fieldValue)
	}
	return compareValues(fieldValue, operator, params["value"])
}

func ownershipCondition(params map[string]any, ctx map[string]any) bool {
	ownership, ok := params["ownership"].(string)
	if !ok {
		return false
	}
	userID, hasUser := ctx["user_id"]
	if !hasUser || userID == nil {
		return false
	}
	entity, _ := ctx["entity"].(map[string]any)

	switch ownership {
	case "requester":
		return isRequester(userID, entity)
	case "recipient":
		return isRecipient(userID, entity)
	case "parent_of_minor":
		return isParentOfMinor(ctx, entity)
	case "any":
		return isRequester(userID, entity) ||
			isRecipient(userID, entity) ||
			isParentOfMinor(ctx, entity)
	}
	return false
}

func isRequester(userID any, entity map[string]any) bool {
	return looseEqual(entity["requester_id"], userID) ||
		looseEqual(entity["created_by"], userID)
}

func isRecipient(userID any, entity map[string]any) bool {
	return looseEqual(entity["member_id"], userID)
}

func isParentOfMinor(ctx map[string]any, entity map[string]any) bool {
	managed, _ := ctx["user_managed_member_ids"].([]any)
	memberID := entity["member_id"]
	if memberID == nil || len(managed) == 0 {
		return false
	}
	for _, id := range managed {
		if looseEqual(id, memberID) {
			return true
		}
	}
	return false
}

func approvalGateCondition(params map[string]any, ctx map[string]any) bool {
	gateName, ok := params["approval_gate"].(string)
	if !ok {
		return false
	}
	status := "met"
	if s, ok := params["status"].(string); ok {
		status = s
	}
	gates, _ := ctx["approval_gates"].(map[string]any)
	gate, ok := gates[gateName].(map[string]any)
	if !ok {
		return false
	}
	isMet, _ := gate["is_met"].(bool)
	if status == "met" {
		return isMet
	}
	return !isMet
}

func (e *RuleEvaluator) timeCondition(params map[string]any, ctx map[string]any) bool {
	timeType, ok := params["time"].(string)
	if !ok {
		return false
	}
	switch timeType {
	case "state_duration":
		return e.evaluateStateDuration(params, ctx)
	case "field_date":
		return e.evaluateFieldDate(params, ctx)
	}
	return false
}

func (e *RuleEvaluator) evaluateStateDuration(params map[string]any, ctx map[string]any) bool {
	enteredAt, ok := parseContextTime(ctx["state_entered_at"])
	if !ok {
		return false
	}
	diffSeconds := e.clock.Now().Sub(enteredAt).Seconds()

	unit := "hours"
	if u, ok := params["unit"].(string); ok {
		unit = u
	}
	var duration float64
	switch unit {
	case "seconds":
		duration = diffSeconds
	case "minutes":
		duration = diffSeconds / 60
	case "days":
		duration = diffSeconds / 86400
	default:
		duration = diffSeconds / 3600
	}

	operator := "gt"
	if op, ok := params["operator"].(string); ok {
		operator = op
	}
	value, _ := toFloat(params["value"])
	return compareFloats(duration, operator, value)
}

func (e *RuleEvaluator) evaluateFieldDate(params map[string]any, ctx map[string]any) bool {
	fieldPath, ok := params["field"].(string)
	if !ok {
		return false
	}
	fieldDate, ok := parseContextTime(resolveContextField(fieldPath, ctx))
	if !ok {
		return false
	}

	compareDate := e.clock.Now()
	if raw, ok := params["value"]; ok && raw != "now" {
		compareDate, ok = parseContextTime(raw)
		if !ok {
			return false
		}
	}

	operator := "lt"
	if op, ok := params["operator"].(string); ok {
		operator = op
	}
	return compareFloats(float64(fieldDate.Unix()), operator, float64(compareDate.Unix()))
}

func workflowContextCondition(params map[string]any, ctx map[string]any) bool {
	key, ok := params["workflow_context"].(string)
	if !ok {
		return false
	}
	operator := "eq"
	if op, ok := params["operator"].(string); ok {
		operator = op
	}
	instance, _ := ctx["instance"].(map[string]any)
	instanceContext, _ := instance["context"].(map[string]any)
	return compareValues(instanceContext[key], operator, params["value"])
}

// resolveContextField walks a dotted path from the context root, falling
// back to the same path under entity.
func resolveContextField(path string, ctx map[string]any) any {
	if v := getNestedValue(ctx, path); v != nil {
		return v
	}
	return getNestedValue(ctx, "entity."+path)
}

func getNestedValue(data map[string]any, path string) any {
	var current any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

func stringListContains(list any, want string) bool {
	switch items := list.(type) {
	case []string:
		for _, item := range items {
			if item == want {
				return true
			}
		}
	case []any:
		for _, item := range items {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func compareValues(actual any, operator string, expected any) bool {
	switch operator {
	case "eq":
		return looseEqual(actual, expected)
	case "neq":
		return !looseEqual(actual, expected)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if aok && bok {
			return compareFloats(a, operator, b)
		}
		as, aok := actual.(string)
		bs, bok := expected.(string)
		if !aok || !bok {
			return false
		}
		switch operator {
		case "gt":
			return as > bs
		case "gte":
			return as >= bs
		case "lt":
			return as < bs
		default:
			return as <= bs
		}
	case "in":
		return listContainsLoose(expected, actual)
	case "not_in":
		list, ok := expected.([]any)
		return ok && !listContainsLoose(list, actual)
	case "contains":
		as, aok := actual.(string)
		bs, bok := expected.(string)
		return aok && bok && strings.Contains(as, bs)
	case "starts_with":
		as, aok := actual.(string)
		bs, bok := expected.(string)
		return aok && bok && strings.HasPrefix(as, bs)
	case "ends_with":
		as, aok := actual.(string)
		bs, bok := expected.(string)
		return aok && bok && strings.HasSuffix(as, bs)
	}
	return false
}

func listContainsLoose(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

func compareFloats(a float64, operator string, b float64) bool {
	switch operator {
	case "eq":
		return a == b
	case "neq":
		return a != b
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}

// looseEqual compares values the way JSON-sourced data expects: numbers
// compare across int and float types, numeric strings compare against
// numbers, everything else falls back to deep equality.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func parseContextTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
