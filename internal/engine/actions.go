package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/guildworks/guildflow/internal/config"
	"github.com/guildworks/guildflow/pkg/guildflow/core"
)

// ActionFunc executes one action definition against the runtime context.
type ActionFunc func(params map[string]any, ctx map[string]any) core.Result

// ActionOutcome is the recorded result of one action in a list.
type ActionOutcome struct {
	Type    string
	Success bool
	Reason  string
	Data    map[string]any
}

// ActionExecutor runs lists of action definitions during transitions.
// Built-in actions: set_field, send_email, set_context, webhook. Hosts may
// register additional action types.
type ActionExecutor struct {
	resolver   *ContextResolver
	entities   EntityStore
	mailer     Mailer
	httpClient *http.Client
	actions    map[string]ActionFunc
}

func NewActionExecutor(resolver *ContextResolver, entities EntityStore, mailer Mailer) *ActionExecutor {
	timeout := time.Duration(config.GetSystemSettingInteger(config.ENGINE_WEBHOOK_TIMEOUT_SECONDS)) * time.Second
	e := &ActionExecutor{
		resolver:   resolver,
		entities:   entities,
		mailer:     mailer,
		httpClient: &http.Client{Timeout: timeout},
		actions:    map[string]ActionFunc{},
	}
	e.RegisterActionType("set_field", e.setFieldAction)
	e.RegisterActionType("send_email", e.sendEmailAction)
	e.RegisterActionType("set_context", e.setContextAction)
	e.RegisterActionType("webhook", e.webhookAction)
	return e
}

func (e *ActionExecutor) RegisterActionType(name string, fn ActionFunc) {
	e.actions[name] = fn
}

func (e *ActionExecutor) RegisteredActionTypes() []string {
	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	return names
}

// Execute runs the actions in order. A failed action stops the list and
// fails the whole run unless the definition marks it optional. An unknown
// or missing action type counts as a failure of that step.
func (e *ActionExecutor) Execute(actions []map[string]any, ctx map[string]any) (core.Result, []ActionOutcome) {
	var outcomes []ActionOutcome
	for _, def := range actions {
		name, _ := def["type"].(string)
		optional, _ := def["optional"].(bool)

		var result core.Result
		switch {
		case name == "":
			name = "unknown"
			result = core.Fail("No action type specified")
		default:
			fn, ok := e.actions[name]
			if !ok {
				result = core.Failf("Unknown action type: %s", name)
			} else {
				result = fn(def, ctx)
			}
		}

		outcomes = append(outcomes, ActionOutcome{
			Type:    name,
			Success: result.Success,
			Reason:  result.Reason,
			Data:    result.Data,
		})
		if !result.Success && !optional {
			return core.Failf("Action '%s' failed: %s", name, result.Reason), outcomes
		}
	}
	return core.OK(nil), outcomes
}

// setFieldAction writes one field on the governed entity, or records the
// intent as deferred when no entity store is wired.
func (e *ActionExecutor) setFieldAction(params map[string]any, ctx map[string]any) core.Result {
	field, ok := params["field"].(string)
	if !ok || field == "" {
		return core.Fail("No field specified for set_field action")
	}
	value := e.resolver.ResolveValue(params["value"], ctx)

	entityType, _ := ctx["entity_type"].(string)
	entityID, hasID := toInt64(ctx["entity_id"])

	if e.entities != nil && entityType != "" && hasID {
		if err := e.entities.SetField(entityType, entityID, field, value); err != nil {
			slog.Warn("set_field action failed", "field", field, "error", err)
			return core.Failf("Failed to save field %s", field)
		}
		return core.OK(map[string]any{"field": field, "value": value})
	}
	return core.OK(map[string]any{"field": field, "value": value, "deferred": true})
}

// setContextAction stages an instance context update for the orchestrator
// to merge after the transition commits.
func (e *ActionExecutor) setContextAction(params map[string]any, ctx map[string]any) core.Result {
	key, ok := params["key"].(string)
	if !ok || key == "" {
		return core.Fail("No key specified for set_context action")
	}
	resolved := e.resolver.ResolveValue(params["value"], ctx)

	if resolved == incrementMarker {
		instanceContext, _ := ctx["instance_context"].(map[string]any)
		current, _ := toFloat(instanceContext[key])
		resolved = int(current) + 1
	}

	return core.OK(map[string]any{
		"context_updates": map[string]any{key: resolved},
	})
}

func (e *ActionExecutor) sendEmailAction(params map[string]any, ctx map[string]any) core.Result {
	mailer, _ := params["mailer"].(string)
	method, _ := params["method"].(string)
	if mailer == "" || method == "" {
		return core.Fail("Mailer and method are required for send_email action")
	}

	var to string
	if raw, ok := params["to"]; ok {
		to = stringifyValue(e.resolver.ResolveValue(raw, ctx))
	}

	vars := map[string]any{}
	if rawVars, ok := params["vars"].(map[string]any); ok {
		vars = e.resolver.ResolveMap(rawVars, ctx)
	}

	slog.Info("workflow action send_email", "mailer", mailer, "method", method, "to", to)

	if e.mailer != nil {
		if err := e.mailer.Send(mailer, method, to, vars); err != nil {
			return core.Failf("Email send failed: %v", err)
		}
	}
	return core.OK(map[string]any{
		"mailer": mailer,
		"method": method,
		"to":     to,
		"vars":   vars,
	})
}

func (e *ActionExecutor) webhookAction(params map[string]any, ctx map[string]any) core.Result {
	rawURL, ok := params["url"].(string)
	if !ok || rawURL == "" {
		return core.Fail("No URL specified for webhook action")
	}
	method := "POST"
	if m, ok := params["method"].(string); ok {
		method = strings.ToUpper(m)
	}
	url := stringifyValue(e.resolver.ResolveValue(rawURL, ctx))

	var payload any
	switch p := params["payload"].(type) {
	case map[string]any:
		payload = e.resolver.ResolveMap(p, ctx)
	case nil:
		payload = map[string]any{}
	default:
		payload = e.resolver.ResolveValue(p, ctx)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.Failf("Webhook failed: %v", err)
	}

	var req *http.Request
	switch method {
	case "POST", "PUT":
		req, err = http.NewRequest(method, url, bytes.NewReader(body))
	default:
		req, err = http.NewRequest(http.MethodGet, url, nil)
	}
	if err != nil {
		return core.FailData(fmt.Sprintf("Webhook failed: %v", err), map[string]any{"url": url})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		slog.Warn("webhook failed", "url", url, "error", err)
		return core.FailData(fmt.Sprintf("Webhook failed: %v", err), map[string]any{"url": url})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return core.OK(map[string]any{"status": resp.StatusCode, "url": url})
	}
	slog.Warn("webhook returned non-success status", "url", url, "status", resp.StatusCode)
	return core.FailData(
		fmt.Sprintf("Webhook returned HTTP %d", resp.StatusCode),
		map[string]any{"status": resp.StatusCode, "url": url},
	)
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}
