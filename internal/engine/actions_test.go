package engine

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildworks/guildflow/pkg/guildflow/core"
)

func testExecutor(entities EntityStore, mailer Mailer) *ActionExecutor {
	resolver, _ := testResolver()
	return NewActionExecutor(resolver, entities, mailer)
}

func TestExecuteRunsActionsInOrder(t *testing.T) {
	e := testExecutor(nil, nil)
	var order []string
	e.RegisterActionType("first", func(params map[string]any, ctx map[string]any) core.Result {
		order = append(order, "first")
		return core.OK(nil)
	})
	e.RegisterActionType("second", func(params map[string]any, ctx map[string]any) core.Result {
		order = append(order, "second")
		return core.OK(nil)
	})

	res, outcomes := e.Execute([]map[string]any{
		{"type": "first"},
		{"type": "second"},
	}, map[string]any{})

	require.True(t, res.Success)
	require.Len(t, outcomes, 2)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestExecuteStopsOnFailure(t *testing.T) {
	e := testExecutor(nil, nil)
	ran := false
	e.RegisterActionType("boom", func(params map[string]any, ctx map[string]any) core.Result {
		return core.Fail("storage offline")
	})
	e.RegisterActionType("after", func(params map[string]any, ctx map[string]any) core.Result {
		ran = true
		return core.OK(nil)
	})

	res, outcomes := e.Execute([]map[string]any{
		{"type": "boom"},
		{"type": "after"},
	}, map[string]any{})

	require.False(t, res.Success)
	assert.Equal(t, "Action 'boom' failed: storage offline", res.Reason)
	assert.Len(t, outcomes, 1)
	assert.False(t, ran)
}

func TestExecuteOptionalFailureContinues(t *testing.T) {
	e := testExecutor(nil, nil)
	e.RegisterActionType("boom", func(params map[string]any, ctx map[string]any) core.Result {
		return core.Fail("storage offline")
	})

	res, outcomes := e.Execute([]map[string]any{
		{"type": "boom", "optional": true},
		{"type": "set_context", "key": "stage", "value": "done"},
	}, map[string]any{})

	require.True(t, res.Success)
	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Success)
	assert.True(t, outcomes[1].Success)
}

func TestExecuteUnknownAndMissingTypes(t *testing.T) {
	e := testExecutor(nil, nil)

	res, outcomes := e.Execute([]map[string]any{{"type": "no_such_action"}}, map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "Unknown action type: no_such_action", outcomes[0].Reason)

	res, outcomes = e.Execute([]map[string]any{{"value": 1}}, map[string]any{})
	require.False(t, res.Success)
	assert.Equal(t, "unknown", outcomes[0].Type)
	assert.Equal(t, "No action type specified", outcomes[0].Reason)

	// Optional lets both slide.
	res, _ = e.Execute([]map[string]any{{"type": "no_such_action", "optional": true}}, map[string]any{})
	assert.True(t, res.Success)
}

func TestSetFieldActionWritesThroughStore(t *testing.T) {
	var gotType, gotField string
	var gotID int64
	var gotValue any
	store := &mockEntityStore{
		SetFieldFunc: func(entityType string, entityID int64, field string, value any) error {
			gotType, gotID, gotField, gotValue = entityType, entityID, field, value
			return nil
		},
	}
	e := testExecutor(store, nil)

	ctx := map[string]any{
		"entity_type": "membership_application",
		"entity_id":   int64(42),
		"entity":      map[string]any{"reviewer": "T. Banda"},
	}
	res, outcomes := e.Execute([]map[string]any{
		{"type": "set_field", "field": "approved_by", "value": "{{entity.reviewer}}"},
	}, ctx)

	require.True(t, res.Success)
	assert.Equal(t, "membership_application", gotType)
	assert.Equal(t, int64(42), gotID)
	assert.Equal(t, "approved_by", gotField)
	assert.Equal(t, "T. Banda", gotValue)
	assert.Nil(t, outcomes[0].Data["deferred"])
}

func TestSetFieldActionDefersWithoutStore(t *testing.T) {
	e := testExecutor(nil, nil)
	res, outcomes := e.Execute([]map[string]any{
		{"type": "set_field", "field": "status", "value": "approved"},
	}, map[string]any{"entity_type": "award", "entity_id": int64(1)})

	require.True(t, res.Success)
	assert.Equal(t, true, outcomes[0].Data["deferred"])
	assert.Equal(t, "approved", outcomes[0].Data["value"])
}

func TestSetFieldActionFailures(t *testing.T) {
	store := &mockEntityStore{
		SetFieldFunc: func(entityType string, entityID int64, field string, value any) error {
			return errors.New("column missing")
		},
	}
	e := testExecutor(store, nil)
	ctx := map[string]any{"entity_type": "award", "entity_id": int64(1)}

	res, _ := e.Execute([]map[string]any{{"type": "set_field", "field": "status", "value": "x"}}, ctx)
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "Failed to save field status")

	res, _ = e.Execute([]map[string]any{{"type": "set_field"}}, ctx)
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "No field specified")
}

func TestSetContextAction(t *testing.T) {
	e := testExecutor(nil, nil)

	res, outcomes := e.Execute([]map[string]any{
		{"type": "set_context", "key": "stage", "value": "review"},
	}, map[string]any{})
	require.True(t, res.Success)
	updates := outcomes[0].Data["context_updates"].(map[string]any)
	assert.Equal(t, "review", updates["stage"])
}

func TestSetContextActionIncrement(t *testing.T) {
	e := testExecutor(nil, nil)
	ctx := map[string]any{
		"instance_context": map[string]any{"review_round": float64(2)},
	}

	res, outcomes := e.Execute([]map[string]any{
		{"type": "set_context", "key": "review_round", "value": "{{increment}}"},
	}, ctx)
	require.True(t, res.Success)
	updates := outcomes[0].Data["context_updates"].(map[string]any)
	assert.Equal(t, 3, updates["review_round"])

	// Absent keys start from zero.
	res, outcomes = e.Execute([]map[string]any{
		{"type": "set_context", "key": "retries", "value": "{{increment}}"},
	}, map[string]any{})
	require.True(t, res.Success)
	updates = outcomes[0].Data["context_updates"].(map[string]any)
	assert.Equal(t, 1, updates["retries"])
}

func TestSendEmailAction(t *testing.T) {
	var gotMailer, gotMethod, gotTo string
	var gotVars map[string]any
	mailer := &mockMailer{
		SendFunc: func(m string, method string, to string, vars map[string]any) error {
			gotMailer, gotMethod, gotTo, gotVars = m, method, to, vars
			return nil
		},
	}
	e := testExecutor(nil, mailer)
	ctx := map[string]any{"entity": map[string]any{"email": "member@example.org", "name": "Jo"}}

	res, _ := e.Execute([]map[string]any{{
		"type":   "send_email",
		"mailer": "MembershipMailer",
		"method": "applicationApproved",
		"to":     "{{entity.email}}",
		"vars":   map[string]any{"name": "{{entity.name}}"},
	}}, ctx)

	require.True(t, res.Success)
	assert.Equal(t, "MembershipMailer", gotMailer)
	assert.Equal(t, "applicationApproved", gotMethod)
	assert.Equal(t, "member@example.org", gotTo)
	assert.Equal(t, "Jo", gotVars["name"])
}

func TestSendEmailActionRequiresMailerAndMethod(t *testing.T) {
	e := testExecutor(nil, nil)
	res, _ := e.Execute([]map[string]any{{"type": "send_email", "mailer": "M"}}, map[string]any{})
	require.False(t, res.Success)
	assert.Contains(t, res.Reason, "Mailer and method are required")
}

func TestWebhookActionPostsResolvedPayload(t *testing.T) {
	var gotBody map[string]any
	var gotMethod, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := testExecutor(nil, nil)
	ctx := map[string]any{"entity": map[string]any{"id": float64(8)}}

	res, _ := e.Execute([]map[string]any{{
		"type":    "webhook",
		"url":     server.URL,
		"payload": map[string]any{"entity_id": "{{entity.id}}"},
	}}, ctx)

	require.True(t, res.Success)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, float64(8), gotBody["entity_id"])
}

func TestWebhookActionNonSuccessStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e := testExecutor(nil, nil)
	res, outcomes := e.Execute([]map[string]any{{"type": "webhook", "url": server.URL}}, map[string]any{})

	require.False(t, res.Success)
	assert.Equal(t, http.StatusBadGateway, outcomes[0].Data["status"])
}

func TestWebhookActionGetMethod(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer server.Close()

	e := testExecutor(nil, nil)
	res, _ := e.Execute([]map[string]any{{"type": "webhook", "url": server.URL, "method": "get"}}, map[string]any{})

	require.True(t, res.Success)
	assert.Equal(t, http.MethodGet, gotMethod)
}
