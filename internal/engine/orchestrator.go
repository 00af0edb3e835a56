package engine

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/guildworks/guildflow/internal/config"
	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

// Orchestrator drives the classic state machine: one current state per
// instance, transitions gated by conditions, actions on the way through.
// At most one state transition commits per evaluation, and the audit log
// row always lands in the same transaction as the state move.
type Orchestrator struct {
	definitions DefinitionStore
	instances   InstanceStore
	store       ApprovalStore
	approvals   *ApprovalManager
	evaluator   *RuleEvaluator
	executor    *ActionExecutor
	identity    IdentityProvider
	entities    EntityResolver
	clock       core.Clock
}

func NewOrchestrator(
	definitions DefinitionStore,
	instances InstanceStore,
	store ApprovalStore,
	approvals *ApprovalManager,
	evaluator *RuleEvaluator,
	executor *ActionExecutor,
	identity IdentityProvider,
	entities EntityResolver,
	clock core.Clock,
) *Orchestrator {
	return &Orchestrator{
		definitions: definitions,
		instances:   instances,
		store:       store,
		approvals:   approvals,
		evaluator:   evaluator,
		executor:    executor,
		identity:    identity,
		entities:    entities,
		clock:       clock,
	}
}

// StartWorkflow creates a new instance at the definition's initial state.
// An entity can carry at most one active instance at a time.
func (o *Orchestrator) StartWorkflow(defSlug string, entityType string, entityID int64, initiator int64, extra map[string]any) (core.Result, error) {
	def, err := o.definitions.FindActiveBySlug(defSlug)
	if err != nil {
		return core.Result{}, err
	}
	if def == nil {
		return core.Failf("No active workflow definition found for slug '%s'.", defSlug), nil
	}

	existing, err := o.instances.FindActiveByEntity(entityType, entityID)
	if err != nil {
		return core.Result{}, err
	}
	if existing != nil {
		return core.Failf("Entity %s#%d already has an active workflow instance.", entityType, entityID), nil
	}

	initial, err := o.definitions.FindInitialState(def.ID)
	if err != nil {
		return core.Result{}, err
	}
	if initial == nil {
		return core.Failf("Definition '%s' has no initial state.", defSlug), nil
	}

	now := o.clock.Now()
	inst := &domain.WorkflowInstance{
		DefinitionID:   def.ID,
		EntityType:     entityType,
		EntityID:       entityID,
		CurrentStateID: initial.ID,
		Context:        encodeJSONMap(extra),
		StateEnteredAt: now,
		StartedAt:      now,
	}
	logRow := &domain.WorkflowTransitionLog{
		ToStateID:       initial.ID,
		TriggeredBy:     nullID(initiator),
		TriggerType:     domain.TriggerTypeManual,
		ContextSnapshot: inst.Context,
	}
	if _, err := o.instances.Create(inst, logRow); err != nil {
		return core.Result{}, err
	}

	slog.Info("workflow started",
		"definition", def.Slug, "instance_id", inst.ID,
		"entity_type", entityType, "entity_id", entityID, "state", initial.Slug)

	o.runStateEntryActions(inst, initial, initiator, extra)
	if err := o.materializeGates(inst, initial, initiator, extra); err != nil {
		return core.Result{}, err
	}

	return core.OK(map[string]any{
		"instance_id": inst.ID,
		"state":       initial.Slug,
	}), nil
}

// ExecuteTransition moves an instance along a named transition from its
// current state. On action failure nothing is persisted; the state move
// and the log row commit together.
func (o *Orchestrator) ExecuteTransition(instanceID int64, transitionSlug string, triggeredBy int64, extra map[string]any) (core.Result, error) {
	inst, err := o.instances.FindByID(instanceID)
	if err == sql.ErrNoRows {
		return core.Fail("Workflow instance not found."), nil
	}
	if err != nil {
		return core.Result{}, err
	}
	if inst.IsCompleted() {
		return core.Fail("Workflow instance is already completed."), nil
	}

	transition, err := o.definitions.FindTransition(inst.DefinitionID, inst.CurrentStateID, transitionSlug)
	if err != nil {
		return core.Result{}, err
	}
	if transition == nil {
		return core.Failf("No transition '%s' from the current state.", transitionSlug), nil
	}
	return o.executeTransition(inst, transition, triggeredBy, extra, false)
}

func (o *Orchestrator) executeTransition(inst *domain.WorkflowInstance, transition *domain.WorkflowTransition, triggeredBy int64, extra map[string]any, force bool) (core.Result, error) {
	ctx, err := o.buildContext(inst, triggeredBy, extra)
	if err != nil {
		return core.Result{}, err
	}

	if !force {
		if conditions := decodeJSONMap(transition.Conditions); len(conditions) > 0 {
			if !o.evaluator.Evaluate(conditions, ctx) {
				return core.Fail("Transition conditions not met."), nil
			}
		}
	}

	fromState, err := o.definitions.FindStateByID(inst.CurrentStateID)
	if err != nil {
		return core.Result{}, err
	}
	toState, err := o.definitions.FindStateByID(transition.ToStateID)
	if err != nil {
		return core.Result{}, err
	}

	instanceContext := decodeJSONMap(inst.Context)

	if res, outcomes := o.executor.Execute(decodeActionList(fromState.OnExitActions), ctx); !res.Success {
		return core.Failf("Exit actions failed: %s", res.Reason), nil
	} else {
		mergeContextUpdates(instanceContext, outcomes)
	}
	if res, outcomes := o.executor.Execute(decodeActionList(transition.Actions), ctx); !res.Success {
		return core.Failf("Transition actions failed: %s", res.Reason), nil
	} else {
		mergeContextUpdates(instanceContext, outcomes)
	}

	now := o.clock.Now()
	previous := inst.CurrentStateID
	inst.PreviousStateID = sql.NullInt64{Int64: previous, Valid: true}
	inst.CurrentStateID = toState.ID
	inst.Context = encodeJSONMap(instanceContext)
	inst.StateEnteredAt = now
	if toState.IsTerminal() {
		inst.CompletedAt = sql.NullTime{Time: now, Valid: true}
	}

	logRow := &domain.WorkflowTransitionLog{
		FromStateID:     sql.NullInt64{Int64: previous, Valid: true},
		ToStateID:       toState.ID,
		TransitionID:    sql.NullInt64{Int64: transition.ID, Valid: true},
		TriggeredBy:     nullID(triggeredBy),
		TriggerType:     transition.TriggerType,
		ContextSnapshot: inst.Context,
	}
	if err := o.instances.ApplyTransition(inst, logRow); err == sql.ErrNoRows {
		return core.Fail("Workflow instance is already completed."), nil
	} else if err != nil {
		return core.Result{}, err
	}

	slog.Info("workflow transition",
		"instance_id", inst.ID, "transition", transition.Slug,
		"from", fromState.Slug, "to", toState.Slug, "terminal", toState.IsTerminal())

	// The transition is committed; everything after is best-effort.
	o.runStateEntryActions(inst, toState, triggeredBy, extra)

	if toState.IsTerminal() {
		if err := o.approvals.CancelApprovalsForInstance(inst.ID); err != nil {
			slog.Warn("could not cancel pending approvals", "instance_id", inst.ID, "error", err)
		}
	} else if err := o.materializeGates(inst, toState, triggeredBy, extra); err != nil {
		return core.Result{}, err
	}

	return core.OK(map[string]any{
		"instance_id": inst.ID,
		"state":       toState.Slug,
		"completed":   toState.IsTerminal(),
	}), nil
}

// runStateEntryActions runs a state's on_enter actions after the state
// change has committed. Failures are logged, never unwound.
func (o *Orchestrator) runStateEntryActions(inst *domain.WorkflowInstance, state *domain.WorkflowState, userID int64, extra map[string]any) {
	actions := decodeActionList(state.OnEnterActions)
	if len(actions) == 0 {
		return
	}
	ctx, err := o.buildContext(inst, userID, extra)
	if err != nil {
		slog.Warn("could not build context for entry actions", "instance_id", inst.ID, "state", state.Slug, "error", err)
		return
	}
	res, outcomes := o.executor.Execute(actions, ctx)
	if !res.Success {
		slog.Warn("entry actions failed", "instance_id", inst.ID, "state", state.Slug, "reason", res.Reason)
	}
	instanceContext := decodeJSONMap(inst.Context)
	before := len(instanceContext)
	mergeContextUpdates(instanceContext, outcomes)
	if len(instanceContext) != before || anyContextUpdates(outcomes) {
		inst.Context = encodeJSONMap(instanceContext)
		if err := o.instances.SaveContext(inst.ID, inst.Context); err != nil {
			slog.Warn("could not persist entry action context updates", "instance_id", inst.ID, "error", err)
		}
	}
}

// materializeGates creates pending approvals for every gate of an
// approval state, skipping gates that already have an unresolved approval.
func (o *Orchestrator) materializeGates(inst *domain.WorkflowInstance, state *domain.WorkflowState, userID int64, extra map[string]any) error {
	if !state.IsApproval() {
		return nil
	}
	gates, err := o.store.FindGatesForState(state.ID)
	if err != nil {
		return err
	}
	if len(gates) == 0 {
		return nil
	}
	existing, err := o.store.FindPendingForInstance(inst.ID)
	if err != nil {
		return err
	}
	pendingGateIDs := map[int64]bool{}
	for _, a := range existing {
		if a.GateID.Valid {
			pendingGateIDs[a.GateID.Int64] = true
		}
	}
	ctx, err := o.buildContext(inst, userID, extra)
	if err != nil {
		return err
	}
	for i := range gates {
		if pendingGateIDs[gates[i].ID] {
			continue
		}
		if _, err := o.approvals.CreateForGate(inst, &gates[i], ctx); err != nil {
			return err
		}
	}
	return nil
}

// GetAvailableTransitions returns the manual transitions a user can take
// from the instance's current state, lowest priority number first.
func (o *Orchestrator) GetAvailableTransitions(instanceID int64, userID int64) ([]domain.WorkflowTransition, error) {
	inst, err := o.instances.FindByID(instanceID)
	if err != nil {
		return nil, err
	}
	if inst.IsCompleted() {
		return nil, nil
	}
	transitions, err := o.definitions.FindTransitionsFrom(inst.DefinitionID, inst.CurrentStateID)
	if err != nil {
		return nil, err
	}
	ctx, err := o.buildContext(inst, userID, nil)
	if err != nil {
		return nil, err
	}

	var available []domain.WorkflowTransition
	for _, t := range transitions {
		if t.TriggerType != domain.TriggerTypeManual {
			continue
		}
		conditions := decodeJSONMap(t.Conditions)
		if len(conditions) == 0 || o.evaluator.Evaluate(conditions, ctx) {
			available = append(available, t)
		}
	}
	return available, nil
}

// ProcessScheduledTransitions sweeps active instances: the first satisfied
// automatic or scheduled transition per instance fires, then approval
// gates past their timeout force the configured timeout transition.
// Per-instance failures are collected, the sweep itself keeps going.
func (o *Orchestrator) ProcessScheduledTransitions() (core.Result, error) {
	batchSize := config.GetSystemSettingInteger(config.ENGINE_SWEEP_BATCH_SIZE)
	active, err := o.instances.FindActive(batchSize)
	if err != nil {
		return core.Result{}, err
	}

	processed := 0
	var errs *multierror.Error
	var errorMessages []string

	for i := range active {
		inst := active[i]
		fired, err := o.sweepInstance(&inst)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("instance %d: %w", inst.ID, err))
			errorMessages = append(errorMessages, fmt.Sprintf("instance %d: %v", inst.ID, err))
			continue
		}
		if fired {
			processed++
			continue
		}
		fired, err = o.sweepApprovalTimeouts(&inst)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("instance %d approval timeout: %w", inst.ID, err))
			errorMessages = append(errorMessages, fmt.Sprintf("instance %d approval timeout: %v", inst.ID, err))
			continue
		}
		if fired {
			processed++
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		slog.Warn("scheduled sweep finished with errors", "processed", processed, "errors", len(errorMessages))
	}
	return core.OK(map[string]any{
		"processed": processed,
		"errors":    errorMessages,
	}), nil
}

// sweepInstance fires at most one automatic/scheduled transition.
func (o *Orchestrator) sweepInstance(inst *domain.WorkflowInstance) (bool, error) {
	transitions, err := o.definitions.FindTransitionsFrom(inst.DefinitionID, inst.CurrentStateID)
	if err != nil {
		return false, err
	}
	ctx, err := o.buildContext(inst, 0, nil)
	if err != nil {
		return false, err
	}
	for i := range transitions {
		t := transitions[i]
		if t.TriggerType != domain.TriggerTypeAutomatic && t.TriggerType != domain.TriggerTypeScheduled {
			continue
		}
		conditions := decodeJSONMap(t.Conditions)
		if len(conditions) > 0 && !o.evaluator.Evaluate(conditions, ctx) {
			continue
		}
		res, err := o.executeTransition(inst, &t, 0, nil, false)
		if err != nil {
			return false, err
		}
		if res.Success {
			return true, nil
		}
		slog.Debug("scheduled transition skipped", "instance_id", inst.ID, "transition", t.Slug, "reason", res.Reason)
		return false, nil
	}
	return false, nil
}

// sweepApprovalTimeouts forces a gate's timeout transition once
// timeout_hours have elapsed since the state was entered and the gate's
// approval is still pending.
func (o *Orchestrator) sweepApprovalTimeouts(inst *domain.WorkflowInstance) (bool, error) {
	state, err := o.definitions.FindStateByID(inst.CurrentStateID)
	if err != nil {
		return false, err
	}
	if !state.IsApproval() {
		return false, nil
	}
	gates, err := o.store.FindGatesForState(state.ID)
	if err != nil {
		return false, err
	}
	pending, err := o.store.FindPendingForInstance(inst.ID)
	if err != nil {
		return false, err
	}
	pendingGateIDs := map[int64]bool{}
	for _, a := range pending {
		if a.GateID.Valid {
			pendingGateIDs[a.GateID.Int64] = true
		}
	}

	now := o.clock.Now()
	for i := range gates {
		gate := gates[i]
		if !gate.TimeoutHours.Valid || !gate.TimeoutTransitionID.Valid {
			continue
		}
		if !pendingGateIDs[gate.ID] {
			continue
		}
		deadline := inst.StateEnteredAt.Add(time.Duration(gate.TimeoutHours.Int64) * time.Hour)
		if now.Before(deadline) {
			continue
		}
		transition, err := o.definitions.FindTransitionByID(gate.TimeoutTransitionID.Int64)
		if err != nil {
			return false, err
		}
		slog.Info("approval gate timed out",
			"instance_id", inst.ID, "gate", gate.Name, "transition", transition.Slug)
		res, err := o.executeTransition(inst, transition, 0, nil, true)
		if err != nil {
			return false, err
		}
		return res.Success, nil
	}
	return false, nil
}

// CancelWorkflow completes a non-terminal instance in place, recording
// the reason in its context and cancelling pending approvals.
func (o *Orchestrator) CancelWorkflow(instanceID int64, reason string, cancelledBy int64) (core.Result, error) {
	inst, err := o.instances.FindByID(instanceID)
	if err == sql.ErrNoRows {
		return core.Fail("Workflow instance not found."), nil
	}
	if err != nil {
		return core.Result{}, err
	}
	if inst.IsCompleted() {
		return core.Fail("Cannot cancel a completed workflow instance."), nil
	}

	instanceContext := decodeJSONMap(inst.Context)
	if reason != "" {
		instanceContext["cancellation_reason"] = reason
	}
	now := o.clock.Now()
	inst.Context = encodeJSONMap(instanceContext)
	inst.CompletedAt = sql.NullTime{Time: now, Valid: true}

	logRow := &domain.WorkflowTransitionLog{
		FromStateID:     sql.NullInt64{Int64: inst.CurrentStateID, Valid: true},
		ToStateID:       inst.CurrentStateID,
		TriggeredBy:     nullID(cancelledBy),
		TriggerType:     domain.TriggerTypeManual,
		ContextSnapshot: inst.Context,
		Notes:           sql.NullString{String: "cancelled", Valid: true},
	}
	if err := o.instances.ApplyTransition(inst, logRow); err == sql.ErrNoRows {
		return core.Fail("Cannot cancel a completed workflow instance."), nil
	} else if err != nil {
		return core.Result{}, err
	}

	if err := o.approvals.CancelApprovalsForInstance(inst.ID); err != nil {
		slog.Warn("could not cancel pending approvals", "instance_id", inst.ID, "error", err)
	}
	slog.Info("workflow cancelled", "instance_id", inst.ID, "reason", reason)
	return core.OK(map[string]any{"instance_id": inst.ID}), nil
}

// GetInstanceState reports an instance's current position for callers
// surfacing workflow status.
func (o *Orchestrator) GetInstanceState(instanceID int64) (map[string]any, error) {
	inst, err := o.instances.FindByID(instanceID)
	if err != nil {
		return nil, err
	}
	state, err := o.definitions.FindStateByID(inst.CurrentStateID)
	if err != nil {
		return nil, err
	}
	approvals, err := o.store.FindPendingForInstance(inst.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"instance_id":      inst.ID,
		"definition_id":    inst.DefinitionID,
		"entity_type":      inst.EntityType,
		"entity_id":        inst.EntityID,
		"state":            state.Slug,
		"state_type":       state.StateType,
		"completed":        inst.IsCompleted(),
		"context":          decodeJSONMap(inst.Context),
		"pending_approvals": len(approvals),
	}, nil
}

// buildContext assembles the evaluation context: acting user, entity
// snapshot, instance context, approval gate status, and caller extras.
func (o *Orchestrator) buildContext(inst *domain.WorkflowInstance, userID int64, extra map[string]any) (map[string]any, error) {
	instanceContext := decodeJSONMap(inst.Context)
	ctx := map[string]any{
		"user_id":          userID,
		"user_permissions": []string{},
		"user_roles":       []string{},
		"entity_type":      inst.EntityType,
		"entity_id":        inst.EntityID,
		"instance": map[string]any{
			"id":      inst.ID,
			"context": instanceContext,
		},
		"instance_context": instanceContext,
		"state_entered_at": inst.StateEnteredAt,
		"now":              o.clock.Now(),
	}
	if userID == 0 {
		ctx["user_id"] = nil
	}

	if userID != 0 && o.identity != nil {
		if permissions, err := o.identity.MemberPermissions(userID); err == nil {
			ctx["user_permissions"] = permissions
		} else {
			slog.Warn("could not load member permissions", "member", userID, "error", err)
		}
		if roles, err := o.identity.MemberRoles(userID); err == nil {
			ctx["user_roles"] = roles
		} else {
			slog.Warn("could not load member roles", "member", userID, "error", err)
		}
	}

	if o.entities != nil {
		entity, err := o.entities.Resolve(inst.EntityType, inst.EntityID)
		if err != nil {
			slog.Warn("could not resolve entity", "entity_type", inst.EntityType, "entity_id", inst.EntityID, "error", err)
		} else {
			ctx["entity"] = entity
		}
	}

	gateStatus, err := o.approvalGateStatus(inst)
	if err != nil {
		return nil, err
	}
	if gateStatus != nil {
		ctx["approval_gates"] = gateStatus
	}

	for k, v := range extra {
		ctx[k] = v
	}
	return ctx, nil
}

// approvalGateStatus maps gate names to their latest approval's progress
// for the instance's current state.
func (o *Orchestrator) approvalGateStatus(inst *domain.WorkflowInstance) (map[string]any, error) {
	gates, err := o.store.FindGatesForState(inst.CurrentStateID)
	if err != nil {
		return nil, err
	}
	if len(gates) == 0 {
		return nil, nil
	}
	approvals, err := o.store.FindApprovalsForInstance(inst.ID)
	if err != nil {
		return nil, err
	}

	status := map[string]any{}
	for _, gate := range gates {
		var latest *domain.WorkflowApproval
		for i := range approvals {
			if approvals[i].GateID.Valid && approvals[i].GateID.Int64 == gate.ID {
				latest = &approvals[i]
			}
		}
		entry := map[string]any{
			"is_met": false,
			"status": domain.ApprovalStatusPending,
		}
		if latest != nil {
			entry["is_met"] = latest.Status == domain.ApprovalStatusApproved
			entry["status"] = latest.Status
			entry["approved_count"] = latest.ApprovedCount
			entry["rejected_count"] = latest.RejectedCount
			entry["required_count"] = latest.RequiredCount
		}
		status[gate.Name] = entry
	}
	return status, nil
}

func mergeContextUpdates(target map[string]any, outcomes []ActionOutcome) {
	for _, outcome := range outcomes {
		if !outcome.Success {
			continue
		}
		updates, ok := outcome.Data["context_updates"].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range updates {
			target[k] = v
		}
	}
}

func anyContextUpdates(outcomes []ActionOutcome) bool {
	for _, outcome := range outcomes {
		if _, ok := outcome.Data["context_updates"].(map[string]any); ok && outcome.Success {
			return true
		}
	}
	return false
}

func decodeActionList(s sql.NullString) []map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	raw := decodeJSONList(s.String)
	var actions []map[string]any
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			actions = append(actions, m)
		}
	}
	return actions
}

func nullID(id int64) sql.NullInt64 {
	if id <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}
