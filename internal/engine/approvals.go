package engine

import (
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

var deadlinePattern = regexp.MustCompile(`^(\d+)([dhm])$`)

// ApprovalManager owns the approval gate lifecycle: materializing gates
// into approvals, recording responses, eligibility resolution, and
// deadline expiry.
type ApprovalManager struct {
	approvals ApprovalStore
	instances InstanceStore
	identity  IdentityProvider
	entities  EntityResolver
	settings  SettingsProvider
	clock     core.Clock
	resolvers map[string]DynamicApproverResolver
	policies  map[string]PolicyCheck
}

func NewApprovalManager(
	approvals ApprovalStore,
	instances InstanceStore,
	identity IdentityProvider,
	entities EntityResolver,
	settings SettingsProvider,
	clock core.Clock,
) *ApprovalManager {
	return &ApprovalManager{
		approvals: approvals,
		instances: instances,
		identity:  identity,
		entities:  entities,
		settings:  settings,
		clock:     clock,
		resolvers: map[string]DynamicApproverResolver{},
		policies:  map[string]PolicyCheck{},
	}
}

// RegisterApproverResolver registers a dynamic approver resolver under the
// service name referenced from approver rule configs.
func (m *ApprovalManager) RegisterApproverResolver(name string, fn DynamicApproverResolver) {
	m.resolvers[name] = fn
}

// RegisterPolicyCheck registers a policy check under the name referenced
// from policy approver rule configs.
func (m *ApprovalManager) RegisterPolicyCheck(name string, fn PolicyCheck) {
	m.policies[name] = fn
}

// CreateForGate materializes one design-time gate into a pending approval
// for a running instance. The required count resolves through the gate's
// threshold config against the entity snapshot and app settings.
func (m *ApprovalManager) CreateForGate(inst *domain.WorkflowInstance, gate *domain.WorkflowApprovalGate, ctx map[string]any) (*domain.WorkflowApproval, error) {
	approval := &domain.WorkflowApproval{
		InstanceID:    inst.ID,
		GateID:        sql.NullInt64{Int64: gate.ID, Valid: true},
		ApprovalType:  gate.ApprovalType,
		ApproverType:  gate.ApproverType,
		ApproverRule:  gate.ApproverRule,
		Status:        domain.ApprovalStatusPending,
		RequiredCount: m.resolveRequiredCount(gate, ctx),
		AllowParallel: true,
		Token:         uuid.NewString(),
	}
	if _, err := m.approvals.CreateApproval(approval); err != nil {
		return nil, err
	}
	slog.Info("approval gate materialized",
		"instance_id", inst.ID, "gate", gate.Name, "approval_id", approval.ID,
		"required_count", approval.RequiredCount)
	return approval, nil
}

// CreateApproval creates an approval for a graph node from its node config.
// Defaults: approver type permission, required count 1, parallel allowed.
// Deadlines accept relative strings ("7d", "24h", "30m") or a date literal.
func (m *ApprovalManager) CreateApproval(instanceID int64, nodeID string, cfg map[string]any) (*domain.WorkflowApproval, error) {
	approverType := domain.ApproverTypePermission
	if t, ok := cfg["approverType"].(string); ok && t != "" {
		approverType = t
	}
	requiredCount := 1
	if n, ok := toFloat(cfg["requiredCount"]); ok && n > 0 {
		requiredCount = int(n)
	}
	allowParallel := true
	if b, ok := cfg["allowParallel"].(bool); ok {
		allowParallel = b
	}

	approval := &domain.WorkflowApproval{
		InstanceID:    instanceID,
		NodeID:        sql.NullString{String: nodeID, Valid: nodeID != ""},
		ApprovalType:  domain.ApprovalTypeThreshold,
		ApproverType:  approverType,
		Status:        domain.ApprovalStatusPending,
		RequiredCount: requiredCount,
		AllowParallel: allowParallel,
		Token:         uuid.NewString(),
	}
	if t, ok := cfg["approvalType"].(string); ok && t != "" {
		approval.ApprovalType = t
	}
	if rule, ok := cfg["approverConfig"].(map[string]any); ok {
		approval.ApproverRule = encodeJSONMap(rule)
	}
	if raw, ok := cfg["deadline"].(string); ok && raw != "" {
		if deadline, ok := m.parseDeadline(raw); ok {
			approval.Deadline = sql.NullTime{Time: deadline, Valid: true}
		}
	}

	if _, err := m.approvals.CreateApproval(approval); err != nil {
		return nil, err
	}
	return approval, nil
}

// RecordResponse validates eligibility, then hands the response to the
// store's locked transaction where counters are incremented and the new
// status is computed. Serial pick-next chains stay pending until the
// threshold is met, carrying the picked approver forward in the rule.
func (m *ApprovalManager) RecordResponse(approvalID, memberID int64, decision string, comment string, nextApproverID int64) (core.Result, error) {
	approval, err := m.approvals.FindApprovalByID(approvalID)
	if err != nil {
		return core.Result{}, err
	}
	if approval == nil {
		return core.Fail("Approval not found."), nil
	}
	if approval.Status != domain.ApprovalStatusPending {
		return core.Fail("Approval is no longer pending."), nil
	}
	if !m.isMemberEligible(approval, memberID) {
		return core.Fail("You are not eligible to respond to this approval."), nil
	}

	resp := &domain.WorkflowApprovalResponse{
		ApprovalID: approvalID,
		MemberID:   memberID,
		Decision:   decision,
	}
	if comment != "" {
		resp.Comment = sql.NullString{String: comment, Valid: true}
	}

	updated, err := m.approvals.RecordResponse(resp, m.resolver(memberID, nextApproverID))
	switch {
	case errors.Is(err, domain.ErrApprovalNotFound):
		return core.Fail("Approval not found."), nil
	case errors.Is(err, domain.ErrApprovalNotPending):
		return core.Fail("Approval is no longer pending."), nil
	case errors.Is(err, domain.ErrDuplicateResponse):
		return core.Fail("Member has already responded to this approval."), nil
	case err != nil:
		return core.Result{}, err
	}

	data := map[string]any{
		"approvalStatus": updated.Status,
		"instanceId":     updated.InstanceID,
	}
	if updated.NodeID.Valid {
		data["nodeId"] = updated.NodeID.String
	}
	if updated.Status == domain.ApprovalStatusPending {
		data["needsMore"] = true
	}
	return core.OK(data), nil
}

// resolver builds the in-transaction status computation for one response.
func (m *ApprovalManager) resolver(memberID, nextApproverID int64) domain.ApprovalResolver {
	return func(a *domain.WorkflowApproval, decision string) (string, sql.NullString) {
		config := decodeJSONMap(a.ApproverRule)
		serialPickNext, _ := config["serial_pick_next"].(bool)

		if a.RejectedCount > 0 {
			return domain.ApprovalStatusRejected, sql.NullString{}
		}
		switch a.ApprovalType {
		case domain.ApprovalTypeAnyOne:
			if a.ApprovedCount >= 1 {
				return domain.ApprovalStatusApproved, sql.NullString{}
			}
		case domain.ApprovalTypeUnanimous:
			if a.ApprovedCount >= a.RequiredCount && a.RejectedCount == 0 {
				return domain.ApprovalStatusApproved, sql.NullString{}
			}
		default:
			if a.ApprovedCount >= a.RequiredCount {
				return domain.ApprovalStatusApproved, sql.NullString{}
			}
		}

		if serialPickNext && decision == domain.DecisionApprove {
			if nextApproverID > 0 {
				config["current_approver_id"] = nextApproverID
			} else {
				delete(config, "current_approver_id")
			}
			chain, _ := config["approval_chain"].([]any)
			entry := map[string]any{
				"approver_id":  memberID,
				"responded_at": m.clock.Now().UTC().Format(time.RFC3339),
			}
			if nextApproverID > 0 {
				entry["next_picked"] = nextApproverID
			}
			config["approval_chain"] = append(chain, entry)
			config["exclude_member_ids"] = appendUniqueID(config["exclude_member_ids"], memberID)
			return domain.ApprovalStatusPending, encodeJSONMap(config)
		}
		return domain.ApprovalStatusPending, sql.NullString{}
	}
}

func appendUniqueID(raw any, id int64) []any {
	list, _ := raw.([]any)
	for _, item := range list {
		if existing, ok := toInt64(item); ok && existing == id {
			return list
		}
	}
	return append(list, id)
}

// GetPendingApprovalsForMember returns the pending approvals the member is
// eligible to act on and has not responded to. Permissions and roles are
// fetched once up front.
func (m *ApprovalManager) GetPendingApprovalsForMember(memberID int64) ([]domain.WorkflowApproval, error) {
	pending, err := m.approvals.FindPendingApprovals()
	if err != nil {
		return nil, err
	}
	permissions, roles := m.memberSets(memberID)

	var eligible []domain.WorkflowApproval
	for i := range pending {
		approval := pending[i]
		responded, err := m.approvals.HasResponded(approval.ID, memberID)
		if err != nil {
			return nil, err
		}
		if responded {
			continue
		}
		if m.isEligibleCached(&approval, memberID, permissions, roles) {
			eligible = append(eligible, approval)
		}
	}
	return eligible, nil
}

// GetEligibleApprovers returns all member ids eligible to respond, for
// notification fan-out.
func (m *ApprovalManager) GetEligibleApprovers(approvalID int64) ([]int64, error) {
	approval, err := m.approvals.FindApprovalByID(approvalID)
	if err != nil || approval == nil {
		return nil, err
	}
	config := decodeJSONMap(approval.ApproverRule)

	switch approval.ApproverType {
	case domain.ApproverTypePermission:
		permission, _ := config["permission"].(string)
		if permission == "" || m.identity == nil {
			return nil, nil
		}
		return m.identity.MembersWithPermission(permission)
	case domain.ApproverTypeRole:
		role, _ := config["role"].(string)
		if role == "" || m.identity == nil {
			return nil, nil
		}
		return m.identity.MembersWithRole(role)
	case domain.ApproverTypeMember:
		if id, ok := toInt64(config["member_id"]); ok && id > 0 {
			return []int64{id}, nil
		}
		return nil, nil
	case domain.ApproverTypeDynamic:
		ids, err := m.resolveDynamicApproverIDs(approval, config)
		if err != nil {
			slog.Error("dynamic approver resolution failed", "approval_id", approval.ID, "error", err)
			return nil, nil
		}
		return ids, nil
	case domain.ApproverTypePolicy:
		// Candidate list falls back to the permission named in the rule,
		// filtered at response time by the policy check.
		permission, _ := config["permission"].(string)
		if permission == "" || m.identity == nil {
			return nil, nil
		}
		return m.identity.MembersWithPermission(permission)
	}
	return nil, nil
}

func (m *ApprovalManager) IsResolved(approvalID int64) bool {
	approval, err := m.approvals.FindApprovalByID(approvalID)
	if err != nil || approval == nil {
		return false
	}
	return approval.IsResolved()
}

func (m *ApprovalManager) GetApprovalsForInstance(instanceID int64) ([]domain.WorkflowApproval, error) {
	return m.approvals.FindApprovalsForInstance(instanceID)
}

// CancelApprovalsForInstance moves every pending approval of an instance
// to cancelled.
func (m *ApprovalManager) CancelApprovalsForInstance(instanceID int64) error {
	return m.approvals.CancelPendingForInstance(instanceID)
}

// ExpireOverdueApprovals marks pending approvals past their deadline as
// expired and reports the count.
func (m *ApprovalManager) ExpireOverdueApprovals() (int64, error) {
	return m.approvals.ExpirePastDeadline(m.clock.Now())
}

func (m *ApprovalManager) isMemberEligible(approval *domain.WorkflowApproval, memberID int64) bool {
	permissions, roles := m.memberSets(memberID)
	return m.isEligibleCached(approval, memberID, permissions, roles)
}

func (m *ApprovalManager) memberSets(memberID int64) ([]string, []string) {
	var permissions, roles []string
	if m.identity != nil {
		var err error
		if permissions, err = m.identity.MemberPermissions(memberID); err != nil {
			slog.Warn("could not load member permissions", "member", memberID, "error", err)
		}
		if roles, err = m.identity.MemberRoles(memberID); err != nil {
			slog.Warn("could not load member roles", "member", memberID, "error", err)
		}
	}
	return permissions, roles
}

func (m *ApprovalManager) isEligibleCached(approval *domain.WorkflowApproval, memberID int64, permissions, roles []string) bool {
	config := decodeJSONMap(approval.ApproverRule)

	// Serial pick-next narrows eligibility to the picked approver.
	if serial, _ := config["serial_pick_next"].(bool); serial {
		if current, ok := toInt64(config["current_approver_id"]); ok && current > 0 {
			return memberID == current
		}
	}

	// Chain approvals respond strictly in approval_order.
	if approval.ApprovalType == domain.ApprovalTypeChain {
		if order, ok := config["approval_order"].([]any); ok && len(order) > 0 {
			if approval.ApprovedCount >= len(order) {
				return false
			}
			expected, ok := toInt64(order[approval.ApprovedCount])
			return ok && memberID == expected
		}
	}

	switch approval.ApproverType {
	case domain.ApproverTypePermission:
		permission, _ := config["permission"].(string)
		return permission != "" && containsString(permissions, permission)
	case domain.ApproverTypeRole:
		role, _ := config["role"].(string)
		return role != "" && containsString(roles, role)
	case domain.ApproverTypeMember:
		target, ok := toInt64(config["member_id"])
		return ok && memberID == target
	case domain.ApproverTypeDynamic:
		ids, err := m.resolveDynamicApproverIDs(approval, config)
		if err != nil {
			slog.Error("dynamic approver resolution failed", "approval_id", approval.ID, "error", err)
			return false
		}
		for _, id := range ids {
			if id == memberID {
				return true
			}
		}
		return false
	case domain.ApproverTypePolicy:
		return m.memberPassesPolicy(approval, memberID, config)
	}
	return false
}

func (m *ApprovalManager) resolveDynamicApproverIDs(approval *domain.WorkflowApproval, config map[string]any) ([]int64, error) {
	service, _ := config["service"].(string)
	if service == "" {
		return nil, errors.New("dynamic approver rule requires a service name")
	}
	resolver, ok := m.resolvers[service]
	if !ok {
		return nil, errors.New("no approver resolver registered for " + strconv.Quote(service))
	}
	return resolver(approval, config)
}

func (m *ApprovalManager) memberPassesPolicy(approval *domain.WorkflowApproval, memberID int64, config map[string]any) bool {
	policy, _ := config["policy"].(string)
	if policy == "" {
		slog.Warn("policy approver rule missing policy name", "approval_id", approval.ID)
		return false
	}
	check, ok := m.policies[policy]
	if !ok {
		slog.Warn("no policy check registered", "policy", policy, "approval_id", approval.ID)
		return false
	}
	passes, err := check(memberID, approval, config)
	if err != nil {
		slog.Error("policy check failed", "policy", policy, "approval_id", approval.ID, "error", err)
		return false
	}
	return passes
}

// resolveRequiredCount applies the gate's threshold config: a fixed value,
// an app setting, or a field on the entity snapshot, falling back to the
// gate's static required count.
func (m *ApprovalManager) resolveRequiredCount(gate *domain.WorkflowApprovalGate, ctx map[string]any) int {
	fallback := gate.RequiredCount
	if fallback < 1 {
		fallback = 1
	}
	config := decodeJSONMap(gate.ThresholdConfig)
	if len(config) == 0 {
		return fallback
	}

	source, _ := config["source"].(string)
	switch source {
	case "fixed":
		if n, ok := toFloat(config["value"]); ok && n > 0 {
			return int(n)
		}
	case "app_setting":
		key, _ := config["key"].(string)
		if key != "" && m.settings != nil {
			if raw, ok := m.settings.Setting(key); ok {
				if n, err := strconv.Atoi(raw); err == nil && n > 0 {
					return n
				}
			}
		}
		if n, ok := toFloat(config["default"]); ok && n > 0 {
			return int(n)
		}
	case "entity_field":
		field, _ := config["field"].(string)
		if field != "" {
			if n, ok := toFloat(resolveContextField(field, ctx)); ok && n > 0 {
				return int(n)
			}
		}
		if n, ok := toFloat(config["default"]); ok && n > 0 {
			return int(n)
		}
	}
	return fallback
}

func (m *ApprovalManager) parseDeadline(raw string) (time.Time, bool) {
	now := m.clock.Now()
	if match := deadlinePattern.FindStringSubmatch(raw); match != nil {
		n, _ := strconv.Atoi(match[1])
		switch match[2] {
		case "d":
			return now.AddDate(0, 0, n), true
		case "h":
			return now.Add(time.Duration(n) * time.Hour), true
		default:
			return now.Add(time.Duration(n) * time.Minute), true
		}
	}
	if parsed, ok := parseContextTime(raw); ok {
		return parsed, true
	}
	return time.Time{}, false
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
