package engine

import (
	"database/sql"
	"time"

	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

// DefinitionStore serves the classic definition graph, matching
// repository.DefinitionRepository.
type DefinitionStore interface {
	FindByID(id int64) (*domain.WorkflowDefinition, error)
	FindActiveBySlug(slug string) (*domain.WorkflowDefinition, error)
	FindActiveWithVersion() ([]domain.WorkflowDefinition, error)
	Save(d *domain.WorkflowDefinition) (int64, error)
	FindStateByID(id int64) (*domain.WorkflowState, error)
	FindInitialState(definitionID int64) (*domain.WorkflowState, error)
	FindTransitionByID(id int64) (*domain.WorkflowTransition, error)
	FindTransition(definitionID, fromStateID int64, slug string) (*domain.WorkflowTransition, error)
	FindTransitionsFrom(definitionID, fromStateID int64) ([]domain.WorkflowTransition, error)
}

// InstanceStore persists running instances and their audit trail, matching
// repository.InstanceRepository.
type InstanceStore interface {
	FindByID(id int64) (*domain.WorkflowInstance, error)
	FindActiveByEntity(entityType string, entityID int64) (*domain.WorkflowInstance, error)
	FindActive(limit int) ([]domain.WorkflowInstance, error)
	Create(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) (int64, error)
	ApplyTransition(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) error
	SaveContext(id int64, context sql.NullString) error
	FindLogs(instanceID int64) ([]domain.WorkflowTransitionLog, error)
}

// ApprovalStore persists gates, approvals and responses, matching
// repository.ApprovalRepository.
type ApprovalStore interface {
	FindGateByID(id int64) (*domain.WorkflowApprovalGate, error)
	FindGatesForState(stateID int64) ([]domain.WorkflowApprovalGate, error)
	FindApprovalByID(id int64) (*domain.WorkflowApproval, error)
	FindApprovalsForInstance(instanceID int64) ([]domain.WorkflowApproval, error)
	FindPendingForInstance(instanceID int64) ([]domain.WorkflowApproval, error)
	FindPendingApprovals() ([]domain.WorkflowApproval, error)
	CreateApproval(a *domain.WorkflowApproval) (int64, error)
	HasResponded(approvalID, memberID int64) (bool, error)
	FindResponses(approvalID int64) ([]domain.WorkflowApprovalResponse, error)
	RecordResponse(resp *domain.WorkflowApprovalResponse, resolve domain.ApprovalResolver) (*domain.WorkflowApproval, error)
	CancelPendingForInstance(instanceID int64) error
	ExpirePastDeadline(now time.Time) (int64, error)
}

// VersionStore persists definition versions and instance migrations,
// matching repository.VersionRepository.
type VersionStore interface {
	FindByID(id int64) (*domain.WorkflowVersion, error)
	MaxVersionNumber(definitionID int64) (int, error)
	FindPublished(definitionID int64) (*domain.WorkflowVersion, error)
	FindAll(definitionID int64) ([]domain.WorkflowVersion, error)
	Create(v *domain.WorkflowVersion) (int64, error)
	UpdateDraft(v *domain.WorkflowVersion) error
	Publish(v *domain.WorkflowVersion, publishedBy sql.NullInt64) error
	Archive(v *domain.WorkflowVersion, clearPointer bool) error
	MigrateInstance(inst *domain.WorkflowInstance, mig *domain.WorkflowInstanceMigration) error
}

// VisibilityStore serves visibility rules, matching
// repository.VisibilityRepository.
type VisibilityStore interface {
	FindRules(stateID int64, ruleType string, wildcard bool) ([]domain.WorkflowVisibilityRule, error)
}

// IdentityProvider answers permission and role questions about members of
// the host application.
type IdentityProvider interface {
	MemberPermissions(memberID int64) ([]string, error)
	MemberRoles(memberID int64) ([]string, error)
	MembersWithPermission(permission string) ([]int64, error)
	MembersWithRole(role string) ([]int64, error)
}

// EntityResolver loads the governed entity as a flat field map.
type EntityResolver interface {
	Resolve(entityType string, entityID int64) (map[string]any, error)
}

// EntityStore writes single fields back onto governed entities.
type EntityStore interface {
	SetField(entityType string, entityID int64, field string, value any) error
}

// Mailer sends templated notifications on behalf of actions and approvals.
type Mailer interface {
	Send(mailer string, method string, to string, vars map[string]any) error
}

// SettingsProvider resolves host application settings referenced from
// conditions and action templates.
type SettingsProvider interface {
	Setting(key string) (string, bool)
}

// DynamicApproverResolver maps a dynamic approver rule to concrete member
// ids for one approval.
type DynamicApproverResolver func(approval *domain.WorkflowApproval, config map[string]any) ([]int64, error)

// PolicyCheck answers whether a member passes a host-registered policy for
// an approval.
type PolicyCheck func(memberID int64, approval *domain.WorkflowApproval, config map[string]any) (bool, error)
