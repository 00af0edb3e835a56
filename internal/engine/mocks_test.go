package engine

import (
	"database/sql"
	"time"

	"github.com/guildworks/guildflow/pkg/guildflow/domain"
)

// Shared mocks for the engine tests. Every store is a struct of function
// fields so each test overrides only what it needs.

type fakeClock struct {
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

func (c *fakeClock) Sleep(d time.Duration) {}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type mockDefinitionStore struct {
	FindByIDFunc              func(id int64) (*domain.WorkflowDefinition, error)
	FindActiveBySlugFunc      func(slug string) (*domain.WorkflowDefinition, error)
	FindActiveWithVersionFunc func() ([]domain.WorkflowDefinition, error)
	SaveFunc                  func(d *domain.WorkflowDefinition) (int64, error)
	FindStateByIDFunc         func(id int64) (*domain.WorkflowState, error)
	FindInitialStateFunc      func(definitionID int64) (*domain.WorkflowState, error)
	FindTransitionByIDFunc    func(id int64) (*domain.WorkflowTransition, error)
	FindTransitionFunc        func(definitionID, fromStateID int64, slug string) (*domain.WorkflowTransition, error)
	FindTransitionsFromFunc   func(definitionID, fromStateID int64) ([]domain.WorkflowTransition, error)
}

func (m *mockDefinitionStore) FindByID(id int64) (*domain.WorkflowDefinition, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *mockDefinitionStore) FindActiveBySlug(slug string) (*domain.WorkflowDefinition, error) {
	if m.FindActiveBySlugFunc != nil {
		return m.FindActiveBySlugFunc(slug)
	}
	return nil, nil
}
func (m *mockDefinitionStore) FindActiveWithVersion() ([]domain.WorkflowDefinition, error) {
	if m.FindActiveWithVersionFunc != nil {
		return m.FindActiveWithVersionFunc()
	}
	return nil, nil
}
func (m *mockDefinitionStore) Save(d *domain.WorkflowDefinition) (int64, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(d)
	}
	return 1, nil
}
func (m *mockDefinitionStore) FindStateByID(id int64) (*domain.WorkflowState, error) {
	if m.FindStateByIDFunc != nil {
		return m.FindStateByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *mockDefinitionStore) FindInitialState(definitionID int64) (*domain.WorkflowState, error) {
	if m.FindInitialStateFunc != nil {
		return m.FindInitialStateFunc(definitionID)
	}
	return nil, nil
}
func (m *mockDefinitionStore) FindTransitionByID(id int64) (*domain.WorkflowTransition, error) {
	if m.FindTransitionByIDFunc != nil {
		return m.FindTransitionByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *mockDefinitionStore) FindTransition(definitionID, fromStateID int64, slug string) (*domain.WorkflowTransition, error) {
	if m.FindTransitionFunc != nil {
		return m.FindTransitionFunc(definitionID, fromStateID, slug)
	}
	return nil, nil
}
func (m *mockDefinitionStore) FindTransitionsFrom(definitionID, fromStateID int64) ([]domain.WorkflowTransition, error) {
	if m.FindTransitionsFromFunc != nil {
		return m.FindTransitionsFromFunc(definitionID, fromStateID)
	}
	return nil, nil
}

type mockInstanceStore struct {
	FindByIDFunc           func(id int64) (*domain.WorkflowInstance, error)
	FindActiveByEntityFunc func(entityType string, entityID int64) (*domain.WorkflowInstance, error)
	FindActiveFunc         func(limit int) ([]domain.WorkflowInstance, error)
	CreateFunc             func(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) (int64, error)
	ApplyTransitionFunc    func(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) error
	SaveContextFunc        func(id int64, context sql.NullString) error
	FindLogsFunc           func(instanceID int64) ([]domain.WorkflowTransitionLog, error)
}

func (m *mockInstanceStore) FindByID(id int64) (*domain.WorkflowInstance, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, sql.ErrNoRows
}
func (m *mockInstanceStore) FindActiveByEntity(entityType string, entityID int64) (*domain.WorkflowInstance, error) {
	if m.FindActiveByEntityFunc != nil {
		return m.FindActiveByEntityFunc(entityType, entityID)
	}
	return nil, nil
}
func (m *mockInstanceStore) FindActive(limit int) ([]domain.WorkflowInstance, error) {
	if m.FindActiveFunc != nil {
		return m.FindActiveFunc(limit)
	}
	return nil, nil
}
func (m *mockInstanceStore) Create(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) (int64, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(inst, logRow)
	}
	inst.ID = 1
	return 1, nil
}
func (m *mockInstanceStore) ApplyTransition(inst *domain.WorkflowInstance, logRow *domain.WorkflowTransitionLog) error {
	if m.ApplyTransitionFunc != nil {
		return m.ApplyTransitionFunc(inst, logRow)
	}
	return nil
}
func (m *mockInstanceStore) SaveContext(id int64, context sql.NullString) error {
	if m.SaveContextFunc != nil {
		return m.SaveContextFunc(id, context)
	}
	return nil
}
func (m *mockInstanceStore) FindLogs(instanceID int64) ([]domain.WorkflowTransitionLog, error) {
	if m.FindLogsFunc != nil {
		return m.FindLogsFunc(instanceID)
	}
	return nil, nil
}

// memoryApprovalStore keeps approvals and responses in memory and mirrors
// the repository's locked RecordResponse semantics so approval manager
// tests exercise the real resolver flow.
type memoryApprovalStore struct {
	nextID    int64
	gates     map[int64]domain.WorkflowApprovalGate
	approvals map[int64]*domain.WorkflowApproval
	responses []domain.WorkflowApprovalResponse
	cancelled []int64
}

func newMemoryApprovalStore() *memoryApprovalStore {
	return &memoryApprovalStore{
		nextID:    1,
		gates:     map[int64]domain.WorkflowApprovalGate{},
		approvals: map[int64]*domain.WorkflowApproval{},
	}
}

func (s *memoryApprovalStore) FindGateByID(id int64) (*domain.WorkflowApprovalGate, error) {
	if g, ok := s.gates[id]; ok {
		return &g, nil
	}
	return nil, sql.ErrNoRows
}
func (s *memoryApprovalStore) FindGatesForState(stateID int64) ([]domain.WorkflowApprovalGate, error) {
	var out []domain.WorkflowApprovalGate
	for _, g := range s.gates {
		if g.StateID == stateID {
			out = append(out, g)
		}
	}
	return out, nil
}
func (s *memoryApprovalStore) FindApprovalByID(id int64) (*domain.WorkflowApproval, error) {
	if a, ok := s.approvals[id]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, nil
}
func (s *memoryApprovalStore) FindApprovalsForInstance(instanceID int64) ([]domain.WorkflowApproval, error) {
	var out []domain.WorkflowApproval
	for _, a := range s.approvals {
		if a.InstanceID == instanceID {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (s *memoryApprovalStore) FindPendingForInstance(instanceID int64) ([]domain.WorkflowApproval, error) {
	var out []domain.WorkflowApproval
	for _, a := range s.approvals {
		if a.InstanceID == instanceID && a.Status == domain.ApprovalStatusPending {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (s *memoryApprovalStore) FindPendingApprovals() ([]domain.WorkflowApproval, error) {
	var out []domain.WorkflowApproval
	for _, a := range s.approvals {
		if a.Status == domain.ApprovalStatusPending {
			out = append(out, *a)
		}
	}
	return out, nil
}
func (s *memoryApprovalStore) CreateApproval(a *domain.WorkflowApproval) (int64, error) {
	a.ID = s.nextID
	s.nextID++
	copied := *a
	s.approvals[a.ID] = &copied
	return a.ID, nil
}
func (s *memoryApprovalStore) HasResponded(approvalID, memberID int64) (bool, error) {
	for _, r := range s.responses {
		if r.ApprovalID == approvalID && r.MemberID == memberID {
			return true, nil
		}
	}
	return false, nil
}
func (s *memoryApprovalStore) FindResponses(approvalID int64) ([]domain.WorkflowApprovalResponse, error) {
	var out []domain.WorkflowApprovalResponse
	for _, r := range s.responses {
		if r.ApprovalID == approvalID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *memoryApprovalStore) RecordResponse(resp *domain.WorkflowApprovalResponse, resolve domain.ApprovalResolver) (*domain.WorkflowApproval, error) {
	approval, ok := s.approvals[resp.ApprovalID]
	if !ok {
		return nil, domain.ErrApprovalNotFound
	}
	if approval.Status != domain.ApprovalStatusPending {
		return nil, domain.ErrApprovalNotPending
	}
	if responded, _ := s.HasResponded(resp.ApprovalID, resp.MemberID); responded {
		return nil, domain.ErrDuplicateResponse
	}
	s.responses = append(s.responses, *resp)
	switch resp.Decision {
	case domain.DecisionApprove:
		approval.ApprovedCount++
	case domain.DecisionReject:
		approval.RejectedCount++
	}
	status, rule := resolve(approval, resp.Decision)
	approval.Status = status
	if rule.Valid {
		approval.ApproverRule = rule
	}
	copied := *approval
	return &copied, nil
}
func (s *memoryApprovalStore) CancelPendingForInstance(instanceID int64) error {
	s.cancelled = append(s.cancelled, instanceID)
	for _, a := range s.approvals {
		if a.InstanceID == instanceID && a.Status == domain.ApprovalStatusPending {
			a.Status = domain.ApprovalStatusCancelled
		}
	}
	return nil
}
func (s *memoryApprovalStore) ExpirePastDeadline(now time.Time) (int64, error) {
	var count int64
	for _, a := range s.approvals {
		if a.Status == domain.ApprovalStatusPending && a.Deadline.Valid && a.Deadline.Time.Before(now) {
			a.Status = domain.ApprovalStatusExpired
			count++
		}
	}
	return count, nil
}

type mockVersionStore struct {
	FindByIDFunc         func(id int64) (*domain.WorkflowVersion, error)
	MaxVersionNumberFunc func(definitionID int64) (int, error)
	FindPublishedFunc    func(definitionID int64) (*domain.WorkflowVersion, error)
	FindAllFunc          func(definitionID int64) ([]domain.WorkflowVersion, error)
	CreateFunc           func(v *domain.WorkflowVersion) (int64, error)
	UpdateDraftFunc      func(v *domain.WorkflowVersion) error
	PublishFunc          func(v *domain.WorkflowVersion, publishedBy sql.NullInt64) error
	ArchiveFunc          func(v *domain.WorkflowVersion, clearPointer bool) error
	MigrateInstanceFunc  func(inst *domain.WorkflowInstance, mig *domain.WorkflowInstanceMigration) error
}

func (m *mockVersionStore) FindByID(id int64) (*domain.WorkflowVersion, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(id)
	}
	return nil, nil
}
func (m *mockVersionStore) MaxVersionNumber(definitionID int64) (int, error) {
	if m.MaxVersionNumberFunc != nil {
		return m.MaxVersionNumberFunc(definitionID)
	}
	return 0, nil
}
func (m *mockVersionStore) FindPublished(definitionID int64) (*domain.WorkflowVersion, error) {
	if m.FindPublishedFunc != nil {
		return m.FindPublishedFunc(definitionID)
	}
	return nil, nil
}
func (m *mockVersionStore) FindAll(definitionID int64) ([]domain.WorkflowVersion, error) {
	if m.FindAllFunc != nil {
		return m.FindAllFunc(definitionID)
	}
	return nil, nil
}
func (m *mockVersionStore) Create(v *domain.WorkflowVersion) (int64, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(v)
	}
	v.ID = 1
	return 1, nil
}
func (m *mockVersionStore) UpdateDraft(v *domain.WorkflowVersion) error {
	if m.UpdateDraftFunc != nil {
		return m.UpdateDraftFunc(v)
	}
	return nil
}
func (m *mockVersionStore) Publish(v *domain.WorkflowVersion, publishedBy sql.NullInt64) error {
	if m.PublishFunc != nil {
		return m.PublishFunc(v, publishedBy)
	}
	return nil
}
func (m *mockVersionStore) Archive(v *domain.WorkflowVersion, clearPointer bool) error {
	if m.ArchiveFunc != nil {
		return m.ArchiveFunc(v, clearPointer)
	}
	return nil
}
func (m *mockVersionStore) MigrateInstance(inst *domain.WorkflowInstance, mig *domain.WorkflowInstanceMigration) error {
	if m.MigrateInstanceFunc != nil {
		return m.MigrateInstanceFunc(inst, mig)
	}
	return nil
}

type mockVisibilityStore struct {
	FindRulesFunc func(stateID int64, ruleType string, wildcard bool) ([]domain.WorkflowVisibilityRule, error)
}

func (m *mockVisibilityStore) FindRules(stateID int64, ruleType string, wildcard bool) ([]domain.WorkflowVisibilityRule, error) {
	if m.FindRulesFunc != nil {
		return m.FindRulesFunc(stateID, ruleType, wildcard)
	}
	return nil, nil
}

type mockIdentity struct {
	MemberPermissionsFunc     func(memberID int64) ([]string, error)
	MemberRolesFunc           func(memberID int64) ([]string, error)
	MembersWithPermissionFunc func(permission string) ([]int64, error)
	MembersWithRoleFunc       func(role string) ([]int64, error)
}

func (m *mockIdentity) MemberPermissions(memberID int64) ([]string, error) {
	if m.MemberPermissionsFunc != nil {
		return m.MemberPermissionsFunc(memberID)
	}
	return nil, nil
}
func (m *mockIdentity) MemberRoles(memberID int64) ([]string, error) {
	if m.MemberRolesFunc != nil {
		return m.MemberRolesFunc(memberID)
	}
	return nil, nil
}
func (m *mockIdentity) MembersWithPermission(permission string) ([]int64, error) {
	if m.MembersWithPermissionFunc != nil {
		return m.MembersWithPermissionFunc(permission)
	}
	return nil, nil
}
func (m *mockIdentity) MembersWithRole(role string) ([]int64, error) {
	if m.MembersWithRoleFunc != nil {
		return m.MembersWithRoleFunc(role)
	}
	return nil, nil
}

type mockEntityResolver struct {
	ResolveFunc func(entityType string, entityID int64) (map[string]any, error)
}

func (m *mockEntityResolver) Resolve(entityType string, entityID int64) (map[string]any, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(entityType, entityID)
	}
	return map[string]any{}, nil
}

type mockEntityStore struct {
	SetFieldFunc func(entityType string, entityID int64, field string, value any) error
}

func (m *mockEntityStore) SetField(entityType string, entityID int64, field string, value any) error {
	if m.SetFieldFunc != nil {
		return m.SetFieldFunc(entityType, entityID, field, value)
	}
	return nil
}

type mockMailer struct {
	SendFunc func(mailer string, method string, to string, vars map[string]any) error
}

func (m *mockMailer) Send(mailer string, method string, to string, vars map[string]any) error {
	if m.SendFunc != nil {
		return m.SendFunc(mailer, method, to, vars)
	}
	return nil
}

type mockSettings struct {
	values map[string]string
}

func (m *mockSettings) Setting(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}
