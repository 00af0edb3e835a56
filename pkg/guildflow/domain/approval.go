package domain

import (
	"database/sql"
	"errors"
	"time"
)

var (
	ErrApprovalNotFound   = errors.New("approval not found")
	ErrApprovalNotPending = errors.New("approval is no longer pending")
	ErrDuplicateResponse  = errors.New("member has already responded to this approval")
)

const (
	ApprovalStatusPending   = "pending"
	ApprovalStatusApproved  = "approved"
	ApprovalStatusRejected  = "rejected"
	ApprovalStatusExpired   = "expired"
	ApprovalStatusCancelled = "cancelled"
)

const (
	ApprovalTypeThreshold = "threshold"
	ApprovalTypeUnanimous = "unanimous"
	ApprovalTypeAnyOne    = "any_one"
	ApprovalTypeChain     = "chain"
)

const (
	ApproverTypePermission = "permission"
	ApproverTypeRole       = "role"
	ApproverTypeMember     = "member"
	ApproverTypeDynamic    = "dynamic"
	ApproverTypePolicy     = "policy"
)

const (
	DecisionApprove        = "approve"
	DecisionReject         = "reject"
	DecisionAbstain        = "abstain"
	DecisionRequestChanges = "request_changes"
)

// WorkflowApprovalGate is the design-time approval requirement attached
// to an approval state.
type WorkflowApprovalGate struct {
	ID                  int64
	StateID             int64
	Name                string
	ApprovalType        string
	RequiredCount       int
	ThresholdConfig     sql.NullString
	ApproverType        string
	ApproverRule        sql.NullString
	TimeoutHours        sql.NullInt64
	TimeoutTransitionID sql.NullInt64
	AllowDelegation     bool
	Created             time.Time
	Modified            time.Time
}

// WorkflowApproval is one materialized gate for a running instance.
// Resolved irreversibly once it leaves pending.
type WorkflowApproval struct {
	ID            int64
	InstanceID    int64
	GateID        sql.NullInt64
	NodeID        sql.NullString
	ApprovalType  string
	ApproverType  string
	ApproverRule  sql.NullString
	Status        string
	RequiredCount int
	ApprovedCount int
	RejectedCount int
	Deadline      sql.NullTime
	AllowParallel bool
	Token         string
	Created       time.Time
	Modified      time.Time
}

func (a *WorkflowApproval) IsResolved() bool { return a.Status != ApprovalStatusPending }

// ApprovalResolver computes the post-response status of an approval from
// its freshly incremented counters, plus any updated approver rule (used
// by serial pick-next chains). It runs inside the response transaction
// while the approval row is locked.
type ApprovalResolver func(a *WorkflowApproval, decision string) (status string, approverRule sql.NullString)

type WorkflowApprovalResponse struct {
	ID          int64
	ApprovalID  int64
	MemberID    int64
	Decision    string
	Comment     sql.NullString
	RespondedAt time.Time
}
