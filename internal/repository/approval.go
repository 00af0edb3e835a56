package repository

import (
	"database/sql"
	"strings"
	"time"

	"github.com/guildworks/guildflow/internal/config"
	"github.com/guildworks/guildflow/pkg/guildflow/core"
	domain "github.com/guildworks/guildflow/pkg/guildflow/domain"
)

const GATE_COLUMNS = ` id, workflow_state_id, name, approval_type, required_count,
		threshold_config, approver_type, approver_rule, timeout_hours,
		timeout_transition_id, allow_delegation, created, modified `

const APPROVAL_COLUMNS = ` id, workflow_instance_id, gate_id, node_id, approval_type,
		approver_type, approver_rule, status, required_count, approved_count,
		rejected_count, deadline, allow_parallel, token, created, modified `

const RESPONSE_COLUMNS = ` id, workflow_approval_id, member_id, decision, comment, responded_at `

type ApprovalRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewApprovalRepository(db *sql.DB, clock core.Clock) *ApprovalRepository {
	return &ApprovalRepository{db: db, clock: clock}
}

// forUpdateClause locks the selected row where the dialect supports it.
// SQLite serializes writers at the database level already.
func forUpdateClause() string {
	if config.GetSystemSettingString(config.DATABASE_TYPE) == config.DATABASE_TYPE_SQLLITE {
		return ""
	}
	return " FOR UPDATE"
}

func scanGate(row interface{ Scan(dest ...any) error }) (*domain.WorkflowApprovalGate, error) {
	var g domain.WorkflowApprovalGate
	err := row.Scan(
		&g.ID,
		&g.StateID,
		&g.Name,
		&g.ApprovalType,
		&g.RequiredCount,
		&g.ThresholdConfig,
		&g.ApproverType,
		&g.ApproverRule,
		&g.TimeoutHours,
		&g.TimeoutTransitionID,
		&g.AllowDelegation,
		&g.Created,
		&g.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *ApprovalRepository) FindGateByID(id int64) (*domain.WorkflowApprovalGate, error) {
	query := `
		SELECT ` + GATE_COLUMNS + `
		FROM workflow_approval_gates WHERE id = ` + placeholder(1) + `
	`
	return scanGate(r.db.QueryRow(query, id))
}

func (r *ApprovalRepository) FindGatesForState(stateID int64) ([]domain.WorkflowApprovalGate, error) {
	query := `
		SELECT ` + GATE_COLUMNS + `
		FROM workflow_approval_gates
		WHERE workflow_state_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, stateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gates []domain.WorkflowApprovalGate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, *g)
	}
	return gates, rows.Err()
}

func (r *ApprovalRepository) SaveGate(g *domain.WorkflowApprovalGate) (int64, error) {
	now := r.clock.Now()
	vals := []any{g.StateID, g.Name, g.ApprovalType, g.RequiredCount, g.ThresholdConfig,
		g.ApproverType, g.ApproverRule, g.TimeoutHours, g.TimeoutTransitionID,
		g.AllowDelegation, formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_approval_gates (
		workflow_state_id, name, approval_type, required_count, threshold_config,
		approver_type, approver_rule, timeout_hours, timeout_transition_id,
		allow_delegation, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &g.ID)
}

func scanApproval(row interface{ Scan(dest ...any) error }) (*domain.WorkflowApproval, error) {
	var a domain.WorkflowApproval
	err := row.Scan(
		&a.ID,
		&a.InstanceID,
		&a.GateID,
		&a.NodeID,
		&a.ApprovalType,
		&a.ApproverType,
		&a.ApproverRule,
		&a.Status,
		&a.RequiredCount,
		&a.ApprovedCount,
		&a.RejectedCount,
		&a.Deadline,
		&a.AllowParallel,
		&a.Token,
		&a.Created,
		&a.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ApprovalRepository) FindApprovalByID(id int64) (*domain.WorkflowApproval, error) {
	query := `
		SELECT ` + APPROVAL_COLUMNS + `
		FROM workflow_approvals WHERE id = ` + placeholder(1) + `
	`
	a, err := scanApproval(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (r *ApprovalRepository) FindApprovalsForInstance(instanceID int64) ([]domain.WorkflowApproval, error) {
	return r.queryApprovals(`
		SELECT `+APPROVAL_COLUMNS+`
		FROM workflow_approvals
		WHERE workflow_instance_id = `+placeholder(1)+`
		ORDER BY id ASC
	`, instanceID)
}

func (r *ApprovalRepository) FindPendingForInstance(instanceID int64) ([]domain.WorkflowApproval, error) {
	return r.queryApprovals(`
		SELECT `+APPROVAL_COLUMNS+`
		FROM workflow_approvals
		WHERE workflow_instance_id = `+placeholder(1)+` AND status = '`+domain.ApprovalStatusPending+`'
		ORDER BY id ASC
	`, instanceID)
}

func (r *ApprovalRepository) FindPendingApprovals() ([]domain.WorkflowApproval, error) {
	return r.queryApprovals(`
		SELECT ` + APPROVAL_COLUMNS + `
		FROM workflow_approvals
		WHERE status = '` + domain.ApprovalStatusPending + `'
		ORDER BY id ASC
	`)
}

func (r *ApprovalRepository) queryApprovals(query string, args ...any) ([]domain.WorkflowApproval, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []domain.WorkflowApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

func (r *ApprovalRepository) CreateApproval(a *domain.WorkflowApproval) (int64, error) {
	now := r.clock.Now()
	vals := []any{a.InstanceID, a.GateID, a.NodeID, a.ApprovalType, a.ApproverType,
		a.ApproverRule, a.Status, a.RequiredCount, a.ApprovedCount, a.RejectedCount,
		formatDateInDatabaseNull(a.Deadline), a.AllowParallel, a.Token,
		formatDateInDatabase(now), formatDateInDatabase(now)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_approvals (
		workflow_instance_id, gate_id, node_id, approval_type, approver_type,
		approver_rule, status, required_count, approved_count, rejected_count,
		deadline, allow_parallel, token, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	return insertReturningID(r.db, base, vals, &a.ID)
}

func (r *ApprovalRepository) HasResponded(approvalID, memberID int64) (bool, error) {
	query := `
		SELECT COUNT(1) FROM workflow_approval_responses
		WHERE workflow_approval_id = ` + placeholder(1) + ` AND member_id = ` + placeholder(2) + `
	`
	var count int
	if err := r.db.QueryRow(query, approvalID, memberID).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *ApprovalRepository) FindResponses(approvalID int64) ([]domain.WorkflowApprovalResponse, error) {
	query := `
		SELECT ` + RESPONSE_COLUMNS + `
		FROM workflow_approval_responses
		WHERE workflow_approval_id = ` + placeholder(1) + `
		ORDER BY id ASC
	`
	rows, err := r.db.Query(query, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var responses []domain.WorkflowApprovalResponse
	for rows.Next() {
		var resp domain.WorkflowApprovalResponse
		if err := rows.Scan(
			&resp.ID,
			&resp.ApprovalID,
			&resp.MemberID,
			&resp.Decision,
			&resp.Comment,
			&resp.RespondedAt,
		); err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, rows.Err()
}

// RecordResponse persists one member's decision in a single transaction:
// lock the approval row, reject non-pending and duplicate responses,
// insert the response, bump the counter, then let resolve compute the new
// status from the fresh counters. The unique index on
// (workflow_approval_id, member_id) is the second line of defense.
func (r *ApprovalRepository) RecordResponse(resp *domain.WorkflowApprovalResponse, resolve domain.ApprovalResolver) (*domain.WorkflowApproval, error) {
	var updated *domain.WorkflowApproval
	err := runInTx(r.db, func(tx *sql.Tx) error {
		query := `
			SELECT ` + APPROVAL_COLUMNS + `
			FROM workflow_approvals WHERE id = ` + placeholder(1) + forUpdateClause()
		approval, err := scanApproval(tx.QueryRow(query, resp.ApprovalID))
		if err == sql.ErrNoRows {
			return domain.ErrApprovalNotFound
		}
		if err != nil {
			return err
		}
		if approval.Status != domain.ApprovalStatusPending {
			return domain.ErrApprovalNotPending
		}

		var count int
		dupQuery := `
			SELECT COUNT(1) FROM workflow_approval_responses
			WHERE workflow_approval_id = ` + placeholder(1) + ` AND member_id = ` + placeholder(2)
		if err := tx.QueryRow(dupQuery, resp.ApprovalID, resp.MemberID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrDuplicateResponse
		}

		resp.RespondedAt = r.clock.Now()
		vals := []any{resp.ApprovalID, resp.MemberID, resp.Decision, resp.Comment,
			formatDateInDatabase(resp.RespondedAt)}
		pps := make([]string, 0, len(vals))
		for i := range vals {
			pps = append(pps, placeholder(i+1))
		}
		insert := `INSERT INTO workflow_approval_responses (
			workflow_approval_id, member_id, decision, comment, responded_at
		) VALUES (` + strings.Join(pps, ", ") + `)`
		if _, err := insertReturningID(tx, insert, vals, &resp.ID); err != nil {
			return err
		}

		switch resp.Decision {
		case domain.DecisionApprove:
			approval.ApprovedCount++
		case domain.DecisionReject:
			approval.RejectedCount++
		}

		status, approverRule := resolve(approval, resp.Decision)
		approval.Status = status
		if approverRule.Valid {
			approval.ApproverRule = approverRule
		}

		update := `
			UPDATE workflow_approvals
			SET approved_count = ` + placeholder(1) + `,
			    rejected_count = ` + placeholder(2) + `,
			    status = ` + placeholder(3) + `,
			    approver_rule = ` + placeholder(4) + `,
			    modified = ` + nowFunc(r.clock) + `
			WHERE id = ` + placeholder(5) + `
		`
		if _, err := tx.Exec(update, approval.ApprovedCount, approval.RejectedCount,
			approval.Status, approval.ApproverRule, approval.ID); err != nil {
			return err
		}
		updated = approval
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *ApprovalRepository) CancelPendingForInstance(instanceID int64) error {
	query := `
		UPDATE workflow_approvals
		SET status = '` + domain.ApprovalStatusCancelled + `', modified = ` + nowFunc(r.clock) + `
		WHERE workflow_instance_id = ` + placeholder(1) + ` AND status = '` + domain.ApprovalStatusPending + `'
	`
	_, err := r.db.Exec(query, instanceID)
	return err
}

// ExpirePastDeadline marks pending approvals whose deadline has passed as
// expired and reports how many rows changed.
func (r *ApprovalRepository) ExpirePastDeadline(now time.Time) (int64, error) {
	query := `
		UPDATE workflow_approvals
		SET status = '` + domain.ApprovalStatusExpired + `', modified = ` + nowFunc(r.clock) + `
		WHERE status = '` + domain.ApprovalStatusPending + `'
		  AND deadline IS NOT NULL
		  AND ` + dateBeforeNow("deadline", r.clock) + `
	`
	res, err := r.db.Exec(query)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
