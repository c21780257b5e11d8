package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
	"stageline/internal/stage"
)

func scanApproval(scan func(dest ...any) error) (domain.StageApproval, error) {
	var a domain.StageApproval
	var key string
	var reviewer, comment, rule sql.NullString
	err := scan(&a.ID, &a.ProjectID, &key, &a.Status, &reviewer, &comment, &rule, &a.InputsFingerprint, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.StageKey = stage.Key(key)
	if reviewer.Valid {
		a.ReviewerID = &reviewer.String
	}
	if comment.Valid {
		a.Comment = comment.String
	}
	if rule.Valid {
		a.GateRuleJSON = rule.String
	}
	return a, nil
}

const approvalColumns = `id,project_id,stage_key,status,reviewer_id,comment,gate_rule_json,inputs_fingerprint,created_at,updated_at`

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.StageApproval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stage_approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, string(a.StageKey), a.Status, nullablePtr(a.ReviewerID), nullable(a.Comment),
		nullable(a.GateRuleJSON), a.InputsFingerprint, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetPendingApproval returns the single pending approval for a stage, if any.
func (r Repo) GetPendingApproval(ctx context.Context, projectID string, key stage.Key) (domain.StageApproval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM stage_approvals
WHERE project_id=? AND stage_key=? AND status=?`, projectID, string(key), domain.ApprovalPending)
	return scanApproval(row.Scan)
}

func (r Repo) GetPendingApprovalTx(ctx context.Context, tx *sql.Tx, projectID string, key stage.Key) (domain.StageApproval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM stage_approvals
WHERE project_id=? AND stage_key=? AND status=?`, projectID, string(key), domain.ApprovalPending)
	return scanApproval(row.Scan)
}

func (r Repo) ListPendingApprovals(ctx context.Context, projectID string) ([]domain.StageApproval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM stage_approvals
WHERE project_id=? AND status=? ORDER BY created_at ASC`, projectID, domain.ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageApproval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// GetResolvedApprovalTx returns the newest approved or rejected approval for
// a stage whose inputs fingerprint matches. The evaluator uses it to honor
// past human decisions made on exactly the current inputs.
func (r Repo) GetResolvedApprovalTx(ctx context.Context, tx *sql.Tx, projectID string, key stage.Key, fingerprint string) (domain.StageApproval, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM stage_approvals
WHERE project_id=? AND stage_key=? AND status != ? AND inputs_fingerprint=?
ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		projectID, string(key), domain.ApprovalPending, fingerprint)
	return scanApproval(row.Scan)
}

// ResolveApproval marks a pending approval approved or rejected.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id, status, reviewerID, comment, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stage_approvals SET status=?, reviewer_id=?, comment=?, updated_at=?
WHERE id=? AND status=?`, status, reviewerID, nullable(comment), now, id, domain.ApprovalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DiscardPendingApproval drops a stale pending approval so a fresh one can be
// requested against the current inputs. The fingerprint is blanked so a
// superseded request is never mistaken for a human decision later.
func (r Repo) DiscardPendingApproval(ctx context.Context, tx *sql.Tx, projectID string, key stage.Key, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE stage_approvals SET status=?, inputs_fingerprint='',
comment=COALESCE(comment,'') || ' [superseded: inputs changed]', updated_at=?
WHERE project_id=? AND stage_key=? AND status=?`, domain.ApprovalRejected, now, projectID, string(key), domain.ApprovalPending)
	return err
}
