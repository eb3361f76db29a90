package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const approvalColumns = `id,stage_id,round_number,status,assigned_to,notes,requested_at,approved_at`

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var notes, approvedAt sql.NullString
	err := scan(&a.ID, &a.StageID, &a.RoundNumber, &a.Status, &a.AssignedTo, &notes, &a.RequestedAt, &approvedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if notes.Valid {
		a.Notes = &notes.String
	}
	if approvedAt.Valid {
		a.ApprovedAt = &approvedAt.String
	}
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,stage_id,round_number,status,assigned_to,notes,requested_at,approved_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.StageID, a.RoundNumber, a.Status, a.AssignedTo, nullableStringPtr(a.Notes), a.RequestedAt, nullableStringPtr(a.ApprovedAt))
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id)
	return scanApproval(row.Scan)
}

// FindApprovalsByStageAndRound returns a round's approval requests, most
// recent first.
func (r Repo) FindApprovalsByStageAndRound(ctx context.Context, stageID string, round int) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE stage_id=? AND round_number=? ORDER BY requested_at DESC, id DESC`, stageID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// UpdateApproval persists a resolution (status, notes, resolution time).
func (r Repo) UpdateApproval(ctx context.Context, tx *sql.Tx, id, status string, notes, approvedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, notes=?, approved_at=? WHERE id=?`,
		status, nullableStringPtr(notes), nullableStringPtr(approvedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApprovalStore adapts the approvals table to the round-scoped content
// contract used by the round manager.
type ApprovalStore struct {
	DB *sql.DB
}

func (s ApprovalStore) Name() string { return "approvals" }

func (s ApprovalStore) ExistsForStageAndRound(ctx context.Context, stageID string, round int) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM approvals WHERE stage_id=? AND round_number=? LIMIT 1`, stageID, round)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s ApprovalStore) DeleteByStageAndRound(ctx context.Context, stageID string, round int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM approvals WHERE stage_id=? AND round_number=?`, stageID, round)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s ApprovalStore) RetagRound(ctx context.Context, stageID string, fromRound, toRound int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE approvals SET round_number=? WHERE stage_id=? AND round_number=?`, toRound, stageID, fromRound)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
