package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// DocumentStore and NoteStore are the round-scoped content collections.
// The round manager only ever touches them through the stage+round
// composite key.

type DocumentStore struct {
	DB *sql.DB
}

func (s DocumentStore) Name() string { return "documents" }

func (s DocumentStore) Insert(ctx context.Context, d domain.Document) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO documents(id,stage_id,round_number,title,file_ref,uploaded_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.StageID, d.RoundNumber, d.Title, nullable(d.FileRef), d.UploadedBy, d.CreatedAt)
	return err
}

func (s DocumentStore) ListByStageAndRound(ctx context.Context, stageID string, round int) ([]domain.Document, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,stage_id,round_number,title,COALESCE(file_ref,''),uploaded_by,created_at FROM documents WHERE stage_id=? AND round_number=? ORDER BY created_at ASC, id ASC`, stageID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.StageID, &d.RoundNumber, &d.Title, &d.FileRef, &d.UploadedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (s DocumentStore) ExistsForStageAndRound(ctx context.Context, stageID string, round int) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE stage_id=? AND round_number=? LIMIT 1`, stageID, round)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s DocumentStore) DeleteByStageAndRound(ctx context.Context, stageID string, round int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE stage_id=? AND round_number=?`, stageID, round)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s DocumentStore) RetagRound(ctx context.Context, stageID string, fromRound, toRound int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE documents SET round_number=? WHERE stage_id=? AND round_number=?`, toRound, stageID, fromRound)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type NoteStore struct {
	DB *sql.DB
}

func (s NoteStore) Name() string { return "notes" }

func (s NoteStore) Insert(ctx context.Context, n domain.Note) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO notes(id,stage_id,round_number,body,author_id,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.StageID, n.RoundNumber, n.Body, n.AuthorID, n.CreatedAt)
	return err
}

func (s NoteStore) ListByStageAndRound(ctx context.Context, stageID string, round int) ([]domain.Note, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id,stage_id,round_number,body,author_id,created_at FROM notes WHERE stage_id=? AND round_number=? ORDER BY created_at ASC, id ASC`, stageID, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.StageID, &n.RoundNumber, &n.Body, &n.AuthorID, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, nil
}

func (s NoteStore) ExistsForStageAndRound(ctx context.Context, stageID string, round int) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM notes WHERE stage_id=? AND round_number=? LIMIT 1`, stageID, round)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s NoteStore) DeleteByStageAndRound(ctx context.Context, stageID string, round int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM notes WHERE stage_id=? AND round_number=?`, stageID, round)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s NoteStore) RetagRound(ctx context.Context, stageID string, fromRound, toRound int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE notes SET round_number=? WHERE stage_id=? AND round_number=?`, toRound, stageID, fromRound)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
