package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/events"
)

// Approval status values. ApprovalNone is the synthetic "no request
// exists for this round" answer returned by RoundApprovalStatus.
const (
	ApprovalNone             = "none"
	ApprovalPending          = "pending"
	ApprovalApproved         = "approved"
	ApprovalRejected         = "rejected"
	ApprovalRevisionRequired = "revision_required"
)

// RequestApproval creates a pending approval request for a stage round.
// Round 0 means the stage's current round. Callers are expected to check
// RoundApprovalStatus first; this operation does not enforce uniqueness
// of pending requests per round.
func (e Engine) RequestApproval(ctx context.Context, stageID string, round int, assignedTo, notes, actorID string) (domain.Approval, error) {
	if assignedTo == "" {
		return domain.Approval{}, fmt.Errorf("assigned_to is required")
	}
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.Approval{}, err
	}
	if round == 0 {
		round = s.CurrentRound
	}
	if round < 1 || round > s.CurrentRound {
		return domain.Approval{}, PreconditionError{Reason: fmt.Sprintf("round %d does not exist for this stage", round)}
	}
	projectID, err := e.Repo.StageProjectID(ctx, s.ID)
	if err != nil {
		return domain.Approval{}, err
	}
	a := domain.Approval{
		ID:          uuid.New().String(),
		StageID:     s.ID,
		RoundNumber: round,
		Status:      ApprovalPending,
		AssignedTo:  assignedTo,
		Notes:       optionalString(notes),
		RequestedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.approval.requested", projectID, "approval", a.ID, actorID, events.EventPayload{
		"stage_id":    a.StageID,
		"round":       a.RoundNumber,
		"assigned_to": a.AssignedTo,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// Approve resolves a pending approval and completes the owning stage.
// Approving is the mechanism that finishes a gated stage; callers do not
// issue a separate status change. The approval record and the stage
// record are written separately: if stage completion fails after the
// approval was persisted, the error reports that partial state rather
// than rolling back.
func (e Engine) Approve(ctx context.Context, approvalID, notes, actorID string) (domain.Approval, error) {
	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	if a.Status != ApprovalPending {
		return a, PreconditionError{Reason: fmt.Sprintf("approval is already %s", a.Status)}
	}
	a, err = e.resolveApproval(ctx, a, ApprovalApproved, notes, actorID)
	if err != nil {
		return a, err
	}
	if _, err := e.SetStageStatus(ctx, a.StageID, StatusCompleted, true, actorID); err != nil {
		return a, fmt.Errorf("approval %s recorded but stage completion failed: %w", a.ID, err)
	}
	return a, nil
}

// Reject resolves a pending approval without touching the stage; the
// stage stays where it was (typically awaiting_approval) and the caller
// may re-request approval for the same round. needsRevision selects the
// revision_required outcome over an outright rejection.
func (e Engine) Reject(ctx context.Context, approvalID, notes string, needsRevision bool, actorID string) (domain.Approval, error) {
	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	if a.Status != ApprovalPending {
		return a, PreconditionError{Reason: fmt.Sprintf("approval is already %s", a.Status)}
	}
	status := ApprovalRejected
	if needsRevision {
		status = ApprovalRevisionRequired
	}
	return e.resolveApproval(ctx, a, status, notes, actorID)
}

func (e Engine) resolveApproval(ctx context.Context, a domain.Approval, status, notes, actorID string) (domain.Approval, error) {
	projectID, err := e.Repo.StageProjectID(ctx, a.StageID)
	if err != nil {
		return a, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	resolvedNotes := a.Notes
	if notes != "" {
		resolvedNotes = &notes
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateApproval(ctx, tx, a.ID, status, resolvedNotes, &now); err != nil {
		return a, err
	}
	evtType := "approval.approved"
	if status != ApprovalApproved {
		evtType = "approval.rejected"
	}
	if err := e.Events.Append(ctx, tx, evtType, projectID, "approval", a.ID, actorID, events.EventPayload{
		"stage_id": a.StageID,
		"round":    a.RoundNumber,
		"status":   status,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.Status = status
	a.Notes = resolvedNotes
	a.ApprovedAt = &now
	return a, nil
}

// RoundApprovalStatus reports the single most relevant approval status
// for a stage round: an in-flight pending request wins over any resolved
// one, an approval wins over a rejection, and ApprovalNone means no
// request exists for the round.
func (e Engine) RoundApprovalStatus(ctx context.Context, stageID string, round int) (string, error) {
	approvals, err := e.Repo.FindApprovalsByStageAndRound(ctx, stageID, round)
	if err != nil {
		return "", err
	}
	if len(approvals) == 0 {
		return ApprovalNone, nil
	}
	for _, status := range []string{ApprovalPending, ApprovalApproved} {
		for _, a := range approvals {
			if a.Status == status {
				return status, nil
			}
		}
	}
	return approvals[0].Status, nil
}
