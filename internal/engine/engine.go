package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Docs      repo.DocumentStore
	Notes     repo.NoteStore
	Approvals repo.ApprovalStore
	Events    events.Writer
	Auth      auth.Service
	Config    *config.Config
	Now       func() time.Time

	rounds *roundGuard
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Docs:      repo.DocumentStore{DB: db},
		Notes:     repo.NoteStore{DB: db},
		Approvals: repo.ApprovalStore{DB: db},
		Events:    events.Writer{DB: db},
		Auth:      auth.Service{DB: db},
		Config:    cfg,
		Now:       time.Now,
		rounds:    newRoundGuard(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ContentPort is the contract every round-scoped content collection
/// exposes to the round manager. The set of ports is closed: documents,
// discussion notes, approvals.
type ContentPort interface {
	Name() string
	ExistsForStageAndRound(ctx context.Context, stageID string, round int) (bool, error)
	DeleteByStageAndRound(ctx context.Context, stageID string, round int) (int64, error)
	RetagRound(ctx context.Context, stageID string, fromRound, toRound int) (int64, error)
}

func (e Engine) contentPorts() [3]ContentPort {
	return [3]ContentPort{e.Docs, e.Notes, e.Approvals}
}

// PreconditionError reports a rejected operation with a user-facing reason.
type PreconditionError struct {
	Reason string
}

func (e PreconditionError) Error() string { return e.Reason }

// InitProject initializes a new project with migrations already run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "construction-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// PhaseCreateOptions are parameters for creating a phase.
type PhaseCreateOptions struct {
	ID        string
	ProjectID string
	Name      string
	Sequence  int
	ActorID   string
}

func (e Engine) CreatePhase(ctx context.Context, opts PhaseCreateOptions) (domain.Phase, error) {
	if opts.Name == "" {
		return domain.Phase{}, errors.New("name is required")
	}
	if opts.ProjectID == "" {
		return domain.Phase{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Phase{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Phase{
		ID:        id,
		ProjectID: opts.ProjectID,
		Name:      opts.Name,
		Sequence:  opts.Sequence,
		Status:    "not_started",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Phase{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPhase(ctx, tx, p); err != nil {
		return domain.Phase{}, err
	}
	if err := e.Events.Append(ctx, tx, "phase.created", p.ProjectID, "phase", p.ID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Phase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Phase{}, err
	}
	return p, nil
}

// StageCreateOptions are parameters for creating a stage. Template picks
// lifecycle flags from the project config catalog; explicit flags win.
type StageCreateOptions struct {
	ID               string
	PhaseID          string
	Name             string
	Template         string
	RequiresApproval *bool
	AllowsRounds     *bool
	ActorID          string
}

func (e Engine) CreateStage(ctx context.Context, opts StageCreateOptions) (domain.Stage, error) {
	if e.Config == nil {
		return domain.Stage{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Stage{}, errors.New("name is required")
	}
	if opts.PhaseID == "" {
		return domain.Stage{}, errors.New("phase is required")
	}
	phase, err := e.Repo.GetPhase(ctx, opts.PhaseID)
	if err != nil {
		return domain.Stage{}, err
	}
	tpl := e.Config.TemplateFor(opts.Template)
	if opts.RequiresApproval != nil {
		tpl.RequiresApproval = *opts.RequiresApproval
	}
	if opts.AllowsRounds != nil {
		tpl.AllowsRounds = *opts.AllowsRounds
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Stage{
		ID:               id,
		PhaseID:          opts.PhaseID,
		Name:             opts.Name,
		Status:           "not_started",
		AllowsRounds:     tpl.AllowsRounds,
		CurrentRound:     1,
		RequiresApproval: tpl.RequiresApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stage{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertStage(ctx, tx, s); err != nil {
		return domain.Stage{}, err
	}
	if err := e.Events.Append(ctx, tx, "stage.created", phase.ProjectID, "stage", s.ID, opts.ActorID, events.EventPayload{
		"name":              s.Name,
		"requires_approval": s.RequiresApproval,
		"allows_rounds":     s.AllowsRounds,
	}); err != nil {
		return domain.Stage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stage{}, err
	}
	return s, nil
}

// AddDocument attaches a document to the stage's current round.
func (e Engine) AddDocument(ctx context.Context, stageID, title, fileRef, actorID string) (domain.Document, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.Document{}, err
	}
	d := domain.Document{
		ID:          uuid.New().String(),
		StageID:     s.ID,
		RoundNumber: s.CurrentRound,
		Title:       title,
		FileRef:     fileRef,
		UploadedBy:  actorID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if d.Title == "" {
		return domain.Document{}, errors.New("title is required")
	}
	if err := e.Docs.Insert(ctx, d); err != nil {
		return domain.Document{}, err
	}
	e.appendEventDirect(ctx, "document.added", s.ID, "document", d.ID, actorID, events.EventPayload{"round": d.RoundNumber, "title": d.Title})
	return d, nil
}

// AddNote attaches a discussion note to the stage's current round.
func (e Engine) AddNote(ctx context.Context, stageID, body, actorID string) (domain.Note, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return domain.Note{}, err
	}
	if body == "" {
		return domain.Note{}, errors.New("body is required")
	}
	n := domain.Note{
		ID:          uuid.New().String(),
		StageID:     s.ID,
		RoundNumber: s.CurrentRound,
		Body:        body,
		AuthorID:    actorID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Notes.Insert(ctx, n); err != nil {
		return domain.Note{}, err
	}
	e.appendEventDirect(ctx, "note.added", s.ID, "note", n.ID, actorID, events.EventPayload{"round": n.RoundNumber})
	return n, nil
}

// appendEventDirect logs an event for a stage-scoped entity outside a
// transaction. Event delivery must never fail the operation.
func (e Engine) appendEventDirect(ctx context.Context, evtType, stageID, entityKind, entityID, actorID string, payload events.EventPayload) {
	projectID, err := e.Repo.StageProjectID(ctx, stageID)
	if err != nil {
		projectID = ""
	}
	if err := e.Events.AppendDirect(ctx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		log.Printf("event %s for %s %s: %v", evtType, entityKind, entityID, err)
	}
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
