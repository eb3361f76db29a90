package server

import (
	"encoding/json"

	"stageline/internal/config"
	"stageline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type CreatePhaseRequest struct {
	ID       *string `json:"id,omitempty"`
	Name     string  `json:"name"`
	Sequence int     `json:"sequence,omitempty"`
}

type CreateStageRequest struct {
	ID               *string `json:"id,omitempty"`
	PhaseID          string  `json:"phase_id"`
	Name             string  `json:"name"`
	Template         string  `json:"template,omitempty"`
	RequiresApproval *bool   `json:"requires_approval,omitempty"`
	AllowsRounds     *bool   `json:"allows_rounds,omitempty"`
}

type SetStageStatusRequest struct {
	Status string `json:"status" enum:"not_started,in_progress,awaiting_approval,completed,on_hold"`
}

type RequestApprovalRequest struct {
	Round      int    `json:"round,omitempty"`
	AssignedTo string `json:"assigned_to"`
	Notes      string `json:"notes,omitempty"`
}

type ResolveApprovalRequest struct {
	Notes         string `json:"notes,omitempty"`
	NeedsRevision bool   `json:"needs_revision,omitempty"`
}

type AddDocumentRequest struct {
	Title   string `json:"title"`
	FileRef string `json:"file_ref,omitempty"`
}

type AddNoteRequest struct {
	Body string `json:"body"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PhaseResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Sequence  int    `json:"sequence"`
	Status    string `json:"status" enum:"not_started,in_progress,completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	ID               string `json:"id"`
	PhaseID          string `json:"phase_id"`
	Name             string `json:"name"`
	Status           string `json:"status" enum:"not_started,in_progress,awaiting_approval,completed,on_hold"`
	AllowsRounds     bool   `json:"allows_rounds"`
	CurrentRound     int    `json:"current_round"`
	RequiresApproval bool   `json:"requires_approval"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// StageStatusResponse reports a status change outcome. When the approval
// gate intercepts a completion, requires_approval is true and
// approval_triggered says whether the caller should create a request.
type StageStatusResponse struct {
	Stage             StageResponse `json:"stage"`
	RequiresApproval  bool          `json:"requires_approval"`
	ApprovalTriggered bool          `json:"approval_triggered"`
}

type ApprovalResponse struct {
	ID          string  `json:"id"`
	StageID     string  `json:"stage_id"`
	RoundNumber int     `json:"round_number"`
	Status      string  `json:"status" enum:"pending,approved,rejected,revision_required"`
	AssignedTo  string  `json:"assigned_to"`
	Notes       *string `json:"notes,omitempty"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
}

type RoundApprovalStatusResponse struct {
	StageID string `json:"stage_id"`
	Round   int    `json:"round"`
	Status  string `json:"status" enum:"none,pending,approved,rejected,revision_required"`
}

type DeleteRoundResponse struct {
	Stage    StageResponse `json:"stage"`
	Warnings []string      `json:"warnings"`
}

type RoundContentResponse struct {
	StageID    string `json:"stage_id"`
	Round      int    `json:"round"`
	HasContent bool   `json:"has_content"`
}

type DocumentResponse struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Title       string `json:"title"`
	FileRef     string `json:"file_ref,omitempty"`
	UploadedBy  string `json:"uploaded_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type NoteResponse struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Body        string `json:"body"`
	AuthorID    string `json:"author_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type ProjectConfigResponse struct {
	Project projectConfigSection             `json:"project"`
	Stages  stageConfigSection               `json:"stages"`
	RBAC    map[string]rbacRoleConfigSection `json:"rbac,omitempty"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type stageConfigSection struct {
	Catalog  map[string]stageTemplateResponse `json:"catalog"`
	Defaults stageTemplateResponse            `json:"defaults"`
}

type stageTemplateResponse struct {
	RequiresApproval bool `json:"requires_approval"`
	AllowsRounds     bool `json:"allows_rounds"`
}

type rbacRoleConfigSection struct {
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func phaseResponse(p domain.Phase) PhaseResponse {
	return PhaseResponse(p)
}

func stageResponse(s domain.Stage) StageResponse {
	return StageResponse(s)
}

func approvalResponse(a domain.Approval) ApprovalResponse {
	return ApprovalResponse(a)
}

func documentResponse(d domain.Document) DocumentResponse {
	return DocumentResponse(d)
}

func noteResponse(n domain.Note) NoteResponse {
	return NoteResponse(n)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Kind: cfg.Project.Kind,
		},
		Stages: stageConfigSection{
			Catalog: map[string]stageTemplateResponse{},
			Defaults: stageTemplateResponse{
				RequiresApproval: cfg.Stages.Defaults.RequiresApproval,
				AllowsRounds:     cfg.Stages.Defaults.AllowsRounds,
			},
		},
	}
	for name, tpl := range cfg.Stages.Catalog {
		res.Stages.Catalog[name] = stageTemplateResponse{
			RequiresApproval: tpl.RequiresApproval,
			AllowsRounds:     tpl.AllowsRounds,
		}
	}
	if len(cfg.RBAC.Roles) > 0 {
		res.RBAC = map[string]rbacRoleConfigSection{}
		for id, role := range cfg.RBAC.Roles {
			res.RBAC[id] = rbacRoleConfigSection{
				Description: role.Description,
				Permissions: nonNilSlice(role.Permissions),
			}
		}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapPhases(items []domain.Phase) []PhaseResponse {
	res := make([]PhaseResponse, 0, len(items))
	for _, p := range items {
		res = append(res, phaseResponse(p))
	}
	return res
}

func mapStages(items []domain.Stage) []StageResponse {
	res := make([]StageResponse, 0, len(items))
	for _, s := range items {
		res = append(res, stageResponse(s))
	}
	return res
}

func mapApprovals(items []domain.Approval) []ApprovalResponse {
	res := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		res = append(res, approvalResponse(a))
	}
	return res
}

func mapDocuments(items []domain.Document) []DocumentResponse {
	res := make([]DocumentResponse, 0, len(items))
	for _, d := range items {
		res = append(res, documentResponse(d))
	}
	return res
}

func mapNotes(items []domain.Note) []NoteResponse {
	res := make([]NoteResponse, 0, len(items))
	for _, n := range items {
		res = append(res, noteResponse(n))
	}
	return res
}
