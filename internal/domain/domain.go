package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Phase struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Sequence  int    `json:"sequence"`
	Status    string `json:"status" enum:"not_started,in_progress,completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Stage is a unit of phase work. CurrentRound counts the revision rounds
// that exist for the stage; rounds are always numbered 1..CurrentRound
// with no gaps.
type Stage struct {
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

// Approval asks a named reviewer to approve or reject a stage's round.
// Scoped by (StageID, RoundNumber) like all round-tagged content.
type Approval struct {
	ID          string  `json:"id"`
	StageID     string  `json:"stage_id"`
	RoundNumber int     `json:"round_number"`
	Status      string  `json:"status" enum:"pending,approved,rejected,revision_required"`
	AssignedTo  string  `json:"assigned_to"`
	Notes       *string `json:"notes,omitempty"`
	RequestedAt string  `json:"requested_at" format:"date-time"`
	ApprovedAt  *string `json:"approved_at,omitempty" format:"date-time"`
}

type Document struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Title       string `json:"title"`
	FileRef     string `json:"file_ref,omitempty"`
	UploadedBy  string `json:"uploaded_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Note struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Body        string `json:"body"`
	AuthorID    string `json:"author_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
