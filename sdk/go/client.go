package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Stage represents the API stage model.
type Stage struct {
	ID               string `json:"id"`
	PhaseID          string `json:"phase_id"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	AllowsRounds     bool   `json:"allows_rounds"`
	CurrentRound     int    `json:"current_round"`
	RequiresApproval bool   `json:"requires_approval"`
}

// StageStatusResult reports a status change outcome.
type StageStatusResult struct {
	Stage             Stage `json:"stage"`
	RequiresApproval  bool  `json:"requires_approval"`
	ApprovalTriggered bool  `json:"approval_triggered"`
}

// Approval represents a sign-off request for a stage round.
type Approval struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to"`
	RequestedAt string `json:"requested_at"`
}

// RoundApprovalStatus is the approval answer for a stage round.
type RoundApprovalStatus struct {
	StageID string `json:"stage_id"`
	Round   int    `json:"round"`
	Status  string `json:"status"`
}

// DeleteRoundResult carries the compacted stage plus any cleanup warnings.
type DeleteRoundResult struct {
	Stage    Stage    `json:"stage"`
	Warnings []string `json:"warnings"`
}

// Document represents an uploaded file reference.
type Document struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Title       string `json:"title"`
	FileRef     string `json:"file_ref,omitempty"`
	UploadedBy  string `json:"uploaded_by"`
}

// Note represents a discussion note.
type Note struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	RoundNumber int    `json:"round_number"`
	Body        string `json:"body"`
	AuthorID    string `json:"author_id"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// GetStage fetches a stage by id.
func (c *Client) GetStage(ctx context.Context, stageID string) (Stage, error) {
	var resp Stage
	endpoint := c.projectPath(fmt.Sprintf("stages/%s", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetStageStatus changes a stage's status. On approval-gated stages a
// completed request may park the stage in awaiting_approval; check
// RequiresApproval on the result.
func (c *Client) SetStageStatus(ctx context.Context, stageID, status string) (StageStatusResult, error) {
	body := map[string]any{"status": status}
	var resp StageStatusResult
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/status", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ApprovalStatus returns the approval status for a stage round. Round 0
// means the current round.
func (c *Client) ApprovalStatus(ctx context.Context, stageID string, round int) (RoundApprovalStatus, error) {
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/approval-status", url.PathEscape(stageID)))
	if round > 0 {
		endpoint = fmt.Sprintf("%s?round=%d", endpoint, round)
	}
	var resp RoundApprovalStatus
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestApproval creates a pending approval for a stage round.
func (c *Client) RequestApproval(ctx context.Context, stageID string, round int, assignedTo, notes string) (Approval, error) {
	body := map[string]any{
		"round":       round,
		"assigned_to": assignedTo,
		"notes":       notes,
	}
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/approvals", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Approve resolves a pending approval and completes the owning stage.
func (c *Client) Approve(ctx context.Context, approvalID, notes string) (Approval, error) {
	body := map[string]any{"notes": notes}
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("approvals/%s/approve", url.PathEscape(approvalID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Reject resolves a pending approval without completing the stage.
func (c *Client) Reject(ctx context.Context, approvalID, notes string, needsRevision bool) (Approval, error) {
	body := map[string]any{
		"notes":          notes,
		"needs_revision": needsRevision,
	}
	var resp Approval
	endpoint := c.projectPath(fmt.Sprintf("approvals/%s/reject", url.PathEscape(approvalID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartRound begins a new round on a stage.
func (c *Client) StartRound(ctx context.Context, stageID string) (Stage, error) {
	var resp Stage
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/rounds", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DeleteRound removes a round and renumbers later rounds.
func (c *Client) DeleteRound(ctx context.Context, stageID string, round int) (DeleteRoundResult, error) {
	var resp DeleteRoundResult
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/rounds/%d", url.PathEscape(stageID), round))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// RoundHasContent reports whether a round has documents or notes.
func (c *Client) RoundHasContent(ctx context.Context, stageID string, round int) (bool, error) {
	var resp struct {
		HasContent bool `json:"has_content"`
	}
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/rounds/%d/content", url.PathEscape(stageID), round))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.HasContent, err
}

// AddDocument attaches a document to the stage's current round.
func (c *Client) AddDocument(ctx context.Context, stageID, title, fileRef string) (Document, error) {
	body := map[string]any{
		"title":    title,
		"file_ref": fileRef,
	}
	var resp Document
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/documents", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddNote adds a discussion note to the stage's current round.
func (c *Client) AddNote(ctx context.Context, stageID, noteBody string) (Note, error) {
	body := map[string]any{"body": noteBody}
	var resp Note
	endpoint := c.projectPath(fmt.Sprintf("stages/%s/notes", url.PathEscape(stageID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
