package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	KindMilestone = "milestone"
	KindCommit    = "commit"
)

type SnapshotBlock struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

type Snapshot struct {
	NotebookID string            `json:"notebookId,omitempty"`
	Blocks     []SnapshotBlock   `json:"blocks"`
	Files      map[string]string `json:"files,omitempty"`
}

// Milestone is immutable once created. Listings omit Snapshot; GetMilestone
// fills it in.
type Milestone struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
}

type MilestoneInput struct {
	Kind     string   `json:"kind"`
	Name     string   `json:"name"`
	Notes    string   `json:"notes,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

type milestonesResponse struct {
	Milestones []Milestone `json:"milestones"`
}

type restoreResponse struct {
	Snapshot Snapshot `json:"snapshot"`
}

func (c *HTTPClient) ListMilestones(ctx context.Context, room string) ([]Milestone, error) {
	var out milestonesResponse
	if err := c.DoJSON(ctx, http.MethodGet, milestonesPath(room), nil, &out); err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	return out.Milestones, nil
}

func (c *HTTPClient) GetMilestone(ctx context.Context, room, id string) (Milestone, error) {
	var out Milestone
	if err := c.DoJSON(ctx, http.MethodGet, milestonesPath(room)+"/"+url.PathEscape(id), nil, &out); err != nil {
		return Milestone{}, fmt.Errorf("get milestone %s: %w", id, err)
	}
	return out, nil
}

func (c *HTTPClient) CreateMilestone(ctx context.Context, room string, in MilestoneInput) (Milestone, error) {
	if in.Kind == "" {
		in.Kind = KindMilestone
	}
	var out Milestone
	if err := c.DoJSON(ctx, http.MethodPost, milestonesPath(room), in, &out); err != nil {
		return Milestone{}, fmt.Errorf("create milestone: %w", err)
	}
	return out, nil
}

// RestoreMilestone asks the server to restore a milestone and returns the
// snapshot that is now authoritative.
func (c *HTTPClient) RestoreMilestone(ctx context.Context, room, id string) (Snapshot, error) {
	var out restoreResponse
	path := milestonesPath(room) + "/" + url.PathEscape(id) + "/restore"
	if err := c.DoJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return Snapshot{}, fmt.Errorf("restore milestone %s: %w", id, err)
	}
	return out.Snapshot, nil
}

func milestonesPath(room string) string {
	return fmt.Sprintf("/v1/rooms/%s/milestones", url.PathEscape(room))
}
