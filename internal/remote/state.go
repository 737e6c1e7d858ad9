package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// BlockMeta is the structural part of a block as served by the block
// metadata endpoint. It never carries text.
type BlockMeta struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Collapsed bool      `json:"collapsed,omitempty"`
}

type stateResponse struct {
	State string `json:"state"`
}

type blocksResponse struct {
	Blocks []BlockMeta `json:"blocks"`
}

// FetchState returns the base64 encoded CRDT snapshot of a notebook. A
// notebook with no saved state yields "".
func (c *HTTPClient) FetchState(ctx context.Context, room, notebookID string) (string, error) {
	var out stateResponse
	err := c.DoJSON(ctx, http.MethodGet, notebookPath(room, notebookID, "crdt-state"), nil, &out)
	if err != nil {
		return "", fmt.Errorf("fetch crdt state for %s: %w", notebookID, err)
	}
	return out.State, nil
}

func (c *HTTPClient) FetchBlocks(ctx context.Context, room, notebookID string) ([]BlockMeta, error) {
	var out blocksResponse
	err := c.DoJSON(ctx, http.MethodGet, notebookPath(room, notebookID, "blocks"), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("fetch blocks for %s: %w", notebookID, err)
	}
	return out.Blocks, nil
}

func notebookPath(room, notebookID, leaf string) string {
	return fmt.Sprintf("/v1/rooms/%s/notebooks/%s/%s", url.PathEscape(room), url.PathEscape(notebookID), leaf)
}
