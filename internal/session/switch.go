package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/metrics"
	"github.com/agentworkforce/relaynote/internal/remote"
)

// LoadState is where a notebook is in its activation. Transitions happen
// only inside SwitchNotebook, AutoLoad and notebook deletion.
type LoadState int

const (
	NotLoaded LoadState = iota
	Loading
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "not-loaded"
	}
}

func (c *Controller) LoadState(notebookID string) LoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads[notebookID]
}

// ActiveNotebookID is the notebook the user has selected. It may still be
// loading.
func (c *Controller) ActiveNotebookID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// LiveNotebookID is the notebook whose content is hydrated in the stores.
func (c *Controller) LiveNotebookID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SelectNotebook makes notebookID the selected notebook without loading it.
// AutoLoad performs the load.
func (c *Controller) SelectNotebook(notebookID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = notebookID
}

// AutoLoad loads the selected notebook once per activation. It does nothing
// while that notebook is loading or loaded and retries it after a failure.
func (c *Controller) AutoLoad(ctx context.Context) error {
	c.mu.Lock()
	id := c.selected
	state := c.loads[id]
	c.mu.Unlock()
	if id == "" || state == Loading || state == Loaded {
		return nil
	}
	return c.SwitchNotebook(ctx, id)
}

// SwitchNotebook activates notebookID: the server snapshot is merged into
// its document before block metadata is projected from it, and the block
// store is replaced in one transition. A switch overtaken by a later one
// returns ErrSwitchSuperseded and changes nothing. On failure the previous
// notebook stays active.
func (c *Controller) SwitchNotebook(ctx context.Context, notebookID string) error {
	if _, _, err := c.joinedChannel("switch-notebook"); err != nil {
		return err
	}
	c.mu.Lock()
	if c.loads[notebookID] == Loading {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	gen := c.generation
	if c.loadingID != "" && c.loadingID != notebookID {
		c.loads[c.loadingID] = NotLoaded
	}
	c.loadingID = notebookID
	c.buffered = nil
	c.loads[notebookID] = Loading
	c.selected = notebookID
	room := c.room
	c.mu.Unlock()
	c.content.SetLoading(notebookID)
	c.presence.SetLoading(notebookID)

	started := c.now()
	ctx, span := tracer.Start(ctx, "session.SwitchNotebook",
		trace.WithAttributes(
			attribute.String("relaynote.room", room),
			attribute.String("relaynote.notebook_id", notebookID),
		),
	)
	defer span.End()

	err := c.hydrate(ctx, gen, room, notebookID)
	switch {
	case err == nil:
		c.metrics.ObserveSwitch(metrics.SwitchLoaded, time.Since(started))
	case err == ErrSwitchSuperseded:
		span.SetAttributes(attribute.Bool("relaynote.superseded", true))
		c.metrics.ObserveSwitch(metrics.SwitchSuperseded, time.Since(started))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ObserveSwitch(metrics.SwitchFailed, time.Since(started))
	}
	return err
}

func (c *Controller) hydrate(ctx context.Context, gen uint64, room, notebookID string) error {
	c.content.Document(notebookID)

	var (
		state string
		metas []remote.BlockMeta
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := c.state.FetchState(gctx, room, notebookID)
		if err != nil {
			return &NotebookLoadError{NotebookID: notebookID, Step: StepFetchState, Err: err}
		}
		state = s
		return nil
	})
	g.Go(func() error {
		m, err := c.state.FetchBlocks(gctx, room, notebookID)
		if err != nil {
			return &NotebookLoadError{NotebookID: notebookID, Step: StepFetchBlocks, Err: err}
		}
		metas = m
		return nil
	})
	if err := g.Wait(); err != nil {
		return c.failSwitch(gen, notebookID, err)
	}
	if c.superseded(gen) {
		return ErrSwitchSuperseded
	}

	if _, err := c.content.ImportSnapshot(notebookID, state); err != nil {
		return c.failSwitch(gen, notebookID, &NotebookLoadError{NotebookID: notebookID, Step: StepMergeState, Err: err})
	}

	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return ErrSwitchSuperseded
	}
	previous := c.active
	for id, st := range c.loads {
		if st == Loaded && id != notebookID {
			c.loads[id] = NotLoaded
		}
	}
	c.loads[notebookID] = Loaded
	c.loadingID = ""
	c.active = notebookID
	replay := c.buffered
	c.buffered = nil
	c.mu.Unlock()

	// The projection reads the document after every update merged while
	// the notebook was loading.
	blocks := make([]blockstore.Block, 0, len(metas))
	for _, meta := range metas {
		blocks = append(blocks, blockstore.Block{
			ID:        meta.ID,
			Language:  meta.Language,
			Position:  meta.Position,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Collapsed: meta.Collapsed,
			Content:   c.content.Text(notebookID, meta.ID),
		})
	}
	if previous != notebookID {
		c.content.Unfocus()
	}
	c.blocks.SetBlocks(blocks)
	c.content.SetLive(notebookID)
	c.presence.SetActive(notebookID)
	c.presence.RetainOnly(notebookID)
	for _, ev := range replay {
		c.applyBlockEvent(ev)
	}
	return nil
}

func (c *Controller) failSwitch(gen uint64, notebookID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return ErrSwitchSuperseded
	}
	c.loads[notebookID] = Failed
	c.loadingID = ""
	c.buffered = nil
	c.content.SetLoading("")
	c.presence.SetLoading("")
	if c.selected == notebookID {
		c.selected = c.active
	}
	if _, ok := err.(*NotebookLoadError); !ok {
		err = &NotebookLoadError{NotebookID: notebookID, Err: err}
	}
	return err
}

func (c *Controller) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.generation
}

// notebookDeleted handles a deleted notebook, remote or local. Deleting the
// selected notebook clears the selection so AutoLoad has nothing to load.
func (c *Controller) notebookDeleted(notebookID string) {
	if notebookID == "" {
		return
	}
	c.directory.Remove(notebookID)

	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()
	c.mu.Lock()
	wasActive := c.active == notebookID
	if c.selected == notebookID {
		c.selected = ""
	}
	if c.loadingID == notebookID {
		c.generation++
		c.loadingID = ""
		c.buffered = nil
	}
	if wasActive {
		c.active = ""
	}
	delete(c.loads, notebookID)
	c.mu.Unlock()

	c.content.Drop(notebookID)
	c.presence.Forget(notebookID)
	if wasActive {
		c.presence.SetActive("")
		c.blocks.Clear()
	}
	c.logf("notebook %s deleted: %s", notebookID, c.describeLoads())
}

func (c *Controller) describeLoads() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("selected=%q live=%q loads=%d", c.selected, c.active, len(c.loads))
}
