package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaynote/internal/blockstore"
	"github.com/agentworkforce/relaynote/internal/channel"
	"github.com/agentworkforce/relaynote/internal/contentsync"
	"github.com/agentworkforce/relaynote/internal/crdt"
	"github.com/agentworkforce/relaynote/internal/directory"
)

type createNotebookAck struct {
	Notebook directory.Notebook `json:"notebook"`
}

// CreateNotebook asks the server for a new notebook and records it in the
// directory once acknowledged.
func (c *Controller) CreateNotebook(ctx context.Context, title string) (directory.Notebook, error) {
	ch, _, err := c.joinedChannel("create-notebook")
	if err != nil {
		return directory.Notebook{}, err
	}
	data, err := ch.Request(ctx, channel.RequestCreateNotebook, channel.CreateNotebook{Title: strings.TrimSpace(title)})
	if err != nil {
		return directory.Notebook{}, fmt.Errorf("create notebook: %w", err)
	}
	var ack createNotebookAck
	if len(data) > 0 {
		if err := json.Unmarshal(data, &ack); err != nil {
			return directory.Notebook{}, fmt.Errorf("decode create notebook ack: %w", err)
		}
	}
	if ack.Notebook.ID != "" {
		c.directory.Upsert(ack.Notebook)
	}
	return ack.Notebook, nil
}

func (c *Controller) RenameNotebook(ctx context.Context, notebookID, title string) error {
	ch, _, err := c.joinedChannel("rename-notebook")
	if err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if _, err := ch.Request(ctx, channel.RequestRenameNotebook, channel.RenameNotebook{NotebookID: notebookID, Title: title}); err != nil {
		return fmt.Errorf("rename notebook %s: %w", notebookID, err)
	}
	c.directory.Rename(notebookID, title)
	return nil
}

func (c *Controller) DeleteNotebook(ctx context.Context, notebookID string) error {
	ch, _, err := c.joinedChannel("delete-notebook")
	if err != nil {
		return err
	}
	if _, err := ch.Request(ctx, channel.RequestDeleteNotebook, channel.DeleteNotebook{NotebookID: notebookID}); err != nil {
		return fmt.Errorf("delete notebook %s: %w", notebookID, err)
	}
	c.notebookDeleted(notebookID)
	return nil
}

// CreateBlockAt inserts a pending block at position (nil appends) and asks
// the server to create it. The block is removed again if the server refuses.
func (c *Controller) CreateBlockAt(ctx context.Context, position *int, language string) (string, error) {
	ch, _, nb, err := c.liveNotebook("create-block")
	if err != nil {
		return "", err
	}
	id := c.blocks.Insert(blockstore.Block{ID: c.newID(), Language: language, Pending: true}, position)
	created, _ := c.blocks.Block(id)

	req := channel.CreateBlockAt{NotebookID: nb, BlockID: id, Language: language, Position: created.Position}
	if _, err := ch.Request(ctx, channel.RequestCreateBlockAt, req); err != nil {
		if c.isLive(nb) {
			c.blocks.RemoveBlock(id)
		}
		return "", fmt.Errorf("create block in %s: %w", nb, err)
	}
	if !c.isLive(nb) {
		return id, nil
	}
	c.blocks.ConfirmPending(id)
	if _, u, err := c.content.GetOrCreateText(nb, id); err != nil {
		return id, err
	} else if err := c.broadcast(ctx, ch, nb, u); err != nil {
		return id, err
	}
	return id, nil
}

// MoveBlock moves a block locally and reverts if the server refuses.
func (c *Controller) MoveBlock(ctx context.Context, blockID string, position int) error {
	ch, _, nb, err := c.liveNotebook("move-block")
	if err != nil {
		return err
	}
	prev, ok := c.blocks.Block(blockID)
	if !ok {
		return fmt.Errorf("move block: %w: %s", blockstore.ErrNotFound, blockID)
	}
	if err := c.blocks.MoveBlock(blockID, position); err != nil {
		return err
	}
	c.blocks.SetPending(blockID, true)
	moved, _ := c.blocks.Block(blockID)

	req := channel.MoveBlock{NotebookID: nb, BlockID: blockID, Position: moved.Position}
	if _, err := ch.Request(ctx, channel.RequestMoveBlock, req); err != nil {
		if c.isLive(nb) {
			_ = c.blocks.MoveBlock(blockID, prev.Position)
			c.blocks.SetPending(blockID, false)
		}
		return fmt.Errorf("move block %s: %w", blockID, err)
	}
	if c.isLive(nb) {
		c.blocks.ConfirmPending(blockID)
	}
	return nil
}

// DeleteBlock removes a block locally and restores it if the server refuses.
// Once acknowledged its text is removed from the document and any pending run
// output for it is discarded.
func (c *Controller) DeleteBlock(ctx context.Context, blockID string) error {
	ch, _, nb, err := c.liveNotebook("delete-block")
	if err != nil {
		return err
	}
	prev, ok := c.blocks.Block(blockID)
	if !ok {
		return fmt.Errorf("delete block: %w: %s", blockstore.ErrNotFound, blockID)
	}
	c.blocks.RemoveBlock(blockID)

	if _, err := ch.Request(ctx, channel.RequestDeleteBlock, channel.DeleteBlock{NotebookID: nb, BlockID: blockID}); err != nil {
		if c.isLive(nb) {
			position := prev.Position
			c.blocks.Insert(prev, &position)
		}
		return fmt.Errorf("delete block %s: %w", blockID, err)
	}
	c.cancelRun(blockID)
	return c.broadcast(ctx, ch, nb, c.content.RemoveText(nb, blockID))
}

// DuplicateBlock creates a copy of blockID directly after it. The copy's text
// is written through the document after the server acknowledged the block,
// so peers receive it as an ordinary update.
func (c *Controller) DuplicateBlock(ctx context.Context, blockID string) (string, error) {
	ch, _, nb, err := c.liveNotebook("duplicate-block")
	if err != nil {
		return "", err
	}
	id, err := c.blocks.DuplicateBlockAs(blockID, c.newID())
	if err != nil {
		return "", err
	}
	c.blocks.SetPending(id, true)
	dup, _ := c.blocks.Block(id)

	req := channel.CreateBlockAt{NotebookID: nb, BlockID: id, Language: dup.Language, Position: dup.Position}
	if _, err := ch.Request(ctx, channel.RequestCreateBlockAt, req); err != nil {
		if c.isLive(nb) {
			c.blocks.RemoveBlock(id)
		}
		return "", fmt.Errorf("duplicate block %s: %w", blockID, err)
	}
	if !c.isLive(nb) {
		return id, nil
	}

	text := c.content.Text(nb, blockID)
	u, err := c.content.ReplaceText(nb, id, text)
	if err != nil {
		return id, err
	}
	if u.IsEmpty() {
		_, u, err = c.content.GetOrCreateText(nb, id)
		if err != nil {
			return id, err
		}
	}
	c.blocks.SetContent(id, text)
	c.blocks.ConfirmPending(id)
	return id, c.broadcast(ctx, ch, nb, u)
}

// EditBlock applies newText to the block as one incremental document
// transaction and broadcasts the resulting update.
func (c *Controller) EditBlock(ctx context.Context, blockID, newText string) error {
	ch, _, nb, err := c.liveNotebook("edit-block")
	if err != nil {
		return err
	}
	if _, ok := c.blocks.Block(blockID); !ok {
		return fmt.Errorf("edit block: %w: %s", blockstore.ErrNotFound, blockID)
	}
	u, err := c.content.ApplyLocalEdit(nb, blockID, newText)
	if err != nil {
		return err
	}
	c.blocks.SetContent(blockID, c.content.Text(nb, blockID))
	return c.broadcast(ctx, ch, nb, u)
}

// FocusBlock binds the block's text to the editor callback. Remote edits to
// the block reach fn until another block is focused.
func (c *Controller) FocusBlock(blockID string, fn func(text string)) error {
	_, _, nb, err := c.liveNotebook("focus-block")
	if err != nil {
		return err
	}
	if _, ok := c.blocks.Block(blockID); !ok {
		return fmt.Errorf("focus block: %w: %s", blockstore.ErrNotFound, blockID)
	}
	c.content.Focus(nb, blockID, fn)
	c.blocks.Select(blockID)
	c.blocks.Touch(blockID)
	return nil
}

// RestoreMilestone replaces the active notebook with a milestone snapshot.
// The restored texts are written through the document, reviving blocks
// deleted since the snapshot, and broadcast so peers converge on them. The
// block store takes the snapshot even when a text fails, and every update
// already applied is still broadcast.
func (c *Controller) RestoreMilestone(ctx context.Context, milestoneID string) error {
	ch, room, nb, err := c.liveNotebook("restore-milestone")
	if err != nil {
		return err
	}
	if c.milestones == nil {
		return fmt.Errorf("restore milestone %s: no persistence client configured", milestoneID)
	}
	snap, err := c.milestones.RestoreMilestone(ctx, room, milestoneID)
	if err != nil {
		return fmt.Errorf("restore milestone %s: %w", milestoneID, err)
	}
	if !c.isLive(nb) {
		return fmt.Errorf("restore milestone %s: %w", milestoneID, ErrSwitchSuperseded)
	}

	var (
		updates []crdt.Update
		errs    []error
	)
	keep := make(map[string]bool, len(snap.Blocks))
	blocks := make([]blockstore.Block, 0, len(snap.Blocks))
	now := c.now()
	for _, sb := range snap.Blocks {
		keep[sb.ID] = true
		u, err := c.content.ReplaceText(nb, sb.ID, sb.Content)
		updates = append(updates, u)
		if err != nil {
			errs = append(errs, err)
		}
		blocks = append(blocks, blockstore.Block{
			ID:        sb.ID,
			Language:  sb.Language,
			Position:  sb.Position,
			Content:   c.content.Text(nb, sb.ID),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	for _, existing := range c.blocks.Blocks() {
		if !keep[existing.ID] {
			updates = append(updates, c.content.RemoveText(nb, existing.ID))
			c.cancelRun(existing.ID)
		}
	}
	c.blocks.SetBlocks(blocks)

	for _, u := range updates {
		if err := c.broadcast(ctx, ch, nb, u); err != nil {
			errs = append(errs, err)
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore milestone %s: %w", milestoneID, errors.Join(errs...))
	}
	return nil
}

func (c *Controller) broadcast(ctx context.Context, ch Channel, notebookID string, u crdt.Update) error {
	if u.IsEmpty() {
		return nil
	}
	msg := channel.CRDTUpdate{NotebookID: notebookID, Update: crdt.EncodeUpdate(u), Origin: c.origin}
	if err := ch.Emit(ctx, channel.RequestCRDTUpdate, msg); err != nil {
		return fmt.Errorf("broadcast update for %s: %w", notebookID, err)
	}
	return nil
}

func (c *Controller) isLive(notebookID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == notebookID
}

func (c *Controller) cancelRun(blockID string) {
	if c.exec != nil {
		c.exec.Cancel(blockID)
	}
}

// remoteUpdate merges a peer's update into the live or loading notebook and
// projects it into the block store once live. Updates for any other notebook
// are ignored.
func (c *Controller) remoteUpdate(e channel.CRDTUpdate) {
	if e.Origin != "" && e.Origin == c.origin {
		return
	}
	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()
	changed, err := c.content.ApplyRemote(e.NotebookID, e.Update)
	if errors.Is(err, contentsync.ErrNotLive) {
		return
	}
	if err != nil {
		c.logf("drop update for notebook %s: %v", e.NotebookID, err)
		return
	}
	if !c.isLive(e.NotebookID) {
		return
	}
	for _, id := range changed {
		c.blocks.SetContent(id, c.content.Text(e.NotebookID, id))
	}
}

func (c *Controller) remoteBlockEvent(notebookID string, ev channel.Event) {
	c.hydrateMu.Lock()
	defer c.hydrateMu.Unlock()
	if c.routeBlockEvent(notebookID, ev) {
		c.applyBlockEvent(ev)
	}
}

// routeBlockEvent reports whether a block event applies to the live
// notebook now. Events for the notebook being loaded are also kept for
// replay after its block store is installed.
func (c *Controller) routeBlockEvent(notebookID string, ev channel.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if notebookID == "" {
		return false
	}
	if notebookID == c.loadingID {
		c.buffered = append(c.buffered, ev)
	}
	return notebookID == c.active
}

func (c *Controller) applyBlockEvent(ev channel.Event) {
	switch e := ev.(type) {
	case channel.BlockCreated:
		c.applyBlockCreated(e)
	case channel.BlockMoved:
		c.applyBlockMoved(e)
	case channel.BlockDeleted:
		c.applyBlockDeleted(e)
	}
}

func (c *Controller) applyBlockCreated(e channel.BlockCreated) {
	if e.Block.ID == "" {
		return
	}
	b := e.Block
	b.Pending = false
	b.Content = c.content.Text(e.NotebookID, b.ID)
	if existing, ok := c.blocks.Block(b.ID); ok {
		b.IsRunning = existing.IsRunning
		b.Output = existing.Output
		b.Error = existing.Error
	}
	position := b.Position
	c.blocks.Insert(b, &position)
}

func (c *Controller) applyBlockMoved(e channel.BlockMoved) {
	if err := c.blocks.MoveBlock(e.BlockID, e.Position); err != nil {
		c.logf("move of unknown block %s ignored", e.BlockID)
		return
	}
	c.blocks.ConfirmPending(e.BlockID)
}

func (c *Controller) applyBlockDeleted(e channel.BlockDeleted) {
	c.blocks.RemoveBlock(e.BlockID)
	c.content.RemoveText(e.NotebookID, e.BlockID)
	c.cancelRun(e.BlockID)
}
