// Package contentsync maps notebook blocks to mergeable text units and is the
// only path through which block text changes.
package contentsync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/relaynote/internal/crdt"
)

var (
	ErrUnknownNotebook = errors.New("unknown notebook document")
	ErrNotLive         = errors.New("notebook document is not live")
)

// TextUnit is a handle to one block's text inside a notebook document.
type TextUnit struct {
	NotebookID string
	BlockID    string
	doc        *crdt.Doc
}

func (u TextUnit) String() string {
	if u.doc == nil {
		return ""
	}
	return u.doc.Text(u.BlockID)
}

type focus struct {
	notebookID string
	blockID    string
	detach     func()
}

type Layer struct {
	mu     sync.Mutex
	client uint64
	docs    map[string]*crdt.Doc
	live    string
	loading string
	focus   *focus
}

// NewLayer builds a layer whose documents stamp local operations with client.
// Each connection must use a distinct client id.
func NewLayer(client uint64) *Layer {
	return &Layer{
		client: client,
		docs:   map[string]*crdt.Doc{},
	}
}

// Document returns the notebook's document, creating it when absent.
func (l *Layer) Document(notebookID string) *crdt.Doc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.documentLocked(notebookID)
}

func (l *Layer) Lookup(notebookID string) (*crdt.Doc, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok := l.docs[notebookID]
	return doc, ok
}

// SetLive marks notebookID as the live document. Remote updates are merged
// into the live document and the one being loaded. An empty id clears it.
func (l *Layer) SetLive(notebookID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live = notebookID
	if l.loading == notebookID {
		l.loading = ""
	}
}

// SetLoading marks notebookID as being hydrated so remote updates that race
// its snapshot are not lost. An empty id clears it.
func (l *Layer) SetLoading(notebookID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loading = notebookID
}

func (l *Layer) Live() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// GetOrCreateText returns the block's text unit. The update is non-empty only
// when the unit was created and must be broadcast.
func (l *Layer) GetOrCreateText(notebookID, blockID string) (TextUnit, crdt.Update, error) {
	doc := l.Document(notebookID)
	u, err := doc.Ensure(blockID)
	if err != nil {
		return TextUnit{}, crdt.Update{}, err
	}
	return TextUnit{NotebookID: notebookID, BlockID: blockID, doc: doc}, u, nil
}

// ApplyLocalEdit turns newText into the smallest single delete-range plus
// insert against the current text and applies it as one transaction.
func (l *Layer) ApplyLocalEdit(notebookID, blockID, newText string) (crdt.Update, error) {
	doc := l.Document(notebookID)
	current := doc.Text(blockID)
	index, deleteCount, insert := diff(current, newText)
	if deleteCount == 0 && insert == "" {
		return doc.Ensure(blockID)
	}
	u, err := doc.Edit(blockID, index, deleteCount, insert)
	if err != nil {
		return crdt.Update{}, fmt.Errorf("edit %s/%s: %w", notebookID, blockID, err)
	}
	return u, nil
}

// ReplaceText rewrites a block's whole text, reviving it if it was removed.
// Restore and duplicate use it; keystrokes go through ApplyLocalEdit. On
// error the update still carries what was applied and must be broadcast.
func (l *Layer) ReplaceText(notebookID, blockID, text string) (crdt.Update, error) {
	doc := l.Document(notebookID)
	if doc.Has(blockID) && doc.Text(blockID) == text {
		return crdt.Update{}, nil
	}
	u, err := doc.Replace(blockID, text)
	if err != nil {
		return u, fmt.Errorf("replace %s/%s: %w", notebookID, blockID, err)
	}
	return u, nil
}

func (l *Layer) RemoveText(notebookID, blockID string) crdt.Update {
	l.mu.Lock()
	if l.focus != nil && l.focus.notebookID == notebookID && l.focus.blockID == blockID {
		l.disposeFocusLocked()
	}
	doc := l.documentLocked(notebookID)
	l.mu.Unlock()
	return doc.Remove(blockID)
}

func (l *Layer) Text(notebookID, blockID string) string {
	doc, ok := l.Lookup(notebookID)
	if !ok {
		return ""
	}
	return doc.Text(blockID)
}

// ExportSnapshot encodes the full notebook document as base64.
func (l *Layer) ExportSnapshot(notebookID string) (string, error) {
	doc, ok := l.Lookup(notebookID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNotebook, notebookID)
	}
	return crdt.EncodeBase64(doc.Snapshot()), nil
}

// ImportSnapshot merges a base64 snapshot into the notebook document. Importing
// the same snapshot again changes nothing.
func (l *Layer) ImportSnapshot(notebookID, encoded string) ([]string, error) {
	u, err := crdt.DecodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot for %s: %w", notebookID, err)
	}
	return l.Document(notebookID).Apply(u), nil
}

// ApplyRemote merges an encoded update into the live or loading document.
// Updates for any other notebook return ErrNotLive and are not applied.
func (l *Layer) ApplyRemote(notebookID string, data []byte) ([]string, error) {
	l.mu.Lock()
	if notebookID == "" || (notebookID != l.live && notebookID != l.loading) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotLive, notebookID)
	}
	doc := l.documentLocked(notebookID)
	l.mu.Unlock()
	return doc.ApplyEncoded(data)
}

// Focus attaches fn as the single content listener, disposing any previous
// one first.
func (l *Layer) Focus(notebookID, blockID string, fn func(text string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disposeFocusLocked()
	doc := l.documentLocked(notebookID)
	l.focus = &focus{
		notebookID: notebookID,
		blockID:    blockID,
		detach:     doc.Observe(blockID, fn),
	}
}

func (l *Layer) Unfocus() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disposeFocusLocked()
}

// Focused reports the currently focused block, if any.
func (l *Layer) Focused() (notebookID, blockID string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.focus == nil {
		return "", "", false
	}
	return l.focus.notebookID, l.focus.blockID, true
}

// Drop forgets a notebook's document, its focus and its live or loading flag.
func (l *Layer) Drop(notebookID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.focus != nil && l.focus.notebookID == notebookID {
		l.disposeFocusLocked()
	}
	if l.live == notebookID {
		l.live = ""
	}
	if l.loading == notebookID {
		l.loading = ""
	}
	delete(l.docs, notebookID)
}

func (l *Layer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disposeFocusLocked()
	l.live = ""
	l.loading = ""
	l.docs = map[string]*crdt.Doc{}
}

func (l *Layer) documentLocked(notebookID string) *crdt.Doc {
	doc, ok := l.docs[notebookID]
	if !ok {
		doc = crdt.NewDoc(l.client)
		l.docs[notebookID] = doc
	}
	return doc
}

func (l *Layer) disposeFocusLocked() {
	if l.focus == nil {
		return
	}
	l.focus.detach()
	l.focus = nil
}

// diff returns the rune index, delete count and insertion that turn before
// into after, trimming the common prefix and suffix.
func diff(before, after string) (int, int, string) {
	a := []rune(before)
	b := []rune(after)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	insert := string(b[prefix : len(b)-suffix])
	return prefix, len(a) - prefix - suffix, insert
}
