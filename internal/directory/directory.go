// Package directory keeps the room's notebook list in step with server
// create, rename and delete events.
package directory

import (
	"sort"
	"strings"
	"sync"
)

type Notebook struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Directory struct {
	mu        sync.RWMutex
	notebooks map[string]Notebook
}

func New() *Directory {
	return &Directory{notebooks: map[string]Notebook{}}
}

// Replace installs a full notebook-history listing.
func (d *Directory) Replace(list []Notebook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notebooks = make(map[string]Notebook, len(list))
	for _, nb := range list {
		if strings.TrimSpace(nb.ID) == "" {
			continue
		}
		d.notebooks[nb.ID] = nb
	}
}

func (d *Directory) Upsert(nb Notebook) {
	if strings.TrimSpace(nb.ID) == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notebooks[nb.ID] = nb
}

func (d *Directory) Rename(id, title string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	nb, ok := d.notebooks[id]
	if !ok {
		return false
	}
	nb.Title = title
	d.notebooks[id] = nb
	return true
}

func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.notebooks[id]; !ok {
		return false
	}
	delete(d.notebooks, id)
	return true
}

func (d *Directory) Get(id string) (Notebook, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nb, ok := d.notebooks[id]
	return nb, ok
}

// List returns notebooks ordered by title, then id.
func (d *Directory) List() []Notebook {
	d.mu.RLock()
	out := make([]Notebook, 0, len(d.notebooks))
	for _, nb := range d.notebooks {
		out = append(out, nb)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.notebooks)
}
