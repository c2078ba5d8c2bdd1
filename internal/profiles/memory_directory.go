package profiles

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process Directory for local runs and tests.
type MemoryDirectory struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]Profile
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{nextID: 1, byID: make(map[int64]Profile)}
}

func (d *MemoryDirectory) Get(_ context.Context, id int64) (*Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) FindByChatUserID(_ context.Context, chatUserID string) (*Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if chatUserID == "" {
		return nil, ErrNotFound
	}
	for _, p := range d.byID {
		if p.ChatUserID == chatUserID {
			out := p
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// Upsert matches on id, then on chat user id; otherwise it assigns a new id.
func (d *MemoryDirectory) Upsert(_ context.Context, p Profile) (*Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.ID == 0 && p.ChatUserID != "" {
		for id, existing := range d.byID {
			if existing.ChatUserID == p.ChatUserID {
				p.ID = id
				break
			}
		}
	}
	if p.ID == 0 {
		p.ID = d.nextID
		d.nextID++
	} else if p.ID >= d.nextID {
		d.nextID = p.ID + 1
	}
	d.byID[p.ID] = p
	out := p
	return &out, nil
}
