package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Tracker wraps an Executor and records every live handle, so each
// successful Create is matched by exactly one effective Destroy.
type Tracker struct {
	inner Executor

	mu        sync.Mutex
	live      map[string]*tracked
	destroyed map[string]bool
	created   int
}

type tracked struct {
	h    *Handle
	mu   sync.Mutex // serializes Destroy per handle
	done bool
}

// NewTracker wraps inner.
func NewTracker(inner Executor) *Tracker {
	return &Tracker{
		inner:     inner,
		live:      make(map[string]*tracked),
		destroyed: make(map[string]bool),
	}
}

func (t *Tracker) Create(ctx context.Context, spec Spec) (*Handle, error) {
	h, err := t.inner.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.live[h.ID] = &tracked{h: h}
	t.created++
	t.mu.Unlock()
	return h, nil
}

func (t *Tracker) check(h *Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed[h.ID] {
		return fmt.Errorf("%s: %w", h.ID, ErrHandleDestroyed)
	}
	return nil
}

func (t *Tracker) Exec(ctx context.Context, h *Handle, cmd Command) (*ExecResult, error) {
	if err := t.check(h); err != nil {
		return nil, err
	}
	return t.inner.Exec(ctx, h, cmd)
}

func (t *Tracker) CopyIn(ctx context.Context, h *Handle, files []File) error {
	if err := t.check(h); err != nil {
		return err
	}
	return t.inner.CopyIn(ctx, h, files)
}

func (t *Tracker) CopyOut(ctx context.Context, h *Handle, paths []string) (map[string][]byte, error) {
	if err := t.check(h); err != nil {
		return nil, err
	}
	return t.inner.CopyOut(ctx, h, paths)
}

// Destroy is idempotent. A failed destroy leaves the handle live so that
// DestroyAll can retry it.
func (t *Tracker) Destroy(ctx context.Context, h *Handle) error {
	t.mu.Lock()
	e, ok := t.live[h.ID]
	gone := t.destroyed[h.ID]
	t.mu.Unlock()
	if gone {
		return nil
	}
	if !ok {
		return t.inner.Destroy(ctx, h)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return nil
	}
	if err := t.inner.Destroy(ctx, e.h); err != nil {
		return err
	}
	e.done = true

	t.mu.Lock()
	delete(t.live, h.ID)
	t.destroyed[h.ID] = true
	t.mu.Unlock()
	return nil
}

// Live returns the handles not yet destroyed, ordered by ID.
func (t *Tracker) Live() []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Handle, 0, len(t.live))
	for _, e := range t.live {
		out = append(out, e.h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns how many sandboxes were created and destroyed.
func (t *Tracker) Counts() (created, destroyed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created, len(t.destroyed)
}

// DestroyAll destroys every live handle.
func (t *Tracker) DestroyAll(ctx context.Context) error {
	var errs []error
	for _, h := range t.Live() {
		if err := t.Destroy(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

var _ Executor = (*Tracker)(nil)
