package batch

import (
	"context"
	"sync"

	"github.com/hazyhaar/taxpull/checkpoint"
)

// Tracker is the single progress channel of one entity. Every milestone goes
// through Mark, which is also where a pending stop is observed.
type Tracker struct {
	c        *Controller
	r        *run
	entityID string

	mu  sync.Mutex
	pct int
}

// EntityID returns the tracked entity.
func (t *Tracker) EntityID() string { return t.entityID }

// Percent returns the last reported percentage.
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pct
}

// Mark records that stage s was reached. Before a stage that leads to more
// portal work it returns ErrStopped when a stop was requested; once the
// table is extracted the entity always completes. It returns an
// ErrPersistence error when the checkpoint could not be written.
func (t *Tracker) Mark(ctx context.Context, s Stage) error {
	if s.interruptible() && t.r.stopping() {
		return ErrStopped
	}
	return t.report(ctx, s)
}

func (t *Tracker) report(ctx context.Context, s Stage) error {
	pct := t.c.cfg.Milestones.Percent(s)
	if err := t.c.persist(ctx, "mark "+string(s), func(ctx context.Context) error {
		return t.c.store.UpsertStatus(ctx, t.entityID, checkpoint.StatusRunning, pct, "")
	}); err != nil {
		return err
	}
	t.mu.Lock()
	t.pct = pct
	t.mu.Unlock()
	t.c.setCurrent(t.entityID, pct)
	return nil
}
