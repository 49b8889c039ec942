package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/taxpull/checkpoint"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/idgen"
	"github.com/hazyhaar/taxpull/tablex"
)

// Controller owns one RunState. At most one run is active per controller.
type Controller struct {
	cfg       Config
	entities  EntitySource
	store     Checkpoints
	proc      Processor
	artifacts ArtifactFactory
	logger    *slog.Logger
	newRunID  idgen.Generator
	now       func() time.Time

	mu       sync.Mutex
	state    RunState
	inFlight map[string]int
	run      *run
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithArtifacts enables the per-run output artifact.
func WithArtifacts(f ArtifactFactory) Option { return func(c *Controller) { c.artifacts = f } }

// WithRunIDs sets the run id generator. Default: timestamped UUIDv7.
func WithRunIDs(g idgen.Generator) Option { return func(c *Controller) { c.newRunID = g } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New creates an idle controller.
func New(cfg Config, entities EntitySource, store Checkpoints, proc Processor, opts ...Option) *Controller {
	cfg.defaults()
	c := &Controller{
		cfg:      cfg,
		entities: entities,
		store:    store,
		proc:     proc,
		logger:   slog.Default(),
		newRunID: idgen.Timestamped(idgen.UUIDv7()),
		now:      time.Now,
		state:    RunState{State: StateIdle},
		inFlight: make(map[string]int),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// run is the private bookkeeping of one active run.
type run struct {
	id       string
	queue    []*entity.Entity
	artifact Artifact
	stopCh   chan struct{}
	stopOnce sync.Once
	wake     context.CancelFunc
	done     chan struct{}
}

func (r *run) requestStop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.wake != nil {
			r.wake()
		}
	})
}

func (r *run) stopping() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Start validates the request, prepares the checkpoint queue and launches the
// loop in the background. It returns as soon as the loop is started.
func (c *Controller) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	// The run is published before preparing so a Stop issued meanwhile
	// reaches it.
	c.mu.Lock()
	if c.state.Running {
		c.mu.Unlock()
		return StartResult{}, ErrAlreadyRunning
	}
	r := &run{
		id:     c.newRunID(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	prev, prevRun := c.state, c.run
	c.state.Running = true
	c.state.Stopping = false
	c.run = r
	c.mu.Unlock()

	res, err := c.prepare(ctx, req, r)
	if err != nil {
		close(r.done)
		c.mu.Lock()
		c.state = prev
		c.run = prevRun
		c.mu.Unlock()
		return StartResult{}, err
	}

	c.mu.Lock()
	c.inFlight = make(map[string]int)
	c.state = RunState{
		Running:    true,
		Stopping:   r.stopping(),
		State:      res.State,
		RunID:      r.id,
		TotalCount: len(r.queue),
		StartedAt:  c.now().UTC(),
	}
	c.mu.Unlock()

	c.logger.Info("batch: run started", "run", r.id, "state", res.State, "entities", len(r.queue))
	go c.loop(context.WithoutCancel(ctx), r)
	return res, nil
}

func (c *Controller) prepare(ctx context.Context, req StartRequest, r *run) (StartResult, error) {
	ents, err := c.entities.List(ctx, entity.Filter{IDs: req.EntityIDs, ActiveOnly: len(req.EntityIDs) == 0})
	if err != nil {
		return StartResult{}, fmt.Errorf("batch: list entities: %w", err)
	}

	state := StateRunning
	queue := ents
	if req.Resume {
		current, err := c.store.QueryCurrent(ctx)
		if err != nil {
			return StartResult{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		status := make(map[string]checkpoint.Status, len(current))
		for _, rec := range current {
			status[rec.EntityID] = rec.Status
		}
		queue = queue[:0:0]
		for _, e := range ents {
			st, seen := status[e.ID]
			if seen {
				state = StateResuming
			}
			if st != checkpoint.StatusCompleted {
				queue = append(queue, e)
			}
		}
	}
	if len(queue) == 0 {
		return StartResult{}, ErrNoEntities
	}
	if len(req.Params) > 0 {
		queue = withParams(queue, req.Params)
	}

	r.queue = queue

	targeted := make([]string, len(ents))
	for i, e := range ents {
		targeted[i] = e.ID
	}
	queued := make([]string, len(queue))
	for i, e := range queue {
		queued[i] = e.ID
	}
	if err := c.persist(ctx, "prepare queue", func(ctx context.Context) error {
		return c.store.PrepareQueue(ctx, r.id, targeted, queued)
	}); err != nil {
		return StartResult{}, err
	}

	if c.artifacts != nil {
		a, err := c.artifacts(r.id)
		if err != nil {
			c.logger.Warn("batch: artifact disabled for this run", "run", r.id, "error", err)
		} else {
			r.artifact = a
		}
	}
	return StartResult{RunID: r.id, Total: len(queue), State: state}, nil
}

// withParams returns copies of ents with params merged over their own.
func withParams(ents []*entity.Entity, params map[string]string) []*entity.Entity {
	out := make([]*entity.Entity, len(ents))
	for i, e := range ents {
		cp := *e
		cp.Params = make(map[string]string, len(e.Params)+len(params))
		maps.Copy(cp.Params, e.Params)
		maps.Copy(cp.Params, params)
		out[i] = &cp
	}
	return out
}

// Stop requests a cooperative stop. In-flight entities finish their current
// step; queued ones are not started. It reports whether a run was active.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Running || c.run == nil {
		return false
	}
	c.state.Stopping = true
	c.run.requestStop()
	c.logger.Info("batch: stop requested", "run", c.run.id)
	return true
}

// Snapshot returns a copy of the RunState.
func (c *Controller) Snapshot() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Progress returns the RunState, the overall percentage and the current
// entity's checkpoint. It never waits for the loop.
func (c *Controller) Progress(ctx context.Context) Progress {
	c.mu.Lock()
	st := c.state
	inFlight := 0
	for _, p := range c.inFlight {
		inFlight += p
	}
	c.mu.Unlock()

	p := Progress{RunState: st}
	switch {
	case st.State == StateCompleted:
		p.Progress = 100
	case st.TotalCount > 0:
		p.Progress = min(100, (st.ProcessedCount*100+inFlight)/st.TotalCount)
	}
	if st.CurrentEntity != "" {
		rec, err := c.store.Get(ctx, st.CurrentEntity)
		if err != nil {
			c.logger.Debug("batch: progress: read current checkpoint", "entity", st.CurrentEntity, "error", err)
		}
		p.Current = rec
	}
	return p
}

// Wait blocks until the active run, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover reports checkpoints left running by a previous process. They are
// reset to pending by the next Start that targets them.
func (c *Controller) Recover(ctx context.Context) ([]*checkpoint.Record, error) {
	all, err := c.store.QueryCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: recover: %w", err)
	}
	var stale []*checkpoint.Record
	for _, rec := range all {
		if rec.Status == checkpoint.StatusRunning {
			stale = append(stale, rec)
			c.logger.Warn("batch: stale running checkpoint", "entity", rec.EntityID, "run", rec.RunID, "progress", rec.Progress)
		}
	}
	return stale, nil
}

func (c *Controller) loop(ctx context.Context, r *run) {
	defer close(r.done)

	if d := c.cfg.MaxRunDuration; d > 0 {
		t := time.AfterFunc(d, func() {
			c.logger.Warn("batch: max run duration reached, stopping", "run", r.id, "limit", d)
			c.Stop()
		})
		defer t.Stop()
	}

	limit := rate.Inf
	if c.cfg.EntityInterval > 0 {
		limit = rate.Every(c.cfg.EntityInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	waitCtx, wake := context.WithCancel(gctx)
	defer wake()
	c.mu.Lock()
	r.wake = wake
	stopped := r.stopping()
	c.mu.Unlock()
	if stopped {
		wake()
	}

	for _, ent := range r.queue {
		if r.stopping() || gctx.Err() != nil {
			break
		}
		if err := limiter.Wait(waitCtx); err != nil {
			break
		}
		if r.stopping() {
			break
		}
		g.Go(func() error { return c.processOne(gctx, r, ent) })
	}
	err := g.Wait()

	final := StateCompleted
	switch {
	case err != nil:
		final = StateError
	case r.stopping():
		final = StateStopped
	}

	if r.artifact != nil {
		if cerr := r.artifact.Close(); cerr != nil {
			c.logger.Warn("batch: close artifact", "run", r.id, "error", cerr)
		}
	}

	c.mu.Lock()
	c.state.Running = false
	c.state.Stopping = false
	c.state.State = final
	c.state.FinishedAt = c.now().UTC()
	c.state.CurrentEntity = ""
	c.state.CurrentPercent = 0
	if err != nil {
		c.state.LastError = err.Error()
	}
	processed, total := c.state.ProcessedCount, c.state.TotalCount
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("batch: run halted", "run", r.id, "processed", processed, "total", total, "error", err)
		return
	}
	c.logger.Info("batch: run finished", "run", r.id, "state", final, "processed", processed, "total", total)
}

// processOne runs one entity to a terminal status. Only persistence failures
// are returned; they halt the run.
func (c *Controller) processOne(ctx context.Context, r *run, ent *entity.Entity) error {
	if r.stopping() || ctx.Err() != nil {
		return nil
	}
	c.setCurrent(ent.ID, 0)
	log := c.logger.With("run", r.id, "entity", ent.ID)

	if missing := ent.Credential.Missing(); len(missing) > 0 {
		msg := "missing credential: " + strings.Join(missing, ", ")
		log.Info("batch: entity skipped", "reason", msg)
		return c.finish(ctx, r, ent, checkpoint.StatusSkipped, 0, nil, msg)
	}

	if err := c.persist(ctx, "mark running", func(ctx context.Context) error {
		return c.store.UpsertStatus(ctx, ent.ID, checkpoint.StatusRunning, 0, "")
	}); err != nil {
		return err
	}

	tr := &Tracker{c: c, r: r, entityID: ent.ID}
	res, err := c.proc.Process(ctx, ent, tr)
	if err == nil && res == nil {
		err = errors.New("batch: processor returned no result")
	}
	switch {
	case errors.Is(err, ErrPersistence):
		return err
	case errors.Is(err, ErrStopped):
		log.Info("batch: entity stopped", "progress", tr.Percent())
		return c.finish(ctx, r, ent, checkpoint.StatusStopped, tr.Percent(), nil, "stopped before completion")
	case err != nil:
		log.Warn("batch: entity failed", "progress", tr.Percent(), "error", err)
		return c.finish(ctx, r, ent, checkpoint.StatusError, tr.Percent(), nil, err.Error())
	}

	if err := c.persist(ctx, "save payload", func(ctx context.Context) error {
		return c.store.UpsertPayload(ctx, ent.ID, res)
	}); err != nil {
		return err
	}
	if err := tr.report(ctx, StagePersisted); err != nil {
		return err
	}
	if r.artifact != nil {
		if aerr := r.artifact.Append(ctx, ent.ID, ent.DisplayName, res); aerr != nil {
			log.Warn("batch: artifact append", "error", aerr)
		}
	}
	log.Info("batch: entity completed", "rows", len(res.Rows), "empty", res.Empty, "dropped", res.Dropped, "unparsed", res.Unparsed)
	return c.finish(ctx, r, ent, checkpoint.StatusCompleted, c.cfg.Milestones.Done, res, "")
}

// finish writes the terminal status and the history row, then counts the
// entity as processed.
func (c *Controller) finish(ctx context.Context, r *run, ent *entity.Entity, status checkpoint.Status, pct int, res *tablex.Result, msg string) error {
	defer c.clearCurrent(ent.ID)

	if err := c.persist(ctx, "mark "+string(status), func(ctx context.Context) error {
		return c.store.UpsertStatus(ctx, ent.ID, status, pct, msg)
	}); err != nil {
		return err
	}
	if err := c.persist(ctx, "append history", func(ctx context.Context) error {
		return c.store.AppendHistory(ctx, checkpoint.HistoryEntry{
			EntityID:     ent.ID,
			RunID:        r.id,
			Status:       status,
			Payload:      res,
			ErrorMessage: msg,
		})
	}); err != nil {
		return err
	}
	if status != checkpoint.StatusCompleted && r.artifact != nil {
		if aerr := r.artifact.Note(ctx, ent.ID, ent.DisplayName, string(status), msg); aerr != nil {
			c.logger.Warn("batch: artifact note", "run", r.id, "entity", ent.ID, "error", aerr)
		}
	}

	c.mu.Lock()
	c.state.ProcessedCount++
	if status == checkpoint.StatusError {
		c.state.LastError = ent.ID + ": " + msg
	}
	c.mu.Unlock()
	return nil
}

// persist runs fn up to PersistRetries times with linear backoff.
func (c *Controller) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.PersistRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == c.cfg.PersistRetries {
			break
		}
		c.logger.Warn("batch: checkpoint write failed, retrying", "op", op, "attempt", attempt, "error", err)
		t := time.NewTimer(time.Duration(attempt) * c.cfg.PersistBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %s: %w", ErrPersistence, op, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func (c *Controller) setCurrent(entityID string, pct int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[entityID] = pct
	c.state.CurrentEntity = entityID
	c.state.CurrentPercent = pct
}

func (c *Controller) clearCurrent(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, entityID)
	if c.state.CurrentEntity != entityID {
		return
	}
	c.state.CurrentEntity = ""
	c.state.CurrentPercent = 0
	for id, p := range c.inFlight {
		c.state.CurrentEntity = id
		c.state.CurrentPercent = p
		break
	}
}
