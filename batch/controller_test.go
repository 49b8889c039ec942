package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/taxpull/checkpoint"
	"github.com/hazyhaar/taxpull/dbopen"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/tablex"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	entities *entity.Store
	store    *checkpoint.Store
}

func newFixture(t *testing.T, ents ...*entity.Entity) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(entity.Schema), dbopen.WithSchema(checkpoint.Schema))
	f := &fixture{entities: &entity.Store{DB: db}, store: checkpoint.New(db)}
	for _, e := range ents {
		if err := f.entities.Upsert(context.Background(), e); err != nil {
			t.Fatalf("upsert entity: %v", err)
		}
	}
	return f
}

func valid(id string) *entity.Entity {
	return &entity.Entity{ID: id, DisplayName: "Company" + id, Credential: entity.Credential{Login: "l-" + id, Secret: "s"}, Active: true}
}

func okResult(ent *entity.Entity) *tablex.Result {
	return &tablex.Result{
		Columns:  []string{"form"},
		Rows:     []tablex.Row{{"form": "1111"}},
		EntityID: ent.ID,
	}
}

// succeed walks every milestone and returns one row.
var succeed = ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
	for _, s := range []Stage{StageSession, StageAuthenticated, StageNavigated, StageExtracted} {
		if err := tr.Mark(ctx, s); err != nil {
			return nil, err
		}
	}
	return okResult(ent), nil
})

func testConfig() Config {
	return Config{PersistBackoff: time.Millisecond}
}

func waitRun(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func statusOf(t *testing.T, s *checkpoint.Store, id string) *checkpoint.Record {
	t.Helper()
	r, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if r == nil {
		t.Fatalf("get %s: no checkpoint", id)
	}
	return r
}

func TestRun_ValidAndMissingSecret(t *testing.T) {
	b := valid("B")
	b.Credential.Secret = ""
	f := newFixture(t, valid("A"), b)
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()))

	res, err := c.Start(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Total != 2 || res.RunID == "" || res.State != StateRunning {
		t.Fatalf("start result: %+v", res)
	}
	waitRun(t, c)

	a := statusOf(t, f.store, "A")
	if a.Status != checkpoint.StatusCompleted || a.Progress != 100 {
		t.Fatalf("A: got %s/%d, want completed/100", a.Status, a.Progress)
	}
	if a.Payload == nil || len(a.Payload.Rows) != 1 {
		t.Fatalf("A payload: got %+v", a.Payload)
	}
	if a.RunID != res.RunID {
		t.Fatalf("A run id: got %q, want %q", a.RunID, res.RunID)
	}

	bRec := statusOf(t, f.store, "B")
	if bRec.Status != checkpoint.StatusSkipped {
		t.Fatalf("B: got %s, want skipped", bRec.Status)
	}
	if bRec.ErrorMessage == nil || !strings.Contains(*bRec.ErrorMessage, "credential") {
		t.Fatalf("B error message: got %v", bRec.ErrorMessage)
	}

	st := c.Snapshot()
	if st.ProcessedCount != 2 || st.TotalCount != 2 {
		t.Fatalf("counts: got %d/%d, want 2/2", st.ProcessedCount, st.TotalCount)
	}
	if st.Running || st.State != StateCompleted {
		t.Fatalf("state: got running=%v %s", st.Running, st.State)
	}
	if p := c.Progress(context.Background()); p.Progress != 100 || p.Current != nil {
		t.Fatalf("progress: got %d, current %v", p.Progress, p.Current)
	}

	hist, _ := f.store.History(context.Background(), "B", 0)
	if len(hist) != 1 || hist[0].Status != checkpoint.StatusSkipped {
		t.Fatalf("B history: got %+v", hist)
	}
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t, valid("E1"), valid("E2"), valid("E3"), valid("E4"))
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		if err := tr.Mark(ctx, StageNavigated); err != nil {
			return nil, err
		}
		if ent.ID == "E2" {
			return nil, tablex.ErrTableNotFound
		}
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))

	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, c)

	want := map[string]checkpoint.Status{
		"E1": checkpoint.StatusCompleted,
		"E2": checkpoint.StatusError,
		"E3": checkpoint.StatusCompleted,
		"E4": checkpoint.StatusCompleted,
	}
	for id, st := range want {
		if got := statusOf(t, f.store, id); got.Status != st {
			t.Errorf("%s: got %s, want %s", id, got.Status, st)
		}
	}
	e2 := statusOf(t, f.store, "E2")
	if e2.Progress != 50 || e2.ErrorMessage == nil || !strings.Contains(*e2.ErrorMessage, "table not found") {
		t.Fatalf("E2: got %d %v", e2.Progress, e2.ErrorMessage)
	}

	st := c.Snapshot()
	if st.ProcessedCount != 4 || st.State != StateCompleted {
		t.Fatalf("state: got %d processed, %s", st.ProcessedCount, st.State)
	}
	if !strings.HasPrefix(st.LastError, "E2: ") {
		t.Fatalf("last error: got %q", st.LastError)
	}
}

func TestRun_NoSilentEntityLoss(t *testing.T) {
	noSecret := valid("N")
	noSecret.Credential = entity.Credential{}
	f := newFixture(t, valid("A"), valid("B"), noSecret)
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		if ent.ID == "B" {
			return nil, errors.New("portal 500")
		}
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{})
	waitRun(t, c)

	all, _ := f.store.QueryCurrent(context.Background())
	if len(all) != 3 {
		t.Fatalf("checkpoints: got %d, want 3", len(all))
	}
	for _, r := range all {
		if !r.Status.Terminal() {
			t.Errorf("%s: non-terminal status %s after completed run", r.EntityID, r.Status)
		}
	}
}

func TestRun_Resume(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"), valid("C"))
	ctx := context.Background()
	f.store.UpsertStatus(ctx, "A", checkpoint.StatusCompleted, 100, "")
	f.store.UpsertPayload(ctx, "A", &tablex.Result{Rows: []tablex.Row{}})
	f.store.UpsertStatus(ctx, "B", checkpoint.StatusRunning, 50, "")
	f.store.UpsertStatus(ctx, "C", checkpoint.StatusPending, 0, "")
	before := statusOf(t, f.store, "A")

	var (
		mu   sync.Mutex
		seen []string
	)
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		mu.Lock()
		seen = append(seen, ent.ID)
		mu.Unlock()
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))

	res, err := c.Start(ctx, StartRequest{Resume: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Total != 2 || res.State != StateResuming {
		t.Fatalf("start result: %+v", res)
	}
	waitRun(t, c)

	if strings.Join(seen, ",") != "B,C" {
		t.Fatalf("processed: got %v, want [B C]", seen)
	}
	after := statusOf(t, f.store, "A")
	if after.UpdatedAt != before.UpdatedAt || after.RunID != before.RunID {
		t.Fatalf("A touched by resume: before %+v after %+v", before, after)
	}
	if hist, _ := f.store.History(ctx, "A", 0); len(hist) != 0 {
		t.Fatalf("A history: got %d rows, want 0", len(hist))
	}
	for _, id := range []string{"B", "C"} {
		if r := statusOf(t, f.store, id); r.Status != checkpoint.StatusCompleted {
			t.Fatalf("%s: got %s, want completed", id, r.Status)
		}
	}
}

func TestStart_NoEntities(t *testing.T) {
	f := newFixture(t)
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()))
	if _, err := c.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrNoEntities) {
		t.Fatalf("empty store: got %v, want ErrNoEntities", err)
	}
	if st := c.Snapshot(); st.Running || st.State != StateIdle {
		t.Fatalf("state after rejected start: %+v", st)
	}

	f2 := newFixture(t, valid("A"))
	f2.store.UpsertStatus(context.Background(), "A", checkpoint.StatusCompleted, 100, "")
	c2 := New(testConfig(), f2.entities, f2.store, succeed, WithLogger(quiet()))
	if _, err := c2.Start(context.Background(), StartRequest{Resume: true}); !errors.Is(err, ErrNoEntities) {
		t.Fatalf("all completed: got %v, want ErrNoEntities", err)
	}
	if _, err := c2.Start(context.Background(), StartRequest{EntityIDs: []string{"ghost"}}); !errors.Is(err, ErrNoEntities) {
		t.Fatalf("unknown ids: got %v, want ErrNoEntities", err)
	}
}

func TestStart_AlreadyRunning(t *testing.T) {
	f := newFixture(t, valid("A"))
	started := make(chan struct{})
	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		close(started)
		<-release
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))

	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := c.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start: got %v, want ErrAlreadyRunning", err)
	}
	close(release)
	waitRun(t, c)

	if st := c.Snapshot(); st.State != StateCompleted || st.ProcessedCount != 1 {
		t.Fatalf("state: %+v", st)
	}
}

func TestStart_DetachedFromRequestContext(t *testing.T) {
	f := newFixture(t, valid("A"))
	ctx, cancel := context.WithCancel(context.Background())
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()))
	if _, err := c.Start(ctx, StartRequest{}); err != nil {
		t.Fatal(err)
	}
	cancel()
	waitRun(t, c)
	if r := statusOf(t, f.store, "A"); r.Status != checkpoint.StatusCompleted {
		t.Fatalf("A: got %s, want completed", r.Status)
	}
}

func TestStop_Cooperative(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"), valid("C"))
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		if err := tr.Mark(ctx, StageSession); err != nil {
			return nil, err
		}
		once.Do(func() { close(started) })
		<-release
		if err := tr.Mark(ctx, StageAuthenticated); err != nil {
			return nil, err
		}
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))

	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	<-started
	if !c.Stop() {
		t.Fatal("Stop: got false, want true")
	}
	if st := c.Snapshot(); !st.Stopping || !st.Running {
		t.Fatalf("state while stopping: %+v", st)
	}
	close(release)
	waitRun(t, c)

	a := statusOf(t, f.store, "A")
	if a.Status != checkpoint.StatusStopped || a.Progress != 10 {
		t.Fatalf("A: got %s/%d, want stopped/10", a.Status, a.Progress)
	}
	for _, id := range []string{"B", "C"} {
		if r := statusOf(t, f.store, id); r.Status != checkpoint.StatusPending {
			t.Fatalf("%s: got %s, want pending", id, r.Status)
		}
	}
	st := c.Snapshot()
	if st.State != StateStopped || st.ProcessedCount != 1 || st.Running {
		t.Fatalf("state: %+v", st)
	}
	if c.Stop() {
		t.Fatal("Stop after run: got true, want false")
	}

	// The stopped run resumes with the remaining entities.
	res, err := c.Start(context.Background(), StartRequest{Resume: true})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Total != 3 {
		t.Fatalf("resume total: got %d, want 3", res.Total)
	}
	waitRun(t, c)
	if st := c.Snapshot(); st.State != StateCompleted || st.ProcessedCount != 3 {
		t.Fatalf("resumed run: %+v", st)
	}
}

// gatedSource blocks List until release is closed, once entered is signalled.
type gatedSource struct {
	EntitySource
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) List(ctx context.Context, f entity.Filter) ([]*entity.Entity, error) {
	close(g.entered)
	<-g.release
	return g.EntitySource.List(ctx, f)
}

func TestStop_DuringStartReachesNewRun(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"))
	src := &gatedSource{EntitySource: f.entities}
	c := New(testConfig(), src, f.store, succeed, WithLogger(quiet()))

	// A first run leaves a finished run behind.
	src.entered, src.release = make(chan struct{}), make(chan struct{})
	close(src.release)
	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, c)

	src.entered, src.release = make(chan struct{}), make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), StartRequest{})
		errCh <- err
	}()
	<-src.entered
	if !c.Stop() {
		t.Fatal("Stop while starting: got false, want true")
	}
	close(src.release)
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitRun(t, c)

	st := c.Snapshot()
	if st.State != StateStopped || st.ProcessedCount != 0 || st.TotalCount != 2 {
		t.Fatalf("second run: %+v", st)
	}
	for _, id := range []string{"A", "B"} {
		if r := statusOf(t, f.store, id); r.Status != checkpoint.StatusPending {
			t.Fatalf("%s: got %s, want pending", id, r.Status)
		}
	}
}

func TestStop_Idle(t *testing.T) {
	f := newFixture(t)
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()))
	if c.Stop() {
		t.Fatal("Stop on idle controller: got true")
	}
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on idle controller: %v", err)
	}
}

func TestMaxRunDuration(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"))
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		time.Sleep(100 * time.Millisecond)
		if err := tr.Mark(ctx, StageSession); err != nil {
			return nil, err
		}
		return okResult(ent), nil
	})
	cfg := testConfig()
	cfg.MaxRunDuration = 10 * time.Millisecond
	c := New(cfg, f.entities, f.store, proc, WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{})
	waitRun(t, c)

	if st := c.Snapshot(); st.State != StateStopped {
		t.Fatalf("state: got %s, want stopped", st.State)
	}
	if r := statusOf(t, f.store, "A"); r.Status != checkpoint.StatusStopped {
		t.Fatalf("A: got %s, want stopped", r.Status)
	}
}

// flakyStore fails every UpsertStatus for one status.
type flakyStore struct {
	*checkpoint.Store
	fail checkpoint.Status
}

func (s *flakyStore) UpsertStatus(ctx context.Context, id string, st checkpoint.Status, p int, msg string) error {
	if st == s.fail {
		return errors.New("disk I/O error")
	}
	return s.Store.UpsertStatus(ctx, id, st, p, msg)
}

func TestRun_PersistenceFailureHalts(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"))
	var calls int
	var mu sync.Mutex
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, &flakyStore{Store: f.store, fail: checkpoint.StatusCompleted}, proc, WithLogger(quiet()))

	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, c)

	st := c.Snapshot()
	if st.State != StateError {
		t.Fatalf("state: got %s, want error", st.State)
	}
	if !strings.Contains(st.LastError, "persistence") {
		t.Fatalf("last error: got %q", st.LastError)
	}
	if calls != 1 {
		t.Fatalf("processor calls: got %d, want 1 (batch must halt)", calls)
	}
	if r := statusOf(t, f.store, "B"); r.Status != checkpoint.StatusPending {
		t.Fatalf("B: got %s, want pending", r.Status)
	}
}

func TestPersist_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t)
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()))
	n := 0
	err := c.persist(context.Background(), "op", func(context.Context) error {
		n++
		if n < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || n != 3 {
		t.Fatalf("persist: got %v after %d calls", err, n)
	}

	n = 0
	err = c.persist(context.Background(), "op", func(context.Context) error { n++; return errors.New("nope") })
	if !errors.Is(err, ErrPersistence) || n != 3 {
		t.Fatalf("persist: got %v after %d calls, want ErrPersistence after 3", err, n)
	}
}

func TestProgress_MidEntity(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"))
	reached := make(chan struct{})
	release := make(chan struct{})
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		if ent.ID == "A" {
			if err := tr.Mark(ctx, StageNavigated); err != nil {
				return nil, err
			}
			close(reached)
			<-release
		}
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{})
	<-reached

	p := c.Progress(context.Background())
	if !p.Running || p.CurrentEntity != "A" || p.CurrentPercent != 50 {
		t.Fatalf("progress: %+v", p.RunState)
	}
	if p.Progress != 25 {
		t.Fatalf("overall: got %d, want 25", p.Progress)
	}
	if p.Current == nil || p.Current.Status != checkpoint.StatusRunning || p.Current.Progress != 50 {
		t.Fatalf("current record: %+v", p.Current)
	}
	close(release)
	waitRun(t, c)
}

func TestStart_ParamsOverride(t *testing.T) {
	e := valid("A")
	e.Params = map[string]string{"period": "2024", "form": "1111"}
	f := newFixture(t, e)
	var got map[string]string
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		got = ent.Params
		return okResult(ent), nil
	})
	c := New(testConfig(), f.entities, f.store, proc, WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{Params: map[string]string{"period": "2025"}})
	waitRun(t, c)

	if got["period"] != "2025" || got["form"] != "1111" {
		t.Fatalf("params: got %v", got)
	}
}

func TestRun_Concurrency(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"), valid("C"), valid("D"))
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	proc := ProcessorFunc(func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
		mu.Lock()
		active++
		maxSeen = max(maxSeen, active)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return okResult(ent), tr.Mark(ctx, StageExtracted)
	})
	cfg := testConfig()
	cfg.Concurrency = 2
	c := New(cfg, f.entities, f.store, proc, WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{})
	waitRun(t, c)

	if maxSeen > 2 {
		t.Fatalf("parallelism: got %d, want <= 2", maxSeen)
	}
	if st := c.Snapshot(); st.ProcessedCount != 4 || st.State != StateCompleted {
		t.Fatalf("state: %+v", st)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.UpsertStatus(ctx, "A", checkpoint.StatusRunning, 30, "")
	f.store.UpsertStatus(ctx, "B", checkpoint.StatusCompleted, 100, "")
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()))

	stale, err := c.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].EntityID != "A" {
		t.Fatalf("stale: got %v", stale)
	}
}

type fakeArtifact struct {
	mu      sync.Mutex
	appends []string
	notes   []string
	closed  bool
}

func (a *fakeArtifact) Append(_ context.Context, id, _ string, _ *tablex.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.appends = append(a.appends, id)
	return nil
}

func (a *fakeArtifact) Note(_ context.Context, id, _, status, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notes = append(a.notes, id+":"+status)
	return errors.New("disk full")
}

func (a *fakeArtifact) Close() error {
	a.closed = true
	return nil
}

func TestRun_Artifact(t *testing.T) {
	b := valid("B")
	b.Credential.Login = ""
	f := newFixture(t, valid("A"), b)
	art := &fakeArtifact{}
	var artifactRun string
	c := New(testConfig(), f.entities, f.store, succeed, WithLogger(quiet()),
		WithArtifacts(func(runID string) (Artifact, error) {
			artifactRun = runID
			return art, nil
		}))
	res, err := c.Start(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitRun(t, c)

	if artifactRun != res.RunID {
		t.Fatalf("artifact run id: got %q, want %q", artifactRun, res.RunID)
	}
	if strings.Join(art.appends, ",") != "A" || strings.Join(art.notes, ",") != "B:skipped" {
		t.Fatalf("artifact: appends %v notes %v", art.appends, art.notes)
	}
	if !art.closed {
		t.Fatal("artifact not closed")
	}
	// Artifact errors never fail the run.
	if st := c.Snapshot(); st.State != StateCompleted {
		t.Fatalf("state: got %s", st.State)
	}
}

func TestMilestones(t *testing.T) {
	if err := DefaultMilestones.validate(); err != nil {
		t.Fatalf("default milestones: %v", err)
	}
	if got := DefaultMilestones.Percent(StageNavigated); got != 50 {
		t.Fatalf("navigated: got %d, want 50", got)
	}
	bad := DefaultMilestones
	bad.Navigated = 20
	if err := bad.validate(); err == nil {
		t.Fatal("out-of-order milestones: expected error")
	}
	if err := (Config{MaxRunDuration: -time.Second}).Validate(); err == nil {
		t.Fatal("negative duration: expected error")
	}
}
