package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/taxpull/captcha"
	"github.com/hazyhaar/taxpull/checkpoint"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/navigate"
	"github.com/hazyhaar/taxpull/tablex"
)

type fakeSession struct {
	html      string
	wrong     bool
	performed []navigate.Step
	answers   []string
	closed    bool
	onContent func()
}

func (s *fakeSession) CaptureChallenge(context.Context) ([]byte, error) { return []byte("img"), nil }
func (s *fakeSession) RefreshChallenge(context.Context) error            { return nil }
func (s *fakeSession) Submit(_ context.Context, _, _, answer string) error {
	s.answers = append(s.answers, answer)
	return nil
}
func (s *fakeSession) WrongAnswer(context.Context, time.Duration) (bool, error) { return s.wrong, nil }
func (s *fakeSession) Perform(_ context.Context, st navigate.Step) error {
	s.performed = append(s.performed, st)
	return nil
}
func (s *fakeSession) WaitMarker(context.Context, navigate.Marker, time.Duration) (bool, error) {
	return true, nil
}
func (s *fakeSession) Content(context.Context) ([]byte, error) {
	if s.onContent != nil {
		s.onContent()
	}
	return []byte(s.html), nil
}
func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// recordingStore records every progress value written for running entities.
type recordingStore struct {
	*checkpoint.Store
	mu     sync.Mutex
	writes []string
}

func (r *recordingStore) UpsertStatus(ctx context.Context, id string, st checkpoint.Status, p int, msg string) error {
	r.mu.Lock()
	r.writes = append(r.writes, fmt.Sprintf("%s:%d", st, p))
	r.mu.Unlock()
	return r.Store.UpsertStatus(ctx, id, st, p, msg)
}

const reportPage = `<table id="r"><tr><th>Form</th><th>Amount</th></tr>
<tr><td>1111</td><td>1,000.00</td></tr></table>`

func testPipeline(sess *fakeSession) *Pipeline {
	return &Pipeline{
		Opener: OpenerFunc(func(context.Context, *entity.Entity) (Session, error) { return sess, nil }),
		Auth: captcha.Authenticator{
			Recognizer:   captcha.RecognizerFunc(func(context.Context, []byte) (string, error) { return "4 + 5 =", nil }),
			MaxAttempts:  2,
			TrimTrailing: 1,
			Logger:       quiet(),
		},
		Navigator: navigate.Navigator{Logger: quiet()},
		Route: navigate.Route{
			Name:   "vat-report",
			Steps:  []navigate.Step{{Action: navigate.ActionSelect, Selector: "#period", Value: "${period}"}},
			Marker: navigate.Marker{Selector: "#r"},
		},
		Extractor: tablex.Extractor{
			TableSelector: "#r",
			Schema: tablex.Schema{Columns: []tablex.Column{
				{Name: "form", Index: 0},
				{Name: "amount", Index: 1, Kind: tablex.KindNumber},
			}},
		},
		Logger: quiet(),
	}
}

func TestPipeline_Milestones(t *testing.T) {
	e := valid("A")
	e.Params = map[string]string{"period": "2025-03"}
	f := newFixture(t, e)
	rec := &recordingStore{Store: f.store}
	sess := &fakeSession{html: reportPage}

	c := New(testConfig(), f.entities, rec, testPipeline(sess), WithLogger(quiet()))
	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, c)

	want := []string{"running:0", "running:10", "running:30", "running:50", "running:70", "running:90", "completed:100"}
	if fmt.Sprint(rec.writes) != fmt.Sprint(want) {
		t.Fatalf("progress writes: got %v, want %v", rec.writes, want)
	}
	if len(sess.answers) != 1 || sess.answers[0] != "9" {
		t.Fatalf("captcha answers: got %v, want [9]", sess.answers)
	}
	if len(sess.performed) != 1 || sess.performed[0].Value != "2025-03" {
		t.Fatalf("navigation: got %+v", sess.performed)
	}
	if !sess.closed {
		t.Fatal("session not closed")
	}

	a := statusOf(t, f.store, "A")
	if a.Payload == nil || a.Payload.PeriodKey != "2025-03" || a.Payload.SourcePage != "vat-report" {
		t.Fatalf("payload meta: %+v", a.Payload)
	}
	if got := a.Payload.Rows[0]["amount"]; got != float64(1000) {
		t.Fatalf("amount: got %v, want 1000", got)
	}
}

func TestPipeline_StepLogsCarryEntity(t *testing.T) {
	f := newFixture(t, valid("A"))
	var buf bytes.Buffer
	pl := testPipeline(&fakeSession{html: reportPage})
	pl.Auth.Logger = nil
	pl.Navigator.Logger = nil
	pl.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	c := New(testConfig(), f.entities, f.store, pl, WithLogger(quiet()))
	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, c)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "captcha: login accepted") {
			line = l
		}
	}
	if !strings.Contains(line, "entity=A") {
		t.Fatalf("login log line lacks entity: %q", line)
	}
}

func TestPipeline_AuthExhaustedIsEntityError(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"))
	sess := &fakeSession{html: reportPage, wrong: true}
	c := New(testConfig(), f.entities, f.store, testPipeline(sess), WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{})
	waitRun(t, c)

	for _, id := range []string{"A", "B"} {
		r := statusOf(t, f.store, id)
		if r.Status != checkpoint.StatusError || r.Progress != 10 {
			t.Fatalf("%s: got %s/%d, want error/10", id, r.Status, r.Progress)
		}
	}
	// Two entities, two attempts each: no retry across entities.
	if len(sess.answers) != 4 {
		t.Fatalf("submits: got %d, want 4", len(sess.answers))
	}
	if st := c.Snapshot(); st.State != StateCompleted || st.ProcessedCount != 2 {
		t.Fatalf("state: %+v", st)
	}
}

func TestPipeline_NoRecordsCompletes(t *testing.T) {
	f := newFixture(t, valid("A"))
	sess := &fakeSession{html: `<div class="msg">No records found</div>`}
	p := testPipeline(sess)
	p.Extractor.NoRecords = []tablex.Marker{{Selector: ".msg", Text: "no records"}}
	c := New(testConfig(), f.entities, f.store, p, WithLogger(quiet()))
	c.Start(context.Background(), StartRequest{})
	waitRun(t, c)

	a := statusOf(t, f.store, "A")
	if a.Status != checkpoint.StatusCompleted {
		t.Fatalf("A: got %s, want completed", a.Status)
	}
	if a.Payload == nil || !a.Payload.Empty || len(a.Payload.Rows) != 0 {
		t.Fatalf("payload: %+v", a.Payload)
	}
}

func TestPipeline_OpenError(t *testing.T) {
	boom := errors.New("chrome crashed")
	p := testPipeline(nil)
	p.Opener = OpenerFunc(func(context.Context, *entity.Entity) (Session, error) { return nil, boom })
	f := newFixture(t, valid("A"))
	c := New(testConfig(), f.entities, f.store, p, WithLogger(quiet()))
	tr := &Tracker{c: c, r: &run{stopCh: make(chan struct{})}, entityID: "A"}

	_, err := p.Process(context.Background(), valid("A"), tr)
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
}

func TestPipeline_StopAfterReadKeepsResult(t *testing.T) {
	f := newFixture(t, valid("A"), valid("B"))
	sess := &fakeSession{html: reportPage}
	c := New(testConfig(), f.entities, f.store, testPipeline(sess), WithLogger(quiet()))
	var once sync.Once
	sess.onContent = func() { once.Do(func() { c.Stop() }) }

	if _, err := c.Start(context.Background(), StartRequest{}); err != nil {
		t.Fatal(err)
	}
	waitRun(t, c)

	a := statusOf(t, f.store, "A")
	if a.Status != checkpoint.StatusCompleted || a.Progress != 100 {
		t.Fatalf("A: got %s/%d, want completed/100", a.Status, a.Progress)
	}
	if a.Payload == nil || len(a.Payload.Rows) != 1 {
		t.Fatalf("A payload: got %+v", a.Payload)
	}
	if b := statusOf(t, f.store, "B"); b.Status != checkpoint.StatusPending {
		t.Fatalf("B: got %s, want pending", b.Status)
	}
	if st := c.Snapshot(); st.State != StateStopped || st.ProcessedCount != 1 {
		t.Fatalf("state: %+v", st)
	}
}
