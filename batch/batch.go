// CLAUDE:SUMMARY Batch controller contracts: run states, errors, config, milestone table, collaborator interfaces.
// Package batch runs the per-entity extraction loop: start/stop/resume,
// progress milestones, checkpoint writes and the optional run artifact.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/taxpull/checkpoint"
	"github.com/hazyhaar/taxpull/entity"
	"github.com/hazyhaar/taxpull/tablex"
)

var (
	ErrAlreadyRunning = errors.New("batch: a run is already active")
	ErrNoEntities     = errors.New("batch: no entities to process")
	ErrStopped        = errors.New("batch: stop requested")
	ErrPersistence    = errors.New("batch: checkpoint persistence failed")
)

// State is the controller's run state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateResuming  State = "resuming"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateError     State = "error"
)

// Active reports whether a run is in progress in this state.
func (s State) Active() bool { return s == StateRunning || s == StateResuming }

// Stage is a milestone within one entity.
type Stage string

const (
	StageSession       Stage = "session"
	StageAuthenticated Stage = "authenticated"
	StageNavigated     Stage = "navigated"
	StageExtracted     Stage = "extracted"
	StagePersisted     Stage = "persisted"
	StageDone          Stage = "done"
)

// interruptible reports whether a stop request ends the entity at s.
func (s Stage) interruptible() bool {
	switch s {
	case StageExtracted, StagePersisted, StageDone:
		return false
	}
	return true
}

// Milestones maps stages to progress percentages.
type Milestones struct {
	Session       int `yaml:"session"`
	Authenticated int `yaml:"authenticated"`
	Navigated     int `yaml:"navigated"`
	Extracted     int `yaml:"extracted"`
	Persisted     int `yaml:"persisted"`
	Done          int `yaml:"done"`
}

// DefaultMilestones is 10/30/50/70/90/100.
var DefaultMilestones = Milestones{
	Session:       10,
	Authenticated: 30,
	Navigated:     50,
	Extracted:     70,
	Persisted:     90,
	Done:          100,
}

// Percent returns the percentage of stage s.
func (m Milestones) Percent(s Stage) int {
	switch s {
	case StageSession:
		return m.Session
	case StageAuthenticated:
		return m.Authenticated
	case StageNavigated:
		return m.Navigated
	case StageExtracted:
		return m.Extracted
	case StagePersisted:
		return m.Persisted
	case StageDone:
		return m.Done
	}
	return 0
}

func (m Milestones) validate() error {
	seq := []int{m.Session, m.Authenticated, m.Navigated, m.Extracted, m.Persisted, m.Done}
	prev := 0
	for i, p := range seq {
		if p < prev || p > 100 {
			return fmt.Errorf("batch: milestone %d (%d%%) out of order or above 100", i, p)
		}
		prev = p
	}
	if m.Done != 100 {
		return fmt.Errorf("batch: done milestone must be 100, got %d", m.Done)
	}
	return nil
}

// Config tunes the run loop.
type Config struct {
	// Concurrency is the number of entities processed at once. Default 1.
	Concurrency int `yaml:"concurrency"`
	// EntityInterval is the minimum delay between entity starts. Zero disables pacing.
	EntityInterval time.Duration `yaml:"entity_interval"`
	// PersistRetries is the number of attempts for every checkpoint write. Default 3.
	PersistRetries int `yaml:"persist_retries"`
	// PersistBackoff is multiplied by the attempt number between retries. Default 200ms.
	PersistBackoff time.Duration `yaml:"persist_backoff"`
	// MaxRunDuration requests a cooperative stop once elapsed. Zero means no limit.
	MaxRunDuration time.Duration `yaml:"max_run_duration"`
	Milestones     Milestones    `yaml:"milestones"`
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PersistRetries <= 0 {
		c.PersistRetries = 3
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = 200 * time.Millisecond
	}
	if c.Milestones == (Milestones{}) {
		c.Milestones = DefaultMilestones
	}
}

// Validate checks the configuration after defaults.
func (c Config) Validate() error {
	c.defaults()
	if c.EntityInterval < 0 || c.MaxRunDuration < 0 {
		return errors.New("batch: durations must not be negative")
	}
	return c.Milestones.validate()
}

// EntitySource lists the entities of a run.
type EntitySource interface {
	List(ctx context.Context, f entity.Filter) ([]*entity.Entity, error)
}

// Checkpoints is the checkpoint store as used by the controller.
type Checkpoints interface {
	UpsertStatus(ctx context.Context, entityID string, status checkpoint.Status, progress int, errMsg string) error
	UpsertPayload(ctx context.Context, entityID string, res *tablex.Result) error
	AppendHistory(ctx context.Context, h checkpoint.HistoryEntry) error
	QueryCurrent(ctx context.Context) ([]*checkpoint.Record, error)
	QueryRunning(ctx context.Context) (*checkpoint.Record, error)
	Get(ctx context.Context, entityID string) (*checkpoint.Record, error)
	History(ctx context.Context, entityID string, limit int) ([]*checkpoint.HistoryEntry, error)
	PrepareQueue(ctx context.Context, runID string, targeted, queued []string) error
}

// Processor produces the extraction result of one entity, reporting
// milestones through the tracker.
type Processor interface {
	Process(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error)

func (f ProcessorFunc) Process(ctx context.Context, ent *entity.Entity, tr *Tracker) (*tablex.Result, error) {
	return f(ctx, ent, tr)
}

// Artifact is the run's incremental output document.
type Artifact interface {
	Append(ctx context.Context, entityID, name string, res *tablex.Result) error
	Note(ctx context.Context, entityID, name, status, message string) error
	Close() error
}

// ArtifactFactory creates the artifact of the run with the given id.
type ArtifactFactory func(runID string) (Artifact, error)

// StartRequest selects the entities of a run.
type StartRequest struct {
	// EntityIDs restricts the run. Empty means every active entity.
	EntityIDs []string `json:"entityIds,omitempty"`
	// Params override entity parameters for this run (period, date range).
	Params map[string]string `json:"params,omitempty"`
	// Resume skips entities whose current checkpoint is completed.
	Resume bool `json:"resume,omitempty"`
}

// StartResult is returned once the loop has been launched.
type StartResult struct {
	RunID string `json:"runId"`
	Total int    `json:"count"`
	State State  `json:"state"`
}

// RunState is the controller's view of the current or last run.
type RunState struct {
	Running        bool      `json:"isRunning"`
	Stopping       bool      `json:"stopping"`
	State          State     `json:"state"`
	RunID          string    `json:"runId,omitempty"`
	CurrentEntity  string    `json:"currentEntity,omitempty"`
	CurrentPercent int       `json:"currentPercent"`
	ProcessedCount int       `json:"processedCount"`
	TotalCount     int       `json:"totalCount"`
	StartedAt      time.Time `json:"startedAt,omitzero"`
	FinishedAt     time.Time `json:"finishedAt,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
}

// Progress is a RunState snapshot with the overall percentage and the
// current entity's checkpoint.
type Progress struct {
	RunState
	Progress int                `json:"progress"`
	Current  *checkpoint.Record `json:"current"`
}
