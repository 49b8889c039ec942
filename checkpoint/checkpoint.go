package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/taxpull/dbopen"
	"github.com/hazyhaar/taxpull/tablex"
)

// Status is the lifecycle state of one entity within a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusSkipped   Status = "skipped"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether an entity in this status needs no more work in
// the current run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusSkipped, StatusStopped:
		return true
	}
	return false
}

func (s Status) valid() bool {
	return s == StatusPending || s == StatusRunning || s.Terminal()
}

// Record is the current checkpoint of one entity.
type Record struct {
	EntityID     string         `json:"entityId"`
	RunID        string         `json:"runId"`
	Status       Status         `json:"status"`
	Progress     int            `json:"progress"`
	Payload      *tablex.Result `json:"payload"`
	ErrorMessage *string        `json:"errorMessage"`
	UpdatedAt    int64          `json:"updatedAt"`
}

// HistoryEntry is one append-only audit row.
type HistoryEntry struct {
	ID           string         `json:"id"`
	EntityID     string         `json:"entityId"`
	RunID        string         `json:"runId"`
	Status       Status         `json:"status"`
	Payload      *tablex.Result `json:"payload,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    int64          `json:"createdAt"`
}

// UpsertStatus sets the status, progress and error message of an entity.
// An empty errMsg clears the stored message. The payload is left untouched.
func (s *Store) UpsertStatus(ctx context.Context, entityID string, status Status, progress int, errMsg string) error {
	if entityID == "" {
		return errors.New("checkpoint: upsert status: empty entity id")
	}
	if !status.valid() {
		return fmt.Errorf("checkpoint: upsert status: unknown status %q", status)
	}
	if progress < 0 || progress > 100 {
		return fmt.Errorf("checkpoint: upsert status: progress %d out of range", progress)
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO checkpoints (entity_id, status, progress, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		entityID, string(status), progress, nullString(errMsg), s.nowMillis())
	if err != nil {
		return fmt.Errorf("checkpoint: upsert status %s: %w", entityID, err)
	}
	return nil
}

// UpsertPayload replaces the current payload of an entity.
func (s *Store) UpsertPayload(ctx context.Context, entityID string, res *tablex.Result) error {
	if entityID == "" {
		return errors.New("checkpoint: upsert payload: empty entity id")
	}
	payload, err := encodePayload(res)
	if err != nil {
		return err
	}
	_, err = dbopen.Exec(ctx, s.DB, `
		INSERT INTO checkpoints (entity_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		entityID, payload, s.nowMillis())
	if err != nil {
		return fmt.Errorf("checkpoint: upsert payload %s: %w", entityID, err)
	}
	return nil
}

// AppendHistory inserts an audit row. ID and CreatedAt are filled when empty.
func (s *Store) AppendHistory(ctx context.Context, h HistoryEntry) error {
	if h.EntityID == "" {
		return errors.New("checkpoint: append history: empty entity id")
	}
	if h.ID == "" {
		h.ID = s.NewID()
	}
	if h.CreatedAt == 0 {
		h.CreatedAt = s.nowMillis()
	}
	payload, err := encodePayload(h.Payload)
	if err != nil {
		return err
	}
	_, err = dbopen.Exec(ctx, s.DB, `
		INSERT INTO checkpoint_history (id, entity_id, run_id, status, payload, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.EntityID, h.RunID, string(h.Status), payload, nullString(h.ErrorMessage), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("checkpoint: append history %s: %w", h.EntityID, err)
	}
	return nil
}

const recordColumns = `entity_id, run_id, status, progress, payload, error_message, updated_at`

// QueryCurrent returns every current checkpoint ordered by entity id.
func (s *Store) QueryCurrent(ctx context.Context) ([]*Record, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM checkpoints ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query current: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: query current: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryRunning returns the most recently updated running checkpoint, or nil.
func (s *Store) QueryRunning(ctx context.Context) (*Record, error) {
	r, err := scanRecord(s.DB.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM checkpoints
		WHERE status = 'running'
		ORDER BY updated_at DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query running: %w", err)
	}
	return r, nil
}

// Get returns the current checkpoint of one entity, or nil.
func (s *Store) Get(ctx context.Context, entityID string) (*Record, error) {
	r, err := scanRecord(s.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM checkpoints WHERE entity_id = ?`, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get %s: %w", entityID, err)
	}
	return r, nil
}

// History returns the audit rows of one entity, newest first. limit <= 0
// means 100.
func (s *Store) History(ctx context.Context, entityID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, entity_id, run_id, status, payload, error_message, created_at
		FROM checkpoint_history
		WHERE entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: history %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []*HistoryEntry
	for rows.Next() {
		var (
			h       HistoryEntry
			status  string
			payload sql.NullString
			errMsg  sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.EntityID, &h.RunID, &status, &payload, &errMsg, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: history %s: %w", entityID, err)
		}
		h.Status = Status(status)
		h.ErrorMessage = errMsg.String
		if h.Payload, err = decodePayload(payload); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// PrepareQueue readies a run in one transaction: stale running rows among
// targeted are reset to pending, and every queued entity is set to pending
// under runID with its error and payload cleared. Earlier payloads remain in
// the history table.
func (s *Store) PrepareQueue(ctx context.Context, runID string, targeted, queued []string) error {
	now := s.nowMillis()
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		for _, id := range targeted {
			if _, err := tx.ExecContext(ctx, `
				UPDATE checkpoints SET status = 'pending', progress = 0, updated_at = ?
				WHERE entity_id = ? AND status = 'running'`, now, id); err != nil {
				return fmt.Errorf("checkpoint: reset stale %s: %w", id, err)
			}
		}
		for _, id := range queued {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO checkpoints (entity_id, run_id, status, progress, updated_at)
				VALUES (?, ?, 'pending', 0, ?)
				ON CONFLICT(entity_id) DO UPDATE SET
					run_id = excluded.run_id,
					status = 'pending',
					progress = 0,
					payload = NULL,
					error_message = NULL,
					updated_at = excluded.updated_at`, id, runID, now); err != nil {
				return fmt.Errorf("checkpoint: queue %s: %w", id, err)
			}
		}
		return nil
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r       Record
		status  string
		payload sql.NullString
		errMsg  sql.NullString
	)
	if err := sc.Scan(&r.EntityID, &r.RunID, &status, &r.Progress, &payload, &errMsg, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if errMsg.Valid {
		msg := errMsg.String
		r.ErrorMessage = &msg
	}
	var err error
	if r.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodePayload(res *tablex.Result) (any, error) {
	if res == nil {
		return nil, nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(ns sql.NullString) (*tablex.Result, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var res tablex.Result
	if err := json.Unmarshal([]byte(ns.String), &res); err != nil {
		return nil, fmt.Errorf("checkpoint: decode payload: %w", err)
	}
	return &res, nil
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
