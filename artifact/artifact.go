// CLAUDE:SUMMARY Incremental XLSX run artifact, rewritten atomically after every entity.
// Package artifact builds the optional spreadsheet output of a run.
//
// One workbook per run, named from the run id so runs never overwrite
// each other. The workbook is rewritten after every entity (write temp file,
// then rename) so a kill mid-run leaves the last complete version on disk.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/taxpull/tablex"
)

const (
	SheetResults = "Results"
	SheetSummary = "Summary"
)

var (
	fixedResultCols = []string{"Entity", "Name", "Period"}
	summaryCols     = []string{"Entity", "Name", "Status", "Rows", "Dropped", "Unparsed", "Empty", "Extracted At", "Message"}
)

// FileName returns the artifact name of a run. Characters that are unsafe
// in a file name are replaced with '_'.
func FileName(runID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, runID)
	return "taxpull-" + safe + ".xlsx"
}

// Workbook is one run's artifact. It is safe for concurrent use.
type Workbook struct {
	mu      sync.Mutex
	path    string
	f       *excelize.File
	cols    []string
	colIdx  map[string]int
	nextRes int
	nextSum int
}

// Create starts the workbook of run runID in dir.
// Nothing is written until the first entity is appended.
func Create(dir, runID string) (*Workbook, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetResults); err != nil {
		f.Close()
		return nil, fmt.Errorf("artifact: init: %w", err)
	}
	if _, err := f.NewSheet(SheetSummary); err != nil {
		f.Close()
		return nil, fmt.Errorf("artifact: init: %w", err)
	}
	w := &Workbook{
		path:    filepath.Join(dir, FileName(runID)),
		f:       f,
		colIdx:  make(map[string]int),
		nextRes: 2,
		nextSum: 2,
	}
	for _, c := range fixedResultCols {
		w.addColumn(c)
	}
	if err := w.writeRow(SheetSummary, 1, toRow(summaryCols)); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the final file path.
func (w *Workbook) Path() string { return w.path }

// Append adds the rows of res and a summary line for the entity, then saves.
func (w *Workbook) Append(ctx context.Context, entityID, name string, res *tablex.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	grew := false
	for _, c := range res.Columns {
		if _, ok := w.colIdx[c]; !ok {
			w.addColumn(c)
			grew = true
		}
	}
	if grew {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	for _, r := range res.Rows {
		row := make([]any, len(w.cols))
		row[0], row[1], row[2] = entityID, name, res.PeriodKey
		for k, v := range r {
			i, ok := w.colIdx[k]
			if !ok {
				w.addColumn(k)
				if err := w.writeHeader(); err != nil {
					return err
				}
				row = append(row, nil)
				i = w.colIdx[k]
			}
			row[i] = v
		}
		if err := w.writeRow(SheetResults, w.nextRes, row); err != nil {
			return err
		}
		w.nextRes++
	}

	sum := []any{entityID, name, "completed", len(res.Rows), res.Dropped, res.Unparsed, res.Empty,
		res.ExtractedAt.UTC().Format(time.RFC3339), ""}
	if err := w.writeRow(SheetSummary, w.nextSum, sum); err != nil {
		return err
	}
	w.nextSum++
	return w.save()
}

// Note adds a summary line for an entity that produced no result
// (skipped, error, stopped), then saves.
func (w *Workbook) Note(ctx context.Context, entityID, name, status, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	sum := []any{entityID, name, status, 0, 0, 0, false, "", message}
	if err := w.writeRow(SheetSummary, w.nextSum, sum); err != nil {
		return err
	}
	w.nextSum++
	return w.save()
}

// Close releases the workbook. The file on disk is left as last saved.
func (w *Workbook) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func (w *Workbook) addColumn(name string) {
	w.colIdx[name] = len(w.cols)
	w.cols = append(w.cols, name)
}

func (w *Workbook) writeHeader() error {
	return w.writeRow(SheetResults, 1, toRow(w.cols))
}

func (w *Workbook) writeRow(sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("artifact: cell: %w", err)
	}
	if err := w.f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("artifact: write %s row %d: %w", sheet, row, err)
	}
	return nil
}

// save writes the workbook to a temp file in the same directory and renames
// it over the final path.
func (w *Workbook) save() error {
	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".taxpull-*.xlsx.tmp")
	if err != nil {
		return fmt.Errorf("artifact: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if err := w.f.Write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("artifact: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("artifact: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact: close: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifact: rename: %w", err)
	}
	return nil
}

func toRow(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
