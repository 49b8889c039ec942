// Package tablex turns a rendered results table into structured records.
//
// The pipeline: raw HTML → parse → no-records check → locate table → skip
// header rows → map cells to the column schema → normalise numbers.
package tablex

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// ErrTableNotFound is returned when the page holds neither the results table
// nor a no-records marker.
var ErrTableNotFound = errors.New("tablex: results table not found")

// Kind is the value type of a column.
type Kind string

const (
	KindText   Kind = "text"
	KindNumber Kind = "number"
)

// Fallback values used when a numeric cell cannot be parsed.
const (
	FallbackNull = "null"
	FallbackZero = "zero"
)

// Column maps a cell position to a field name.
type Column struct {
	Name  string `yaml:"name" json:"name"`
	Index int    `yaml:"index" json:"index"`
	Kind  Kind   `yaml:"kind" json:"kind"`
}

// Schema is the fixed column layout of the results table.
type Schema struct {
	Columns []Column `yaml:"columns" json:"columns"`
	// MinCells is the minimum number of cells a data row must have.
	// Zero means highest column index + 1.
	MinCells int `yaml:"min_cells" json:"min_cells"`
	// HeaderRows is the number of leading rows to skip in addition to
	// rows made only of <th> cells.
	HeaderRows int `yaml:"header_rows" json:"header_rows"`
}

func (s Schema) minCells() int {
	if s.MinCells > 0 {
		return s.MinCells
	}
	n := 0
	for _, c := range s.Columns {
		if c.Index+1 > n {
			n = c.Index + 1
		}
	}
	return n
}

// Marker identifies an element on the page: by selector, by visible text, or
// both (text searched within the selected elements).
type Marker struct {
	Selector string `yaml:"selector" json:"selector,omitempty"`
	Text     string `yaml:"text" json:"text,omitempty"`
}

// Extractor holds the table-specific configuration.
type Extractor struct {
	Schema           Schema   `yaml:"schema"`
	TableSelector    string   `yaml:"table_selector"`
	NoRecords        []Marker `yaml:"no_records"`
	DecimalSeparator string   `yaml:"decimal_separator"`
	Fallback         string   `yaml:"fallback"`
}

func (e *Extractor) defaults() {
	if e.TableSelector == "" {
		e.TableSelector = "table"
	}
	if e.DecimalSeparator == "" {
		e.DecimalSeparator = "."
	}
	if e.Fallback == "" {
		e.Fallback = FallbackNull
	}
}

// Validate checks the configuration.
func (e Extractor) Validate() error {
	e.defaults()
	if e.DecimalSeparator != "." && e.DecimalSeparator != "," {
		return fmt.Errorf("tablex: decimal_separator must be \".\" or \",\", got %q", e.DecimalSeparator)
	}
	if e.Fallback != FallbackNull && e.Fallback != FallbackZero {
		return fmt.Errorf("tablex: fallback must be %q or %q, got %q", FallbackNull, FallbackZero, e.Fallback)
	}
	seen := make(map[string]bool)
	for _, c := range e.Schema.Columns {
		if c.Name == "" {
			return fmt.Errorf("tablex: column at index %d has no name", c.Index)
		}
		if c.Index < 0 {
			return fmt.Errorf("tablex: column %q has negative index", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("tablex: duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if c.Kind != "" && c.Kind != KindText && c.Kind != KindNumber {
			return fmt.Errorf("tablex: column %q: unknown kind %q", c.Name, c.Kind)
		}
	}
	return nil
}

// Meta describes where the page came from.
type Meta struct {
	SourcePage  string
	EntityID    string
	PeriodKey   string
	ExtractedAt time.Time
}

// Row is one record: field name → value (string, float64 or nil).
type Row map[string]any

// Result is the structured output of one extraction.
type Result struct {
	Columns     []string  `json:"columns"`
	Rows        []Row     `json:"rows"`
	SourcePage  string    `json:"sourcePage"`
	ExtractedAt time.Time `json:"extractedAt"`
	EntityID    string    `json:"entityId"`
	PeriodKey   string    `json:"periodKey,omitempty"`
	Empty       bool      `json:"empty"`
	Dropped     int       `json:"dropped"`
	Unparsed    int       `json:"unparsed"`
}

// Extract parses rawHTML and returns its records.
func (e Extractor) Extract(rawHTML []byte, meta Meta) (*Result, error) {
	e.defaults()

	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("tablex: parse HTML: %w", err)
	}

	if meta.ExtractedAt.IsZero() {
		meta.ExtractedAt = time.Now().UTC()
	}
	res := &Result{
		Columns:     columnNames(e.Schema),
		Rows:        []Row{},
		SourcePage:  meta.SourcePage,
		ExtractedAt: meta.ExtractedAt,
		EntityID:    meta.EntityID,
		PeriodKey:   meta.PeriodKey,
	}

	if e.noRecords(doc) {
		res.Empty = true
		return res, nil
	}

	tables := querySelectorAll(doc, e.TableSelector)
	if len(tables) == 0 {
		return nil, ErrTableNotFound
	}

	schema := e.Schema
	sep := rune(e.DecimalSeparator[0])
	skip := schema.HeaderRows
	var header []string

	for _, tr := range tableRows(tables[0]) {
		cells, headerOnly := rowCells(tr)
		if len(cells) == 0 {
			continue
		}
		if skip > 0 {
			skip--
			if header == nil {
				header = cells
			}
			continue
		}
		if headerOnly {
			if header == nil {
				header = cells
			}
			continue
		}
		if len(schema.Columns) == 0 {
			schema = inferSchema(header, len(cells))
			res.Columns = columnNames(schema)
		}
		if len(cells) < schema.minCells() {
			res.Dropped++
			continue
		}
		res.Rows = append(res.Rows, e.mapRow(schema, cells, sep, res))
	}
	return res, nil
}

func (e Extractor) mapRow(schema Schema, cells []string, sep rune, res *Result) Row {
	row := make(Row, len(schema.Columns))
	for _, c := range schema.Columns {
		var raw string
		if c.Index < len(cells) {
			raw = cells[c.Index]
		}
		if c.Kind != KindNumber {
			row[c.Name] = raw
			continue
		}
		if v, ok := ParseNumber(raw, sep); ok {
			row[c.Name] = v
			continue
		}
		if strings.TrimSpace(raw) != "" {
			res.Unparsed++
		}
		row[c.Name] = e.fallback()
	}
	return row
}

func (e Extractor) fallback() any {
	if e.Fallback == FallbackZero {
		return float64(0)
	}
	return nil
}

func (e Extractor) noRecords(doc *html.Node) bool {
	for _, m := range e.NoRecords {
		if m.Selector == "" && m.Text == "" {
			continue
		}
		var nodes []*html.Node
		if m.Selector != "" {
			nodes = querySelectorAll(doc, m.Selector)
		} else {
			nodes = []*html.Node{doc}
		}
		for _, n := range nodes {
			if m.Text == "" || containsFold(collectText(n), m.Text) {
				return true
			}
		}
	}
	return false
}

// inferSchema builds a text-only schema from header cells, or c1..cN.
func inferSchema(header []string, width int) Schema {
	var s Schema
	for i := range width {
		name := ""
		if i < len(header) {
			name = header[i]
		}
		if name == "" {
			name = "c" + strconv.Itoa(i+1)
		}
		for _, existing := range s.Columns {
			if existing.Name == name {
				name = name + "_" + strconv.Itoa(i+1)
				break
			}
		}
		s.Columns = append(s.Columns, Column{Name: name, Index: i, Kind: KindText})
	}
	return s
}

func columnNames(s Schema) []string {
	names := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.Join(strings.Fields(sub), " ")))
}
