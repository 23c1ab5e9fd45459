// Package parsers streams the comma-delimited registry files into typed
// records. Each parser returns a single-pass iter.Seq2 that yields either a
// record with a nil error, or a *Warning for a data-quality problem on one
// row. Any other error is fatal and ends the sequence.
package parsers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"faa_sync/internal/registry"
)

// ErrConsumed is yielded when a sequence is ranged over a second time.
var ErrConsumed = errors.New("parsers: sequence already consumed")

// ErrMissingColumn is returned when a file header lacks a required column.
var ErrMissingColumn = errors.New("parsers: missing column")

// Warning describes a row-level data-quality problem. Skipped rows were
// dropped; otherwise the record was kept with Field stored as NULL.
type Warning struct {
	Kind    registry.Kind
	Line    int
	Field   string
	Value   string
	Reason  string
	Skipped bool
}

func (w *Warning) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s line %d", w.Kind, w.Line)
	if w.Field != "" {
		fmt.Fprintf(&b, " %s=%q", w.Field, w.Value)
	}
	b.WriteString(": ")
	b.WriteString(w.Reason)
	if w.Skipped {
		b.WriteString(" (row skipped)")
	}
	return b.String()
}

// AsWarning reports whether err is a row warning and returns it.
func AsWarning(err error) (*Warning, bool) {
	var w *Warning
	if errors.As(err, &w) {
		return w, true
	}
	return nil, false
}

// row gives a record builder access to the current line by column name and
// collects the warnings it raises.
type row struct {
	cols     map[string]int
	fields   []string
	line     int
	warnings []*Warning
}

// str returns the trimmed value of a column, or "" when absent.
func (r *row) str(col string) string {
	i, ok := r.cols[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[i])
}

func (r *row) warn(field, value, reason string) {
	r.warnings = append(r.warnings, &Warning{Line: r.line, Field: field, Value: value, Reason: reason})
}

// skip returns a warning that drops the row.
func (r *row) skip(field, value, reason string) *Warning {
	return &Warning{Line: r.line, Field: field, Value: value, Reason: reason, Skipped: true}
}

// builder turns one row into a record, or returns a skip warning.
type builder[T any] func(r *row) (T, *Warning)

// stream drives a csv.Reader over src and yields one item per data row.
func stream[T any](kind registry.Kind, src io.Reader, required []string, build builder[T]) iter.Seq2[T, error] {
	consumed := false
	return func(yield func(T, error) bool) {
		var zero T
		if consumed {
			yield(zero, ErrConsumed)
			return
		}
		consumed = true

		cr := csv.NewReader(src)
		cr.FieldsPerRecord = -1 // Upstream rows end with a trailing comma.
		cr.LazyQuotes = true
		cr.ReuseRecord = true

		cols, err := readHeader(cr, required)
		if err != nil {
			yield(zero, fmt.Errorf("%s header: %w", kind, err))
			return
		}

		for {
			fields, err := cr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if !errors.As(err, &perr) {
					yield(zero, fmt.Errorf("read %s: %w", kind, err))
					return
				}
				w := &Warning{Kind: kind, Line: perr.Line, Reason: perr.Err.Error(), Skipped: true}
				if !yield(zero, w) {
					return
				}
				continue
			}

			line, _ := cr.FieldPos(0)
			if blank(fields) {
				continue
			}

			r := &row{cols: cols, fields: fields, line: line}
			rec, skipped := build(r)
			for _, w := range r.warnings {
				w.Kind = kind
				if !yield(zero, w) {
					return
				}
			}
			if skipped != nil {
				skipped.Kind = kind
				if !yield(zero, skipped) {
					return
				}
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// readHeader maps normalised column names to their index.
func readHeader(cr *csv.Reader, required []string) (map[string]int, error) {
	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.New("empty file")
		}
		return nil, err
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		name := strings.ToUpper(strings.TrimSpace(h))
		if name == "" {
			continue
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}

	for _, col := range required {
		if _, ok := cols[col]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingColumn, col)
		}
	}
	return cols, nil
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
