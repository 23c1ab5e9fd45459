package parsers

import (
	"strconv"
	"strings"
	"time"
)

// dateLayout is the upstream YYYYMMDD date format.
const dateLayout = "20060102"

// date parses a YYYYMMDD column. Blank values are NULL; unparseable values
// are NULL plus a warning.
func (r *row) date(col string) *time.Time {
	v := r.str(col)
	if v == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		r.warn(col, v, "unparseable date")
		return nil
	}
	return &t
}

// int parses an integer column. Blank, non-numeric and placeholder values
// are NULL.
func (r *row) int(col string) *int {
	v := r.str(col)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// code returns an uppercased key or foreign key column.
func (r *row) code(col string) string {
	return strings.ToUpper(r.str(col))
}
