// Package export renders report tables into downloadable documents.
package export

import "fmt"

// Table is the tabular content of a report. Every row must have one cell per
// header.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// Renderer turns a table into a document.
type Renderer interface {
	Render(table Table) ([]byte, error)
	ContentType() string
	Extension() string
}

func (t Table) validate() error {
	if len(t.Headers) == 0 {
		return fmt.Errorf("table requires at least one header")
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Headers) {
			return fmt.Errorf("row %d has %d cells, want %d", i, len(row), len(t.Headers))
		}
	}
	return nil
}
