package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column describes one table column. width caps the wrapped cell width; zero
// leaves the column unbounded.
type column struct {
	header  string
	numeric bool
	width   int
}

var (
	resultColumns = []column{
		{header: "Reference", width: 48},
		{header: "Title", width: 32},
		{header: "Status"},
		{header: "Outputs", numeric: true},
		{header: "Locations", width: 72},
	}
	runColumns = []column{
		{header: "Reference", width: 48},
		{header: "Title", width: 32},
		{header: "State"},
		{header: "Updated"},
		{header: "Last Error", width: 60},
	}
)

// renderTable draws rows under columns. Numeric cells are right-aligned; a row
// shorter than columns is padded with empty cells.
func renderTable(columns []column, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, c := range columns {
		header[i] = c.header
		align := text.AlignLeft
		if c.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
			WidthMax:    c.width,
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range r {
			r[i] = ""
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
