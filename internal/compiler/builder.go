package compiler

import (
	"strconv"
	"strings"
)

// sqlBuilder accumulates bind arguments for one statement. Placeholders are
// numbered in the order values are bound.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// columns projected by every item, subpanel and panel query.
const (
	colPerson    = "person_id"
	colEncounter = "encounter_id"
	colDate      = "event_date"
	colEvent     = "event_id"
)

// shape is the set of columns a panel's subqueries must project so that
// subpanels can be unioned and joined.
type shape struct {
	dates  bool
	events bool
}

func (s shape) columns() []string {
	cols := []string{colPerson}
	if s.dates {
		cols = append(cols, colEncounter, colDate)
	}
	if s.events {
		cols = append(cols, colEvent)
	}
	return cols
}

// qualified renders "alias.col, alias.col2" for the shape's columns.
func (s shape) qualified(alias string) string {
	cols := s.columns()
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func shapeOf(p Panel) shape {
	var s shape
	if len(p.SubPanels) > 1 {
		s.dates = true
		for _, sp := range p.SubPanels[1:] {
			if sp.JoinSequence.SequenceType == SequenceEvent {
				s.events = true
			}
		}
	}
	for _, sp := range p.SubPanels {
		if sp.MinimumCount > 1 {
			s.dates = true
		}
	}
	return s
}

func indent(sql, prefix string) string {
	return prefix + strings.ReplaceAll(sql, "\n", "\n"+prefix)
}
