package compiler

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Compiler turns validated panels into parameterized PostgreSQL. Every value
// taken from a request is bound as a parameter. SQL set and concept
// fragments are administrator-managed and inlined after alias substitution.
type Compiler struct {
	opts Options
}

func New(opts Options) *Compiler {
	if opts.Alias == "" {
		opts.Alias = "@"
	}
	if opts.FieldPersonID == "" {
		opts.FieldPersonID = "person_id"
	}
	if opts.FieldEncounterID == "" {
		opts.FieldEncounterID = "encounter_id"
	}
	return &Compiler{opts: opts}
}

// PanelStatement is one panel compiled on its own.
type PanelStatement struct {
	Panel     Panel
	Statement Statement
}

// BuildCTE compiles panels into a single statement: each panel becomes a
// CTE, included panels are intersected and excluded panels subtracted.
func (c *Compiler) BuildCTE(panels []Panel) (Statement, error) {
	if err := Validate(panels); err != nil {
		return Statement{}, err
	}

	b := &sqlBuilder{}
	var ctes, includes, excludes []string
	for i, p := range sortedPanels(panels) {
		sql := c.panelSQL(b, p)
		name := fmt.Sprintf("wrapper%d", i)
		ctes = append(ctes, fmt.Sprintf("%s AS (\n%s\n)", name, indent(sql, "    ")))

		sel := fmt.Sprintf("SELECT %s FROM %s", colPerson, name)
		if p.IncludePanel {
			includes = append(includes, sel)
		} else {
			excludes = append(excludes, sel)
		}
	}

	var sb strings.Builder
	sb.WriteString("WITH ")
	sb.WriteString(strings.Join(ctes, ",\n"))
	sb.WriteString("\n")
	sb.WriteString(strings.Join(includes, "\nINTERSECT\n"))
	for _, ex := range excludes {
		sb.WriteString("\nEXCEPT\n")
		sb.WriteString(ex)
	}
	return Statement{SQL: sb.String(), Args: b.args}, nil
}

// BuildPanels validates the query as a whole, then compiles each panel into
// an independent statement returning its distinct patients.
func (c *Compiler) BuildPanels(panels []Panel) ([]PanelStatement, error) {
	if err := Validate(panels); err != nil {
		return nil, err
	}
	ordered := sortedPanels(panels)
	out := make([]PanelStatement, 0, len(ordered))
	for _, p := range ordered {
		b := &sqlBuilder{}
		sql := c.panelSQL(b, p)
		out = append(out, PanelStatement{Panel: p, Statement: Statement{SQL: sql, Args: b.args}})
	}
	return out, nil
}

// SampleSQL compiles a single concept the way a user would typically query
// it: restricted to this year when dated, and to values above 5 when numeric.
func (c *Compiler) SampleSQL(concept Concept, now time.Time) (Statement, error) {
	item := PanelItem{Concept: concept}
	if concept.IsNumeric && concept.SQLFieldNumeric != "" {
		item.NumericFilter = NumericFilter{FilterType: NumericGreaterThan, Filter: []float64{5}}
	}
	panel := Panel{
		IncludePanel: true,
		SubPanels: []SubPanel{{
			IncludeSubPanel: true,
			MinimumCount:    1,
			PanelItems:      []PanelItem{item},
		}},
	}
	if concept.SQLSet.IsEncounterBased && concept.SQLSet.SQLFieldDate != "" {
		start := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		panel.DateFilter = &DateFilter{Start: DateBoundary{DateIncrementType: DateSpecific, Date: &start}}
	}
	return c.BuildCTE([]Panel{panel})
}

func sortedPanels(panels []Panel) []Panel {
	out := make([]Panel, 0, len(panels))
	for _, p := range panels {
		if p.Domain == DomainPanel {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// panelCompiler holds per-panel state while rendering.
type panelCompiler struct {
	opts  Options
	b     *sqlBuilder
	panel Panel
	shape shape
	n     int
}

func (c *Compiler) panelSQL(b *sqlBuilder, p Panel) string {
	pc := &panelCompiler{opts: c.opts, b: b, panel: p, shape: shapeOf(p)}
	return pc.render()
}

func (pc *panelCompiler) nextAlias() string {
	alias := fmt.Sprintf("_T%d", pc.n)
	pc.n++
	return alias
}

// sub replaces the alias placeholder in an administrator-supplied fragment.
func (pc *panelCompiler) sub(fragment, alias string) string {
	return strings.ReplaceAll(fragment, pc.opts.Alias, alias)
}

func (pc *panelCompiler) render() string {
	subs := pc.panel.SubPanels
	base := pc.union(subs[0])
	if subs[0].MinimumCount > 1 {
		base = pc.minimumCount(base, subs[0].MinimumCount)
	}

	var conds []string
	for j, sp := range subs[1:] {
		conds = append(conds, pc.join(sp, fmt.Sprintf("S%d", j+1)))
	}

	sql := fmt.Sprintf("SELECT DISTINCT B.%s\nFROM (\n%s\n) AS B", colPerson, indent(base, "    "))
	if len(conds) > 0 {
		sql += "\nWHERE " + strings.Join(conds, "\n  AND ")
	}
	return sql
}

func (pc *panelCompiler) union(sp SubPanel) string {
	parts := make([]string, 0, len(sp.PanelItems))
	for _, item := range sp.PanelItems {
		parts = append(parts, pc.item(item))
	}
	return strings.Join(parts, "\nUNION ALL\n")
}

// minimumCount keeps rows for patients with at least n distinct dates.
func (pc *panelCompiler) minimumCount(union string, n int) string {
	cols := pc.shape.qualified("X")
	return fmt.Sprintf(`SELECT %s
FROM (
    SELECT W.*, MAX(W._rank) OVER (PARTITION BY W.%s) AS _dates
    FROM (
        SELECT U.*, DENSE_RANK() OVER (PARTITION BY U.%s ORDER BY U.%s) AS _rank
        FROM (
%s
        ) AS U
    ) AS W
) AS X
WHERE X._dates >= %s`, cols, colPerson, colPerson, colDate, indent(union, "            "), pc.b.bind(n))
}

func (pc *panelCompiler) join(sp SubPanel, alias string) string {
	union := indent(pc.union(sp), "        ")
	corr := fmt.Sprintf("%s.%s = B.%s AND %s", alias, colPerson, colPerson, pc.sequence(alias, sp.JoinSequence))

	if sp.MinimumCount > 1 {
		op := ">="
		if !sp.IncludeSubPanel {
			op = "<"
		}
		return fmt.Sprintf("(\n    SELECT COUNT(DISTINCT %s.%s)\n    FROM (\n%s\n    ) AS %s\n    WHERE %s\n) %s %s",
			alias, colDate, union, alias, corr, op, pc.b.bind(sp.MinimumCount))
	}

	neg := ""
	if !sp.IncludeSubPanel {
		neg = "NOT "
	}
	return fmt.Sprintf("%sEXISTS (\n    SELECT 1\n    FROM (\n%s\n    ) AS %s\n    WHERE %s\n)", neg, union, alias, corr)
}

func (pc *panelCompiler) sequence(alias string, seq JoinSequence) string {
	s := alias + "."
	switch seq.SequenceType {
	case SequenceEncounter:
		return s + colEncounter + " = B." + colEncounter
	case SequenceEvent:
		return s + colEvent + " = B." + colEvent
	case SequencePlusMinus:
		interval := pc.interval(seq.DateIncrementType, seq.Increment)
		return fmt.Sprintf("%s%s BETWEEN B.%s - %s AND B.%s + %s", s, colDate, colDate, interval, colDate, interval)
	case SequenceWithinFollowing:
		interval := pc.interval(seq.DateIncrementType, seq.Increment)
		return fmt.Sprintf("%s%s BETWEEN B.%s AND B.%s + %s", s, colDate, colDate, colDate, interval)
	default:
		return fmt.Sprintf("%s%s > B.%s", s, colDate, colDate)
	}
}

// interval renders make_interval with a single bound increment.
func (pc *panelCompiler) interval(t DateIncrementType, increment int) string {
	unit, _ := t.intervalUnit()
	return fmt.Sprintf("make_interval(%s => %s::int)", unit, pc.b.bind(increment))
}

func (pc *panelCompiler) boundary(bd DateBoundary) string {
	switch bd.DateIncrementType {
	case DateNow:
		return "NOW()"
	case DateSpecific:
		return pc.b.bind(*bd.Date) + "::timestamp"
	default:
		return "NOW() + " + pc.interval(bd.DateIncrementType, bd.Increment)
	}
}

// projection renders the shape's columns for one item's source row. Sets
// without an event field project a NULL event so that subpanels joined on
// something other than the event still line up with the panel's shape.
func (pc *panelCompiler) projection(item PanelItem, alias string) string {
	set := item.Concept.SQLSet
	cols := []string{fmt.Sprintf("%s.%s AS %s", alias, pc.opts.FieldPersonID, colPerson)}
	if pc.shape.dates {
		cols = append(cols,
			fmt.Sprintf("%s.%s AS %s", alias, pc.opts.FieldEncounterID, colEncounter),
			fmt.Sprintf("%s AS %s", pc.sub(set.SQLFieldDate, alias), colDate))
	}
	if pc.shape.events {
		event := "NULL"
		if set.SQLFieldEvent != "" {
			event = pc.sub(set.SQLFieldEvent, alias)
		}
		cols = append(cols, fmt.Sprintf("%s AS %s", event, colEvent))
	}
	return strings.Join(cols, ", ")
}

func (pc *panelCompiler) item(item PanelItem) string {
	alias := pc.nextAlias()
	set := item.Concept.SQLSet

	var where []string
	if w := item.Concept.SQLSetWhere; w != "" {
		where = append(where, "("+pc.sub(w, alias)+")")
	}
	for _, spec := range item.SelectedSpecializations {
		if spec.SQLSetWhere != "" {
			where = append(where, "("+pc.sub(spec.SQLSetWhere, alias)+")")
		}
	}
	if df := pc.panel.DateFilter; df.active() && set.IsEncounterBased && set.SQLFieldDate != "" {
		date := pc.sub(set.SQLFieldDate, alias)
		if df.Start.bounded() {
			where = append(where, date+" >= "+pc.boundary(df.Start))
		}
		if df.End.bounded() {
			where = append(where, date+" <= "+pc.boundary(df.End))
		}
	}

	numericField := pc.sub(item.Concept.SQLFieldNumeric, alias)
	from := fmt.Sprintf("FROM %s AS %s", set.SQLSetFrom, alias)

	if item.RecencyFilter == RecencyNone {
		if cond := pc.numeric(item.NumericFilter, numericField); cond != "" {
			where = append(where, cond)
		}
		return joinSelect(pc.projection(item, alias), from, where)
	}

	dir := "DESC"
	if item.RecencyFilter == RecencyMin {
		dir = "ASC"
	}
	inner := pc.projection(item, alias) + fmt.Sprintf(", ROW_NUMBER() OVER (PARTITION BY %s.%s ORDER BY %s %s) AS _recency",
		alias, pc.opts.FieldPersonID, pc.sub(set.SQLFieldDate, alias), dir)
	if item.NumericFilter.FilterType != NumericNone {
		inner += fmt.Sprintf(", %s AS _value", numericField)
	}

	r := alias + "R"
	outer := []string{r + "._recency = 1"}
	if cond := pc.numeric(item.NumericFilter, r+"._value"); cond != "" {
		outer = append(outer, cond)
	}
	return fmt.Sprintf("SELECT %s\nFROM (\n%s\n) AS %s\nWHERE %s",
		pc.shape.qualified(r), indent(joinSelect(inner, from, where), "    "), r, strings.Join(outer, " AND "))
}

func (pc *panelCompiler) numeric(nf NumericFilter, field string) string {
	switch nf.FilterType {
	case NumericNone:
		return ""
	case NumericBetween:
		return fmt.Sprintf("%s BETWEEN %s AND %s", field, pc.b.bind(nf.Filter[0]), pc.b.bind(nf.Filter[1]))
	default:
		return fmt.Sprintf("%s %s %s", field, nf.FilterType.operator(), pc.b.bind(nf.Filter[0]))
	}
}

func joinSelect(projection, from string, where []string) string {
	sql := "SELECT " + projection + "\n" + from
	if len(where) > 0 {
		sql += "\nWHERE " + strings.Join(where, "\n  AND ")
	}
	return sql
}
