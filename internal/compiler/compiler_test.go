package compiler

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encounterSet() SQLSet {
	return SQLSet{
		ID:               1,
		IsEncounterBased: true,
		IsEventBased:     true,
		SQLSetFrom:       "clin.v_diagnosis",
		SQLFieldDate:     "@.diag_date",
		SQLFieldEvent:    "@.diag_code",
	}
}

func personSet() SQLSet {
	return SQLSet{ID: 2, SQLSetFrom: "clin.person"}
}

func concept(set SQLSet, where string) Concept {
	return Concept{ID: uuid.New(), SQLSet: set, SQLSetWhere: where, UIDisplayName: "test"}
}

func simplePanel(index int, include bool, c Concept) Panel {
	return Panel{
		Index:        index,
		IncludePanel: include,
		SubPanels: []SubPanel{{
			IncludeSubPanel: true,
			MinimumCount:    1,
			PanelItems:      []PanelItem{{Concept: c}},
		}},
	}
}

func TestBuildCTE_SinglePanel(t *testing.T) {
	c := New(Options{})
	stmt, err := c.BuildCTE([]Panel{simplePanel(0, true, concept(personSet(), "@.gender = 'F'"))})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(stmt.SQL, "WITH wrapper0 AS ("))
	assert.Contains(t, stmt.SQL, "SELECT _T0.person_id AS person_id")
	assert.Contains(t, stmt.SQL, "FROM clin.person AS _T0")
	assert.Contains(t, stmt.SQL, "(_T0.gender = 'F')")
	assert.Contains(t, stmt.SQL, "SELECT person_id FROM wrapper0")
	assert.NotContains(t, stmt.SQL, "@")
	assert.Empty(t, stmt.Args)
}

func TestBuildCTE_IncludesBeforeExcludes(t *testing.T) {
	c := New(Options{})
	panels := []Panel{
		simplePanel(2, false, concept(personSet(), "@.deceased")),
		simplePanel(0, true, concept(personSet(), "@.gender = 'F'")),
		simplePanel(1, true, concept(personSet(), "@.age > 18")),
	}
	stmt, err := c.BuildCTE(panels)
	require.NoError(t, err)

	want := "SELECT person_id FROM wrapper0\nINTERSECT\nSELECT person_id FROM wrapper1\nEXCEPT\nSELECT person_id FROM wrapper2"
	assert.True(t, strings.HasSuffix(stmt.SQL, want), stmt.SQL)

	gender := strings.Index(stmt.SQL, "gender")
	age := strings.Index(stmt.SQL, "age > 18")
	deceased := strings.Index(stmt.SQL, "deceased")
	assert.Less(t, gender, age)
	assert.Less(t, age, deceased)
}

func TestBuildCTE_Deterministic(t *testing.T) {
	c := New(Options{})
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	p := simplePanel(0, true, concept(encounterSet(), "@.code = 'E11'"))
	p.DateFilter = &DateFilter{Start: DateBoundary{DateIncrementType: DateSpecific, Date: &start}}

	first, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	second, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("statements differ (-first +second):\n%s", diff)
	}
}

func TestBuildCTE_ParamsNumberedAcrossPanels(t *testing.T) {
	c := New(Options{})
	numeric := concept(encounterSet(), "")
	numeric.IsNumeric = true
	numeric.SQLFieldNumeric = "@.value"

	p0 := simplePanel(0, true, numeric)
	p0.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericGreaterThan, Filter: []float64{5}}
	p1 := simplePanel(1, true, numeric)
	p1.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericBetween, Filter: []float64{1, 3}}

	stmt, err := c.BuildCTE([]Panel{p0, p1})
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, "_T0.value > $1")
	assert.Contains(t, stmt.SQL, "_T0.value BETWEEN $2 AND $3")
	assert.Equal(t, []any{5.0, 1.0, 3.0}, stmt.Args)
}

func TestBuildCTE_Specializations(t *testing.T) {
	c := New(Options{})
	p := simplePanel(0, true, concept(encounterSet(), "@.code = 'E11'"))
	p.SubPanels[0].PanelItems[0].SelectedSpecializations = []Specialization{
		{ID: uuid.New(), SQLSetWhere: "@.source = 'ED'"},
	}
	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "(_T0.code = 'E11')\n")
	assert.Contains(t, stmt.SQL, "(_T0.source = 'ED')")
}

func TestBuildCTE_DateFilter(t *testing.T) {
	c := New(Options{})
	tests := []struct {
		name     string
		filter   DateFilter
		contains []string
		args     []any
	}{
		{
			name: "relative start, now end",
			filter: DateFilter{
				Start: DateBoundary{DateIncrementType: DateYear, Increment: -1},
				End:   DateBoundary{DateIncrementType: DateNow},
			},
			contains: []string{
				"_T0.diag_date >= NOW() + make_interval(years => $1::int)",
				"_T0.diag_date <= NOW()",
			},
			args: []any{-1},
		},
		{
			name:     "open start",
			filter:   DateFilter{End: DateBoundary{DateIncrementType: DateMonth, Increment: -6}},
			contains: []string{"_T0.diag_date <= NOW() + make_interval(months => $1::int)"},
			args:     []any{-6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := simplePanel(0, true, concept(encounterSet(), ""))
			f := tt.filter
			p.DateFilter = &f
			stmt, err := c.BuildCTE([]Panel{p})
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, stmt.SQL, s)
			}
			assert.Equal(t, tt.args, stmt.Args)
		})
	}
}

func TestBuildCTE_SpecificDateIsBound(t *testing.T) {
	c := New(Options{})
	start := time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)
	p := simplePanel(0, true, concept(encounterSet(), ""))
	p.DateFilter = &DateFilter{Start: DateBoundary{DateIncrementType: DateSpecific, Date: &start}}

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "_T0.diag_date >= $1::timestamp")
	require.Len(t, stmt.Args, 1)
	assert.Equal(t, start, stmt.Args[0])
	assert.NotContains(t, stmt.SQL, "2019")
}

func TestBuildCTE_DateFilterIgnoredForPersonSets(t *testing.T) {
	c := New(Options{})
	p := simplePanel(0, true, concept(personSet(), ""))
	p.DateFilter = &DateFilter{Start: DateBoundary{DateIncrementType: DateNow}}
	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.NotContains(t, stmt.SQL, "NOW()")
}

func TestBuildCTE_Recency(t *testing.T) {
	c := New(Options{})
	numeric := concept(encounterSet(), "")
	numeric.IsNumeric = true
	numeric.SQLFieldNumeric = "@.value"

	p := simplePanel(0, true, numeric)
	p.SubPanels[0].PanelItems[0].RecencyFilter = RecencyMax
	p.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericLessThan, Filter: []float64{7}}

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "ROW_NUMBER() OVER (PARTITION BY _T0.person_id ORDER BY _T0.diag_date DESC) AS _recency")
	assert.Contains(t, stmt.SQL, "_T0.value AS _value")
	assert.Contains(t, stmt.SQL, "WHERE _T0R._recency = 1 AND _T0R._value < $1")
	assert.Equal(t, []any{7.0}, stmt.Args)

	p.SubPanels[0].PanelItems[0].RecencyFilter = RecencyMin
	stmt, err = c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "ORDER BY _T0.diag_date ASC")
}

func TestBuildCTE_MinimumCountOnBase(t *testing.T) {
	c := New(Options{})
	p := simplePanel(0, true, concept(encounterSet(), ""))
	p.SubPanels[0].MinimumCount = 3

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "DENSE_RANK() OVER (PARTITION BY U.person_id ORDER BY U.event_date) AS _rank")
	assert.Contains(t, stmt.SQL, "WHERE X._dates >= $1")
	assert.Contains(t, stmt.SQL, "_T0.diag_date AS event_date")
	assert.Equal(t, []any{3}, stmt.Args)
}

func TestBuildCTE_SubPanelOrUnion(t *testing.T) {
	c := New(Options{})
	p := simplePanel(0, true, concept(personSet(), "@.a = 1"))
	p.SubPanels[0].PanelItems = append(p.SubPanels[0].PanelItems, PanelItem{Index: 1, Concept: concept(personSet(), "@.b = 2")})

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "UNION ALL")
	assert.Contains(t, stmt.SQL, "(_T0.a = 1)")
	assert.Contains(t, stmt.SQL, "(_T1.b = 2)")
}

func joinedPanel(seq JoinSequence, include bool, minCount int) Panel {
	p := simplePanel(0, true, concept(encounterSet(), "@.code = 'A'"))
	p.SubPanels = append(p.SubPanels, SubPanel{
		Index:           1,
		IncludeSubPanel: include,
		MinimumCount:    minCount,
		JoinSequence:    seq,
		PanelItems:      []PanelItem{{Concept: concept(encounterSet(), "@.code = 'B'")}},
	})
	return p
}

func TestBuildCTE_Sequences(t *testing.T) {
	c := New(Options{})
	tests := []struct {
		name string
		seq  JoinSequence
		want string
		args []any
	}{
		{"encounter", JoinSequence{SequenceType: SequenceEncounter}, "S1.encounter_id = B.encounter_id", nil},
		{"event", JoinSequence{SequenceType: SequenceEvent}, "S1.event_id = B.event_id", nil},
		{
			"plus minus",
			JoinSequence{SequenceType: SequencePlusMinus, Increment: 30, DateIncrementType: DateDay},
			"S1.event_date BETWEEN B.event_date - make_interval(days => $1::int) AND B.event_date + make_interval(days => $1::int)",
			[]any{30},
		},
		{
			"within following",
			JoinSequence{SequenceType: SequenceWithinFollowing, Increment: 2, DateIncrementType: DateWeek},
			"S1.event_date BETWEEN B.event_date AND B.event_date + make_interval(weeks => $1::int)",
			[]any{2},
		},
		{"anytime following", JoinSequence{SequenceType: SequenceAnytimeFollowing}, "S1.event_date > B.event_date", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := c.BuildCTE([]Panel{joinedPanel(tt.seq, true, 1)})
			require.NoError(t, err)
			assert.Contains(t, stmt.SQL, "EXISTS (")
			assert.Contains(t, stmt.SQL, "S1.person_id = B.person_id AND "+tt.want)
			assert.Equal(t, tt.args, stmt.Args)
		})
	}
}

func TestBuildCTE_EventSequenceProjectsEvents(t *testing.T) {
	c := New(Options{})
	stmt, err := c.BuildCTE([]Panel{joinedPanel(JoinSequence{SequenceType: SequenceEvent}, true, 1)})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "_T0.diag_code AS event_id")
	assert.Contains(t, stmt.SQL, "_T1.diag_code AS event_id")
}

func TestBuildCTE_MixedSequencesProjectNullEvents(t *testing.T) {
	c := New(Options{})
	labs := SQLSet{
		ID:               3,
		IsEncounterBased: true,
		SQLSetFrom:       "clin.v_lab",
		SQLFieldDate:     "@.lab_date",
	}
	p := joinedPanel(JoinSequence{SequenceType: SequenceEvent}, true, 1)
	p.SubPanels = append(p.SubPanels, SubPanel{
		Index:           2,
		IncludeSubPanel: true,
		MinimumCount:    1,
		JoinSequence:    JoinSequence{SequenceType: SequenceEncounter},
		PanelItems:      []PanelItem{{Concept: concept(labs, "@.loinc = '4548-4'")}},
	})

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "_T1.diag_code AS event_id")
	assert.Contains(t, stmt.SQL, "_T2.lab_date AS event_date, NULL AS event_id")
	assert.NotContains(t, stmt.SQL, ",  AS event_id")
	assert.Contains(t, stmt.SQL, "S2.encounter_id = B.encounter_id")
}

func TestBuildCTE_MixedSequencesWithRecency(t *testing.T) {
	c := New(Options{})
	labs := SQLSet{ID: 3, IsEncounterBased: true, SQLSetFrom: "clin.v_lab", SQLFieldDate: "@.lab_date"}
	p := joinedPanel(JoinSequence{SequenceType: SequenceEvent}, true, 1)
	p.SubPanels = append(p.SubPanels, SubPanel{
		Index:           2,
		IncludeSubPanel: true,
		MinimumCount:    1,
		JoinSequence:    JoinSequence{SequenceType: SequenceAnytimeFollowing},
		PanelItems:      []PanelItem{{Concept: concept(labs, ""), RecencyFilter: RecencyMax}},
	})

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "NULL AS event_id, ROW_NUMBER() OVER")
	assert.Contains(t, stmt.SQL, "SELECT _T2R.person_id, _T2R.encounter_id, _T2R.event_date, _T2R.event_id")
}

func TestBuildCTE_SkipsPatientListPanels(t *testing.T) {
	c := New(Options{})
	panels := []Panel{
		{Index: 0, Domain: DomainPatientList, IncludePanel: true},
		simplePanel(1, true, concept(personSet(), "@.gender = 'F'")),
	}

	stmt, err := c.BuildCTE(panels)
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "wrapper0 AS (")
	assert.NotContains(t, stmt.SQL, "wrapper1")
	assert.Contains(t, stmt.SQL, "(_T0.gender = 'F')")

	out, err := c.BuildPanels(panels)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Panel.Index)
}

func TestBuildCTE_ExcludedSubPanel(t *testing.T) {
	c := New(Options{})
	stmt, err := c.BuildCTE([]Panel{joinedPanel(JoinSequence{SequenceType: SequenceEncounter}, false, 1)})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "NOT EXISTS (")
}

func TestBuildCTE_JoinedMinimumCount(t *testing.T) {
	c := New(Options{})
	seq := JoinSequence{SequenceType: SequenceAnytimeFollowing}

	stmt, err := c.BuildCTE([]Panel{joinedPanel(seq, true, 2)})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "SELECT COUNT(DISTINCT S1.event_date)")
	assert.Contains(t, stmt.SQL, ") >= $1")
	assert.Equal(t, []any{2}, stmt.Args)

	stmt, err = c.BuildCTE([]Panel{joinedPanel(seq, false, 2)})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, ") < $1")
}

func TestBuildCTE_CustomOptions(t *testing.T) {
	c := New(Options{Alias: "#", FieldPersonID: "patient_num", FieldEncounterID: "encounter_num"})
	set := encounterSet()
	set.SQLFieldDate = "#.start_date"
	p := simplePanel(0, true, concept(set, "#.concept_cd = 'X'"))
	p.SubPanels[0].MinimumCount = 2

	stmt, err := c.BuildCTE([]Panel{p})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "_T0.patient_num AS person_id")
	assert.Contains(t, stmt.SQL, "_T0.encounter_num AS encounter_id")
	assert.Contains(t, stmt.SQL, "_T0.start_date AS event_date")
	assert.Contains(t, stmt.SQL, "(_T0.concept_cd = 'X')")
}

func TestBuildCTE_PreflightErrors(t *testing.T) {
	c := New(Options{})

	numeric := concept(encounterSet(), "")
	numeric.IsNumeric = true
	numeric.SQLFieldNumeric = "@.value"

	tests := []struct {
		name    string
		panels  []Panel
		problem string
	}{
		{"no panels", nil, "no panels"},
		{
			"only excluded",
			[]Panel{simplePanel(0, false, concept(personSet(), ""))},
			"at least one panel must be included",
		},
		{
			"only patient lists",
			[]Panel{{Index: 0, Domain: DomainPatientList, IncludePanel: true}},
			"at least one panel must be included",
		},
		{
			"person set sequenced",
			func() []Panel {
				p := joinedPanel(JoinSequence{SequenceType: SequenceEncounter}, true, 1)
				p.SubPanels[1].PanelItems[0].Concept = concept(personSet(), "")
				return []Panel{p}
			}(),
			"not encounter based",
		},
		{
			"missing sql set",
			[]Panel{simplePanel(0, true, Concept{ID: uuid.New()})},
			"has no SQL set",
		},
		{
			"numeric on non numeric concept",
			func() []Panel {
				p := simplePanel(0, true, concept(encounterSet(), ""))
				p.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericEqualTo, Filter: []float64{1}}
				return []Panel{p}
			}(),
			"is not numeric",
		},
		{
			"inverted between",
			func() []Panel {
				p := simplePanel(0, true, numeric)
				p.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericBetween, Filter: []float64{9, 1}}
				return []Panel{p}
			}(),
			"exceeds upper bound",
		},
		{
			"plus minus without increment",
			[]Panel{joinedPanel(JoinSequence{SequenceType: SequencePlusMinus, DateIncrementType: DateDay}, true, 1)},
			"sequence increment must be positive",
		},
		{
			"specific date missing",
			func() []Panel {
				p := simplePanel(0, true, concept(encounterSet(), ""))
				p.DateFilter = &DateFilter{Start: DateBoundary{DateIncrementType: DateSpecific}}
				return []Panel{p}
			}(),
			"no date was given",
		},
		{
			"first subpanel excluded",
			func() []Panel {
				p := simplePanel(0, true, concept(personSet(), ""))
				p.SubPanels[0].IncludeSubPanel = false
				return []Panel{p}
			}(),
			"first subpanel must be included",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.BuildCTE(tt.panels)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPreflight))

			var pe *PreflightError
			require.True(t, errors.As(err, &pe))
			assert.Contains(t, strings.Join(pe.Problems, "; "), tt.problem)
		})
	}
}

func TestValidate_NormalisesMinimumCount(t *testing.T) {
	p := simplePanel(0, true, concept(personSet(), ""))
	p.SubPanels[0].MinimumCount = 0
	panels := []Panel{p}
	require.NoError(t, Validate(panels))
	assert.Equal(t, 1, panels[0].SubPanels[0].MinimumCount)
}

func TestBuildPanels(t *testing.T) {
	c := New(Options{})
	numeric := concept(encounterSet(), "")
	numeric.IsNumeric = true
	numeric.SQLFieldNumeric = "@.value"

	p0 := simplePanel(1, false, numeric)
	p0.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericGreaterThan, Filter: []float64{10}}
	p1 := simplePanel(0, true, numeric)
	p1.SubPanels[0].PanelItems[0].NumericFilter = NumericFilter{FilterType: NumericLessThan, Filter: []float64{2}}

	out, err := c.BuildPanels([]Panel{p0, p1})
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, 0, out[0].Panel.Index)
	assert.True(t, out[0].Panel.IncludePanel)
	assert.Contains(t, out[0].Statement.SQL, "_T0.value < $1")
	assert.Equal(t, []any{2.0}, out[0].Statement.Args)

	assert.False(t, out[1].Panel.IncludePanel)
	assert.Contains(t, out[1].Statement.SQL, "_T0.value > $1")
	assert.Equal(t, []any{10.0}, out[1].Statement.Args)
	assert.True(t, strings.HasPrefix(out[1].Statement.SQL, "SELECT DISTINCT B.person_id"))
}

func TestSampleSQL(t *testing.T) {
	c := New(Options{})
	numeric := concept(encounterSet(), "@.code = 'HBA1C'")
	numeric.IsNumeric = true
	numeric.SQLFieldNumeric = "@.value"

	stmt, err := c.SampleSQL(numeric, time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	sql := Render(stmt)
	assert.Contains(t, sql, "_T0.diag_date >= '2024-01-01 00:00:00'::timestamp")
	assert.Contains(t, sql, "_T0.value > 5")
	assert.NotContains(t, sql, "$")
}

func TestRender(t *testing.T) {
	stmt := Statement{
		SQL:  "SELECT $1, $2, $10, $11",
		Args: []any{"o'brien", 2, 3, 4, 5, 6, 7, 8, 9, 1.5, true},
	}
	assert.Equal(t, "SELECT 'o''brien', 2, 1.5, TRUE", Render(stmt))
}

func TestRender_StringArray(t *testing.T) {
	stmt := Statement{SQL: "WHERE id = ANY($1)", Args: []any{[]string{"a", "d'b"}}}
	assert.Equal(t, "WHERE id = ANY(ARRAY['a', 'd''b'])", Render(stmt))
}
