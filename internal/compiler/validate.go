package compiler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrPreflight marks panels that cannot be compiled as submitted.
var ErrPreflight = errors.New("panel preflight failed")

// PreflightError lists every problem found in a set of panels.
type PreflightError struct {
	Problems []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPreflight, strings.Join(e.Problems, "; "))
}

func (e *PreflightError) Is(target error) bool {
	return target == ErrPreflight
}

// Validate checks panels before compilation. Panels outside the Panel domain
// (patient lists) are not compiled and are ignored here. It normalises a
// MinimumCount of zero to one, and otherwise leaves panels untouched.
func Validate(panels []Panel) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(panels) == 0 {
		return &PreflightError{Problems: []string{"query contains no panels"}}
	}

	included := 0
	for pi := range panels {
		p := &panels[pi]
		if p.Domain != DomainPanel {
			continue
		}
		if p.IncludePanel {
			included++
		}
		if len(p.SubPanels) == 0 {
			add("panel %d: contains no subpanels", p.Index)
			continue
		}
		if p.DateFilter.active() {
			validateBoundary(add, p.Index, "start", p.DateFilter.Start)
			validateBoundary(add, p.Index, "end", p.DateFilter.End)
		}

		joined := len(p.SubPanels) > 1
		for si := range p.SubPanels {
			sp := &p.SubPanels[si]
			if sp.MinimumCount <= 0 {
				sp.MinimumCount = 1
			}
			if si == 0 && !sp.IncludeSubPanel {
				add("panel %d: first subpanel must be included", p.Index)
			}
			if len(sp.PanelItems) == 0 {
				if si == 0 {
					add("panel %d: first subpanel contains no items", p.Index)
				} else {
					add("panel %d subpanel %d: contains no items", p.Index, sp.Index)
				}
				continue
			}
			if si > 0 {
				validateSequence(add, p.Index, sp)
			}

			for ii := range sp.PanelItems {
				item := &sp.PanelItems[ii]
				where := fmt.Sprintf("panel %d subpanel %d item %d", p.Index, sp.Index, item.Index)
				set := item.Concept.SQLSet

				if set.SQLSetFrom == "" {
					add("%s: concept %s has no SQL set", where, item.Concept.ID)
					continue
				}
				datesNeeded := joined || sp.MinimumCount > 1 || item.RecencyFilter != RecencyNone
				if datesNeeded && (!set.IsEncounterBased || set.SQLFieldDate == "") {
					add("%s: concept %s is not encounter based and cannot be sequenced, counted or filtered by recency", where, item.Concept.ID)
				}
				if joined && si > 0 && sp.JoinSequence.SequenceType == SequenceEvent && (!set.IsEventBased || set.SQLFieldEvent == "") {
					add("%s: concept %s is not event based", where, item.Concept.ID)
				}
				validateNumeric(add, where, item)
			}
		}

		if joined && hasEventSequence(p) {
			for _, item := range p.SubPanels[0].PanelItems {
				if !item.Concept.SQLSet.IsEventBased || item.Concept.SQLSet.SQLFieldEvent == "" {
					add("panel %d: concept %s in first subpanel is not event based", p.Index, item.Concept.ID)
				}
			}
		}
	}

	if included == 0 {
		add("at least one panel must be included")
	}
	if len(problems) > 0 {
		return &PreflightError{Problems: problems}
	}
	return nil
}

func validateBoundary(add func(string, ...any), panel int, which string, b DateBoundary) {
	switch b.DateIncrementType {
	case "", DateNone, DateNow:
	case DateSpecific:
		if b.Date == nil {
			add("panel %d: %s date is SPECIFIC but no date was given", panel, which)
		}
	default:
		if _, ok := b.DateIncrementType.intervalUnit(); !ok {
			add("panel %d: unsupported %s date increment %q", panel, which, b.DateIncrementType)
		}
	}
}

func validateSequence(add func(string, ...any), panel int, sp *SubPanel) {
	seq := sp.JoinSequence
	switch seq.SequenceType {
	case SequenceEncounter, SequenceEvent, SequenceAnytimeFollowing:
	case SequencePlusMinus, SequenceWithinFollowing:
		if _, ok := seq.DateIncrementType.intervalUnit(); !ok {
			add("panel %d subpanel %d: sequence requires a MINUTE to YEAR increment type, got %q", panel, sp.Index, seq.DateIncrementType)
		}
		if seq.Increment <= 0 {
			add("panel %d subpanel %d: sequence increment must be positive", panel, sp.Index)
		}
	default:
		add("panel %d subpanel %d: unsupported sequence type %d", panel, sp.Index, seq.SequenceType)
	}
}

func validateNumeric(add func(string, ...any), where string, item *PanelItem) {
	nf := item.NumericFilter
	if nf.FilterType < NumericNone || nf.FilterType > NumericBetween {
		add("%s: unsupported numeric filter type %d", where, nf.FilterType)
		return
	}
	if nf.FilterType == NumericNone {
		return
	}
	if !item.Concept.IsNumeric || item.Concept.SQLFieldNumeric == "" {
		add("%s: concept %s is not numeric", where, item.Concept.ID)
		return
	}
	if len(nf.Filter) != nf.FilterType.arity() {
		add("%s: numeric filter expects %d value(s), got %d", where, nf.FilterType.arity(), len(nf.Filter))
		return
	}
	if nf.FilterType == NumericBetween && nf.Filter[0] > nf.Filter[1] {
		add("%s: numeric range lower bound %v exceeds upper bound %v", where, nf.Filter[0], nf.Filter[1])
	}
}

func hasEventSequence(p *Panel) bool {
	for _, sp := range p.SubPanels[1:] {
		if sp.JoinSequence.SequenceType == SequenceEvent {
			return true
		}
	}
	return false
}
