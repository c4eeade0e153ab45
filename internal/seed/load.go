package seed

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leafcohort/leaf/internal/compiler"
)

// Load decodes a catalog, rejecting unknown fields, and validates it.
func Load(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("seed catalog is empty")
		}
		return nil, fmt.Errorf("decode seed catalog: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate reports every problem in the catalog at once.
func (f *File) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	sets := make(map[string]map[string]bool)
	for i, s := range f.SQLSets {
		switch {
		case s.Key == "":
			add("sqlSets[%d]: key is required", i)
			continue
		case sets[s.Key] != nil:
			add("sqlSets[%d]: duplicate key %q", i, s.Key)
			continue
		}
		if strings.TrimSpace(s.From) == "" {
			add("sqlSet %s: from is required", s.Key)
		}
		if s.EncounterBased && s.DateField == "" {
			add("sqlSet %s: dateField is required for encounter based sets", s.Key)
		}
		if s.EventBased && s.EventField == "" {
			add("sqlSet %s: eventField is required for event based sets", s.Key)
		}
		groups := make(map[string]bool)
		for _, g := range s.SpecializationGroups {
			if g.Text == "" || groups[g.Text] {
				add("sqlSet %s: specialization group text %q is empty or repeated", s.Key, g.Text)
			}
			groups[g.Text] = true
			for _, sp := range g.Specializations {
				if sp.Text == "" || sp.Where == "" {
					add("sqlSet %s group %s: specializations need text and where", s.Key, g.Text)
				}
			}
		}
		sets[s.Key] = groups
	}

	uids := make(map[string]bool)
	var walk func(path string, c Concept)
	walk = func(path string, c Concept) {
		path += "/" + c.Name
		if c.Name == "" {
			add("concept %s: name is required", path)
		}
		if c.UniversalID != "" {
			if uids[c.UniversalID] {
				add("concept %s: duplicate universalId %q", path, c.UniversalID)
			}
			uids[c.UniversalID] = true
		}
		if c.SQLSet == "" {
			if c.Where != "" || c.Numeric || len(c.Specializations) > 0 {
				add("concept %s: where, numeric and specializations need a sqlSet", path)
			}
		} else if groups, ok := sets[c.SQLSet]; !ok {
			add("concept %s: unknown sqlSet %q", path, c.SQLSet)
		} else {
			for _, g := range c.Specializations {
				if !groups[g] {
					add("concept %s: sqlSet %s has no specialization group %q", path, c.SQLSet, g)
				}
			}
		}
		if c.Numeric && c.NumericField == "" {
			add("concept %s: numericField is required for numeric concepts", path)
		}
		for _, child := range c.Children {
			walk(path, child)
		}
	}
	for _, c := range f.Concepts {
		walk("", c)
	}
	return errors.Join(errs...)
}

// Records flattens the concept tree depth first.
func (f *File) Records() []Record {
	sets := make(map[string]SQLSet, len(f.SQLSets))
	for _, s := range f.SQLSets {
		sets[s.Key] = s
	}

	var out []Record
	var walk func(path string, parent *Record, c Concept)
	walk = func(path string, parent *Record, c Concept) {
		path += "/" + c.Name
		rec := Record{
			Concept: compiler.Concept{
				ID:                           conceptID(c.UniversalID, path),
				UniversalID:                  c.UniversalID,
				IsNumeric:                    c.Numeric,
				IsParent:                     len(c.Children) > 0,
				IsPatientCountAutoCalculated: c.AutoCalculate,
				IsSpecializable:              len(c.Specializations) > 0,
				SQLSetWhere:                  c.Where,
				SQLFieldNumeric:              c.NumericField,
				UIDisplayName:                c.Name,
				UIDisplayText:                c.Text,
				UIDisplaySubtext:             c.Subtext,
				UIDisplayUnits:               c.Units,
				UIDisplayTooltip:             c.Tooltip,
				UINumericDefaultText:         c.NumericDefaultText,
			},
			IsRoot:     parent == nil,
			SetKey:     c.SQLSet,
			GroupTexts: c.Specializations,
			Users:      c.Users,
			Groups:     c.Groups,
		}
		if rec.UIDisplayText == "" {
			rec.UIDisplayText = c.Name
		}
		if s, ok := sets[c.SQLSet]; ok {
			rec.SQLSet = s.toCompiler()
		}
		if parent == nil {
			rec.RootID = rec.ID
		} else {
			pid := parent.ID
			rec.ParentID = &pid
			rec.RootID = parent.RootID
		}
		out = append(out, rec)
		for _, child := range c.Children {
			walk(path, &rec, child)
		}
	}
	for _, c := range f.Concepts {
		walk("", nil, c)
	}
	return out
}

func (s SQLSet) toCompiler() compiler.SQLSet {
	return compiler.SQLSet{
		IsEncounterBased: s.EncounterBased,
		IsEventBased:     s.EventBased,
		SQLSetFrom:       strings.TrimSpace(s.From),
		SQLFieldDate:     s.DateField,
		SQLFieldEvent:    s.EventField,
	}
}
