// Package seed loads SQL sets, specializations and the concept tree from a
// YAML catalog into the app database.
package seed

import (
	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/compiler"
)

// File is the top level of a seed catalog.
type File struct {
	SQLSets  []SQLSet  `yaml:"sqlSets"`
	Concepts []Concept `yaml:"concepts"`
}

// SQLSet is referenced by concepts through Key.
type SQLSet struct {
	Key                  string                `yaml:"key"`
	From                 string                `yaml:"from"`
	EncounterBased       bool                  `yaml:"encounterBased"`
	EventBased           bool                  `yaml:"eventBased"`
	DateField            string                `yaml:"dateField"`
	EventField           string                `yaml:"eventField"`
	SpecializationGroups []SpecializationGroup `yaml:"specializationGroups"`
}

// SpecializationGroup is referenced by concepts through Text, within the
// concept's SQL set.
type SpecializationGroup struct {
	Text            string           `yaml:"text"`
	Specializations []Specialization `yaml:"specializations"`
}

type Specialization struct {
	UniversalID string `yaml:"universalId"`
	Text        string `yaml:"text"`
	Where       string `yaml:"where"`
}

type Concept struct {
	UniversalID        string    `yaml:"universalId"`
	Name               string    `yaml:"name"`
	Text               string    `yaml:"text"`
	Subtext            string    `yaml:"subtext"`
	Units              string    `yaml:"units"`
	Tooltip            string    `yaml:"tooltip"`
	SQLSet             string    `yaml:"sqlSet"`
	Where              string    `yaml:"where"`
	Numeric            bool      `yaml:"numeric"`
	NumericField       string    `yaml:"numericField"`
	NumericDefaultText string    `yaml:"numericDefaultText"`
	AutoCalculate      bool      `yaml:"autoCalculate"`
	Specializations    []string  `yaml:"specializations"`
	Users              []string  `yaml:"users"`
	Groups             []string  `yaml:"groups"`
	Children           []Concept `yaml:"children"`
}

// Record is a flattened concept ready to be written. Parents always precede
// their children.
type Record struct {
	compiler.Concept
	IsRoot bool
	// SetKey and GroupTexts are resolved to ids at import time.
	SetKey     string
	GroupTexts []string
	Users      []string
	Groups     []string
}

// Summary counts what an import wrote.
type Summary struct {
	SQLSets              int
	SpecializationGroups int
	Concepts             int
}

// conceptID derives a stable id so a catalog can be imported repeatedly.
func conceptID(uid, path string) uuid.UUID {
	if uid != "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid))
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(path))
}
