package dataset

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/config"
)

// anonymizer replaces identifiers with uuids derived from the query pepper
// and shifts every date of a patient by the same offset.
type anonymizer struct {
	pepper    uuid.UUID
	shiftDate bool
	increment string
	lower     int
	upper     int
	offsets   map[string]int
}

func newAnonymizer(pepper uuid.UUID, cfg config.DeidentConfig) *anonymizer {
	return &anonymizer{
		pepper:    pepper,
		shiftDate: cfg.PatientEnabled && cfg.DateShiftLower < cfg.DateShiftUpper,
		increment: cfg.DateShiftIncrement,
		lower:     cfg.DateShiftLower,
		upper:     cfg.DateShiftUpper,
		offsets:   make(map[string]int),
	}
}

func (a *anonymizer) id(personID string) string {
	return uuid.NewSHA1(a.pepper, []byte("person:"+personID)).String()
}

func (a *anonymizer) encounter(encounterID string) string {
	if encounterID == "" {
		return ""
	}
	return uuid.NewSHA1(a.pepper, []byte("encounter:"+encounterID)).String()
}

// offset is drawn once per patient in [lower, upper] and is stable for a
// pepper.
func (a *anonymizer) offset(key string) int {
	if o, ok := a.offsets[key]; ok {
		return o
	}
	h := fnv.New64a()
	h.Write(a.pepper[:])
	h.Write([]byte(key))
	rnd := rand.New(rand.NewPCG(h.Sum64(), 0))
	o := a.lower + rnd.IntN(a.upper-a.lower+1)
	a.offsets[key] = o
	return o
}

func (a *anonymizer) shift(key string, t *time.Time) {
	if !a.shiftDate || t == nil {
		return
	}
	n := a.offset(key)
	switch a.increment {
	case "MINUTE":
		*t = t.Add(time.Duration(n) * time.Minute)
	case "HOUR":
		*t = t.Add(time.Duration(n) * time.Hour)
	case "WEEK":
		*t = t.AddDate(0, 0, 7*n)
	case "MONTH":
		*t = t.AddDate(0, n, 0)
	case "YEAR":
		*t = t.AddDate(n, 0, 0)
	default:
		*t = t.AddDate(0, 0, n)
	}
}
