package cohort

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"

	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// DemographicSource loads demographic rows for cohort members.
type DemographicSource interface {
	Rows(ctx context.Context, patientIDs []string) ([]DemographicRow, error)
}

type pgDemographicSource struct {
	q       db.Querier
	timeout int
	sql     string
}

// NewDemographicSource runs sql, which takes the patient id array as $1,
// against the clinical pool.
func NewDemographicSource(q db.Querier, timeout int, sql string) DemographicSource {
	return &pgDemographicSource{q: q, timeout: timeout, sql: sql}
}

func (s *pgDemographicSource) Rows(ctx context.Context, patientIDs []string) ([]DemographicRow, error) {
	ctx, cancel := db.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.q.Query(ctx, s.sql, patientIDs)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var out []DemographicRow
	for rows.Next() {
		var r DemographicRow
		var gender, race, language *string
		var deceased *bool
		if err := rows.Scan(&r.PersonID, &gender, &r.BirthDate, &deceased, &race, &language); err != nil {
			return nil, db.Classify(err)
		}
		r.Gender = deref(gender)
		r.Race = deref(race)
		r.Language = deref(language)
		r.Deceased = deceased != nil && *deceased
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// DemographicProvider summarises cached cohorts.
type DemographicProvider struct {
	store      QueryStore
	source     DemographicSource
	obfuscator *Obfuscator
	now        func() time.Time
}

func NewDemographicProvider(store QueryStore, source DemographicSource, obfuscator *Obfuscator) *DemographicProvider {
	return &DemographicProvider{store: store, source: source, obfuscator: obfuscator, now: time.Now}
}

// Demographics returns a nil result and a non-Ok state when the query is
// unknown to the user or its cohort was too large to cache.
func (p *DemographicProvider) Demographics(ctx context.Context, user *auth.User, queryID uuid.UUID) (*Demographics, ContextState, error) {
	_, ids, state, err := ResolveCohort(ctx, p.store, user, queryID, false)
	if err != nil || state != StateOk {
		return nil, state, err
	}

	rows, err := p.source.Rows(ctx, ids)
	if err != nil {
		return nil, StateOk, fmt.Errorf("load demographics: %w", err)
	}
	d := aggregate(rows, p.now())
	d.QueryID = queryID
	p.deidentify(d, ids)
	return d, StateOk, nil
}

// ResolveCohort loads a query owned by user and its cached members. Admins
// may read any query.
func ResolveCohort(ctx context.Context, store QueryStore, user *auth.User, queryID uuid.UUID, exportedOnly bool) (*SavedQuery, []string, ContextState, error) {
	saved, err := store.Get(ctx, queryID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, StateQueryNotFound, nil
	}
	if err != nil {
		return nil, nil, StateOk, fmt.Errorf("load query: %w", err)
	}
	if user == nil || (saved.Owner != user.UUID() && !user.IsAdmin()) {
		return nil, nil, StateQueryNotFound, nil
	}
	if !saved.Cached {
		return nil, nil, StateCohortTooLarge, nil
	}
	ids, err := store.GetPatients(ctx, queryID, exportedOnly)
	if err != nil {
		return nil, nil, StateOk, fmt.Errorf("load cohort: %w", err)
	}
	return saved, ids, StateOk, nil
}

func aggregate(rows []DemographicRow, now time.Time) *Demographics {
	d := &Demographics{
		Patients:   len(rows),
		Gender:     make(map[string]int),
		AgeBuckets: make(map[string]int),
		Language:   make(map[string]int),
		Race:       make(map[string]int),
	}
	for _, b := range AgeBuckets {
		d.AgeBuckets[b.Label] = 0
	}

	var ages stats.Float64Data
	for _, r := range rows {
		d.Gender[orUnknown(r.Gender)]++
		d.Language[orUnknown(r.Language)]++
		d.Race[orUnknown(r.Race)]++
		if r.Deceased {
			d.Deceased++
		}
		if r.BirthDate == nil {
			continue
		}
		age := ageAt(*r.BirthDate, now)
		ages = append(ages, float64(age))
		for _, b := range AgeBuckets {
			if age >= b.Min && age <= b.Max {
				d.AgeBuckets[b.Label]++
				break
			}
		}
	}

	if len(ages) > 0 {
		mean, _ := stats.Mean(ages)
		median, _ := stats.Median(ages)
		stddev, _ := stats.StandardDeviation(ages)
		lo, _ := stats.Min(ages)
		hi, _ := stats.Max(ages)
		d.Age = &AgeStats{Mean: mean, Median: median, StdDev: stddev, Min: lo, Max: hi}
	}
	return d
}

func (p *DemographicProvider) deidentify(d *Demographics, ids []string) {
	var masked bool
	d.Patients, _, masked = p.obfuscator.Count(d.Patients, Seed(ids))
	for _, m := range []map[string]int{d.Gender, d.AgeBuckets, d.Language, d.Race} {
		for k, v := range m {
			if mv, ok := p.obfuscator.Mask(v); ok {
				m[k] = mv
				masked = true
			}
		}
	}
	if mv, ok := p.obfuscator.Mask(d.Deceased); ok {
		d.Deceased = mv
		masked = true
	}
	d.LowCellSizeMasked = masked
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// ageAt returns completed years between birth and now.
func ageAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}
