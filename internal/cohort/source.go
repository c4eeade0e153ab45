package cohort

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/platform/db"
)

// Source runs cohort SQL against the clinical database and returns the
// first column of every row as a patient id.
type Source interface {
	PatientIDs(ctx context.Context, sql string, args ...any) ([]string, error)
}

type pgSource struct {
	q       db.Querier
	timeout int
}

// NewSource wraps the clinical pool. Each statement is bounded by timeout
// seconds.
func NewSource(q db.Querier, timeout int) Source {
	return &pgSource{q: q, timeout: timeout}
}

func (s *pgSource) PatientIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	ctx, cancel := db.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, db.Classify(err)
		}
		if len(values) == 0 || values[0] == nil {
			continue
		}
		ids = append(ids, patientID(values[0]))
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err)
	}
	return ids, nil
}

// patientID normalises the person column, which sites store as text,
// integers or uuids.
func patientID(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return fmt.Sprint(x)
	}
}
