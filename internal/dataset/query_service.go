package dataset

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/leafcohort/leaf/internal/cohort"
	"github.com/leafcohort/leaf/internal/platform/auth"
	"github.com/leafcohort/leaf/internal/platform/db"
)

// QueryService lists dataset queries and resolves execution requests.
type QueryService struct {
	repo  Repository
	store cohort.QueryStore
}

func NewQueryService(repo Repository, store cohort.QueryStore) *QueryService {
	return &QueryService{repo: repo, store: store}
}

// GetAll returns every dataset query with its tags.
func (s *QueryService) GetAll(ctx context.Context) ([]Query, error) {
	queries, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset queries: %w", err)
	}
	tags, err := s.repo.Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset query tags: %w", err)
	}
	return merge(queries, tags), nil
}

func (s *QueryService) Get(ctx context.Context, id uuid.UUID) (*Query, error) {
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tags, err := s.repo.Tags(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load dataset query tags: %w", err)
	}
	merged := merge([]Query{*q}, tags)
	return &merged[0], nil
}

func merge(queries []Query, tags []Tag) []Query {
	byID := make(map[uuid.UUID][]string)
	for _, t := range tags {
		byID[t.DatasetQueryID] = append(byID[t.DatasetQueryID], t.Tag)
	}
	for i := range queries {
		queries[i].Tags = byID[queries[i].ID]
		if queries[i].Tags == nil {
			queries[i].Tags = []string{}
		}
	}
	return queries
}

// ExecutionContext resolves req for user. The cohort is checked before the
// dataset, and only members flagged for export are included.
func (s *QueryService) ExecutionContext(ctx context.Context, user *auth.User, req ExecutionRequest) (*ExecutionContext, State, error) {
	saved, patients, cs, err := cohort.ResolveCohort(ctx, s.store, user, req.QueryID, true)
	if err != nil {
		return nil, StateOk, err
	}
	switch cs {
	case cohort.StateQueryNotFound:
		return nil, StateQueryNotFound, nil
	case cohort.StateCohortTooLarge:
		return nil, StateCohortTooLarge, nil
	}

	q, err := s.repo.Get(ctx, req.DatasetID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, StateDatasetNotFound, nil
	}
	if err != nil {
		return nil, StateOk, fmt.Errorf("load dataset query: %w", err)
	}
	if q.Shape != req.Shape {
		return nil, StateDatasetShapeMismatch, nil
	}

	if patients == nil {
		patients = []string{}
	}
	return &ExecutionContext{
		ExecutionRequest: req,
		Query:            *q,
		PatientIDs:       patients,
		Pepper:           saved.Pepper,
	}, StateOk, nil
}
