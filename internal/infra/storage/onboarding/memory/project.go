// Package memory provides an in-memory ProjectRepository for tests and for
// running the API without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
)

var _ onboarding.ProjectRepository = (*ProjectStore)(nil)

// ProjectStore keeps projects in a map guarded by a mutex. Stored projects
// are always copies so callers can never mutate committed state.
type ProjectStore struct {
	mu       sync.RWMutex
	projects map[uuid.UUID]*onboarding.Project
}

// NewProjectStore creates an empty store.
func NewProjectStore() *ProjectStore {
	return &ProjectStore{projects: make(map[uuid.UUID]*onboarding.Project)}
}

// Create stores a new project at version 1.
func (s *ProjectStore) Create(ctx context.Context, p *onboarding.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[p.ID()]; exists {
		return fmt.Errorf("project %s already exists", p.ID())
	}
	p.SetVersion(1)
	s.projects[p.ID()] = p.Clone()
	return nil
}

// Get returns a copy of the stored project.
func (s *ProjectStore) Get(ctx context.Context, id uuid.UUID) (*onboarding.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.projects[id]
	if !exists {
		return nil, onboarding.ErrProjectNotFound
	}
	return p.Clone(), nil
}

// Update replaces the stored project if its version matches.
func (s *ProjectStore) Update(ctx context.Context, p *onboarding.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.projects[p.ID()]
	if !exists {
		return onboarding.ErrProjectNotFound
	}
	if stored.Version() != p.Version() {
		return fmt.Errorf("project %s at version %d, have %d: %w",
			p.ID(), stored.Version(), p.Version(), onboarding.ErrVersionConflict)
	}

	p.SetVersion(p.Version() + 1)
	s.projects[p.ID()] = p.Clone()
	return nil
}

// List returns every project, most recently updated first.
func (s *ProjectStore) List(ctx context.Context) ([]*onboarding.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*onboarding.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt().Equal(out[j].UpdatedAt()) {
			return out[i].ID().String() < out[j].ID().String()
		}
		return out[i].UpdatedAt().After(out[j].UpdatedAt())
	})
	return out, nil
}
