package onboarding

import (
	"context"

	"github.com/google/uuid"
)

// ProjectRepository defines the persistence operations for onboarding
// projects. A project and its resources are always read and written as one
// unit.
type ProjectRepository interface {
	// Create inserts a new project together with its resources at version 1.
	Create(ctx context.Context, p *Project) error

	// Get loads a project and its resources. It returns ErrProjectNotFound
	// when no project exists with the given ID.
	Get(ctx context.Context, id uuid.UUID) (*Project, error)

	// Update commits the project's status and resources if the stored version
	// still equals p.Version(). On success the project's version is advanced.
	// A stale version yields ErrVersionConflict and nothing is written.
	Update(ctx context.Context, p *Project) error

	// List returns every project, most recently updated first.
	List(ctx context.Context) ([]*Project, error)
}
