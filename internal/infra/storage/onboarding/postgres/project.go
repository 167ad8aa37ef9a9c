package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/agent-onboarding/internal/domain/onboarding"
	"github.com/ahrav/agent-onboarding/internal/infra/storage"
)

var _ onboarding.ProjectRepository = (*projectStore)(nil)

// projectStore implements onboarding.ProjectRepository on PostgreSQL. A
// project row holds the status aggregate as JSONB and its resources live in
// a child table that is rewritten on every update inside the same
// transaction as the version check.
type projectStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewProjectStore creates a PostgreSQL-backed project repository.
func NewProjectStore(pool *pgxpool.Pool, tracer trace.Tracer) *projectStore {
	return &projectStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const dbTimeout = 3 * time.Second

const (
	insertProjectSQL = `
INSERT INTO onboarding_projects (
    id, name, provider, installation_mode, strict_exclusions,
    status, sdu_status, version, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`

	selectProjectColumns = `
SELECT id, name, provider, installation_mode, strict_exclusions,
       status, sdu_status, version, created_at, updated_at
FROM onboarding_projects`

	updateProjectSQL = `
UPDATE onboarding_projects
SET installation_mode = $3,
    strict_exclusions = $4,
    status = $5,
    sdu_status = $6,
    updated_at = $7,
    version = version + 1
WHERE id = $1 AND version = $2`

	projectExistsSQL = `SELECT EXISTS (SELECT 1 FROM onboarding_projects WHERE id = $1)`

	deleteResourcesSQL = `DELETE FROM onboarding_resources WHERE project_id = $1`

	selectResourcesSQL = `
SELECT project_id, resource_id, resource_type, database_type, lifecycle_status,
       is_selected, exclusion_reason, excluded_at, excluded_by,
       selected_credential_id, newly_discovered, rejection_note, discovered_at
FROM onboarding_resources`
)

var resourceColumns = []string{
	"project_id", "resource_id", "position", "resource_type", "database_type",
	"lifecycle_status", "is_selected", "exclusion_reason", "excluded_at", "excluded_by",
	"selected_credential_id", "newly_discovered", "rejection_note", "discovered_at",
}

// Create inserts a project and its resources at version 1.
func (s *projectStore) Create(ctx context.Context, p *onboarding.Project) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("project_id", p.ID().String()),
		attribute.String("provider", p.Provider().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_project", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, dbTimeout)
		defer cancel()

		status, sdu, err := encodeStatus(p)
		if err != nil {
			return err
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, insertProjectSQL,
			pgUUID(p.ID()),
			p.Name(),
			p.Provider().String(),
			string(p.InstallationMode()),
			p.StrictExclusions(),
			status,
			sdu,
			p.CreatedAt(),
			p.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("insert project error: %w", err)
		}

		if err := s.writeResources(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit error: %w", err)
		}

		p.SetVersion(1)
		return nil
	})
}

// Get loads a project and its resources.
func (s *projectStore) Get(ctx context.Context, id uuid.UUID) (*onboarding.Project, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("project_id", id.String()))

	var project *onboarding.Project
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_project", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, dbTimeout)
		defer cancel()

		row, err := scanProject(s.db.QueryRow(ctx, selectProjectColumns+` WHERE id = $1`, pgUUID(id)))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return onboarding.ErrProjectNotFound
			}
			return fmt.Errorf("get project query error: %w", err)
		}

		resources, err := s.loadResources(ctx, selectResourcesSQL+` WHERE project_id = $1 ORDER BY position`, pgUUID(id))
		if err != nil {
			return err
		}

		project, err = row.toDomain(resources[id])
		return err
	})
	if err != nil {
		return nil, err
	}
	return project, nil
}

// Update commits the project if its stored version still matches.
func (s *projectStore) Update(ctx context.Context, p *onboarding.Project) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("project_id", p.ID().String()),
		attribute.Int64("expected_version", p.Version()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_project", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, dbTimeout)
		defer cancel()

		status, sdu, err := encodeStatus(p)
		if err != nil {
			return err
		}

		tx, err := s.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction error: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, updateProjectSQL,
			pgUUID(p.ID()),
			p.Version(),
			string(p.InstallationMode()),
			p.StrictExclusions(),
			status,
			sdu,
			p.UpdatedAt(),
		)
		if err != nil {
			return fmt.Errorf("update project error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, projectExistsSQL, pgUUID(p.ID())).Scan(&exists); err != nil {
				return fmt.Errorf("project exists query error: %w", err)
			}
			if !exists {
				return onboarding.ErrProjectNotFound
			}
			return fmt.Errorf("project %s at version %d: %w", p.ID(), p.Version(), onboarding.ErrVersionConflict)
		}

		if _, err := tx.Exec(ctx, deleteResourcesSQL, pgUUID(p.ID())); err != nil {
			return fmt.Errorf("delete resources error: %w", err)
		}
		if err := s.writeResources(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit error: %w", err)
		}

		p.SetVersion(p.Version() + 1)
		return nil
	})
}

// List returns every project, most recently updated first.
func (s *projectStore) List(ctx context.Context) ([]*onboarding.Project, error) {
	var projects []*onboarding.Project
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_projects", defaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, dbTimeout)
		defer cancel()

		rows, err := s.db.Query(ctx, selectProjectColumns+` ORDER BY updated_at DESC, id`)
		if err != nil {
			return fmt.Errorf("list projects query error: %w", err)
		}
		var projectRows []projectRow
		for rows.Next() {
			row, err := scanProject(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan project error: %w", err)
			}
			projectRows = append(projectRows, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list projects rows error: %w", err)
		}

		resources, err := s.loadResources(ctx, selectResourcesSQL+` ORDER BY project_id, position`)
		if err != nil {
			return err
		}

		projects = make([]*onboarding.Project, 0, len(projectRows))
		for _, row := range projectRows {
			p, err := row.toDomain(resources[uuid.UUID(row.id.Bytes)])
			if err != nil {
				return err
			}
			projects = append(projects, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

func (s *projectStore) writeResources(ctx context.Context, tx pgx.Tx, p *onboarding.Project) error {
	resources := p.Resources()
	if len(resources) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(resources))
	for i, r := range resources {
		var (
			reason     pgtype.Text
			excludedAt pgtype.Timestamptz
			excludedBy pgtype.Text
		)
		if r.Exclusion != nil {
			reason = pgtype.Text{String: r.Exclusion.Reason, Valid: true}
			excludedAt = pgtype.Timestamptz{Time: r.Exclusion.ExcludedAt, Valid: true}
			excludedBy = pgtype.Text{String: r.Exclusion.ExcludedBy, Valid: true}
		}
		rows = append(rows, []any{
			pgUUID(p.ID()),
			r.ID,
			int32(i),
			string(r.Type),
			string(r.DatabaseType),
			string(r.LifecycleStatus),
			r.IsSelected,
			reason,
			excludedAt,
			excludedBy,
			r.SelectedCredentialID,
			r.NewlyDiscovered,
			r.RejectionNote,
			r.DiscoveredAt,
		})
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"onboarding_resources"}, resourceColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy resources error: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy resources: wrote %d of %d rows", n, len(rows))
	}
	return nil
}

func (s *projectStore) loadResources(ctx context.Context, query string, args ...any) (map[uuid.UUID][]onboarding.Resource, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("resources query error: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]onboarding.Resource)
	for rows.Next() {
		var (
			projectID     pgtype.UUID
			r             onboarding.Resource
			typ, dbType   string
			lifecycle     string
			reason        pgtype.Text
			excludedAt    pgtype.Timestamptz
			excludedBy    pgtype.Text
			discoveredAtT pgtype.Timestamptz
		)
		if err := rows.Scan(
			&projectID,
			&r.ID,
			&typ,
			&dbType,
			&lifecycle,
			&r.IsSelected,
			&reason,
			&excludedAt,
			&excludedBy,
			&r.SelectedCredentialID,
			&r.NewlyDiscovered,
			&r.RejectionNote,
			&discoveredAtT,
		); err != nil {
			return nil, fmt.Errorf("scan resource error: %w", err)
		}

		r.Type = onboarding.ResourceType(typ)
		r.DatabaseType = onboarding.DatabaseType(dbType)
		r.LifecycleStatus = onboarding.LifecycleStatus(lifecycle)
		r.DiscoveredAt = discoveredAtT.Time.UTC()
		if reason.Valid {
			r.Exclusion = &onboarding.Exclusion{
				Reason:     reason.String,
				ExcludedAt: excludedAt.Time.UTC(),
				ExcludedBy: excludedBy.String,
			}
		}

		id := uuid.UUID(projectID.Bytes)
		out[id] = append(out[id], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resources rows error: %w", err)
	}
	return out, nil
}

// projectRow is the raw column set of onboarding_projects.
type projectRow struct {
	id               pgtype.UUID
	name             string
	provider         string
	installationMode string
	strictExclusions bool
	status           []byte
	sduStatus        []byte
	version          int64
	createdAt        pgtype.Timestamptz
	updatedAt        pgtype.Timestamptz
}

func scanProject(row pgx.Row) (projectRow, error) {
	var r projectRow
	err := row.Scan(
		&r.id,
		&r.name,
		&r.provider,
		&r.installationMode,
		&r.strictExclusions,
		&r.status,
		&r.sduStatus,
		&r.version,
		&r.createdAt,
		&r.updatedAt,
	)
	return r, err
}

func (r projectRow) toDomain(resources []onboarding.Resource) (*onboarding.Project, error) {
	var status onboarding.ProjectStatus
	if err := json.Unmarshal(r.status, &status); err != nil {
		return nil, fmt.Errorf("decode project status: %w", err)
	}

	var sdu *onboarding.SDUStatus
	if len(r.sduStatus) > 0 {
		sdu = new(onboarding.SDUStatus)
		if err := json.Unmarshal(r.sduStatus, sdu); err != nil {
			return nil, fmt.Errorf("decode sdu status: %w", err)
		}
	}

	return onboarding.ReconstructProject(
		uuid.UUID(r.id.Bytes),
		r.name,
		onboarding.Provider(r.provider),
		onboarding.InstallationMode(r.installationMode),
		r.strictExclusions,
		status,
		sdu,
		resources,
		r.version,
		r.createdAt.Time.UTC(),
		r.updatedAt.Time.UTC(),
	), nil
}

func encodeStatus(p *onboarding.Project) (status, sdu []byte, err error) {
	if status, err = json.Marshal(p.Status()); err != nil {
		return nil, nil, fmt.Errorf("encode project status: %w", err)
	}
	if st, ok := p.SDUStatus(); ok {
		if sdu, err = json.Marshal(st); err != nil {
			return nil, nil, fmt.Errorf("encode sdu status: %w", err)
		}
	}
	return status, sdu, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }
