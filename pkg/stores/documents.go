package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankisho/TeamCloud/pkg/engine"
)

var (
	_ engine.ProjectRepository = (*SQLiteStore)(nil)
	_ engine.UserRepository    = (*SQLiteStore)(nil)
)

type cachedProjectID struct {
	id      string
	expires time.Time
}

func scanProject(row rowScanner) (*engine.Project, error) {
	var document string
	var revision int64
	if err := row.Scan(&document, &revision); err != nil {
		return nil, err
	}
	project := &engine.Project{}
	if err := json.Unmarshal([]byte(document), project); err != nil {
		return nil, fmt.Errorf("failed to decode project document: %w", err)
	}
	project.Revision = revision
	return project, nil
}

func encodeProject(project *engine.Project) (string, error) {
	doc := project.Clone()
	doc.Revision = 0
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode project document: %w", err)
	}
	return string(b), nil
}

// GetProject implements engine.ProjectRepository.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT document, revision FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

// AddProject implements engine.ProjectRepository.
func (s *SQLiteStore) AddProject(ctx context.Context, project *engine.Project) (*engine.Project, error) {
	if project == nil || project.ID == "" {
		return nil, engine.NewValidationError("project id is required", nil)
	}
	document, err := encodeProject(project)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, project.ID).Scan(&exists)
		if err == nil {
			return engine.NewConflictError(fmt.Sprintf("project %s already exists", project.ID), nil).
				WithEntity(engine.ProjectEntity(project.ID).String())
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check project: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO projects (id, organization, name, slug, document, revision, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`, project.ID, project.Organization, project.Name, project.Slug, document, now, now)
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	saved := project.Clone()
	saved.Revision = 1
	return saved, nil
}

// SetProject implements engine.ProjectRepository. The stored revision must
// match project.Revision.
func (s *SQLiteStore) SetProject(ctx context.Context, project *engine.Project) (*engine.Project, error) {
	if project == nil || project.ID == "" {
		return nil, engine.NewValidationError("project id is required", nil)
	}
	document, err := encodeProject(project)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET organization = ?, name = ?, slug = ?, document = ?, revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?
	`, project.Organization, project.Name, project.Slug, document, time.Now().UTC(), project.ID, project.Revision)
	if err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		current, err := s.GetProject(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, engine.NewNotFoundError(fmt.Sprintf("project %s not found", project.ID), nil).
				WithEntity(engine.ProjectEntity(project.ID).String())
		}
		return nil, engine.NewConflictError(
			fmt.Sprintf("project %s was modified (revision %d, expected %d)", project.ID, current.Revision, project.Revision), nil).
			WithEntity(engine.ProjectEntity(project.ID).String())
	}

	s.evictProject(project.ID)

	saved := project.Clone()
	saved.Revision = project.Revision + 1
	return saved, nil
}

// RemoveProject implements engine.ProjectRepository.
func (s *SQLiteStore) RemoveProject(ctx context.Context, id string) (*engine.Project, error) {
	var removed *engine.Project
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT document, revision FROM projects WHERE id = ?`, id)
		project, err := scanProject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get project: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		removed = project
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.evictProject(id)
	return removed, nil
}

// ListProjects implements engine.ProjectRepository.
func (s *SQLiteStore) ListProjects(ctx context.Context, organization string) ([]*engine.Project, error) {
	query := `SELECT document, revision FROM projects`
	var args []any
	if organization != "" {
		query += ` WHERE organization = ?`
		args = append(args, organization)
	}
	query += ` ORDER BY name COLLATE NOCASE ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*engine.Project{}
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// ResolveProjectID maps a project id, slug or name to the project id.
// Lookups are cached; an empty result means no project matches.
func (s *SQLiteStore) ResolveProjectID(ctx context.Context, identifier string) (string, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "", nil
	}
	key := strings.ToLower(identifier)

	s.cacheMu.Lock()
	entry, ok := s.projectCache[key]
	s.cacheMu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.id, nil
	}

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM projects
		WHERE id = ? OR slug = ? COLLATE NOCASE OR name = ? COLLATE NOCASE
		ORDER BY CASE WHEN id = ? THEN 0 WHEN slug = ? COLLATE NOCASE THEN 1 ELSE 2 END
		LIMIT 1
	`, identifier, identifier, identifier, identifier, identifier).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve project: %w", err)
	}

	s.cacheMu.Lock()
	s.projectCache[key] = cachedProjectID{id: id, expires: time.Now().Add(s.cfg.ProjectCacheTTL)}
	s.cacheMu.Unlock()
	return id, nil
}

// evictProject drops every cached identifier that resolves to id.
func (s *SQLiteStore) evictProject(id string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for key, entry := range s.projectCache {
		if entry.id == id {
			delete(s.projectCache, key)
		}
	}
}

// GetUser implements engine.UserRepository.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*engine.User, error) {
	var document string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM users WHERE id = ?`, id).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user := &engine.User{}
	if err := json.Unmarshal([]byte(document), user); err != nil {
		return nil, fmt.Errorf("failed to decode user document: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, role FROM project_memberships
		WHERE user_id = ?
		ORDER BY project_id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	user.Memberships = nil
	for rows.Next() {
		var m engine.Membership
		if err := rows.Scan(&m.ProjectID, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		user.Memberships = append(user.Memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}
	return user, nil
}

// SetUser implements engine.UserRepository. Memberships are replaced.
func (s *SQLiteStore) SetUser(ctx context.Context, user *engine.User) (*engine.User, error) {
	if user == nil || user.ID == "" {
		return nil, engine.NewValidationError("user id is required", nil)
	}

	doc := *user
	doc.Memberships = nil
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user document: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, organization, document, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				organization = excluded.organization,
				document = excluded.document,
				updated_at = excluded.updated_at
		`, user.ID, user.Organization, string(b), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM project_memberships WHERE user_id = ?`, user.ID); err != nil {
			return fmt.Errorf("failed to clear memberships: %w", err)
		}
		for _, m := range user.Memberships {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO project_memberships (user_id, project_id, role) VALUES (?, ?, ?)
				ON CONFLICT (user_id, project_id) DO UPDATE SET role = excluded.role
			`, user.ID, m.ProjectID, m.Role)
			if err != nil {
				return fmt.Errorf("failed to save membership: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, user.ID)
}

// RemoveProjectMemberships implements engine.UserRepository.
func (s *SQLiteStore) RemoveProjectMemberships(ctx context.Context, projectID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM project_memberships WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to remove project memberships: %w", err)
	}
	return nil
}
