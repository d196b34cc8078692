package postgres

import (
	"context"
	"time"

	"exporthub/internal/store"
)

func (s *Store) CreateProject(ctx context.Context, project *store.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO projects (title, created_at) VALUES ($1, $2) RETURNING id`
	return s.db.QueryRowContext(ctx, query, project.Title, project.CreatedAt).Scan(&project.ID)
}

func (s *Store) GetProjectByID(ctx context.Context, id int64) (*store.Project, error) {
	query := "SELECT id, title, created_at FROM projects WHERE id = $1"

	var p store.Project
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Title, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}
