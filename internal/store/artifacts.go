package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ssh-vom/analysisd/internal/ids"
	"github.com/ssh-vom/analysisd/internal/model"
)

// ArtifactStore holds artifact row CRUD. Fan-in renaming/copying lives in
// internal/subagent's Runner.mergeChildArtifacts, grounded on
// artifact_merger.py; this store only records rows once files have been
// placed on disk.
type ArtifactStore struct {
	db *sql.DB
}

// Insert records a new artifact row under its producing event.
func (s *ArtifactStore) Insert(ctx context.Context, a model.Artifact) (*model.Artifact, error) {
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixArtifact)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (artifact_id, worldline_id, event_id, type, name, path)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.WorldlineID, a.EventID, string(a.Type), a.Name, a.Path,
	)
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}
	return &a, nil
}

// ListByWorldline returns every artifact owned by a worldline, most recent
// first — used to build the turn engine's artifact inventory memory message.
func (s *ArtifactStore) ListByWorldline(ctx context.Context, worldlineID string) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT artifact_id, worldline_id, event_id, type, name, path, created_at
		 FROM artifacts WHERE worldline_id = $1 ORDER BY created_at DESC`, worldlineID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Artifact
	for rows.Next() {
		var a model.Artifact
		var typ string
		if err := rows.Scan(&a.ID, &a.WorldlineID, &a.EventID, &typ, &a.Name, &a.Path, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = model.ArtifactType(typ)
		out = append(out, &a)
	}
	return out, rows.Err()
}
