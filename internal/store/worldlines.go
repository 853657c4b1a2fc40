package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ssh-vom/analysisd/internal/errs"
	"github.com/ssh-vom/analysisd/internal/ids"
	"github.com/ssh-vom/analysisd/internal/model"
)

// WorldlineStore holds the raw CRUD primitives for threads and worldlines.
// Branch creation orchestration (which also needs the analytical DB and the
// event store) lives one layer up, in internal/timeline.
type WorldlineStore struct {
	db *sql.DB
}

// CreateThread inserts a new thread row.
func (s *WorldlineStore) CreateThread(ctx context.Context, title string) (*model.Thread, error) {
	id := ids.New(ids.PrefixThread)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (thread_id, title) VALUES ($1, $2)`, id, title)
	if err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}
	return &model.Thread{ID: id, Title: title}, nil
}

// CreateWorldlineParams describes a new worldline row.
type CreateWorldlineParams struct {
	ThreadID          string
	ParentWorldlineID *string
	ForkedFromEventID *string
	// InitialHeadEventID seeds head_event_id at row creation instead of
	// leaving it nil, matching worldlines.py's branch insert which sets
	// head_event_id = from_event_id up front. BranchFromEvent's prologue
	// needs this: its first AppendAndAdvance call passes expectedHead =
	// fromEventID, and the CAS check in AppendAndAdvance compares against
	// this worldline's own current head, not the source worldline's.
	InitialHeadEventID *string
	Name               string
}

// CreateWorldline inserts a new worldline row, optionally seeding its head.
func (s *WorldlineStore) CreateWorldline(ctx context.Context, p CreateWorldlineParams) (*model.Worldline, error) {
	id := ids.New(ids.PrefixWorldline)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worldlines (worldline_id, thread_id, parent_worldline_id, forked_from_event_id, head_event_id, name)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, p.ThreadID, p.ParentWorldlineID, p.ForkedFromEventID, p.InitialHeadEventID, p.Name,
	)
	if err != nil {
		return nil, fmt.Errorf("insert worldline: %w", err)
	}
	return &model.Worldline{
		ID:                id,
		ThreadID:          p.ThreadID,
		ParentWorldlineID: p.ParentWorldlineID,
		ForkedFromEventID: p.ForkedFromEventID,
		HeadEventID:       p.InitialHeadEventID,
		Name:              p.Name,
	}, nil
}

// Get loads a worldline row.
func (s *WorldlineStore) Get(ctx context.Context, worldlineID string) (*model.Worldline, error) {
	var (
		w                 model.Worldline
		parentWorldlineID sql.NullString
		forkedFromEventID sql.NullString
		headEventID       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT worldline_id, thread_id, parent_worldline_id, forked_from_event_id, head_event_id, name, created_at
		 FROM worldlines WHERE worldline_id = $1`, worldlineID,
	).Scan(&w.ID, &w.ThreadID, &parentWorldlineID, &forkedFromEventID, &headEventID, &w.Name, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &errs.NotFoundError{Kind: "worldline", ID: worldlineID}
	}
	if err != nil {
		return nil, fmt.Errorf("select worldline: %w", err)
	}
	if parentWorldlineID.Valid {
		w.ParentWorldlineID = &parentWorldlineID.String
	}
	if forkedFromEventID.Valid {
		w.ForkedFromEventID = &forkedFromEventID.String
	}
	if headEventID.Valid {
		w.HeadEventID = &headEventID.String
	}
	return &w, nil
}
