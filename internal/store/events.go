package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ssh-vom/analysisd/internal/errs"
	"github.com/ssh-vom/analysisd/internal/ids"
	"github.com/ssh-vom/analysisd/internal/model"
)

// EventStore implements the append-only timeline primitive. Every method that
// mutates a worldline's head goes through AppendAndAdvance, which verifies
// the caller's expected parent and advances the head in one transaction —
// callers must never split "read head" and "append with parent=head" into two
// steps, the exact bug the original implementation demonstrates.
type EventStore struct {
	db *sql.DB
}

// AppendAndAdvance atomically verifies that worldline's current head equals
// expectedHead, inserts a new event with parent_event_id=expectedHead, and
// advances the worldline's head to the new event. Returns *errs.HeadConflictError
// when the current head has moved.
func (s *EventStore) AppendAndAdvance(
	ctx context.Context,
	worldlineID string,
	expectedHead *string,
	eventType model.EventType,
	payload map[string]any,
) (*model.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentHead sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT head_event_id FROM worldlines WHERE worldline_id = $1 FOR UPDATE`,
		worldlineID,
	).Scan(&currentHead)
	if err == sql.ErrNoRows {
		return nil, &errs.NotFoundError{Kind: "worldline", ID: worldlineID}
	}
	if err != nil {
		return nil, fmt.Errorf("select worldline head: %w", err)
	}

	var currentHeadPtr *string
	if currentHead.Valid {
		v := currentHead.String
		currentHeadPtr = &v
	}

	if !sameOptString(currentHeadPtr, expectedHead) {
		return nil, &errs.HeadConflictError{
			WorldlineID: worldlineID,
			Expected:    derefOr(expectedHead, "<none>"),
			Actual:      derefOr(currentHeadPtr, "<none>"),
		}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	eventID := ids.New(ids.PrefixEvent)
	var rowID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (event_id, worldline_id, parent_event_id, type, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING row_id, created_at`,
		eventID, worldlineID, expectedHead, string(eventType), payloadJSON,
	).Scan(&rowID, new(sql.NullTime))
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE worldlines SET head_event_id = $1 WHERE worldline_id = $2`,
		eventID, worldlineID,
	); err != nil {
		return nil, fmt.Errorf("advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &model.Event{
		ID:            eventID,
		WorldlineID:   worldlineID,
		ParentEventID: expectedHead,
		Type:          eventType,
		Payload:       payload,
		RowID:         rowID,
	}, nil
}

// AppendWithRetry wraps AppendAndAdvance with the bounded retry-on-conflict
// policy used at turn start and for tool-call/tool-result pairs: on
// HeadConflict it rereads the current head and retries, up to maxAttempts
// times, grounded on event_store.py::append_worldline_event.
func (s *EventStore) AppendWithRetry(
	ctx context.Context,
	worldlineID string,
	expectedHead *string,
	eventType model.EventType,
	payload map[string]any,
	maxAttempts int,
) (*model.Event, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attemptHead := expectedHead
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		event, err := s.AppendAndAdvance(ctx, worldlineID, attemptHead, eventType, payload)
		if err == nil {
			return event, nil
		}
		var conflict *errs.HeadConflictError
		if !asHeadConflict(err, &conflict) {
			return nil, err
		}
		lastErr = err
		head, herr := s.currentHead(ctx, worldlineID)
		if herr != nil {
			return nil, herr
		}
		attemptHead = head
	}
	return nil, lastErr
}

func (s *EventStore) currentHead(ctx context.Context, worldlineID string) (*string, error) {
	var head sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT head_event_id FROM worldlines WHERE worldline_id = $1`, worldlineID,
	).Scan(&head)
	if err == sql.ErrNoRows {
		return nil, &errs.NotFoundError{Kind: "worldline", ID: worldlineID}
	}
	if err != nil {
		return nil, fmt.Errorf("select worldline head: %w", err)
	}
	if !head.Valid {
		return nil, nil
	}
	v := head.String
	return &v, nil
}

// LoadEventByID loads a single event.
func (s *EventStore) LoadEventByID(ctx context.Context, eventID string) (*model.Event, error) {
	return s.scanEventRow(s.db.QueryRowContext(ctx,
		`SELECT event_id, worldline_id, parent_event_id, type, payload, row_id, created_at
		 FROM events WHERE event_id = $1`, eventID))
}

// RebuildHistory walks parent_event_id back from head until it hits a null
// parent, returning events oldest-first. Used by the turn engine for prompt
// rebuild and by fork-point reachability checks.
func (s *EventStore) RebuildHistory(ctx context.Context, worldlineID string, head *string) ([]*model.Event, error) {
	var chain []*model.Event
	cursor := head
	for cursor != nil {
		event, err := s.LoadEventByID(ctx, *cursor)
		if err != nil {
			return nil, err
		}
		chain = append(chain, event)
		cursor = event.ParentEventID
	}
	// reverse to oldest-first
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// EventsSinceRowID returns events on worldlineID with row_id > sinceRowID,
// ordered ascending — the "events since" window spec §6 describes.
func (s *EventStore) EventsSinceRowID(ctx context.Context, worldlineID string, sinceRowID int64) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, worldline_id, parent_event_id, type, payload, row_id, created_at
		 FROM events WHERE worldline_id = $1 AND row_id > $2 ORDER BY row_id ASC`,
		worldlineID, sinceRowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events since rowid: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Event
	for rows.Next() {
		event, err := s.scanEventRowFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// MaxRowID returns the highest row_id recorded for worldlineID, or 0 if it
// has no events yet — the starting bookmark for an "events since" window.
func (s *EventStore) MaxRowID(ctx context.Context, worldlineID string) (int64, error) {
	var maxRowID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(row_id), 0) FROM events WHERE worldline_id = $1`, worldlineID,
	).Scan(&maxRowID)
	if err != nil {
		return 0, fmt.Errorf("select max row_id: %w", err)
	}
	return maxRowID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *EventStore) scanEventRow(row rowScanner) (*model.Event, error) {
	return s.scanEventRowFrom(row)
}

func (s *EventStore) scanEventRowFrom(row rowScanner) (*model.Event, error) {
	var (
		event         model.Event
		parentEventID sql.NullString
		typ           string
		payloadJSON   []byte
	)
	if err := row.Scan(&event.ID, &event.WorldlineID, &parentEventID, &typ, &payloadJSON, &event.RowID, &event.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFoundError{Kind: "event", ID: ""}
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if parentEventID.Valid {
		v := parentEventID.String
		event.ParentEventID = &v
	}
	event.Type = model.EventType(typ)
	if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return &event, nil
}

func sameOptString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

func asHeadConflict(err error, target **errs.HeadConflictError) bool {
	hc, ok := err.(*errs.HeadConflictError)
	if ok {
		*target = hc
	}
	return ok
}
