// Package timeline is the event store & worldline registry: the orchestration
// layer over internal/store that combines event append/rebuild with
// analytical-DB branch materialization, plus an in-memory ancestor-walk cache
// keyed by (worldline_id, head_event_id) per spec's design note against
// relying on recursive CTEs for chain walks.
package timeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ssh-vom/analysisd/internal/analyticaldb"
	"github.com/ssh-vom/analysisd/internal/errs"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/store"
)

// Service ties the event store, worldline registry and analytical DB driver
// together behind the operations spec §4.1 names.
type Service struct {
	store *store.Store
	db    *analyticaldb.Driver

	cacheMu sync.Mutex
	cache   map[cacheKey][]*model.Event
}

type cacheKey struct {
	worldlineID string
	head        string
}

// New builds a Service over the given store and analytical DB driver.
func New(s *store.Store, db *analyticaldb.Driver) *Service {
	return &Service{store: s, db: db, cache: make(map[cacheKey][]*model.Event)}
}

// AppendAndAdvance delegates to the event store; see store.EventStore.
func (svc *Service) AppendAndAdvance(ctx context.Context, worldlineID string, expectedHead *string, eventType model.EventType, payload map[string]any) (*model.Event, error) {
	event, err := svc.store.Events.AppendAndAdvance(ctx, worldlineID, expectedHead, eventType, payload)
	if err == nil {
		svc.invalidate(worldlineID)
	}
	return event, err
}

// AppendWithRetry delegates to the event store's bounded-retry append.
func (svc *Service) AppendWithRetry(ctx context.Context, worldlineID string, expectedHead *string, eventType model.EventType, payload map[string]any, maxAttempts int) (*model.Event, error) {
	event, err := svc.store.Events.AppendWithRetry(ctx, worldlineID, expectedHead, eventType, payload, maxAttempts)
	if err == nil {
		svc.invalidate(worldlineID)
	}
	return event, err
}

func (svc *Service) invalidate(worldlineID string) {
	svc.cacheMu.Lock()
	defer svc.cacheMu.Unlock()
	for k := range svc.cache {
		if k.worldlineID == worldlineID {
			delete(svc.cache, k)
		}
	}
}

// RebuildHistory walks parent_event_id back from head, caching the result
// per (worldline, head) pair since heads only move forward.
func (svc *Service) RebuildHistory(ctx context.Context, worldlineID string, head *string) ([]*model.Event, error) {
	if head == nil {
		return nil, nil
	}
	key := cacheKey{worldlineID: worldlineID, head: *head}

	svc.cacheMu.Lock()
	if cached, ok := svc.cache[key]; ok {
		svc.cacheMu.Unlock()
		return cached, nil
	}
	svc.cacheMu.Unlock()

	chain, err := svc.store.Events.RebuildHistory(ctx, worldlineID, head)
	if err != nil {
		return nil, err
	}

	svc.cacheMu.Lock()
	svc.cache[key] = chain
	svc.cacheMu.Unlock()
	return chain, nil
}

// MaxRowID returns worldlineID's highest recorded row_id, the starting
// bookmark for an "events since" window.
func (svc *Service) MaxRowID(ctx context.Context, worldlineID string) (int64, error) {
	return svc.store.Events.MaxRowID(ctx, worldlineID)
}

// EventsSinceRowID returns worldlineID's events with row_id > sinceRowID.
func (svc *Service) EventsSinceRowID(ctx context.Context, worldlineID string, sinceRowID int64) ([]*model.Event, error) {
	return svc.store.Events.EventsSinceRowID(ctx, worldlineID, sinceRowID)
}

// CurrentHead returns the worldline's current head event id.
func (svc *Service) CurrentHead(ctx context.Context, worldlineID string) (*string, error) {
	w, err := svc.store.Worldline.Get(ctx, worldlineID)
	if err != nil {
		return nil, err
	}
	return w.HeadEventID, nil
}

// ResolveForkEventIDOrHead implements subagents.py's
// resolve_fork_event_id_or_head: an empty requested id resolves to the
// current head; a non-empty id must exist and be reachable from head via the
// parent_event_id chain, or resolution falls back to head with a reason —
// this call never fails over an ambiguous fork point.
type ForkResolution struct {
	EventID string
	Reason  string // "" when the request was honored as-is
}

func (svc *Service) ResolveForkEventIDOrHead(ctx context.Context, worldlineID string, requested *string) (*ForkResolution, error) {
	head, err := svc.CurrentHead(ctx, worldlineID)
	if err != nil {
		return nil, err
	}
	if requested == nil || *requested == "" {
		if head == nil {
			return nil, &errs.BadRequestError{Reason: "worldline has no events to fork from"}
		}
		return &ForkResolution{EventID: *head}, nil
	}

	if head == nil {
		return &ForkResolution{EventID: "", Reason: "requested_event_unreachable_empty_head"}, nil
	}

	chain, err := svc.RebuildHistory(ctx, worldlineID, head)
	if err != nil {
		return nil, err
	}
	for _, e := range chain {
		if e.ID == *requested {
			return &ForkResolution{EventID: *requested}, nil
		}
	}
	return &ForkResolution{EventID: *head, Reason: "requested_event_not_reachable_from_head"}, nil
}

// BranchOptions configures BranchFromEvent.
type BranchOptions struct {
	Name               string
	AppendEvents       bool
	CarriedUserMessage string
}

// BranchResult is returned from a successful branch creation.
type BranchResult struct {
	NewWorldlineID    string
	ThreadID          string
	SourceWorldlineID string
	FromEventID       string
	CreatedEventIDs   []string
}

// BranchFromEvent creates a new worldline forked from sourceWorldlineID at
// fromEventID: clones the analytical DB (from the live DB for a head fork, or
// from a captured snapshot for a historical fork), and when AppendEvents is
// set appends the prologue (worldline_created, time_travel, then
// user_message only when CarriedUserMessage is non-empty) whose parent chain
// starts at fromEventID.
func (svc *Service) BranchFromEvent(ctx context.Context, sourceWorldlineID, fromEventID string, opts BranchOptions) (*BranchResult, error) {
	source, err := svc.store.Worldline.Get(ctx, sourceWorldlineID)
	if err != nil {
		return nil, err
	}

	isHeadFork := source.HeadEventID != nil && *source.HeadEventID == fromEventID

	createParams := store.CreateWorldlineParams{
		ThreadID:          source.ThreadID,
		ParentWorldlineID: &sourceWorldlineID,
		ForkedFromEventID: &fromEventID,
		Name:              opts.Name,
	}
	if opts.AppendEvents {
		// Seed the new worldline's head at fromEventID so the prologue's
		// first append below can CAS against it and chain parent_event_id
		// back to the fork point, per worldlines.py's branch insert.
		createParams.InitialHeadEventID = &fromEventID
	}
	target, err := svc.store.Worldline.CreateWorldline(ctx, createParams)
	if err != nil {
		return nil, err
	}

	if isHeadFork {
		if _, err := svc.db.Clone(sourceWorldlineID, target.ID); err != nil {
			return nil, fmt.Errorf("clone analytical db: %w", err)
		}
	} else {
		snapshotPath, err := svc.db.Snapshot(sourceWorldlineID, fromEventID)
		if err != nil {
			return nil, fmt.Errorf("snapshot analytical db: %w", err)
		}
		if _, err := svc.db.CloneFromSnapshot(snapshotPath, target.ID); err != nil {
			return nil, fmt.Errorf("materialize branch db from snapshot: %w", err)
		}
	}

	result := &BranchResult{
		NewWorldlineID:    target.ID,
		ThreadID:          source.ThreadID,
		SourceWorldlineID: sourceWorldlineID,
		FromEventID:       fromEventID,
	}

	if !opts.AppendEvents {
		return result, nil
	}

	parent := &fromEventID
	var createdCurrent string

	createdEvent, err := svc.AppendAndAdvance(ctx, target.ID, parent, model.EventWorldlineCreated, map[string]any{
		"source_worldline_id": sourceWorldlineID,
		"from_event_id":       fromEventID,
	})
	if err != nil {
		return nil, fmt.Errorf("append worldline_created: %w", err)
	}
	createdCurrent = createdEvent.ID
	result.CreatedEventIDs = append(result.CreatedEventIDs, createdCurrent)
	parent = &createdCurrent

	timeTravelEvent, err := svc.AppendAndAdvance(ctx, target.ID, parent, model.EventTimeTravel, map[string]any{
		"source_worldline_id": sourceWorldlineID,
		"from_event_id":       fromEventID,
	})
	if err != nil {
		return nil, fmt.Errorf("append time_travel: %w", err)
	}
	createdCurrent = timeTravelEvent.ID
	result.CreatedEventIDs = append(result.CreatedEventIDs, createdCurrent)
	parent = &createdCurrent

	if opts.CarriedUserMessage != "" {
		userEvent, err := svc.AppendAndAdvance(ctx, target.ID, parent, model.EventUserMessage, map[string]any{
			"text": opts.CarriedUserMessage,
		})
		if err != nil {
			return nil, fmt.Errorf("append carried user_message: %w", err)
		}
		result.CreatedEventIDs = append(result.CreatedEventIDs, userEvent.ID)
	}

	return result, nil
}
