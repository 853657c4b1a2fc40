package timeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssh-vom/analysisd/internal/analyticaldb"
	"github.com/ssh-vom/analysisd/internal/model"
	"github.com/ssh-vom/analysisd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st := newTestStoreFromEnv(t)
	db := analyticaldb.New(t.TempDir())
	return New(st, db)
}

func newThreadAndWorldline(t *testing.T, svc *Service) (threadID, worldlineID string) {
	t.Helper()
	ctx := context.Background()
	thread, err := svc.store.Worldline.CreateThread(ctx, "thread")
	require.NoError(t, err)
	w, err := svc.store.Worldline.CreateWorldline(ctx, store.CreateWorldlineParams{ThreadID: thread.ID, Name: "main"})
	require.NoError(t, err)
	return thread.ID, w.ID
}

func TestBranchFromEventHeadForkChainsFromForkPoint(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, sourceWorldlineID := newThreadAndWorldline(t, svc)

	head, err := svc.AppendAndAdvance(ctx, sourceWorldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	result, err := svc.BranchFromEvent(ctx, sourceWorldlineID, head.ID, BranchOptions{
		Name: "branch", AppendEvents: true,
	})
	require.NoError(t, err)
	require.Len(t, result.CreatedEventIDs, 2)

	chain, err := svc.RebuildHistory(ctx, result.NewWorldlineID, &result.CreatedEventIDs[1])
	require.NoError(t, err)
	require.Len(t, chain, 2)

	// The prologue's first event must chain parent_event_id back to the fork
	// point on the SOURCE worldline, not start a disconnected chain at nil.
	require.NotNil(t, chain[0].ParentEventID)
	assert.Equal(t, head.ID, *chain[0].ParentEventID)
	assert.Equal(t, model.EventWorldlineCreated, chain[0].Type)

	require.NotNil(t, chain[1].ParentEventID)
	assert.Equal(t, chain[0].ID, *chain[1].ParentEventID)
	assert.Equal(t, model.EventTimeTravel, chain[1].Type)
}

func TestBranchFromEventCarriesUserMessageAsThirdPrologueEvent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, sourceWorldlineID := newThreadAndWorldline(t, svc)

	head, err := svc.AppendAndAdvance(ctx, sourceWorldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	result, err := svc.BranchFromEvent(ctx, sourceWorldlineID, head.ID, BranchOptions{
		Name: "branch", AppendEvents: true, CarriedUserMessage: "continue from here",
	})
	require.NoError(t, err)
	require.Len(t, result.CreatedEventIDs, 3)

	last, err := svc.store.Events.LoadEventByID(ctx, result.CreatedEventIDs[2])
	require.NoError(t, err)
	assert.Equal(t, model.EventUserMessage, last.Type)
	assert.Equal(t, "continue from here", last.Payload["text"])
}

func TestBranchFromEventWithoutAppendEventsLeavesHeadNil(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, sourceWorldlineID := newThreadAndWorldline(t, svc)

	head, err := svc.AppendAndAdvance(ctx, sourceWorldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	result, err := svc.BranchFromEvent(ctx, sourceWorldlineID, head.ID, BranchOptions{Name: "no-prologue"})
	require.NoError(t, err)
	assert.Empty(t, result.CreatedEventIDs)

	w, err := svc.store.Worldline.Get(ctx, result.NewWorldlineID)
	require.NoError(t, err)
	assert.Nil(t, w.HeadEventID)
}

func TestResolveForkEventIDOrHeadEmptyRequestResolvesToHead(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, worldlineID := newThreadAndWorldline(t, svc)

	head, err := svc.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	resolution, err := svc.ResolveForkEventIDOrHead(ctx, worldlineID, nil)
	require.NoError(t, err)
	assert.Equal(t, head.ID, resolution.EventID)
	assert.Empty(t, resolution.Reason)
}

func TestResolveForkEventIDOrHeadUnreachableFallsBackToHead(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, worldlineID := newThreadAndWorldline(t, svc)

	head, err := svc.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	bogus := "evt_not_reachable"
	resolution, err := svc.ResolveForkEventIDOrHead(ctx, worldlineID, &bogus)
	require.NoError(t, err)
	assert.Equal(t, head.ID, resolution.EventID)
	assert.Equal(t, "requested_event_not_reachable_from_head", resolution.Reason)
}

func TestRebuildHistoryCachesByHead(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, worldlineID := newThreadAndWorldline(t, svc)

	head, err := svc.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	first, err := svc.RebuildHistory(ctx, worldlineID, &head.ID)
	require.NoError(t, err)
	second, err := svc.RebuildHistory(ctx, worldlineID, &head.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Appending invalidates the cache for this worldline: the next rebuild
	// at the new head must include the new event, not a stale cached slice.
	next, err := svc.AppendAndAdvance(ctx, worldlineID, &head.ID, model.EventAssistantMessage, map[string]any{"text": "hello"})
	require.NoError(t, err)
	chain, err := svc.RebuildHistory(ctx, worldlineID, &next.ID)
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}
