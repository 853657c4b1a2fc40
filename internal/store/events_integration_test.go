package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssh-vom/analysisd/internal/errs"
	"github.com/ssh-vom/analysisd/internal/model"
)

func newWorldline(t *testing.T, st *Store) string {
	t.Helper()
	ctx := context.Background()
	thread, err := st.Worldline.CreateThread(ctx, "test thread")
	require.NoError(t, err)
	w, err := st.Worldline.CreateWorldline(ctx, CreateWorldlineParams{ThreadID: thread.ID, Name: "main"})
	require.NoError(t, err)
	return w.ID
}

func TestAppendAndAdvanceFirstEventHasNilParent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID := newWorldline(t, st)

	event, err := st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Nil(t, event.ParentEventID)

	w, err := st.Worldline.Get(ctx, worldlineID)
	require.NoError(t, err)
	require.NotNil(t, w.HeadEventID)
	assert.Equal(t, event.ID, *w.HeadEventID)
}

func TestAppendAndAdvanceChainsParentToPriorHead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID := newWorldline(t, st)

	first, err := st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)

	second, err := st.Events.AppendAndAdvance(ctx, worldlineID, &first.ID, model.EventAssistantMessage, map[string]any{"text": "hello"})
	require.NoError(t, err)
	require.NotNil(t, second.ParentEventID)
	assert.Equal(t, first.ID, *second.ParentEventID)
}

func TestAppendAndAdvanceRejectsStaleExpectedHead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID := newWorldline(t, st)

	first, err := st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "hi"})
	require.NoError(t, err)
	_, err = st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventAssistantMessage, map[string]any{"text": "stale"})

	var conflict *errs.HeadConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, worldlineID, conflict.WorldlineID)
	assert.Equal(t, "<none>", conflict.Expected)
	assert.Equal(t, first.ID, conflict.Actual)
}

func TestAppendAndAdvanceUnknownWorldlineNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Events.AppendAndAdvance(context.Background(), "w_missing", nil, model.EventUserMessage, map[string]any{})

	var notFound *errs.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "worldline", notFound.Kind)
}

func TestAppendAndAdvanceSerializesConcurrentWriters(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID := newWorldline(t, st)

	const writers = 8
	var wg sync.WaitGroup
	var successes int64
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := st.Events.AppendWithRetry(ctx, worldlineID, nil, model.EventUserMessage,
				map[string]any{"text": "concurrent"}, writers+1)
			if err == nil {
				atomic.AddInt64(&successes, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(writers), successes)

	chain, err := st.Events.RebuildHistory(ctx, worldlineID, headOf(t, st, worldlineID))
	require.NoError(t, err)
	assert.Len(t, chain, writers)

	// Exactly one parent chain: every event's parent_event_id (after the
	// first) must point to exactly one predecessor, with no forks.
	seen := map[string]bool{}
	for _, e := range chain {
		if e.ParentEventID != nil {
			assert.False(t, seen[*e.ParentEventID], "parent %s reused by more than one child", *e.ParentEventID)
			seen[*e.ParentEventID] = true
		}
	}
}

func headOf(t *testing.T, st *Store, worldlineID string) *string {
	t.Helper()
	w, err := st.Worldline.Get(context.Background(), worldlineID)
	require.NoError(t, err)
	return w.HeadEventID
}

func TestRebuildHistoryOrdersOldestFirst(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID := newWorldline(t, st)

	first, err := st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "1"})
	require.NoError(t, err)
	second, err := st.Events.AppendAndAdvance(ctx, worldlineID, &first.ID, model.EventAssistantMessage, map[string]any{"text": "2"})
	require.NoError(t, err)
	third, err := st.Events.AppendAndAdvance(ctx, worldlineID, &second.ID, model.EventUserMessage, map[string]any{"text": "3"})
	require.NoError(t, err)

	chain, err := st.Events.RebuildHistory(ctx, worldlineID, &third.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})
}

func TestEventsSinceRowIDAndMaxRowID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID := newWorldline(t, st)

	startingRowID, err := st.Events.MaxRowID(ctx, worldlineID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), startingRowID)

	first, err := st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventUserMessage, map[string]any{"text": "1"})
	require.NoError(t, err)
	_, err = st.Events.AppendAndAdvance(ctx, worldlineID, &first.ID, model.EventAssistantMessage, map[string]any{"text": "2"})
	require.NoError(t, err)

	since, err := st.Events.EventsSinceRowID(ctx, worldlineID, startingRowID)
	require.NoError(t, err)
	assert.Len(t, since, 2)

	maxRowID, err := st.Events.MaxRowID(ctx, worldlineID)
	require.NoError(t, err)
	assert.Equal(t, since[len(since)-1].RowID, maxRowID)
}
