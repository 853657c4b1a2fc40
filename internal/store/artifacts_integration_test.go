package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssh-vom/analysisd/internal/model"
)

func newWorldlineWithEvent(t *testing.T, st *Store) (worldlineID, eventID string) {
	t.Helper()
	ctx := context.Background()
	worldlineID = newWorldline(t, st)
	event, err := st.Events.AppendAndAdvance(ctx, worldlineID, nil, model.EventToolCallPython, map[string]any{"code": "x = 1"})
	require.NoError(t, err)
	return worldlineID, event.ID
}

func TestArtifactInsertAndListByWorldline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineID, eventID := newWorldlineWithEvent(t, st)

	_, err := st.Artifacts.Insert(ctx, model.Artifact{
		WorldlineID: worldlineID, EventID: eventID,
		Type: model.ArtifactCSV, Name: "report.csv", Path: "/tmp/report.csv",
	})
	require.NoError(t, err)
	_, err = st.Artifacts.Insert(ctx, model.Artifact{
		WorldlineID: worldlineID, EventID: eventID,
		Type: model.ArtifactImage, Name: "chart.png", Path: "/tmp/chart.png",
	})
	require.NoError(t, err)

	artifacts, err := st.Artifacts.ListByWorldline(ctx, worldlineID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	// most recent first
	assert.Equal(t, "chart.png", artifacts[0].Name)
	assert.Equal(t, "report.csv", artifacts[1].Name)
}

func TestArtifactListByWorldlineEmptyWhenNone(t *testing.T) {
	st := newTestStore(t)
	worldlineID := newWorldline(t, st)

	artifacts, err := st.Artifacts.ListByWorldline(context.Background(), worldlineID)
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestArtifactListByWorldlineScopedPerWorldline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	worldlineA, eventA := newWorldlineWithEvent(t, st)
	worldlineB, _ := newWorldlineWithEvent(t, st)

	_, err := st.Artifacts.Insert(ctx, model.Artifact{
		WorldlineID: worldlineA, EventID: eventA,
		Type: model.ArtifactFile, Name: "only-a.txt", Path: "/tmp/only-a.txt",
	})
	require.NoError(t, err)

	artifactsB, err := st.Artifacts.ListByWorldline(ctx, worldlineB)
	require.NoError(t, err)
	assert.Empty(t, artifactsB)
}
