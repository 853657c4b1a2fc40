package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssh-vom/analysisd/internal/errs"
)

func TestCreateWorldlineDefaultsToNilHead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	thread, err := st.Worldline.CreateThread(ctx, "test thread")
	require.NoError(t, err)

	w, err := st.Worldline.CreateWorldline(ctx, CreateWorldlineParams{ThreadID: thread.ID, Name: "main"})
	require.NoError(t, err)
	assert.Nil(t, w.HeadEventID)

	loaded, err := st.Worldline.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.HeadEventID)
}

func TestCreateWorldlineSeedsInitialHead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	thread, err := st.Worldline.CreateThread(ctx, "test thread")
	require.NoError(t, err)

	seed := "evt_seed"
	w, err := st.Worldline.CreateWorldline(ctx, CreateWorldlineParams{
		ThreadID:           thread.ID,
		Name:               "branch",
		InitialHeadEventID: &seed,
	})
	require.NoError(t, err)
	require.NotNil(t, w.HeadEventID)
	assert.Equal(t, seed, *w.HeadEventID)

	loaded, err := st.Worldline.Get(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.HeadEventID)
	assert.Equal(t, seed, *loaded.HeadEventID)
}

func TestWorldlineGetNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Worldline.Get(context.Background(), "w_does_not_exist")

	var notFound *errs.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "worldline", notFound.Kind)
}
