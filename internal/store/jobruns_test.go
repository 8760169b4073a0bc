package store_test

import (
	"context"
	"testing"
	"time"

	"sjsage522/pricetracker/internal/store"
	"sjsage522/pricetracker/internal/store/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastSuccess(t *testing.T) {
	db := storetest.New(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	last, err := store.LastSuccess(ctx, db, "mercadona", store.JobRefresh)
	require.NoError(t, err)
	assert.Nil(t, last)

	runs := []store.JobRun{
		{RunID: "a", Supermarket: "mercadona", Job: store.JobRefresh, StartedAt: t0, FinishedAt: t0, Succeeded: true},
		{RunID: "b", Supermarket: "mercadona", Job: store.JobRefresh, StartedAt: t0.Add(time.Hour), FinishedAt: t0.Add(time.Hour), Succeeded: false},
		{RunID: "c", Supermarket: "mercadona", Job: store.JobBatch, StartedAt: t0.Add(2 * time.Hour), FinishedAt: t0.Add(2 * time.Hour), Succeeded: true},
		{RunID: "d", Supermarket: "bonpreu", Job: store.JobRefresh, StartedAt: t0.Add(3 * time.Hour), FinishedAt: t0.Add(3 * time.Hour), Succeeded: true},
	}
	for i := range runs {
		require.NoError(t, store.RecordJobRun(ctx, db, &runs[i]))
	}

	last, err = store.LastSuccess(ctx, db, "mercadona", store.JobRefresh)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(t0))

	last, err = store.LastSuccess(ctx, db, "mercadona", store.JobBatch)
	require.NoError(t, err)
	assert.True(t, last.Equal(t0.Add(2*time.Hour)))
}
