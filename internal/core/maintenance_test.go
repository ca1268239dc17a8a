package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	_, err := ParseCron("*/5 * * * *")
	assert.NoError(t, err)

	_, err = ParseCron("@daily")
	assert.ErrorContains(t, err, "only 5-field")

	_, err = ParseCron("* * * *")
	assert.ErrorContains(t, err, "invalid cron expression")

	_, err = ParseCron("0 0 * * * *")
	assert.Error(t, err, "seconds field is not accepted")
}

func TestNewMaintenance(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, testOptions(store))

	_, err := NewMaintenance(m, setupTestLogger(), "0 3 * * *", 0)
	assert.ErrorContains(t, err, "retention must be positive")

	_, err = NewMaintenance(m, setupTestLogger(), "not cron", time.Hour)
	assert.Error(t, err)

	mt, err := NewMaintenance(m, setupTestLogger(), "0 3 * * *", time.Hour)
	require.NoError(t, err)
	from := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 5, 2, 3, 0, 0, 0, time.UTC), mt.Next(from))
}

func TestMaintenance_RunPurgesExpiredTasks(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	opts := testOptions(store)
	opts.Clock = clock.Now
	m := newTestManager(t, store, opts)
	ctx := context.Background()

	old := createTask(t, m, CreateTaskInput{Name: "old", Type: "echo"})
	require.NoError(t, m.CancelTask(ctx, old))
	active := createTask(t, m, CreateTaskInput{Name: "active", Type: "echo"})
	clock.Advance(48 * time.Hour)

	mt, err := NewMaintenance(m, setupTestLogger(), "0 3 * * *", 24*time.Hour)
	require.NoError(t, err)
	mt.Run(ctx)

	assert.Nil(t, store.stored(old))
	assert.NotNil(t, store.stored(active), "unfinished tasks survive cleanup regardless of age")
	_, err = m.GetTask(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaintenance_StartStop(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, store, testOptions(store))
	mt, err := NewMaintenance(m, setupTestLogger(), "0 3 * * *", time.Hour)
	require.NoError(t, err)

	mt.Start(context.Background())
	mt.Start(context.Background())
	mt.Stop()
	mt.Stop()
}
