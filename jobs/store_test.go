package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qtesting "github.com/calyptra/flowjobs/internal/testing"
)

func TestStorePutAndLookup(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := NewJob("echo", "flow-1", "user-1")
	require.NoError(t, store.Put(ctx, job))

	got, err := store.Lookup(ctx, job.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "echo", got.Name)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "flow-1", got.FlowID)
	assert.Equal(t, "user-1", got.UserID)
	assert.True(t, got.IsActive)
}

func TestStorePutUpsert(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := NewJob("echo", "", "user-1")
	require.NoError(t, store.Put(ctx, job))

	job.Name = "echo-renamed"
	job.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.Put(ctx, job))

	got, err := store.Lookup(ctx, job.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "echo-renamed", got.Name)
}

func TestStorePutRoundTripsTriggerMirror(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	runAt := time.Now().Add(1 * time.Hour).UTC().Truncate(time.Second)
	job := NewJob("deferred", "", "alice")
	job.TaskName = "echo"
	job.TaskArgs = json.RawMessage(`["a",1]`)
	job.TaskKwargs = json.RawMessage(`{"k":"v"}`)
	job.RunAt = &runAt
	require.NoError(t, store.Put(ctx, job))

	got, err := store.Lookup(ctx, job.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "echo", got.TaskName)
	assert.JSONEq(t, `["a",1]`, string(got.TaskArgs))
	assert.JSONEq(t, `{"k":"v"}`, string(got.TaskKwargs))
	require.NotNil(t, got.RunAt)
	assert.True(t, runAt.Equal(*got.RunAt))
}

func TestStoreListPending(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	first := NewJob("one", "", "alice")
	require.NoError(t, store.Put(ctx, first))
	second := NewJob("two", "", "bob")
	require.NoError(t, store.Put(ctx, second))

	done := NewJob("done", "", "alice")
	require.NoError(t, store.Put(ctx, done))
	transitioned, err := store.MarkCompleted(ctx, done.ID, nil)
	require.NoError(t, err)
	require.True(t, transitioned)

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, job := range pending {
		assert.Equal(t, StatusPending, job.Status)
	}
}

func TestStoreLookupMissIsNotError(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)

	got, err := store.Lookup(context.Background(), "no-such-job", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreLookupOwnerMismatch(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := NewJob("echo", "", "alice")
	require.NoError(t, store.Put(ctx, job))

	owner := "mallory"
	got, err := store.Lookup(ctx, job.ID, &owner)
	require.NoError(t, err)
	assert.Nil(t, got)

	owner = "alice"
	got, err = store.Lookup(ctx, job.ID, &owner)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
}

func TestStoreListByOwnerAndStatus(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Put(ctx, NewJob("task", "", "alice")))
	}
	require.NoError(t, store.Put(ctx, NewJob("task", "", "bob")))

	jobs, err := store.List(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	done, err := store.MarkCompleted(ctx, jobs[0].ID, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.True(t, done)

	pending := StatusPending
	jobs, err = store.List(ctx, "alice", &pending)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.List(ctx, "nobody", nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStoreTerminalTransitionsAreMonotonic(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := NewJob("echo", "", "alice")
	require.NoError(t, store.Put(ctx, job))

	ok, err := store.MarkCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// A completion event arriving after cancellation must not win
	ok, err = store.MarkCompleted(ctx, job.ID, json.RawMessage(`{"late":true}`))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Lookup(ctx, job.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
	assert.False(t, got.IsActive)
}

func TestStoreMarkFailed(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	job := NewJob("flaky", "", "alice")
	require.NoError(t, store.Put(ctx, job))

	ok, err := store.MarkFailed(ctx, job.ID, "task exploded")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Lookup(ctx, job.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "task exploded", got.Error)
	assert.False(t, got.IsActive)
}

func TestStoreMarkUnknownJob(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)

	ok, err := store.MarkCompleted(context.Background(), "ghost", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreCleanupOldJobs(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	old := NewJob("stale", "", "alice")
	old.Status = StatusCompleted
	old.IsActive = false
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, store.Put(ctx, old))

	fresh := NewJob("fresh", "", "alice")
	require.NoError(t, store.Put(ctx, fresh))

	removed, err := store.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := store.Lookup(ctx, old.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.Lookup(ctx, fresh.ID, nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStoreCountByStatus(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	a := NewJob("a", "", "alice")
	b := NewJob("b", "", "alice")
	c := NewJob("c", "", "alice")
	for _, j := range []*Job{a, b, c} {
		require.NoError(t, store.Put(ctx, j))
	}
	_, err := store.MarkFailed(ctx, c.ID, "boom")
	require.NoError(t, err)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusFailed])
}

func TestStorePutValidation(t *testing.T) {
	db := qtesting.CreateTestDB(t)
	store := NewStore(db)

	assert.Error(t, store.Put(context.Background(), nil))
	assert.Error(t, store.Put(context.Background(), &Job{}))
}

func TestStoreLookupQueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT .* FROM jobs").
		WillReturnError(assert.AnError)

	store := NewStore(mockDB)
	_, err = store.Lookup(context.Background(), "any", nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTransitionBeginError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin().WillReturnError(assert.AnError)

	store := NewStore(mockDB)
	_, err = store.MarkCancelled(context.Background(), "any")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
