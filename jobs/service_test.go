package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	qtesting "github.com/calyptra/flowjobs/internal/testing"
	"github.com/calyptra/flowjobs/jobs/scheduler"
	"github.com/calyptra/flowjobs/jobs/webhook"
)

// recordingNotifier captures webhook sends for assertions
type recordingNotifier struct {
	mu    sync.Mutex
	sends []webhook.JobData
}

func (n *recordingNotifier) Send(ctx context.Context, data webhook.JobData) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, data)
	return true
}

func (n *recordingNotifier) sent() []webhook.JobData {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]webhook.JobData, len(n.sends))
	copy(out, n.sends)
	return out
}

func newTestService(t *testing.T) (*Service, *Store, *recordingNotifier) {
	t.Helper()

	db := qtesting.CreateTestDB(t)
	store := NewStore(db)
	engine := scheduler.NewEngine(scheduler.Config{
		TickInterval:    10 * time.Millisecond,
		EventBufferSize: 16,
	}, zap.NewNop().Sugar())
	notifier := &recordingNotifier{}

	svc := NewService(store, engine, notifier, zap.NewNop().Sugar())
	t.Cleanup(svc.Stop)

	return svc, store, notifier
}

// waitForStatus polls until the job reaches the wanted status
func waitForStatus(t *testing.T, store *Store, id string, want Status) *Job {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.Lookup(context.Background(), id, nil)
		require.NoError(t, err)
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", id, want)
	return nil
}

func echoTask(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"args": args, "kwargs": kwargs}, nil
}

func TestServiceEchoTaskCompletes(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "echo",
		UserID: "alice",
		Task:   echoTask,
		Args:   []interface{}{"hello"},
		Kwargs: map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job := waitForStatus(t, store, id, StatusCompleted)
	assert.False(t, job.IsActive)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, []interface{}{"hello"}, result["args"])
}

func TestServiceNilRunAtIsImmediatelyEligible(t *testing.T) {
	svc, store, _ := newTestService(t)

	id, err := svc.CreateJob(context.Background(), CreateJobRequest{
		Name:   "now",
		UserID: "alice",
		Task:   echoTask,
	})
	require.NoError(t, err)

	waitForStatus(t, store, id, StatusCompleted)
}

func TestServiceFailedTaskStoresError(t *testing.T) {
	svc, store, notifier := newTestService(t)

	id, err := svc.CreateJob(context.Background(), CreateJobRequest{
		Name:   "flaky",
		UserID: "alice",
		Task: func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return nil, assert.AnError
		},
	})
	require.NoError(t, err)

	job := waitForStatus(t, store, id, StatusFailed)
	assert.Contains(t, job.Error, assert.AnError.Error())
	assert.False(t, job.IsActive)

	// Failures never produce a webhook
	assert.Empty(t, notifier.sent())
}

func TestServiceWebhookOncePerCompletion(t *testing.T) {
	svc, store, notifier := newTestService(t)

	id, err := svc.CreateJob(context.Background(), CreateJobRequest{
		Name:   "notify-me",
		FlowID: "flow-9",
		UserID: "alice",
		Task:   echoTask,
	})
	require.NoError(t, err)

	waitForStatus(t, store, id, StatusCompleted)

	// Give the drain loop a beat to finish the webhook after the commit
	time.Sleep(50 * time.Millisecond)

	sends := notifier.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, id, sends[0].ID)
	assert.Equal(t, string(StatusCompleted), sends[0].Status)
	assert.Equal(t, "notify-me", sends[0].Name)
	assert.Equal(t, "flow-9", sends[0].FlowID)
	assert.Equal(t, "alice", sends[0].UserID)
}

func TestServiceCancelUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t)

	ok, err := svc.CancelJob(context.Background(), "no-such-job", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServiceCancelBeforeTick(t *testing.T) {
	svc, _, notifier := newTestService(t)
	ctx := context.Background()

	var ran atomic.Bool
	future := time.Now().Add(1 * time.Hour)
	id, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "doomed",
		UserID: "alice",
		RunAt:  &future,
		Task: func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		},
	})
	require.NoError(t, err)

	ok, err := svc.CancelJob(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := svc.GetJob(ctx, id, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.False(t, job.IsActive)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Empty(t, notifier.sent())
}

func TestServiceCancelIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	id, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "twice",
		UserID: "alice",
		RunAt:  &future,
		Task:   echoTask,
	})
	require.NoError(t, err)

	ok, err := svc.CancelJob(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second cancel finds the record already terminal and still succeeds
	ok, err = svc.CancelJob(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServiceLateCompletionDoesNotOverwriteCancel(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	id, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "slow",
		UserID: "alice",
		Task: func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			close(started)
			<-release
			return "too late", nil
		},
	})
	require.NoError(t, err)

	<-started
	ok, err := svc.CancelJob(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	time.Sleep(100 * time.Millisecond)

	job, err := store.Lookup(ctx, id, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Nil(t, job.Result)
	assert.Empty(t, notifier.sent())
}

func TestServiceListRequiresOwner(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ListJobs(context.Background(), "", false, nil)
	require.Error(t, err)

	_, err = svc.ListUserJobs(context.Background(), "")
	require.Error(t, err)
}

func TestServiceListScopedToOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	for i := 0; i < 2; i++ {
		_, err := svc.CreateJob(ctx, CreateJobRequest{
			Name:   "mine",
			UserID: "alice",
			RunAt:  &future,
			Task:   echoTask,
		})
		require.NoError(t, err)
	}

	jobs, err := svc.ListUserJobs(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = svc.ListUserJobs(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestServiceGetJobOwnerScoping(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	id, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "private",
		UserID: "alice",
		RunAt:  &future,
		Task:   echoTask,
	})
	require.NoError(t, err)

	stranger := "mallory"
	job, err := svc.GetJob(ctx, id, &stranger)
	require.NoError(t, err)
	assert.Nil(t, job)

	owner := "alice"
	job, err = svc.GetJob(ctx, id, &owner)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestServiceCreateJobValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateJob(ctx, CreateJobRequest{Name: "no-task"})
	assert.Error(t, err)
}

func TestServiceCreateJobDefaultsName(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	id, err := svc.CreateJob(ctx, CreateJobRequest{UserID: "alice", RunAt: &future, Task: echoTask})
	require.NoError(t, err)

	job, err := store.Lookup(ctx, id, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "task_"+id, job.Name)
}

func TestServiceCancelRequiresOwnership(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	id, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "guarded",
		UserID: "alice",
		RunAt:  &future,
		Task:   echoTask,
	})
	require.NoError(t, err)

	stranger := "mallory"
	ok, err := svc.CancelJob(ctx, id, &stranger)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := store.Lookup(ctx, id, nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusPending, job.Status)

	owner := "alice"
	ok, err = svc.CancelJob(ctx, id, &owner)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestServiceStopRejectsFurtherCalls(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateJob(ctx, CreateJobRequest{Name: "one", UserID: "alice", Task: echoTask})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	svc.Stop()
	svc.Stop() // idempotent

	_, err = svc.CreateJob(ctx, CreateJobRequest{Name: "two", UserID: "alice", Task: echoTask})
	assert.Error(t, err)
}

func TestServicePendingJobIDsUsesDurableStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	keep, err := svc.CreateJob(ctx, CreateJobRequest{Name: "keep", UserID: "alice", RunAt: &future, Task: echoTask})
	require.NoError(t, err)
	drop, err := svc.CreateJob(ctx, CreateJobRequest{Name: "drop", UserID: "alice", RunAt: &future, Task: echoTask})
	require.NoError(t, err)

	ok, err := svc.CancelJob(ctx, drop, nil)
	require.NoError(t, err)
	require.True(t, ok)

	pending, err := svc.PendingJobIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, pending)
}

func TestServiceListJobsPendingFilter(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	scheduled, err := svc.CreateJob(ctx, CreateJobRequest{
		Name:   "queued",
		UserID: "alice",
		RunAt:  &future,
		Task:   echoTask,
	})
	require.NoError(t, err)

	// A PENDING row with no live trigger, as after a crash before recovery
	orphan := NewJob("orphan", "", "alice")
	require.NoError(t, store.Put(ctx, orphan))

	list, err := svc.ListJobs(ctx, "alice", true, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, scheduled, list[0].ID)

	list, err = svc.ListJobs(ctx, "alice", false, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestServiceRecoverPendingJobsAfterRestart(t *testing.T) {
	conn := qtesting.CreateTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	registry := scheduler.NewTaskRegistry()
	registry.Register("echo", echoTask)

	// Pending rows from a previous process whose triggers died with it
	orphan := NewJob("orphan", "", "alice")
	orphan.TaskName = "echo"
	orphan.TaskArgs = json.RawMessage(`["carried"]`)
	require.NoError(t, store.Put(ctx, orphan))

	stale := NewJob("stale", "", "alice")
	stale.TaskName = "vanished"
	require.NoError(t, store.Put(ctx, stale))

	engine := scheduler.NewEngine(scheduler.Config{
		TickInterval:    10 * time.Millisecond,
		EventBufferSize: 16,
	}, zap.NewNop().Sugar())
	svc := NewService(store, engine, nil, zap.NewNop().Sugar())
	t.Cleanup(svc.Stop)

	recovered, err := svc.RecoverPendingJobs(ctx, registry)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	job := waitForStatus(t, store, orphan.ID, StatusCompleted)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, []interface{}{"carried"}, result["args"])

	// The job whose task is gone cannot run again and is failed instead
	failed, err := store.Lookup(ctx, stale.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Contains(t, failed.Error, "vanished")
}

func TestServiceConcurrentCreatesCommitIntact(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	future := time.Now().Add(1 * time.Hour)
	const workers = 8

	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = svc.CreateJob(ctx, CreateJobRequest{
				Name:   fmt.Sprintf("worker-%d", i),
				UserID: "alice",
				RunAt:  &future,
				Task:   echoTask,
				Args:   []interface{}{i},
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, workers)
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		seen[ids[i]] = struct{}{}

		job, err := store.Lookup(ctx, ids[i], nil)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, fmt.Sprintf("worker-%d", i), job.Name)
		assert.Equal(t, StatusPending, job.Status)
	}
	assert.Len(t, seen, workers)
}

func TestServiceStatsStartsService(t *testing.T) {
	svc, _, _ := newTestService(t)

	counts, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts)

	svc.Stop()
	_, err = svc.Stats(context.Background())
	assert.Error(t, err)
}

func TestSerializeResultFallback(t *testing.T) {
	// Channels cannot be marshalled; the fallback wraps the stringified value
	unmarshalable := struct {
		C     chan int
		Label string
	}{make(chan int), "fallback-me"}
	raw := SerializeResult(unmarshalable)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Contains(t, out["output"], "fallback-me")

	assert.Nil(t, SerializeResult(nil))

	raw = SerializeResult(map[string]int{"n": 1})
	assert.JSONEq(t, `{"n":1}`, string(raw))
}
