package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/venue-scheduler/internal/jobs"
)

type fakeStore struct {
	byID map[string]*jobs.Job
}

func newFakeStore(list ...jobs.Job) *fakeStore {
	fs := &fakeStore{byID: map[string]*jobs.Job{}}
	for i := range list {
		j := list[i]
		fs.byID[j.ID] = &j
	}
	return fs
}

func (f *fakeStore) Create(ctx context.Context, spec jobs.Spec) (jobs.Job, error) {
	j := jobs.Job{ID: fmt.Sprintf("job-%d", len(f.byID)+1), Kind: spec.Kind, Name: spec.Name, Spec: spec, Status: jobs.StatusPending}
	f.byID[j.ID] = &j
	return j, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (jobs.Job, error) {
	j, ok := f.byID[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s not found", id)
	}
	return *j, nil
}

func (f *fakeStore) List(ctx context.Context) ([]jobs.Job, error) {
	var out []jobs.Job
	for _, j := range f.byID {
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeStore) ListByStatus(ctx context.Context, statuses ...jobs.Status) ([]jobs.Job, error) {
	var out []jobs.Job
	for _, j := range f.byID {
		for _, s := range statuses {
			if j.Status == s {
				out = append(out, *j)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) SetStatus(ctx context.Context, id string, status jobs.Status) error {
	f.byID[id].Status = status
	return nil
}

func (f *fakeStore) SetRunning(ctx context.Context, id string, pid int, logPath string) error {
	j := f.byID[id]
	j.Status = jobs.StatusRunning
	j.PID = pid
	j.LogPath = logPath
	return nil
}

func (f *fakeStore) SetError(ctx context.Context, id string, msg string) error {
	f.byID[id].LastError = msg
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

// deadPID spawns and reaps a short-lived process so its pid is known dead.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func testOrchestrator(t *testing.T, store JobStore) *Orchestrator {
	t.Helper()
	o, err := New(store, t.TempDir(), logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	// stand-in child that exits immediately regardless of args
	o.execPath = "/bin/true"
	return o
}

func TestRecoverRelaunchesDeadJobs(t *testing.T) {
	dead := jobs.Job{ID: "dead-job", Kind: jobs.KindMonitor, Status: jobs.StatusRunning, PID: deadPID(t)}
	alive := jobs.Job{ID: "alive-job", Kind: jobs.KindMonitor, Status: jobs.StatusRunning, PID: os.Getpid()}
	done := jobs.Job{ID: "done-job", Kind: jobs.KindMonitor, Status: jobs.StatusCompleted, PID: deadPID(t)}
	store := newFakeStore(dead, alive, done)
	o := testOrchestrator(t, store)

	require.NoError(t, o.Recover(context.Background()))

	got, err := store.Get(context.Background(), "dead-job")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, got.Status)
	assert.NotEqual(t, dead.PID, got.PID, "dead job got a fresh process")
	assert.NotEmpty(t, got.LogPath)

	logData, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "recovery: process")

	got, _ = store.Get(context.Background(), "alive-job")
	assert.Equal(t, os.Getpid(), got.PID, "live job left alone")

	got, _ = store.Get(context.Background(), "done-job")
	assert.Equal(t, jobs.StatusCompleted, got.Status, "terminal job not relaunched")
	assert.Zero(t, got.LogPath)
}

func TestRecoverKeepsPausedJobsPaused(t *testing.T) {
	j := jobs.Job{ID: "p1", Kind: jobs.KindMonitor, Status: jobs.StatusPaused, PID: deadPID(t)}
	store := newFakeStore(j)
	o := testOrchestrator(t, store)

	require.NoError(t, o.Recover(context.Background()))

	got, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPaused, got.Status, "a host restart must not undo an operator's pause")
	assert.NotEqual(t, j.PID, got.PID, "the dead process was still replaced")

	logData, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "suspending relaunched process")
}

func TestRecoverMarksFailedWhenRelaunchFails(t *testing.T) {
	j := jobs.Job{ID: "j1", Kind: jobs.KindMonitor, Status: jobs.StatusRunning, PID: deadPID(t)}
	store := newFakeStore(j)
	o := testOrchestrator(t, store)
	o.execPath = "/nonexistent/binary"

	require.NoError(t, o.Recover(context.Background()))

	got, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestCreateLaunchesAndRecordsPID(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(t, store)

	spec := jobs.Spec{Kind: jobs.KindMonitor, Name: "watch"}
	j, err := o.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, j.Status)
	assert.Greater(t, j.PID, 0)
	assert.NotEmpty(t, j.LogPath)
}

func TestPauseRejectsNonMonitorJobs(t *testing.T) {
	j := jobs.Job{ID: "s1", Kind: jobs.KindSchedule, Status: jobs.StatusRunning, PID: os.Getpid()}
	store := newFakeStore(j)
	o := testOrchestrator(t, store)

	assert.Error(t, o.Pause(context.Background(), "s1"))
}

func TestTailLogReturnsTrailingBytes(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/j.log"
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	store := newFakeStore(jobs.Job{ID: "j", LogPath: path, Status: jobs.StatusStopped})
	o := testOrchestrator(t, store)

	out, err := o.TailLog(context.Background(), "j", 4)
	require.NoError(t, err)
	assert.Equal(t, "6789", string(out))

	out, err = o.TailLog(context.Background(), "j", 0)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(out))
}
