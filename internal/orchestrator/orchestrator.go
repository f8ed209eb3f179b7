// Package orchestrator launches each background job as its own OS process
// and keeps the durable job table in sync with process reality. Process
// isolation is the fault-containment boundary: one wedged job cannot take
// down another.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/venue-scheduler/internal/jobs"
)

// JobStore is the slice of the job repo the orchestrator needs.
type JobStore interface {
	Create(ctx context.Context, spec jobs.Spec) (jobs.Job, error)
	Get(ctx context.Context, id string) (jobs.Job, error)
	List(ctx context.Context) ([]jobs.Job, error)
	ListByStatus(ctx context.Context, statuses ...jobs.Status) ([]jobs.Job, error)
	SetStatus(ctx context.Context, id string, status jobs.Status) error
	SetRunning(ctx context.Context, id string, pid int, logPath string) error
	SetError(ctx context.Context, id string, msg string) error
	Delete(ctx context.Context, id string) error
}

const stopGrace = 10 * time.Second

type Orchestrator struct {
	store   JobStore
	dataDir string
	log     *logrus.Entry

	// execPath is the binary relaunched for each job; defaults to the
	// current executable.
	execPath string
	execArgs []string
}

func New(store JobStore, dataDir string, log *logrus.Entry) (*Orchestrator, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{store: store, dataDir: dataDir, log: log, execPath: self}, nil
}

func (o *Orchestrator) jobLogPath(id string) string {
	return filepath.Join(o.dataDir, "jobs", id+".log")
}

// Create validates and persists a job spec, then launches its process.
func (o *Orchestrator) Create(ctx context.Context, spec jobs.Spec) (jobs.Job, error) {
	j, err := o.store.Create(ctx, spec)
	if err != nil {
		return jobs.Job{}, err
	}
	if _, err := o.launch(ctx, j); err != nil {
		_ = o.store.SetError(ctx, j.ID, err.Error())
		_ = o.store.SetStatus(ctx, j.ID, jobs.StatusFailed)
		return jobs.Job{}, err
	}
	return o.store.Get(ctx, j.ID)
}

// launch starts the child that will own the job loop. Its stdout/stderr go
// to the job's dedicated log file so the job is inspectable without attaching.
func (o *Orchestrator) launch(ctx context.Context, j jobs.Job) (int, error) {
	logPath := o.jobLogPath(j.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	args := append(append([]string{}, o.execArgs...), "job", "run", j.ID)
	cmd := exec.Command(o.execPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start job process: %w", err)
	}
	pid := cmd.Process.Pid

	// the child is disowned; reap it from a goroutine so it never zombies
	// while this process lives
	go func() { _ = cmd.Wait() }()

	o.log.WithFields(logrus.Fields{"job": j.ID, "pid": pid}).Info("job process started")
	return pid, o.store.SetRunning(ctx, j.ID, pid, logPath)
}

// Stop terminates the job's process: SIGTERM, a grace period, then SIGKILL.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.PID > 0 && pidAlive(j.PID) {
		_ = syscall.Kill(j.PID, syscall.SIGTERM)
		deadline := time.Now().Add(stopGrace)
		for pidAlive(j.PID) {
			if time.Now().After(deadline) {
				o.log.WithField("pid", j.PID).Warn("job ignored SIGTERM, killing")
				_ = syscall.Kill(j.PID, syscall.SIGKILL)
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
	return o.store.SetStatus(ctx, id, jobs.StatusStopped)
}

// Pause suspends a monitor job's process without destroying its state.
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Kind != jobs.KindMonitor {
		return fmt.Errorf("only monitor jobs can be paused")
	}
	if j.Status != jobs.StatusRunning {
		return fmt.Errorf("job is %s, not running", j.Status)
	}
	if j.PID > 0 && pidAlive(j.PID) {
		if err := syscall.Kill(j.PID, syscall.SIGSTOP); err != nil {
			return fmt.Errorf("pause pid %d: %w", j.PID, err)
		}
	}
	return o.store.SetStatus(ctx, id, jobs.StatusPaused)
}

func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != jobs.StatusPaused {
		return fmt.Errorf("job is %s, not paused", j.Status)
	}
	if j.PID > 0 && pidAlive(j.PID) {
		if err := syscall.Kill(j.PID, syscall.SIGCONT); err != nil {
			return fmt.Errorf("resume pid %d: %w", j.PID, err)
		}
		return o.store.SetStatus(ctx, id, jobs.StatusRunning)
	}
	// process died while paused; relaunch from the persisted spec
	_, err = o.launch(ctx, j)
	return err
}

// Delete stops the job if needed and removes its record. The log file is
// kept for postmortems.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		if err := o.Stop(ctx, id); err != nil {
			return err
		}
	}
	return o.store.Delete(ctx, id)
}

// Recover reconciles the job table with live processes after a restart:
// jobs recorded running (or paused) whose pid is gone are relaunched from
// their persisted spec, with a note in their log.
func (o *Orchestrator) Recover(ctx context.Context) error {
	list, err := o.store.ListByStatus(ctx, jobs.StatusRunning, jobs.StatusPaused)
	if err != nil {
		return err
	}
	for _, j := range list {
		if j.PID > 0 && pidAlive(j.PID) {
			o.log.WithFields(logrus.Fields{"job": j.ID, "pid": j.PID}).Debug("job process still alive")
			continue
		}
		o.appendJobLog(j, fmt.Sprintf("recovery: process %d not found, relaunching", j.PID))
		o.log.WithFields(logrus.Fields{"job": j.ID, "dead_pid": j.PID}).Warn("relaunching dead job")
		pid, err := o.launch(ctx, j)
		if err != nil {
			_ = o.store.SetError(ctx, j.ID, err.Error())
			_ = o.store.SetStatus(ctx, j.ID, jobs.StatusFailed)
			o.log.WithError(err).WithField("job", j.ID).Error("relaunch failed")
			continue
		}
		if j.Status == jobs.StatusPaused {
			// a restart must not undo an operator's pause
			_ = syscall.Kill(pid, syscall.SIGSTOP)
			_ = o.store.SetStatus(ctx, j.ID, jobs.StatusPaused)
			o.appendJobLog(j, "recovery: job was paused, suspending relaunched process")
		}
	}
	return nil
}

func (o *Orchestrator) appendJobLog(j jobs.Job, msg string) {
	path := j.LogPath
	if path == "" {
		path = o.jobLogPath(j.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s [orchestrator] %s\n", time.Now().Format(time.RFC3339), msg)
}

// TailLog returns up to n trailing bytes of a job's log.
func (o *Orchestrator) TailLog(ctx context.Context, id string, n int64) ([]byte, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	path := j.LogPath
	if path == "" {
		path = o.jobLogPath(j.ID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if n <= 0 || st.Size() <= n {
		n = st.Size()
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, st.Size()-n); err != nil {
		return nil, err
	}
	return buf, nil
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
