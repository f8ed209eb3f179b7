package booking

import (
	"context"
	"fmt"

	"github.com/example/venue-scheduler/internal/jobs"
	"github.com/example/venue-scheduler/internal/monitor"
	"github.com/example/venue-scheduler/internal/sniper"
)

// RunSchedule drives one arm-and-fire job: the sniper owns the timing, the
// engine owns the booking. The caller builds the sniper from the job's fire
// time and the process tuning.
func (e *Engine) RunSchedule(ctx context.Context, job jobs.Job, sn *sniper.Sniper, offsetDays int) (jobs.Status, error) {
	spec := job.Spec.Schedule
	if spec == nil {
		return jobs.StatusFailed, fmt.Errorf("job has no schedule spec")
	}
	state := job.State

	// the booking date is pinned at warmup; computing it during the burst
	// would roll over to the next day once the fire instant passes
	var fireDate string

	warmup := func(ctx context.Context) error {
		fireDate = sn.NextFire(e.now()).AddDate(0, 0, offsetDays).Format("2006-01-02")
		// prime the session and the slot table so the burst pays no
		// first-request latency
		_, err := e.mon.FetchDay(ctx, fireDate)
		return err
	}

	attempt := func(ctx context.Context, n int) (bool, error) {
		date := fireDate
		state.BookingAttempts++
		var lastErr error
		for _, h := range spec.StartHours {
			// the end stays empty: the platform's window lengths are its own
			// business, the refresh matches on the start
			w := monitor.AvailabilityWindow{
				Date:  date,
				Start: fmt.Sprintf("%02d:00", h),
			}
			if state.AnchorStart != "" &&
				(w.Date != state.AnchorDate || !withinOffset(w.Start, state.AnchorStart, e.tuning.AdjacentOffset)) {
				continue
			}
			done, err := e.book(ctx, job.ID, spec.Accounts, spec.RequireAllAccounts, &state, w)
			if err != nil {
				lastErr = err
				continue
			}
			if done {
				_ = e.rec.SaveState(ctx, job.ID, state)
				return true, nil
			}
			if len(state.SucceededAccounts) > 0 {
				// anchored: keep hammering the anchor window, skip other hours
				break
			}
		}
		_ = e.rec.SaveState(ctx, job.ID, state)
		return false, lastErr
	}

	if err := sn.Run(ctx, warmup, attempt); err != nil {
		return jobs.StatusStopped, nil
	}

	if sn.Phase() == sniper.PhaseSucceeded {
		return jobs.StatusCompleted, nil
	}
	state.LastError = "firing burst exhausted without success"
	_ = e.rec.SaveState(ctx, job.ID, state)
	return jobs.StatusFailed, nil
}
