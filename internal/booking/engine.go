// Package booking holds the decision engine: given aggregated availability
// and a job's policy, decide which slot to book and drive the submission
// through the account failover router.
package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/failover"
	"github.com/example/venue-scheduler/internal/jobs"
	"github.com/example/venue-scheduler/internal/monitor"
	"github.com/example/venue-scheduler/internal/sports"
	"github.com/example/venue-scheduler/internal/telemetry"
)

// Booker performs the per-account submission round trip. Implemented by
// *sports.Client bound to one account's session.
type Booker interface {
	RefreshSlot(ctx context.Context, target sports.ResolvedTarget, date, start, end string) (sports.Slot, error)
	PlaceOrder(ctx context.Context, target sports.ResolvedTarget, slot sports.Slot) (sports.SubmissionResult, error)
}

// BookerFactory binds a booker to one account's session.
type BookerFactory func(account creds.Account) Booker

// AccountSource yields the usable accounts for a submission and flags the
// ones the platform rejects. Implemented by *creds.Store.
type AccountSource interface {
	Usable(nicknames []string, now time.Time) ([]creds.Account, error)
	Invalidate(nickname string) error
}

// ReissueFunc mints a fresh session for an account whose stored one the
// platform rejected, persisting it along the way. Optional: without one a
// rejected account stays flagged until an operator re-logs it in.
type ReissueFunc func(ctx context.Context, account creds.Account) (creds.Account, error)

// Recorder persists job state and the submission audit trail. Implemented by
// *jobs.Repo.
type Recorder interface {
	SaveState(ctx context.Context, id string, st jobs.State) error
	MarkAttempt(ctx context.Context, a jobs.Attempt) error
}

// Tuning carries the submission knobs shared by monitor and schedule jobs.
type Tuning struct {
	RefreshRounds   int
	RefreshInterval time.Duration
	AdjacentOffset  time.Duration
}

type Engine struct {
	mon      *monitor.Monitor
	factory  BookerFactory
	accounts AccountSource
	router   *failover.Router
	rec      Recorder
	tuning   Tuning
	log      *logrus.Entry

	reissue ReissueFunc

	now   func() time.Time
	sleep func(time.Duration)
}

// SetReissue wires the re-login hook used when a submission hits a rejected
// session.
func (e *Engine) SetReissue(fn ReissueFunc) { e.reissue = fn }

func New(mon *monitor.Monitor, factory BookerFactory, accounts AccountSource, rec Recorder, tuning Tuning, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if tuning.RefreshRounds < 1 {
		tuning.RefreshRounds = 1
	}
	return &Engine{
		mon:      mon,
		factory:  factory,
		accounts: accounts,
		router:   failover.New(),
		rec:      rec,
		tuning:   tuning,
		log:      log,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// RunMonitor is the poll-and-decide loop for one monitor job. It returns the
// job's terminal status, or an error for configuration-level failures.
func (e *Engine) RunMonitor(ctx context.Context, job jobs.Job) (jobs.Status, error) {
	spec := job.Spec.Monitor
	if spec == nil {
		return jobs.StatusFailed, &sports.ConfigError{Reason: "job has no monitor spec"}
	}
	state := job.State

	var deadline time.Time
	if spec.MaxRuntime > 0 {
		deadline = e.now().Add(spec.MaxRuntime.Duration())
	}

	ticker := time.NewTicker(spec.Interval.Duration())
	defer ticker.Stop()

	for {
		now := e.now()
		if !deadline.IsZero() && now.After(deadline) {
			e.log.Info("max runtime reached")
			return jobs.StatusCompleted, nil
		}
		if insideOperatingWindow(now, spec.OperatingStartHour, spec.OperatingEndHour) {
			done, err := e.pollOnce(ctx, job.ID, spec, &state)
			if err != nil {
				if sports.IsConfig(err) {
					state.LastError = err.Error()
					_ = e.rec.SaveState(ctx, job.ID, state)
					return jobs.StatusFailed, err
				}
				// transport-level faults mean no booking this cycle
				e.log.WithError(err).Warn("poll cycle failed")
				state.LastError = err.Error()
			} else {
				state.LastError = ""
			}
			if err := e.rec.SaveState(ctx, job.ID, state); err != nil {
				e.log.WithError(err).Error("persist state")
			}
			if done {
				return jobs.StatusCompleted, nil
			}
		}

		select {
		case <-ctx.Done():
			return jobs.StatusStopped, nil
		case <-ticker.C:
		}
	}
}

// pollOnce fetches availability, updates state, and books when the policy
// triggers. done=true means the job's goal is fully met.
func (e *Engine) pollOnce(ctx context.Context, jobID string, spec *jobs.MonitorSpec, state *jobs.State) (done bool, err error) {
	telemetry.PollCycles.Inc()
	state.LastCheck = e.now()

	windows, err := e.collect(ctx, spec)
	if err != nil {
		return false, err
	}
	state.FoundWindows = windows

	candidates := e.selectCandidates(spec, state, windows)
	if len(candidates) == 0 || !spec.AutoBook {
		return false, nil
	}

	for _, w := range candidates {
		done, err := e.book(ctx, jobID, spec.Accounts, spec.RequireAllAccounts, state, w)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if len(state.SucceededAccounts) > 0 {
			// partial all-accounts progress: stay on the anchored window,
			// do not fan out to other candidates this job's lifetime
			return false, nil
		}
	}
	return false, nil
}

func (e *Engine) collect(ctx context.Context, spec *jobs.MonitorSpec) ([]monitor.AvailabilityWindow, error) {
	if len(spec.Dates) > 0 {
		var out []monitor.AvailabilityWindow
		for _, date := range spec.Dates {
			slots, skipped, err := e.mon.CheckDay(ctx, date)
			if err != nil {
				return nil, err
			}
			if skipped {
				continue
			}
			out = append(out, monitor.Aggregate(slots)...)
		}
		return out, nil
	}

	var out []monitor.AvailabilityWindow
	for day := range e.mon.StreamAll(ctx) {
		if day.Err != nil {
			return nil, day.Err
		}
		out = append(out, day.Windows...)
	}
	return out, nil
}

// selectCandidates filters windows by the policy and orders them by desirability:
// preferred hours in the order configured, then earlier dates first.
func (e *Engine) selectCandidates(spec *jobs.MonitorSpec, state *jobs.State, windows []monitor.AvailabilityWindow) []monitor.AvailabilityWindow {
	anchored := spec.RequireAllAccounts && state.AnchorStart != ""

	var out []monitor.AvailabilityWindow
	for _, w := range windows {
		if w.AvailableCount == 0 {
			continue
		}
		if anchored {
			if w.Date != state.AnchorDate || !withinOffset(w.Start, state.AnchorStart, e.tuning.AdjacentOffset) {
				continue
			}
		} else {
			if len(spec.PreferredHours) > 0 && !containsInt(spec.PreferredHours, startHour(w.Start)) {
				continue
			}
			if len(spec.PreferredDays) > 0 {
				d, err := time.Parse("2006-01-02", w.Date)
				if err != nil || !containsInt(spec.PreferredDays, int(d.Weekday())) {
					continue
				}
			}
		}
		out = append(out, w)
	}

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := hourRank(spec.PreferredHours, startHour(out[i].Start)), hourRank(spec.PreferredHours, startHour(out[j].Start))
		if pi != pj {
			return pi < pj
		}
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// book submits one window through the failover router. done=true means the
// job's completion policy is satisfied.
func (e *Engine) book(ctx context.Context, jobID string, accountNames []string, requireAll bool, state *jobs.State, w monitor.AvailabilityWindow) (bool, error) {
	accounts, err := e.accounts.Usable(accountNames, e.now())
	if err != nil {
		return false, err
	}
	if len(accounts) == 0 {
		return false, &sports.ConfigError{Reason: "no usable accounts"}
	}

	attempt := e.attemptFunc(ctx, jobID, w)

	if !requireAll {
		state.BookingAttempts++
		res, err := e.router.Submit(ctx, accounts, attempt)
		if err != nil {
			if errors.Is(err, failover.ErrAllRateLimited) {
				e.log.Warn("every account rate limited, backing off until next poll")
				return false, nil
			}
			return false, err
		}
		if res.Succeeded() {
			state.MarkSucceeded(res.Nickname)
			e.log.WithFields(logrus.Fields{"account": res.Nickname, "order": res.OrderID}).Info("booked")
			return true, nil
		}
		return false, nil
	}

	// all-accounts policy: replaying winners is forbidden, only the laggards retry
	pending := accounts[:0:0]
	for _, a := range accounts {
		if !state.HasSucceeded(a.Nickname) {
			pending = append(pending, a)
		}
	}
	if len(pending) == 0 {
		return true, nil
	}

	state.BookingAttempts++
	multi := e.router.SubmitAll(ctx, pending, attempt)
	for _, res := range multi.PerAccount {
		if res.Succeeded() {
			state.MarkSucceeded(res.Nickname)
			if state.AnchorStart == "" {
				state.AnchorDate, state.AnchorStart = w.Date, w.Start
			}
		}
	}
	remaining := 0
	for _, a := range accounts {
		if !state.HasSucceeded(a.Nickname) {
			remaining++
		}
	}
	return remaining == 0, nil
}

// attemptFunc builds the per-account round trip. A rejected session is
// flagged in the store and, when a re-issue hook is wired, replaced with a
// freshly minted one for a single retry.
func (e *Engine) attemptFunc(ctx context.Context, jobID string, w monitor.AvailabilityWindow) failover.AttemptFunc {
	return func(ctx context.Context, account creds.Account) (sports.SubmissionResult, error) {
		res, err := e.submitOnce(ctx, jobID, account, w)
		if !authRejected(res, err) {
			return res, err
		}
		fresh, ok := e.recoverSession(ctx, account)
		if !ok {
			return res, err
		}
		return e.submitOnce(ctx, jobID, fresh, w)
	}
}

// submitOnce is one submission round trip: re-fetch the slot (fresh sign, a
// stored one is stale by contract), then place the order.
func (e *Engine) submitOnce(ctx context.Context, jobID string, account creds.Account, w monitor.AvailabilityWindow) (sports.SubmissionResult, error) {
	b := e.factory(account)
	target := e.mon.Target()

	var slot sports.Slot
	var err error
	for round := 0; round < e.tuning.RefreshRounds; round++ {
		slot, err = b.RefreshSlot(ctx, target, w.Date, w.Start, w.End)
		if err == nil {
			break
		}
		if !errors.Is(err, sports.ErrSlotGone) || round == e.tuning.RefreshRounds-1 {
			break
		}
		e.sleep(e.tuning.RefreshInterval)
	}
	if err != nil {
		return sports.SubmissionResult{}, err
	}

	res, err := b.PlaceOrder(ctx, target, slot)
	e.record(ctx, jobID, account.Nickname, w, res, err)
	return res, err
}

// recoverSession flags the rejected session so it is never submitted again,
// then asks the re-issue hook for a replacement.
func (e *Engine) recoverSession(ctx context.Context, account creds.Account) (creds.Account, bool) {
	if err := e.accounts.Invalidate(account.Nickname); err != nil {
		e.log.WithError(err).WithField("account", account.Nickname).Error("flag rejected session")
	}
	if e.reissue == nil {
		e.log.WithField("account", account.Nickname).Warn("session rejected, account needs re-login")
		return creds.Account{}, false
	}
	fresh, err := e.reissue(ctx, account)
	if err != nil {
		e.log.WithError(err).WithField("account", account.Nickname).Warn("session re-issue failed")
		return creds.Account{}, false
	}
	e.log.WithField("account", account.Nickname).Info("session re-issued")
	return fresh, true
}

func authRejected(res sports.SubmissionResult, err error) bool {
	return errors.Is(err, sports.ErrAuthExpired) || res.Outcome == sports.OutcomeAuthExpired
}

func (e *Engine) record(ctx context.Context, jobID, nickname string, w monitor.AvailabilityWindow, res sports.SubmissionResult, err error) {
	window := w.Start
	if w.End != "" {
		window = fmt.Sprintf("%s-%s", w.Start, w.End)
	}
	a := jobs.Attempt{
		JobID:      jobID,
		Account:    nickname,
		SlotDate:   w.Date,
		SlotWindow: window,
		Outcome:    res.Outcome.String(),
		OrderID:    res.OrderID,
		Message:    res.Message,
	}
	if err != nil {
		a.Message = err.Error()
	}
	telemetry.SubmitAttempts.WithLabelValues(a.Outcome).Inc()
	if err == nil && res.Outcome == sports.OutcomeSuccess {
		telemetry.BookingsWon.Inc()
	}
	if err := e.rec.MarkAttempt(ctx, a); err != nil {
		e.log.WithError(err).Warn("record attempt")
	}
}

func insideOperatingWindow(now time.Time, startHour, endHour int) bool {
	if startHour == 0 && endHour == 0 {
		return true
	}
	h := now.Hour()
	if startHour <= endHour {
		return h >= startHour && h < endHour
	}
	// window wraps midnight
	return h >= startHour || h < endHour
}

func startHour(s string) int {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return -1
	}
	h, err := strconv.Atoi(s[:i])
	if err != nil {
		return -1
	}
	return h
}

func startMinutes(s string) int {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return -1
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return -1
	}
	return h*60 + m
}

func withinOffset(start, anchor string, offset time.Duration) bool {
	a, b := startMinutes(start), startMinutes(anchor)
	if a < 0 || b < 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Minute <= offset
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// hourRank orders a start hour by its position in the preference list;
// unlisted hours sort last.
func hourRank(prefs []int, h int) int {
	for i, p := range prefs {
		if p == h {
			return i
		}
	}
	return len(prefs)
}
