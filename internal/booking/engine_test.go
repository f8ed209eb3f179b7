package booking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/jobs"
	"github.com/example/venue-scheduler/internal/monitor"
	"github.com/example/venue-scheduler/internal/sports"
)

type fakeSource struct {
	slots map[string][]sports.Slot
	polls int
	// openOnPoll makes the slot set appear only from the nth poll on
	openOnPoll int
}

func (f *fakeSource) QuerySlots(ctx context.Context, target sports.ResolvedTarget, date string) ([]sports.Slot, error) {
	f.polls++
	if f.openOnPoll > 0 && f.polls < f.openOnPoll {
		return nil, nil
	}
	return f.slots[date], nil
}

func (f *fakeSource) ListAvailableDates(ctx context.Context, venueID, fieldTypeID string) ([]sports.DateToken, error) {
	var out []sports.DateToken
	for d := range f.slots {
		out = append(out, sports.DateToken{Date: d})
	}
	return out, nil
}

func (f *fakeSource) QueryReserveSummary(ctx context.Context, target sports.ResolvedTarget, date string) ([]sports.SummaryEntry, error) {
	return nil, nil
}

// fakeBooker hands out a fresh sign per refresh and records what was
// submitted. boundBooker binds it to one account the way WithSession binds
// the real client.
type fakeBooker struct {
	mu        sync.Mutex
	refreshes int
	submitted []sports.Slot
	outcomes  map[string]sports.Outcome // session cookie or account -> scripted outcome
}

type boundBooker struct {
	parent  *fakeBooker
	account string
	session string
}

func (b boundBooker) RefreshSlot(ctx context.Context, target sports.ResolvedTarget, date, start, end string) (sports.Slot, error) {
	b.parent.mu.Lock()
	defer b.parent.mu.Unlock()
	b.parent.refreshes++
	return sports.Slot{
		Date: date, Start: start, End: end,
		SubSiteID: "1", Sign: fmt.Sprintf("sign-%d", b.parent.refreshes), Remain: 1,
	}, nil
}

func (b boundBooker) PlaceOrder(ctx context.Context, target sports.ResolvedTarget, slot sports.Slot) (sports.SubmissionResult, error) {
	b.parent.mu.Lock()
	defer b.parent.mu.Unlock()
	b.parent.submitted = append(b.parent.submitted, slot)
	out, ok := b.parent.outcomes[b.session]
	if !ok {
		out, ok = b.parent.outcomes[b.account]
	}
	if !ok {
		out = sports.OutcomeSuccess
	}
	res := sports.SubmissionResult{Outcome: out}
	if out == sports.OutcomeSuccess {
		res.OrderID = "ord-" + b.account
	}
	return res, nil
}

// fakeAccounts filters flagged accounts out of Usable the way the real store
// does.
type fakeAccounts struct {
	mu          sync.Mutex
	list        []creds.Account
	invalidated []string
}

func (f *fakeAccounts) Usable(nicknames []string, now time.Time) ([]creds.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pool := f.list
	if len(nicknames) > 0 {
		pool = nil
		for _, n := range nicknames {
			for _, a := range f.list {
				if a.Nickname == n {
					pool = append(pool, a)
				}
			}
		}
	}
	var out []creds.Account
	for _, a := range pool {
		if !f.flagged(a.Nickname) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) Invalidate(nickname string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.flagged(nickname) {
		f.invalidated = append(f.invalidated, nickname)
	}
	return nil
}

func (f *fakeAccounts) flagged(nickname string) bool {
	for _, n := range f.invalidated {
		if n == nickname {
			return true
		}
	}
	return false
}

type fakeRecorder struct {
	mu       sync.Mutex
	states   []jobs.State
	attempts []jobs.Attempt
}

func (f *fakeRecorder) SaveState(ctx context.Context, id string, st jobs.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, st)
	return nil
}

func (f *fakeRecorder) MarkAttempt(ctx context.Context, a jobs.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func testEngine(src *fakeSource, booker *fakeBooker, accts *fakeAccounts, rec *fakeRecorder) *Engine {
	mon := monitor.New(src, sports.ResolvedTarget{VenueID: "9", FieldTypeID: "3"})
	factory := func(a creds.Account) Booker {
		return boundBooker{parent: booker, account: a.Nickname, session: a.Cookie}
	}
	e := New(mon, factory, accts, rec, Tuning{
		RefreshRounds:   2,
		RefreshInterval: time.Millisecond,
		AdjacentOffset:  time.Hour,
	}, nil)
	e.sleep = func(time.Duration) {}
	return e
}

func monitorSpec() *jobs.MonitorSpec {
	return &jobs.MonitorSpec{
		Target:         sports.Target{VenueID: "9", FieldTypeID: "3"},
		Interval:       jobs.Seconds(1),
		AutoBook:       true,
		PreferredHours: []int{18},
		Dates:          []string{"2026-03-09"},
	}
}

func TestPollOnceBooksPreferredWindowOnce(t *testing.T) {
	src := &fakeSource{
		openOnPoll: 3,
		slots: map[string][]sports.Slot{
			"2026-03-09": {
				{Date: "2026-03-09", Start: "18:00", End: "19:00", SubSiteID: "1", Sign: "poll-sign", Remain: 1},
				{Date: "2026-03-09", Start: "10:00", End: "11:00", SubSiteID: "1", Sign: "x", Remain: 3},
			},
		},
	}
	booker := &fakeBooker{}
	rec := &fakeRecorder{}
	e := testEngine(src, booker, &fakeAccounts{list: []creds.Account{{Nickname: "A", Cookie: "c"}}}, rec)

	spec := monitorSpec()
	state := &jobs.State{}
	ctx := context.Background()

	// polls 1 and 2 find nothing and must not submit
	for i := 0; i < 2; i++ {
		done, err := e.pollOnce(ctx, "job-1", spec, state)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Empty(t, booker.submitted)
	}

	// poll 3: the 18:00 window opens, exactly one submission goes out
	done, err := e.pollOnce(ctx, "job-1", spec, state)
	require.NoError(t, err)
	assert.True(t, done)
	require.Len(t, booker.submitted, 1)

	got := booker.submitted[0]
	assert.Equal(t, "18:00", got.Start, "only the preferred hour is booked")
	assert.Equal(t, "sign-1", got.Sign, "the submission uses a freshly fetched sign, not the poll's")
	assert.Equal(t, 1, state.SuccessfulBookings)
	assert.Equal(t, []string{"A"}, state.SucceededAccounts)

	require.Len(t, rec.attempts, 1)
	assert.Equal(t, "success", rec.attempts[0].Outcome)
}

func TestPollOnceNoAutoBookJustObserves(t *testing.T) {
	src := &fakeSource{
		slots: map[string][]sports.Slot{
			"2026-03-09": {{Date: "2026-03-09", Start: "18:00", End: "19:00", SubSiteID: "1", Sign: "s", Remain: 1}},
		},
	}
	booker := &fakeBooker{}
	rec := &fakeRecorder{}
	e := testEngine(src, booker, &fakeAccounts{list: []creds.Account{{Nickname: "A"}}}, rec)

	spec := monitorSpec()
	spec.AutoBook = false
	state := &jobs.State{}

	done, err := e.pollOnce(context.Background(), "job-1", spec, state)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, booker.submitted)
	require.Len(t, state.FoundWindows, 1)
	assert.Equal(t, "18:00", state.FoundWindows[0].Start)
}

func TestAllAccountsPartialSuccessKeepsJobOpen(t *testing.T) {
	src := &fakeSource{
		slots: map[string][]sports.Slot{
			"2026-03-09": {{Date: "2026-03-09", Start: "18:00", End: "19:00", SubSiteID: "1", Sign: "s", Remain: 2}},
		},
	}
	booker := &fakeBooker{outcomes: map[string]sports.Outcome{"B": sports.OutcomeSlotGone}}
	rec := &fakeRecorder{}
	accts := &fakeAccounts{list: []creds.Account{{Nickname: "A"}, {Nickname: "B"}}}
	e := testEngine(src, booker, accts, rec)

	spec := monitorSpec()
	spec.RequireAllAccounts = true
	spec.Accounts = []string{"A", "B"}
	state := &jobs.State{}

	done, err := e.pollOnce(context.Background(), "job-1", spec, state)
	require.NoError(t, err)
	assert.False(t, done, "B has not booked, the job stays in progress")
	assert.True(t, state.HasSucceeded("A"))
	assert.False(t, state.HasSucceeded("B"))
	assert.Equal(t, "2026-03-09", state.AnchorDate)
	assert.Equal(t, "18:00", state.AnchorStart)

	// next cycle: B comes around, A must not be replayed
	booker.outcomes["B"] = sports.OutcomeSuccess
	before := len(booker.submitted)
	done, err = e.pollOnce(context.Background(), "job-1", spec, state)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, before+1, len(booker.submitted), "only the laggard retried")
	assert.True(t, state.HasSucceeded("B"))
}

func TestRejectedSessionIsFlaggedNotResubmitted(t *testing.T) {
	src := &fakeSource{
		slots: map[string][]sports.Slot{
			"2026-03-09": {{Date: "2026-03-09", Start: "18:00", End: "19:00", SubSiteID: "1", Sign: "s", Remain: 1}},
		},
	}
	booker := &fakeBooker{outcomes: map[string]sports.Outcome{"A": sports.OutcomeAuthExpired}}
	rec := &fakeRecorder{}
	accts := &fakeAccounts{list: []creds.Account{{Nickname: "A", Cookie: "stale"}}}
	e := testEngine(src, booker, accts, rec)

	spec := monitorSpec()
	state := &jobs.State{}

	done, err := e.pollOnce(context.Background(), "job-1", spec, state)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, booker.submitted, 1)
	assert.Equal(t, []string{"A"}, accts.invalidated, "the rejected session is flagged in the store")

	// the next cycles must not present the dead cookie again
	_, err = e.pollOnce(context.Background(), "job-1", spec, state)
	require.Error(t, err)
	assert.True(t, sports.IsConfig(err), "no usable accounts left is a configuration-level failure")
	assert.Len(t, booker.submitted, 1, "the dead session was not retried")
}

func TestRejectedSessionReissuedAndRetried(t *testing.T) {
	src := &fakeSource{
		slots: map[string][]sports.Slot{
			"2026-03-09": {{Date: "2026-03-09", Start: "18:00", End: "19:00", SubSiteID: "1", Sign: "s", Remain: 1}},
		},
	}
	booker := &fakeBooker{outcomes: map[string]sports.Outcome{
		"stale": sports.OutcomeAuthExpired,
		"fresh": sports.OutcomeSuccess,
	}}
	rec := &fakeRecorder{}
	accts := &fakeAccounts{list: []creds.Account{{Nickname: "A", Cookie: "stale", Password: "pw"}}}
	e := testEngine(src, booker, accts, rec)

	var reissued []string
	e.SetReissue(func(ctx context.Context, a creds.Account) (creds.Account, error) {
		reissued = append(reissued, a.Nickname)
		a.Cookie = "fresh"
		return a, nil
	})

	state := &jobs.State{}
	done, err := e.pollOnce(context.Background(), "job-1", monitorSpec(), state)
	require.NoError(t, err)
	assert.True(t, done, "the re-issued session completes the booking")
	require.Len(t, booker.submitted, 2, "one rejected attempt plus one retry")
	assert.Equal(t, []string{"A"}, reissued)
	assert.Equal(t, []string{"A"}, accts.invalidated, "the stale session was still flagged")
	assert.Equal(t, 1, state.SuccessfulBookings)

	require.Len(t, rec.attempts, 2, "both attempts land in the audit trail")
	assert.Equal(t, "auth_expired", rec.attempts[0].Outcome)
	assert.Equal(t, "success", rec.attempts[1].Outcome)
}

func TestSelectCandidatesFiltersAndRanks(t *testing.T) {
	e := testEngine(&fakeSource{}, &fakeBooker{}, nil, &fakeRecorder{})
	spec := &jobs.MonitorSpec{PreferredHours: []int{19, 18}}
	windows := []monitor.AvailabilityWindow{
		{Date: "2026-03-09", Start: "18:00", End: "19:00", AvailableCount: 1},
		{Date: "2026-03-09", Start: "19:00", End: "20:00", AvailableCount: 1},
		{Date: "2026-03-09", Start: "20:00", End: "21:00", AvailableCount: 1},
		{Date: "2026-03-09", Start: "17:00", End: "18:00", AvailableCount: 0},
	}

	got := e.selectCandidates(spec, &jobs.State{}, windows)
	require.Len(t, got, 2, "unpreferred and unavailable windows are dropped")
	assert.Equal(t, "19:00", got[0].Start, "preference order, not clock order")
	assert.Equal(t, "18:00", got[1].Start)
}

func TestSelectCandidatesWeekdayFilter(t *testing.T) {
	e := testEngine(&fakeSource{}, &fakeBooker{}, nil, &fakeRecorder{})
	spec := &jobs.MonitorSpec{PreferredDays: []int{int(time.Saturday)}}
	windows := []monitor.AvailabilityWindow{
		{Date: "2026-03-07", Start: "18:00", End: "19:00", AvailableCount: 1}, // Saturday
		{Date: "2026-03-09", Start: "18:00", End: "19:00", AvailableCount: 1}, // Monday
	}

	got := e.selectCandidates(spec, &jobs.State{}, windows)
	require.Len(t, got, 1)
	assert.Equal(t, "2026-03-07", got[0].Date)
}

func TestInsideOperatingWindow(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 3, 9, h, 30, 0, 0, time.UTC) }

	assert.True(t, insideOperatingWindow(at(12), 0, 0), "0,0 means always on")
	assert.True(t, insideOperatingWindow(at(9), 8, 22))
	assert.False(t, insideOperatingWindow(at(23), 8, 22))
	assert.True(t, insideOperatingWindow(at(23), 22, 6), "window may wrap midnight")
	assert.False(t, insideOperatingWindow(at(12), 22, 6))
}
