package sniper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances instantly on Sleep so firing sequences run in
// microseconds of real time.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time        { return f.now }
func (f *fakeClock) Sleep(d time.Duration) { f.now = f.now.Add(d) }

func testConfig() Config {
	return Config{
		FireHour:     12,
		FireMinute:   0,
		FireSecond:   0,
		WarmupLead:   35 * time.Second,
		PreWindow:    500 * time.Millisecond,
		PostWindow:   3 * time.Second,
		AttemptDelay: 350 * time.Millisecond,
		MaxAttempts:  8,
	}
}

func at(h, m, s int) time.Time {
	return time.Date(2026, 3, 2, h, m, s, 0, time.UTC)
}

func TestNextFireRollsToTomorrow(t *testing.T) {
	s := New(testConfig(), &fakeClock{}, nil)

	fire := s.NextFire(at(11, 59, 58))
	assert.Equal(t, at(12, 0, 0), fire)

	fire = s.NextFire(at(12, 0, 0))
	assert.Equal(t, at(12, 0, 0).AddDate(0, 0, 1), fire, "the fire instant itself belongs to tomorrow")
}

func TestRunWarmsUpBeforeFiring(t *testing.T) {
	clock := &fakeClock{now: at(11, 30, 0)}
	s := New(testConfig(), clock, nil)

	fire := at(12, 0, 0)
	var warmedAt, firstAttemptAt time.Time

	err := s.Run(context.Background(),
		func(ctx context.Context) error {
			warmedAt = clock.Now()
			return nil
		},
		func(ctx context.Context, n int) (bool, error) {
			if n == 1 {
				firstAttemptAt = clock.Now()
			}
			return true, nil
		})
	require.NoError(t, err)

	assert.False(t, warmedAt.IsZero(), "warmup must run")
	assert.False(t, warmedAt.Before(fire.Add(-35*time.Second)), "warmup not before the lead window")
	assert.True(t, warmedAt.Before(fire), "warmup strictly before the fire instant")

	assert.False(t, firstAttemptAt.Before(fire.Add(-500*time.Millisecond)), "first attempt inside the pre-window")
	assert.True(t, firstAttemptAt.Before(fire.Add(3*time.Second)), "first attempt before the post-window closes")
	assert.Equal(t, PhaseSucceeded, s.Phase())
}

func TestBurstStopsOnFirstSuccess(t *testing.T) {
	clock := &fakeClock{now: at(11, 59, 0)}
	s := New(testConfig(), clock, nil)

	attempts := 0
	err := s.Run(context.Background(), nil, func(ctx context.Context, n int) (bool, error) {
		attempts++
		return n == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts, "no attempts after the first success")
	assert.Equal(t, PhaseSucceeded, s.Phase())
}

func TestBurstRespectsAttemptCap(t *testing.T) {
	clock := &fakeClock{now: at(11, 59, 0)}
	cfg := testConfig()
	cfg.PostWindow = time.Hour // the cap must bind before the window does
	s := New(cfg, clock, nil)

	attempts := 0
	err := s.Run(context.Background(), nil, func(ctx context.Context, n int) (bool, error) {
		attempts++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, attempts)
	assert.Equal(t, PhaseExhausted, s.Phase())
}

func TestBurstRespectsPostWindow(t *testing.T) {
	clock := &fakeClock{now: at(11, 59, 0)}
	cfg := testConfig()
	cfg.MaxAttempts = 0 // unbounded, the window must stop it
	s := New(cfg, clock, nil)

	fire := at(12, 0, 0)
	var last time.Time
	err := s.Run(context.Background(), nil, func(ctx context.Context, n int) (bool, error) {
		last = clock.Now()
		return false, nil
	})
	require.NoError(t, err)
	assert.True(t, last.Before(fire.Add(3*time.Second)), "attempts stop once the window closes")
	assert.Equal(t, PhaseExhausted, s.Phase())
}

func TestCancelWhileWaitingButNotMidBurst(t *testing.T) {
	clock := &fakeClock{now: at(10, 0, 0)}
	s := New(testConfig(), clock, nil)

	// cancelled before arming: no attempts at all
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := s.Run(ctx, nil, func(ctx context.Context, n int) (bool, error) {
		attempts++
		return false, nil
	})
	assert.Error(t, err)
	assert.Zero(t, attempts)

	// cancelled during the burst: the attempt budget still runs out
	clock.now = at(11, 59, 59)
	s = New(testConfig(), clock, nil)
	ctx, cancel = context.WithCancel(context.Background())
	attempts = 0
	err = s.Run(ctx, nil, func(ctx context.Context, n int) (bool, error) {
		attempts++
		cancel()
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 8, attempts, "a started burst is not cancellable")
}
