// Package jobs defines the durable job model: what a background job is asked
// to do (Spec), what it has accomplished so far (State), and the Postgres
// repo that is the single source of truth across processes.
package jobs

import (
	"fmt"
	"time"

	"github.com/example/venue-scheduler/internal/monitor"
	"github.com/example/venue-scheduler/internal/sports"
)

type Kind string

const (
	KindMonitor   Kind = "monitor"
	KindSchedule  Kind = "schedule"
	KindKeepAlive Kind = "keep_alive"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status will never change on its own.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusFailed
}

// MonitorSpec configures a poll-and-decide loop.
type MonitorSpec struct {
	Target   sports.Target `json:"target"`
	Interval Seconds       `json:"interval_seconds"`
	AutoBook bool          `json:"auto_book"`

	// booking policy
	PreferredHours     []int    `json:"preferred_hours,omitempty"`
	PreferredDays      []int    `json:"preferred_days,omitempty"` // time.Weekday values
	Accounts           []string `json:"accounts,omitempty"`       // empty = all usable
	RequireAllAccounts bool     `json:"require_all_accounts"`
	Dates              []string `json:"dates,omitempty"` // explicit; empty = all open dates
	OperatingStartHour int      `json:"operating_start_hour"`
	OperatingEndHour   int      `json:"operating_end_hour"`
	MaxRuntime         Seconds  `json:"max_runtime_seconds,omitempty"`
}

// ScheduleSpec configures an arm-and-fire job.
type ScheduleSpec struct {
	Target             sports.Target `json:"target"`
	FireHour           int           `json:"fire_hour"`
	FireMinute         int           `json:"fire_minute"`
	FireSecond         int           `json:"fire_second"`
	StartHours         []int         `json:"start_hours"` // candidate slot start hours, tried in order
	Accounts           []string      `json:"accounts,omitempty"`
	RequireAllAccounts bool          `json:"require_all_accounts"`
	DateOffset         int           `json:"date_offset"` // days ahead of the fire date
	RecurDaily         bool          `json:"recur_daily"`
}

// KeepAliveSpec configures the session-refresh loop.
type KeepAliveSpec struct {
	Interval Seconds `json:"interval_seconds"`
}

// Spec is the declarative configuration of one background job. Exactly one of
// the kind-specific fields is set.
type Spec struct {
	Kind      Kind           `json:"kind"`
	Name      string         `json:"name"`
	Monitor   *MonitorSpec   `json:"monitor,omitempty"`
	Schedule  *ScheduleSpec  `json:"schedule,omitempty"`
	KeepAlive *KeepAliveSpec `json:"keep_alive,omitempty"`
}

func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name required")
	}
	switch s.Kind {
	case KindMonitor:
		m := s.Monitor
		if m == nil {
			return fmt.Errorf("monitor spec required")
		}
		if m.Target.VenueID == "" && m.Target.VenueKeyword == "" {
			return fmt.Errorf("target venue required")
		}
		if m.Interval.Duration() < time.Second {
			return fmt.Errorf("interval_seconds must be >= 1")
		}
		for _, h := range m.PreferredHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("preferred hour %d out of range", h)
			}
		}
		for _, d := range m.PreferredDays {
			if d < 0 || d > 6 {
				return fmt.Errorf("preferred day %d out of range", d)
			}
		}
		if m.OperatingStartHour < 0 || m.OperatingStartHour > 23 ||
			m.OperatingEndHour < 0 || m.OperatingEndHour > 24 {
			return fmt.Errorf("operating window out of range")
		}
	case KindSchedule:
		sc := s.Schedule
		if sc == nil {
			return fmt.Errorf("schedule spec required")
		}
		if sc.Target.VenueID == "" && sc.Target.VenueKeyword == "" {
			return fmt.Errorf("target venue required")
		}
		if sc.FireHour < 0 || sc.FireHour > 23 || sc.FireMinute < 0 || sc.FireMinute > 59 ||
			sc.FireSecond < 0 || sc.FireSecond > 59 {
			return fmt.Errorf("fire time out of range")
		}
		if len(sc.StartHours) == 0 {
			return fmt.Errorf("start_hours required")
		}
		for _, h := range sc.StartHours {
			if h < 0 || h > 23 {
				return fmt.Errorf("start hour %d out of range", h)
			}
		}
		if sc.DateOffset < 0 {
			return fmt.Errorf("date_offset must be >= 0")
		}
	case KindKeepAlive:
		if s.KeepAlive == nil || s.KeepAlive.Interval.Duration() < time.Minute {
			return fmt.Errorf("keep_alive interval must be >= 1m")
		}
	default:
		return fmt.Errorf("unknown job kind %q", s.Kind)
	}
	return nil
}

// Seconds serializes a duration as integer seconds in JSON, which is what the
// job specs store.
type Seconds int64

func (s Seconds) Duration() time.Duration { return time.Duration(s) * time.Second }

func DurationSeconds(d time.Duration) Seconds { return Seconds(d / time.Second) }

// State is the mutable runtime snapshot of a job. It is a value object: the
// job loop mutates its copy and persists the whole thing on every mutation,
// so there is no implicit shared state between processes.
type State struct {
	LastCheck          time.Time                    `json:"last_check,omitempty"`
	FoundWindows       []monitor.AvailabilityWindow `json:"found_windows,omitempty"`
	BookingAttempts    int                          `json:"booking_attempts"`
	SuccessfulBookings int                          `json:"successful_bookings"`
	SucceededAccounts  []string                     `json:"succeeded_accounts,omitempty"`
	LastError          string                       `json:"last_error,omitempty"`

	// Anchor pins the first successful booking's window so later accounts in
	// an all-accounts job stay timewise-adjacent to it.
	AnchorDate  string `json:"anchor_date,omitempty"`
	AnchorStart string `json:"anchor_start,omitempty"`
}

// MarkSucceeded records one account's booking, idempotently.
func (st *State) MarkSucceeded(nickname string) {
	for _, n := range st.SucceededAccounts {
		if n == nickname {
			return
		}
	}
	st.SucceededAccounts = append(st.SucceededAccounts, nickname)
	st.SuccessfulBookings++
}

// HasSucceeded reports whether the account already booked in this job.
func (st *State) HasSucceeded(nickname string) bool {
	for _, n := range st.SucceededAccounts {
		if n == nickname {
			return true
		}
	}
	return false
}

// Job is the durable record of one background OS process.
type Job struct {
	ID     string
	Kind   Kind
	Name   string
	Spec   Spec
	State  State
	Status Status

	PID       int
	LogPath   string
	LastError string

	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
}

// Attempt is one recorded submission.
type Attempt struct {
	JobID      string
	Account    string
	SlotDate   string
	SlotWindow string
	Outcome    string
	OrderID    string
	Message    string
}
