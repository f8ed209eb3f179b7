package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/venue-scheduler/internal/sports"
)

func validMonitorSpec() Spec {
	return Spec{
		Kind: KindMonitor,
		Name: "badminton watch",
		Monitor: &MonitorSpec{
			Target:   sports.Target{VenueKeyword: "badminton"},
			Interval: 30,
			AutoBook: true,
		},
	}
}

func validScheduleSpec() Spec {
	return Spec{
		Kind: KindSchedule,
		Name: "noon drop",
		Schedule: &ScheduleSpec{
			Target:     sports.Target{VenueID: "105"},
			FireHour:   12,
			StartHours: []int{18, 19},
			DateOffset: 7,
		},
	}
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, validMonitorSpec().Validate())
	require.NoError(t, validScheduleSpec().Validate())
	require.NoError(t, Spec{
		Kind:      KindKeepAlive,
		Name:      "keepalive",
		KeepAlive: &KeepAliveSpec{Interval: 300},
	}.Validate())

	cases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"empty name", func(s *Spec) { s.Name = "" }},
		{"missing monitor body", func(s *Spec) { s.Monitor = nil }},
		{"no target", func(s *Spec) { s.Monitor.Target = sports.Target{} }},
		{"sub-second interval", func(s *Spec) { s.Monitor.Interval = 0 }},
		{"preferred hour 24", func(s *Spec) { s.Monitor.PreferredHours = []int{24} }},
		{"preferred day 7", func(s *Spec) { s.Monitor.PreferredDays = []int{7} }},
		{"operating start 25", func(s *Spec) { s.Monitor.OperatingStartHour = 25 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validMonitorSpec()
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}

	schedCases := []struct {
		name   string
		mutate func(*Spec)
	}{
		{"missing schedule body", func(s *Spec) { s.Schedule = nil }},
		{"fire hour 24", func(s *Spec) { s.Schedule.FireHour = 24 }},
		{"fire minute 60", func(s *Spec) { s.Schedule.FireMinute = 60 }},
		{"no start hours", func(s *Spec) { s.Schedule.StartHours = nil }},
		{"start hour 24", func(s *Spec) { s.Schedule.StartHours = []int{18, 24} }},
		{"negative start hour", func(s *Spec) { s.Schedule.StartHours = []int{-1} }},
		{"negative offset", func(s *Spec) { s.Schedule.DateOffset = -1 }},
	}
	for _, tc := range schedCases {
		t.Run(tc.name, func(t *testing.T) {
			s := validScheduleSpec()
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}

	assert.Error(t, Spec{Kind: Kind("cron"), Name: "x"}.Validate())
	assert.Error(t, Spec{Kind: KindKeepAlive, Name: "ka", KeepAlive: &KeepAliveSpec{Interval: 10}}.Validate(),
		"keep-alive shorter than a minute is rejected")
}

func TestStateMarkSucceededIdempotent(t *testing.T) {
	var st State
	st.MarkSucceeded("alice")
	st.MarkSucceeded("alice")
	st.MarkSucceeded("bob")

	assert.Equal(t, 2, st.SuccessfulBookings)
	assert.Equal(t, []string{"alice", "bob"}, st.SucceededAccounts)
	assert.True(t, st.HasSucceeded("alice"))
	assert.False(t, st.HasSucceeded("carol"))
}
