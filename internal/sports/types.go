package sports

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Target identifies what a job wants to book. Either the IDs are set directly
// or keywords are resolved against the venue catalog once, at job start.
type Target struct {
	VenueID          string `json:"venue_id,omitempty"`
	VenueKeyword     string `json:"venue_keyword,omitempty"`
	FieldTypeID      string `json:"field_type_id,omitempty"`
	FieldTypeKeyword string `json:"field_type_keyword,omitempty"`
}

// ResolvedTarget is a Target with all IDs known. Immutable for the lifetime of
// a job.
type ResolvedTarget struct {
	VenueID       string `json:"venue_id"`
	VenueName     string `json:"venue_name"`
	FieldTypeID   string `json:"field_type_id"`
	FieldTypeName string `json:"field_type_name"`
	FieldTypeCode string `json:"field_type_code,omitempty"`
}

// Session is the per-account authentication material the client attaches to
// requests. It is a read-only snapshot; the credential store owns the real
// record.
type Session struct {
	Cookie string
	Token  string
}

// Venue is one bookable facility from the catalog.
type Venue struct {
	ID      string
	Name    string
	Address string
}

// FieldType is a sport/category within a venue.
type FieldType struct {
	ID   string
	Name string
	Code string
}

// DateToken pairs an open booking date with the server token required to query
// it.
type DateToken struct {
	Date  string
	Token string
}

// Slot is one orderable unit: a time window at one physical sub-site on one
// date. Sign is a short-lived server-issued authorization scoped to exactly
// this sub-site and window; it must be re-fetched immediately before any
// submission attempt.
type Slot struct {
	Date        string  `json:"date"`
	Start       string  `json:"start"`
	End         string  `json:"end"`
	SubSiteID   string  `json:"sub_site_id"`
	SubSiteName string  `json:"sub_site_name,omitempty"`
	Sign        string  `json:"-"`
	Remain      int     `json:"remain"`
	Price       float64 `json:"price"`
}

func (s Slot) Available() bool { return s.Remain > 0 }

// StartHour returns the slot's starting hour, or -1 if Start is not HH:MM.
func (s Slot) StartHour() int {
	h, _, ok := splitClock(s.Start)
	if !ok {
		return -1
	}
	return h
}

// StartMinutes returns minutes since midnight of the slot start, or -1.
func (s Slot) StartMinutes() int {
	h, m, ok := splitClock(s.Start)
	if !ok {
		return -1
	}
	return h*60 + m
}

func splitClock(v string) (hour, minute int, ok bool) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) < 2 {
		return 0, 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}

// SummaryEntry is one row of the cheap reserve-summary endpoint, used by the
// monitor to decide whether a full slot query is worth it.
type SummaryEntry struct {
	Field     string
	Area      string
	Start     string
	End       string
	Remain    int
	Capacity  int
	Available bool
}

// Fingerprint folds a summary into a comparable string so the monitor can
// detect "nothing changed since last poll".
func Fingerprint(entries []SummaryEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s|%s|%s|%s|%d|%d|%t",
			e.Field, e.Area, e.Start, e.End, e.Remain, e.Capacity, e.Available))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
