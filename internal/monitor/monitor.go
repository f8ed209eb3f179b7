// Package monitor discovers availability: it fetches raw per-sub-site slot
// records for a target, and folds slots that share a time window into
// per-window summaries.
package monitor

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/example/venue-scheduler/internal/sports"
)

// SlotSource is the slice of the protocol client the monitor needs.
type SlotSource interface {
	QuerySlots(ctx context.Context, target sports.ResolvedTarget, date string) ([]sports.Slot, error)
	ListAvailableDates(ctx context.Context, venueID, fieldTypeID string) ([]sports.DateToken, error)
	QueryReserveSummary(ctx context.Context, target sports.ResolvedTarget, date string) ([]sports.SummaryEntry, error)
}

// AvailabilityWindow aggregates the slots of one (date, start, end) window
// across physical sub-sites. Booking still targets one concrete Slot; the
// window exists for display and for the decision policy.
type AvailabilityWindow struct {
	Date           string  `json:"date"`
	Start          string  `json:"start"`
	End            string  `json:"end"`
	SiteCount      int     `json:"site_count"`
	AvailableCount int     `json:"available_count"`
	TotalRemain    int     `json:"total_remain"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
}

func (w AvailabilityWindow) Available() bool { return w.AvailableCount > 0 }

// Aggregate groups slots by (date, start, end). Windows with zero available
// sub-sites are retained and simply report AvailableCount == 0.
func Aggregate(slots []sports.Slot) []AvailabilityWindow {
	type key struct{ date, start, end string }
	byWindow := map[key]*AvailabilityWindow{}
	order := make([]key, 0, len(slots))

	for _, s := range slots {
		k := key{s.Date, s.Start, s.End}
		w, ok := byWindow[k]
		if !ok {
			w = &AvailabilityWindow{Date: s.Date, Start: s.Start, End: s.End, MinPrice: s.Price, MaxPrice: s.Price}
			byWindow[k] = w
			order = append(order, k)
		}
		w.SiteCount++
		if s.Available() {
			w.AvailableCount++
			w.TotalRemain += s.Remain
		}
		if s.Price < w.MinPrice {
			w.MinPrice = s.Price
		}
		if s.Price > w.MaxPrice {
			w.MaxPrice = s.Price
		}
	}

	out := make([]AvailabilityWindow, 0, len(order))
	for _, k := range order {
		out = append(out, *byWindow[k])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// Monitor polls availability for one resolved target. It remembers the last
// reserve-summary fingerprint per date so unchanged, fully-booked days cost
// one cheap request instead of a full slot query.
type Monitor struct {
	src    SlotSource
	target sports.ResolvedTarget

	fingerprints map[string]string
}

func New(src SlotSource, target sports.ResolvedTarget) *Monitor {
	return &Monitor{src: src, target: target, fingerprints: map[string]string{}}
}

func (m *Monitor) Target() sports.ResolvedTarget { return m.target }

// FetchDay does the full slot query for one date. A transport error is
// returned as-is; an empty slice means the platform confirmed no slots.
func (m *Monitor) FetchDay(ctx context.Context, date string) ([]sports.Slot, error) {
	return m.src.QuerySlots(ctx, m.target, date)
}

// CheckDay consults the cheap summary first; when the summary shows nothing
// available and nothing changed since the previous check, the expensive
// detail query is skipped and (nil, true, nil) is returned.
func (m *Monitor) CheckDay(ctx context.Context, date string) (slots []sports.Slot, skipped bool, err error) {
	entries, serr := m.src.QueryReserveSummary(ctx, m.target, date)
	if serr == nil && len(entries) > 0 {
		anyAvail := false
		for _, e := range entries {
			if e.Available {
				anyAvail = true
				break
			}
		}
		fp := sports.Fingerprint(entries)
		prev, seen := m.fingerprints[date]
		m.fingerprints[date] = fp
		if !anyAvail && seen && prev == fp {
			return nil, true, nil
		}
	} else if serr != nil {
		// summary endpoint failing is not fatal; fall through to detail
		log.WithError(serr).WithField("date", date).Debug("reserve summary unavailable")
	}

	slots, err = m.FetchDay(ctx, date)
	if err != nil {
		return nil, false, err
	}
	return slots, false, nil
}

// DayAvailability is one element of the streaming all-dates scan.
type DayAvailability struct {
	Date    string
	Windows []AvailabilityWindow
	Err     error
}

// StreamAll scans every open booking date, emitting each day's aggregated
// windows as soon as its fetch completes. The channel closes when the scan is
// done or ctx is cancelled. Re-calling StreamAll restarts the day-by-day
// fetch from the first date; there is no checkpoint.
func (m *Monitor) StreamAll(ctx context.Context) <-chan DayAvailability {
	out := make(chan DayAvailability)
	go func() {
		defer close(out)
		tokens, err := m.src.ListAvailableDates(ctx, m.target.VenueID, m.target.FieldTypeID)
		if err != nil {
			select {
			case out <- DayAvailability{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, t := range tokens {
			slots, err := m.FetchDay(ctx, t.Date)
			day := DayAvailability{Date: t.Date, Err: err}
			if err == nil {
				day.Windows = Aggregate(slots)
			}
			select {
			case out <- day:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
