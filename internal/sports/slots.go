package sports

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

// rawSlot is the loosely-typed upstream slot record. Pointer fields let the
// parse boundary distinguish "absent" from zero and fail closed.
type rawSlot struct {
	Start       *string  `json:"startTime"`
	End         *string  `json:"endTime"`
	SubSiteID   *string  `json:"subSiteId"`
	SubSiteName string   `json:"subSitename"`
	Sign        *string  `json:"sign"`
	Remain      *int     `json:"remain"`
	Price       *float64 `json:"venuePrice"`
}

func parseRawSlot(date string, r rawSlot) (Slot, error) {
	var missing []string
	if r.Start == nil {
		missing = append(missing, "startTime")
	}
	if r.End == nil {
		missing = append(missing, "endTime")
	}
	if r.SubSiteID == nil {
		missing = append(missing, "subSiteId")
	}
	if r.Sign == nil {
		missing = append(missing, "sign")
	}
	if r.Remain == nil {
		missing = append(missing, "remain")
	}
	if len(missing) > 0 {
		return Slot{}, &ParseError{Context: "slot record " + date, Missing: missing}
	}
	s := Slot{
		Date:        date,
		Start:       strings.TrimSpace(*r.Start),
		End:         strings.TrimSpace(*r.End),
		SubSiteID:   *r.SubSiteID,
		SubSiteName: r.SubSiteName,
		Sign:        *r.Sign,
		Remain:      *r.Remain,
	}
	if r.Price != nil {
		s.Price = *r.Price
	}
	return s, nil
}

// QuerySlots fetches the per-sub-site slot records for one target and date.
// One network round trip; a transport failure is an error, an empty result
// means "confirmed: no slots".
func (c *Client) QuerySlots(ctx context.Context, target ResolvedTarget, date string) ([]Slot, error) {
	body := map[string]any{
		"venueId":   target.VenueID,
		"fieldType": target.FieldTypeID,
		"date":      date,
	}
	if tok := c.dateToken(ctx, target, date); tok != "" {
		body["dateId"] = tok
	}
	env, err := c.postJSON(ctx, c.eps.FieldSituation, body)
	if err != nil {
		return nil, err
	}
	var raws []rawSlot
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &raws); err != nil {
			return nil, fmt.Errorf("slot query for %s: %w", date, err)
		}
	}
	slots := make([]Slot, 0, len(raws))
	for _, r := range raws {
		s, err := parseRawSlot(date, r)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, nil
}

// RefreshSlot re-queries the day and returns the slot matching the given time
// window with the freshest sign. Used immediately before every submission:
// signs are time-boxed server-side, so anything cached is assumed stale. An
// empty end matches on start alone, for callers that only know the start hour
// and not how the platform renders the window's end.
func (c *Client) RefreshSlot(ctx context.Context, target ResolvedTarget, date, start, end string) (Slot, error) {
	slots, err := c.QuerySlots(ctx, target, date)
	if err != nil {
		return Slot{}, err
	}
	var fallback *Slot
	for i := range slots {
		s := slots[i]
		if s.Start != start || (end != "" && s.End != end) {
			continue
		}
		if s.Available() {
			return s, nil
		}
		if fallback == nil {
			fallback = &slots[i]
		}
	}
	if fallback != nil {
		return Slot{}, fmt.Errorf("%s %s-%s: %w", date, start, end, ErrSlotGone)
	}
	return Slot{}, fmt.Errorf("%s %s-%s: no such window: %w", date, start, end, ErrSlotGone)
}

// ListAvailableDates returns the open booking dates and their server tokens
// for a venue/field-type pair. Cached for one minute.
func (c *Client) ListAvailableDates(ctx context.Context, venueID, fieldTypeID string) ([]DateToken, error) {
	key := venueID + ":" + fieldTypeID
	if item := c.dateCache.Get(key); item != nil {
		return item.Value(), nil
	}
	env, err := c.postJSON(ctx, c.eps.VenueDetail, map[string]any{"id": venueID})
	if err != nil {
		return nil, err
	}
	var detail struct {
		DateList []struct {
			Date string `json:"date"`
			ID   string `json:"id"`
		} `json:"dateList"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &detail); err != nil {
			return nil, fmt.Errorf("venue detail dates: %w", err)
		}
	}
	tokens := make([]DateToken, 0, len(detail.DateList))
	for _, d := range detail.DateList {
		tokens = append(tokens, DateToken{Date: d.Date, Token: d.ID})
	}
	c.dateCache.Set(key, tokens, ttlcache.DefaultTTL)
	return tokens, nil
}

func (c *Client) dateToken(ctx context.Context, target ResolvedTarget, date string) string {
	tokens, err := c.ListAvailableDates(ctx, target.VenueID, target.FieldTypeID)
	if err != nil {
		return ""
	}
	for _, t := range tokens {
		if t.Date == date {
			return t.Token
		}
	}
	return ""
}

// QueryReserveSummary hits the cheap availability-overview endpoint. The
// monitor uses it to skip full slot queries when nothing changed.
func (c *Client) QueryReserveSummary(ctx context.Context, target ResolvedTarget, date string) ([]SummaryEntry, error) {
	env, err := c.postJSON(ctx, c.eps.ReserveSummary, map[string]any{
		"id":        target.VenueID,
		"feildType": target.FieldTypeID, // sic: the platform's own field name
		"date":      date,
	})
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Field    string `json:"fieldName"`
		Area     string `json:"areaName"`
		Start    string `json:"startTime"`
		End      string `json:"endTime"`
		Remain   int    `json:"remain"`
		Capacity int    `json:"capacity"`
		IsFull   int    `json:"isFull"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("reserve summary: %w", err)
		}
	}
	entries := make([]SummaryEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, SummaryEntry{
			Field:     r.Field,
			Area:      r.Area,
			Start:     r.Start,
			End:       r.End,
			Remain:    r.Remain,
			Capacity:  r.Capacity,
			Available: r.IsFull == 0 && r.Remain > 0,
		})
	}
	return entries, nil
}
