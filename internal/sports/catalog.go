package sports

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jellydator/ttlcache/v3"
)

// ListVenues pages through the venue catalog, optionally filtered by keyword.
func (c *Client) ListVenues(ctx context.Context, keyword string, page, size int) ([]Venue, error) {
	payload := map[string]any{"pageNum": page, "pageSize": size, "flag": 0}
	if keyword != "" {
		payload["venueName"] = keyword
	}
	env, err := c.postJSON(ctx, c.eps.ListVenues, payload)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		ID      string `json:"id"`
		Name    string `json:"venueName"`
		Address string `json:"address"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("venue list: %w", err)
		}
	}
	venues := make([]Venue, 0, len(rows))
	for _, r := range rows {
		if r.ID == "" || r.Name == "" {
			continue
		}
		venues = append(venues, Venue{ID: r.ID, Name: r.Name, Address: r.Address})
	}
	return venues, nil
}

// venueDetail fetches and caches the raw detail document for a venue.
func (c *Client) venueDetail(ctx context.Context, venueID string) (map[string]json.RawMessage, error) {
	if item := c.venueCache.Get(venueID); item != nil {
		return item.Value(), nil
	}
	env, err := c.postJSON(ctx, c.eps.VenueDetail, map[string]any{"id": venueID})
	if err != nil {
		return nil, err
	}
	detail := map[string]json.RawMessage{}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &detail); err != nil {
			return nil, fmt.Errorf("venue detail: %w", err)
		}
	}
	c.venueCache.Set(venueID, detail, ttlcache.DefaultTTL)
	return detail, nil
}

// ListFieldTypes returns the sport categories offered by a venue.
func (c *Client) ListFieldTypes(ctx context.Context, venueID string) ([]FieldType, error) {
	detail, err := c.venueDetail(ctx, venueID)
	if err != nil {
		return nil, err
	}
	raw, ok := detail["fieldTypeList"]
	if !ok {
		return nil, nil
	}
	var rows []struct {
		ID   string `json:"id"`
		Name string `json:"fieldTypeName"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("field types: %w", err)
	}
	types := make([]FieldType, 0, len(rows))
	for _, r := range rows {
		if r.ID == "" || r.Name == "" {
			continue
		}
		types = append(types, FieldType{ID: r.ID, Name: r.Name, Code: r.Code})
	}
	return types, nil
}

func (c *Client) venueName(ctx context.Context, venueID string) string {
	detail, err := c.venueDetail(ctx, venueID)
	if err != nil {
		return ""
	}
	var name string
	if raw, ok := detail["venueName"]; ok {
		_ = json.Unmarshal(raw, &name)
	}
	return name
}

// ResolveTarget turns a Target (IDs or keywords) into a fully-identified
// ResolvedTarget. A target that cannot be resolved is a ConfigError: the job
// spec is wrong, retrying will not help.
func (c *Client) ResolveTarget(ctx context.Context, t Target) (ResolvedTarget, error) {
	rt := ResolvedTarget{VenueID: t.VenueID}

	if rt.VenueID == "" {
		if t.VenueKeyword == "" {
			return ResolvedTarget{}, &ConfigError{Reason: "target needs venue_id or venue_keyword"}
		}
		venues, err := c.ListVenues(ctx, t.VenueKeyword, 1, 50)
		if err != nil {
			return ResolvedTarget{}, err
		}
		for _, v := range venues {
			if strings.Contains(v.Name, t.VenueKeyword) {
				rt.VenueID = v.ID
				rt.VenueName = v.Name
				break
			}
		}
		if rt.VenueID == "" {
			return ResolvedTarget{}, &ConfigError{Reason: fmt.Sprintf("venue not found: %q", t.VenueKeyword)}
		}
	} else {
		rt.VenueName = c.venueName(ctx, rt.VenueID)
	}

	types, err := c.ListFieldTypes(ctx, rt.VenueID)
	if err != nil {
		return ResolvedTarget{}, err
	}
	pick := func() *FieldType {
		for i, ft := range types {
			if t.FieldTypeID != "" && ft.ID == t.FieldTypeID {
				return &types[i]
			}
			if t.FieldTypeID == "" && t.FieldTypeKeyword != "" && strings.Contains(ft.Name, t.FieldTypeKeyword) {
				return &types[i]
			}
		}
		if t.FieldTypeID == "" && t.FieldTypeKeyword == "" && len(types) > 0 {
			return &types[0]
		}
		return nil
	}
	ft := pick()
	if ft == nil {
		if t.FieldTypeID != "" {
			// the detail endpoint can omit types; trust the explicit ID
			rt.FieldTypeID = t.FieldTypeID
			rt.FieldTypeName = t.FieldTypeKeyword
			return rt, nil
		}
		return ResolvedTarget{}, &ConfigError{Reason: fmt.Sprintf("field type not found for venue %s", rt.VenueID)}
	}
	rt.FieldTypeID = ft.ID
	rt.FieldTypeName = ft.Name
	rt.FieldTypeCode = ft.Code
	return rt, nil
}
