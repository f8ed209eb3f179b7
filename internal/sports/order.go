package sports

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// orderSpace is the per-slot element of the ConfirmOrder payload. Field names
// and the fixed values mirror what the platform's own web client sends.
type orderSpace struct {
	VenuePrice   string `json:"venuePrice"`
	Count        int    `json:"count"`
	Sign         string `json:"sign"`
	Status       int    `json:"status"`
	ScheduleTime string `json:"scheduleTime"`
	SubSitename  string `json:"subSitename"`
	SubSiteID    string `json:"subSiteId"`
	Tensity      string `json:"tensity"`
	VenueNum     int    `json:"venueNum"`
}

type orderPayload struct {
	VenTypeID    string       `json:"venTypeId"`
	VenueID      string       `json:"venueId"`
	FieldType    string       `json:"fieldType"`
	ReturnURL    string       `json:"returnUrl"`
	ScheduleDate string       `json:"scheduleDate"`
	Week         string       `json:"week"`
	Spaces       []orderSpace `json:"spaces"`
	TenSity      string       `json:"tenSity"`
}

func buildOrderPayload(slot Slot, target ResolvedTarget, returnURL string) orderPayload {
	return orderPayload{
		VenTypeID:    target.FieldTypeID,
		VenueID:      target.VenueID,
		FieldType:    target.FieldTypeName,
		ReturnURL:    returnURL,
		ScheduleDate: slot.Date,
		Week:         "0",
		Spaces: []orderSpace{{
			VenuePrice:   strconv.Itoa(int(slot.Price)),
			Count:        1,
			Sign:         slot.Sign,
			Status:       1,
			ScheduleTime: slot.Start + "-" + slot.End,
			SubSitename:  slot.SubSiteName,
			SubSiteID:    slot.SubSiteID,
			Tensity:      "1",
			VenueNum:     1,
		}},
		TenSity: "紧张",
	}
}

// PlaceOrder submits one slot through the encrypted ConfirmOrder flow and
// classifies the response. The slot's sign must have been fetched in this
// same attempt; PlaceOrder never refreshes it.
func (c *Client) PlaceOrder(ctx context.Context, target ResolvedTarget, slot Slot) (SubmissionResult, error) {
	if c.cipher == nil {
		return SubmissionResult{}, &ConfigError{Reason: "order cipher not configured"}
	}
	body, hdrs, err := c.cipher.EncodeOrder(buildOrderPayload(slot, target, c.returnURL))
	if err != nil {
		return SubmissionResult{}, err
	}

	extra := http.Header{}
	extra.Set("sid", hdrs.Sid)
	extra.Set("tim", hdrs.Tim)

	status, raw, err := c.do(ctx, http.MethodPost, c.eps.OrderConfirm, "application/json;charset=UTF-8", body, extra)
	if err != nil {
		return SubmissionResult{}, err
	}

	var resp struct {
		Code    json.Number `json:"code"`
		Msg     string      `json:"msg"`
		OrderID string      `json:"orderId"`
		Data    string      `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SubmissionResult{}, fmt.Errorf("order response (status=%d): %w", status, err)
	}
	code64, _ := resp.Code.Int64()
	orderID := resp.OrderID
	if orderID == "" {
		orderID = resp.Data
	}
	return c.classifier.Classify(status, int(code64), resp.Msg, orderID), nil
}

// OrderImmediately is the platform's simpler, unencrypted submission path.
// Kept as a fallback when ConfirmOrder rejects a payload shape.
func (c *Client) OrderImmediately(ctx context.Context, orderID string) (SubmissionResult, error) {
	if orderID == "" {
		return SubmissionResult{}, fmt.Errorf("order id required")
	}
	form := url.Values{"orderId": {orderID}}
	status, raw, err := c.do(ctx, http.MethodPost, c.eps.OrderSubmit,
		"application/x-www-form-urlencoded", []byte(form.Encode()), nil)
	if err != nil {
		return SubmissionResult{}, err
	}
	var resp struct {
		Code json.Number `json:"code"`
		Msg  string      `json:"msg"`
		Data string      `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return SubmissionResult{}, fmt.Errorf("order response (status=%d): %w", status, err)
	}
	code64, _ := resp.Code.Int64()
	id := resp.Data
	if id == "" && code64 == 0 && !strings.Contains(resp.Msg, "失败") {
		id = orderID
	}
	return c.classifier.Classify(status, int(code64), resp.Msg, id), nil
}
