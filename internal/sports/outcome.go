package sports

import "strings"

// Outcome is the tagged classification of one submission attempt. The failover
// router branches on it explicitly instead of sniffing error strings.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeSlotGone
	OutcomeAuthExpired
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeSlotGone:
		return "slot_gone"
	case OutcomeAuthExpired:
		return "auth_expired"
	default:
		return "fatal"
	}
}

// SubmissionResult is the decoded response of one order submission.
type SubmissionResult struct {
	Outcome Outcome
	Code    int
	Message string
	OrderID string
}

// Classifier maps platform response codes/messages to Outcomes. The
// rate-limit signal is configurable: the platform reports it as an opaque 500
// with a message, and the exact shape has drifted before.
type Classifier struct {
	RateLimitCodes   []int
	RateLimitPhrases []string
}

var slotGonePhrases = []string{"已满", "不可用", "非法", "已被预订", "full", "unavailable"}

func (c Classifier) Classify(httpStatus, code int, msg, orderID string) SubmissionResult {
	res := SubmissionResult{Code: code, Message: msg, OrderID: orderID}

	switch {
	case code == 401 || httpStatus == 401:
		res.Outcome = OutcomeAuthExpired
		return res
	case c.isRateLimit(httpStatus, code, msg):
		res.Outcome = OutcomeRateLimited
		return res
	case containsAny(msg, slotGonePhrases):
		res.Outcome = OutcomeSlotGone
		return res
	case (code == 0 && httpStatus < 400) && orderID != "":
		res.Outcome = OutcomeSuccess
		return res
	default:
		res.Outcome = OutcomeFatal
		return res
	}
}

func (c Classifier) isRateLimit(httpStatus, code int, msg string) bool {
	for _, rc := range c.RateLimitCodes {
		if code == rc || httpStatus == rc {
			return true
		}
	}
	return containsAny(msg, c.RateLimitPhrases)
}

func containsAny(s string, phrases []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
