// Package failover wraps submissions with multi-account rotation. A
// rate-limit signal moves on to the next configured account and reissues the
// same logical attempt; every other outcome belongs to the account it
// happened on.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/sports"
	"github.com/example/venue-scheduler/internal/telemetry"
)

// ErrAllRateLimited means every account in the target set reported the
// rate-limit signal for this attempt.
var ErrAllRateLimited = errors.New("all accounts rate limited")

// AttemptFunc performs one submission as one account. Implementations must
// fetch a fresh sign inside the attempt; the router may call it several times
// across accounts for the same logical booking.
type AttemptFunc func(ctx context.Context, account creds.Account) (sports.SubmissionResult, error)

// Result is the per-account outcome of a routed submission.
type Result struct {
	Nickname string
	Outcome  sports.Outcome
	Message  string
	OrderID  string
	Err      error
}

func (r Result) Succeeded() bool { return r.Err == nil && r.Outcome == sports.OutcomeSuccess }

// Router rotates across accounts on rate-limit signals. The rotation cursor
// is persistent: after account i triggers rotation, the cycle continues at
// i+1 (mod n) on the next submission rather than restarting at the front.
type Router struct {
	mu     sync.Mutex
	cursor int
}

func New() *Router { return &Router{} }

// Submit runs the first-success policy: accounts are tried round-robin from
// the current cursor; a rate-limited account advances the cursor and the
// attempt is reissued as the next account. Any other outcome — success or a
// booking-level failure — ends the submission. Each account is tried at most
// once per call.
func (r *Router) Submit(ctx context.Context, accounts []creds.Account, attempt AttemptFunc) (Result, error) {
	if len(accounts) == 0 {
		return Result{}, fmt.Errorf("no usable accounts")
	}
	r.mu.Lock()
	start := r.cursor % len(accounts)
	r.mu.Unlock()

	for tried := 0; tried < len(accounts); tried++ {
		idx := (start + tried) % len(accounts)
		acct := accounts[idx]

		res, err := attempt(ctx, acct)
		out := Result{Nickname: acct.Nickname, Outcome: res.Outcome, Message: res.Message, OrderID: res.OrderID, Err: err}
		if err != nil {
			return out, nil
		}
		if res.Outcome == sports.OutcomeRateLimited {
			r.mu.Lock()
			r.cursor = (idx + 1) % len(accounts)
			r.mu.Unlock()
			telemetry.AccountRotations.Inc()
			log.WithFields(log.Fields{"account": acct.Nickname, "msg": res.Message}).
				Warn("rate limited, rotating account")
			continue
		}
		return out, nil
	}
	return Result{}, ErrAllRateLimited
}

// MultiResult aggregates the all-success policy.
type MultiResult struct {
	PerAccount []Result
}

// AllSucceeded reports whether every account in the set booked.
func (m MultiResult) AllSucceeded() bool {
	if len(m.PerAccount) == 0 {
		return false
	}
	for _, r := range m.PerAccount {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// Failed returns the accounts that still need a booking.
func (m MultiResult) Failed() []Result {
	var out []Result
	for _, r := range m.PerAccount {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// SubmitAll runs the all-success policy: every account attempts its own
// booking concurrently. Concurrency matters here — the callers of this mode
// sit inside the firing window, and serial attempts would not fit. A partial
// failure is reported per account for the caller to retry on its own
// schedule; already-successful accounts are never replayed.
func (r *Router) SubmitAll(ctx context.Context, accounts []creds.Account, attempt AttemptFunc) MultiResult {
	results := make([]Result, len(accounts))
	var wg sync.WaitGroup
	for i, acct := range accounts {
		wg.Add(1)
		go func(i int, acct creds.Account) {
			defer wg.Done()
			res, err := attempt(ctx, acct)
			results[i] = Result{Nickname: acct.Nickname, Outcome: res.Outcome, Message: res.Message, OrderID: res.OrderID, Err: err}
		}(i, acct)
	}
	wg.Wait()
	return MultiResult{PerAccount: results}
}
