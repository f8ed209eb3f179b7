// Package keepalive pings every stored session on an interval so cookies
// stay warm server-side instead of idling out between bookings.
package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/sports"
	"github.com/example/venue-scheduler/internal/telemetry"
)

// Pinger validates one session against the platform. Implemented by
// *sports.Client via WithSession(...).CheckLogin.
type Pinger interface {
	Ping(ctx context.Context, s sports.Session) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, s sports.Session) error

func (f PingerFunc) Ping(ctx context.Context, s sports.Session) error { return f(ctx, s) }

// sessionExtension is how far a successful ping pushes out expiry.
const sessionExtension = 4 * time.Hour

type Loop struct {
	store    *creds.Store
	pinger   Pinger
	interval time.Duration
	log      *logrus.Entry

	now func() time.Time
}

func New(store *creds.Store, pinger Pinger, interval time.Duration, log *logrus.Entry) *Loop {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Loop{store: store, pinger: pinger, interval: interval, log: log, now: time.Now}
}

// Run pings until the context is cancelled. A first sweep happens
// immediately.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep pings every non-invalidated account once. Sessions the platform
// accepts get their expiry pushed out; rejected ones are flagged invalid but
// retained so an operator can re-login them.
func (l *Loop) Sweep(ctx context.Context) {
	accounts, err := l.store.List()
	if err != nil {
		l.log.WithError(err).Error("load accounts")
		return
	}
	for _, a := range accounts {
		if a.Invalid || a.Cookie == "" {
			continue
		}
		err := l.pinger.Ping(ctx, sports.Session{Cookie: a.Cookie, Token: a.Token})
		switch {
		case err == nil:
			telemetry.KeepAlivePings.WithLabelValues("ok").Inc()
			if err := l.store.UpdateSession(a.Nickname, a.Cookie, l.now().Add(sessionExtension)); err != nil {
				l.log.WithError(err).WithField("account", a.Nickname).Warn("refresh expiry")
			}
		case errors.Is(err, sports.ErrAuthExpired):
			telemetry.KeepAlivePings.WithLabelValues("rejected").Inc()
			l.log.WithField("account", a.Nickname).Warn("session rejected, flagging invalid")
			if err := l.store.Invalidate(a.Nickname); err != nil {
				l.log.WithError(err).WithField("account", a.Nickname).Warn("invalidate")
			}
		default:
			telemetry.KeepAlivePings.WithLabelValues("error").Inc()
			// transport hiccup, try again next sweep
			l.log.WithError(err).WithField("account", a.Nickname).Debug("ping failed")
		}
	}
}
