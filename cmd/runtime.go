package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/example/venue-scheduler/internal/booking"
	"github.com/example/venue-scheduler/internal/config"
	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/db"
	"github.com/example/venue-scheduler/internal/sports"
)

func openDB(ctx context.Context, cfg config.Config) (*db.DB, error) {
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return d, nil
}

// platformClient builds a protocol client. The order cipher is only
// constructed when a public key is configured; read-only commands (slot
// queries, login) work without one.
func platformClient(cfg config.Config) (*sports.Client, error) {
	var cipher *sports.OrderCipher
	if cfg.RSAPublicKey != "" {
		var err error
		cipher, err = sports.NewOrderCipher(cfg.RSAPublicKey)
		if err != nil {
			return nil, err
		}
	}
	return sports.New(cfg, cipher), nil
}

func credStore(cfg config.Config) *creds.Store {
	return creds.NewStore(cfg.CredentialFile, cfg.CredentialPassphrase)
}

// bookerFactory binds each submission to the account's own session.
func bookerFactory(base *sports.Client) booking.BookerFactory {
	return func(a creds.Account) booking.Booker {
		return base.WithSession(sports.Session{Cookie: a.Cookie, Token: a.Token})
	}
}

// ocrSolver returns a tesseract-backed captcha solver, or nil when tesseract
// is not installed. Background job processes have no terminal to prompt on.
func ocrSolver() sports.CaptchaSolver {
	bin, err := exec.LookPath("tesseract")
	if err != nil {
		return nil
	}
	return sports.SolverFunc(func(ctx context.Context, image []byte) (string, error) {
		f, err := os.CreateTemp("", "venuesched-captcha-*.png")
		if err != nil {
			return "", err
		}
		defer os.Remove(f.Name())
		if _, err := f.Write(image); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		out, err := exec.CommandContext(ctx, bin, f.Name(), "stdout", "--psm", "7").Output()
		if err != nil {
			return "", fmt.Errorf("tesseract: %w", err)
		}
		var answer strings.Builder
		for _, r := range string(out) {
			if r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
				answer.WriteRune(r)
			}
		}
		return answer.String(), nil
	})
}

// sessionReissuer re-logs a rejected account in with its stored password and
// persists the fresh session. Accounts enrolled without --save-password
// cannot be re-issued and stay flagged for the operator.
func sessionReissuer(client *sports.Client, store *creds.Store, solver sports.CaptchaSolver, maxRetries int) booking.ReissueFunc {
	return func(ctx context.Context, a creds.Account) (creds.Account, error) {
		if a.Password == "" {
			return creds.Account{}, fmt.Errorf("account %q has no stored password", a.Nickname)
		}
		session, expires, err := client.Login(ctx, a.Username, a.Password, solver, maxRetries)
		if err != nil {
			return creds.Account{}, err
		}
		if err := store.UpdateSession(a.Nickname, session.Cookie, expires); err != nil {
			return creds.Account{}, err
		}
		a.Cookie, a.Token, a.ExpiresAt, a.Invalid = session.Cookie, session.Token, expires, false
		return a, nil
	}
}

func tuningFrom(cfg config.Config) booking.Tuning {
	return booking.Tuning{
		RefreshRounds:   cfg.RefreshRounds,
		RefreshInterval: cfg.RefreshInterval,
		AdjacentOffset:  cfg.AdjacentOffset,
	}
}
