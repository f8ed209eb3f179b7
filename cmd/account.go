package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/venue-scheduler/internal/config"
	"github.com/example/venue-scheduler/internal/creds"
	"github.com/example/venue-scheduler/internal/sports"
)

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage platform accounts in the credential store",
	}
	cmd.AddCommand(newAccountLoginCmd())
	cmd.AddCommand(newAccountListCmd())
	cmd.AddCommand(newAccountSetCookieCmd())
	cmd.AddCommand(newAccountRemoveCmd())
	return cmd
}

func newAccountLoginCmd() *cobra.Command {
	var nickname, username, password string
	var savePassword bool

	c := &cobra.Command{
		Use:   "login",
		Short: "Log an account in (captcha solved interactively) and store its session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client, err := platformClient(cfg)
			if err != nil {
				return err
			}

			session, expires, err := client.Login(cmd.Context(), username, password, stdinSolver(), cfg.CaptchaMaxRetries)
			if err != nil {
				return err
			}

			a := creds.Account{
				Nickname:  nickname,
				Username:  username,
				Cookie:    session.Cookie,
				Token:     session.Token,
				ExpiresAt: expires,
			}
			if savePassword {
				a.Password = password
			}
			if err := credStore(cfg).Put(a); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "stored session for %q (expires %s)\n", nickname, expires.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&nickname, "nickname", "", "name this account is referenced by in jobs")
	c.Flags().StringVar(&username, "username", "", "platform username")
	c.Flags().StringVar(&password, "password", "", "platform password")
	c.Flags().BoolVar(&savePassword, "save-password", false, "keep the password in the store for re-login")
	_ = c.MarkFlagRequired("nickname")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}

// stdinSolver writes the captcha image to a temp file and reads the answer
// from the terminal.
func stdinSolver() sports.SolverFunc {
	return func(ctx context.Context, image []byte) (string, error) {
		path := filepath.Join(os.TempDir(), "venuesched-captcha.png")
		if err := os.WriteFile(path, image, 0o600); err != nil {
			return "", err
		}
		fmt.Fprintf(os.Stderr, "captcha image written to %s\nenter captcha text: ", path)
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts (sessions redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			accounts, err := credStore(cfg).List()
			if err != nil {
				return err
			}
			now := time.Now()
			for _, a := range accounts {
				state := "ok"
				switch {
				case a.Invalid:
					state = "invalid"
				case !a.ExpiresAt.IsZero() && a.ExpiresAt.Before(now):
					state = "expired"
				case a.Cookie == "":
					state = "no-session"
				}
				fmt.Fprintf(os.Stdout, "nickname=%s username=%s state=%s expires=%s\n",
					a.Nickname, a.Username, state, a.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newAccountSetCookieCmd() *cobra.Command {
	var nickname, cookie, token string
	var ttl time.Duration

	c := &cobra.Command{
		Use:   "set-cookie",
		Short: "Store a session cookie captured out-of-band (e.g. from a browser)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store := credStore(cfg)
			a, err := store.Get(nickname)
			if err != nil {
				a = creds.Account{Nickname: nickname}
			}
			a.Cookie = cookie
			if token != "" {
				a.Token = token
			}
			a.ExpiresAt = time.Now().Add(ttl)
			a.Invalid = false
			if err := store.Put(a); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "updated session for %q\n", nickname)
			return nil
		},
	}

	c.Flags().StringVar(&nickname, "nickname", "", "account nickname")
	c.Flags().StringVar(&cookie, "cookie", "", "session cookie value")
	c.Flags().StringVar(&token, "token", "", "bearer token, if the platform issued one")
	c.Flags().DurationVar(&ttl, "ttl", 4*time.Hour, "how long to trust this session")
	_ = c.MarkFlagRequired("nickname")
	_ = c.MarkFlagRequired("cookie")
	return c
}

func newAccountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <nickname>",
		Short: "Delete an account from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := credStore(cfg).Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "removed %q\n", args[0])
			return nil
		},
	}
}
