package sports

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// CaptchaSolver turns a captcha image into text. Implementations range from
// an OCR subprocess to a human typing at a prompt; the login flow treats any
// returned string as an attempt.
type CaptchaSolver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

// SolverFunc adapts a plain function to CaptchaSolver.
type SolverFunc func(ctx context.Context, image []byte) (string, error)

func (f SolverFunc) Solve(ctx context.Context, image []byte) (string, error) { return f(ctx, image) }

var hiddenInputRe = regexp.MustCompile(`<input[^>]+type="hidden"[^>]*name="([^"]+)"[^>]*value="([^"]*)"`)

// sessionTTL is how long a freshly-minted cookie is trusted before keep-alive
// must have confirmed it.
const sessionTTL = 4 * time.Hour

// Login performs the password + captcha login flow and returns a session
// bound to the resulting cookies. The solver gets up to maxRetries attempts
// before the flow gives up with ErrCaptchaRequired.
func (c *Client) Login(ctx context.Context, username, password string, solver CaptchaSolver, maxRetries int) (Session, time.Time, error) {
	if solver == nil {
		return Session{}, time.Time{}, &ConfigError{Reason: "no captcha solver configured"}
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return Session{}, time.Time{}, err
	}
	hc := &http.Client{Timeout: c.hc.Timeout, Jar: jar}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		form, err := c.fetchLoginForm(ctx, hc)
		if err != nil {
			return Session{}, time.Time{}, err
		}
		img, err := c.fetchCaptcha(ctx, hc)
		if err != nil {
			return Session{}, time.Time{}, err
		}
		answer, err := solver.Solve(ctx, img)
		if err != nil {
			lastErr = err
			continue
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			lastErr = fmt.Errorf("solver returned empty answer")
			continue
		}

		form.Set("username", username)
		form.Set("password", password)
		form.Set("captcha", answer)

		ok, err := c.submitLogin(ctx, hc, form)
		if err != nil {
			return Session{}, time.Time{}, err
		}
		if ok {
			cookie := cookieHeader(jar, c.baseURL)
			if cookie == "" {
				return Session{}, time.Time{}, fmt.Errorf("login succeeded but no session cookie issued")
			}
			return Session{Cookie: cookie}, time.Now().Add(sessionTTL), nil
		}
		lastErr = fmt.Errorf("captcha attempt %d rejected", attempt+1)
		log.WithField("attempt", attempt+1).Warn("captcha rejected, retrying")
	}
	return Session{}, time.Time{}, fmt.Errorf("%w: %v", ErrCaptchaRequired, lastErr)
}

func (c *Client) fetchLoginForm(ctx context.Context, hc *http.Client) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.eps.LoginPage), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	res, err := hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET login page", Err: err}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Op: "read login page", Err: err}
	}
	form := url.Values{}
	for _, m := range hiddenInputRe.FindAllStringSubmatch(string(body), -1) {
		form.Set(m[1], m[2])
	}
	return form, nil
}

func (c *Client) fetchCaptcha(ctx context.Context, hc *http.Client) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.eps.Captcha), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	res, err := hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "GET captcha", Err: err}
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

// submitLogin posts the form. true means the platform accepted the
// credentials; false means a rejected captcha (worth another solve).
func (c *Client) submitLogin(ctx context.Context, hc *http.Client, form url.Values) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.eps.LoginSubmit),
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := hc.Do(req)
	if err != nil {
		return false, &TransportError{Op: "POST login", Err: err}
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	if res.StatusCode >= 400 {
		return false, fmt.Errorf("login: status=%d", res.StatusCode)
	}
	text := string(body)
	if strings.Contains(text, "验证码") || strings.Contains(strings.ToLower(text), "captcha") {
		return false, nil
	}
	if strings.Contains(text, "密码") && strings.Contains(text, "错误") {
		return false, fmt.Errorf("login: wrong username or password")
	}
	return true, nil
}

func cookieHeader(jar http.CookieJar, baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	var parts []string
	for _, ck := range jar.Cookies(u) {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}
