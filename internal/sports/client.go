package sports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/example/venue-scheduler/internal/config"
)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// Client talks the venue platform's wire protocol: plain JSON queries for
// catalog and availability, and the encrypted ConfirmOrder flow for
// submissions.
type Client struct {
	hc         *http.Client
	baseURL    string
	eps        config.Endpoints
	returnURL  string
	cipher     *OrderCipher
	classifier Classifier
	session    Session

	venueCache *ttlcache.Cache[string, map[string]json.RawMessage]
	dateCache  *ttlcache.Cache[string, []DateToken]
}

// New builds a client from configuration. cipher may be nil for read-only
// uses (slot queries, login); PlaceOrder requires it.
func New(cfg config.Config, cipher *OrderCipher) *Client {
	c := &Client{
		hc:        &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:   cfg.BaseURL,
		eps:       cfg.Endpoints,
		returnURL: cfg.ReturnURL,
		cipher:    cipher,
		classifier: Classifier{
			RateLimitCodes:   cfg.RateLimitCodes,
			RateLimitPhrases: cfg.RateLimitPhrases,
		},
		venueCache: ttlcache.New[string, map[string]json.RawMessage](
			ttlcache.WithTTL[string, map[string]json.RawMessage](5 * time.Minute),
		),
		dateCache: ttlcache.New[string, []DateToken](
			ttlcache.WithTTL[string, []DateToken](time.Minute),
		),
	}
	go c.venueCache.Start()
	go c.dateCache.Start()
	return c
}

// WithSession returns a shallow copy bound to the given account session. The
// caches and transport are shared; the copy is safe to use concurrently with
// the original, which is what the all-accounts failover mode does.
func (c *Client) WithSession(s Session) *Client {
	cp := *c
	cp.session = s
	return &cp
}

// Session returns the session the client currently attaches to requests.
func (c *Client) Session() Session { return c.session }

// envelope is the platform's uniform response wrapper.
type envelope struct {
	Code json.Number     `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (e envelope) code() int {
	n, err := e.Code.Int64()
	if err != nil {
		return -1
	}
	return int(n)
}

func (c *Client) url(path string) string {
	if len(path) > 0 && path[0] != '/' {
		path = "/" + path
	}
	return c.baseURL + path
}

// do issues one request with the standard browser headers and the bound
// session, returning status and body. Network failures come back as
// TransportError; HTTP error statuses are returned to the caller to classify.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, extra http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.returnURL)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.session.Cookie != "" {
		req.Header.Set("Cookie", c.session.Cookie)
	}
	if c.session.Token != "" {
		req.Header.Set("Authorization", c.session.Token)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, &TransportError{Op: fmt.Sprintf("read %s", path), Err: err}
	}
	return res.StatusCode, b, nil
}

// postJSON posts a JSON body and decodes the envelope.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	status, raw, err := c.do(ctx, http.MethodPost, path, "application/json;charset=UTF-8", body, nil)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("POST %s: bad envelope (status=%d): %w", path, status, err)
	}
	if status == 401 || env.code() == 401 {
		return env, ErrAuthExpired
	}
	if status >= 400 {
		return env, fmt.Errorf("POST %s: status=%d msg=%s", path, status, env.Msg)
	}
	return env, nil
}

// CheckLogin probes the current-user endpoint with the bound session. A nil
// error means the session is alive; ErrAuthExpired means it was rejected.
func (c *Client) CheckLogin(ctx context.Context) error {
	status, raw, err := c.do(ctx, http.MethodGet, c.eps.CurrentUser, "", nil, nil)
	if err != nil {
		return err
	}
	if status == 401 {
		return ErrAuthExpired
	}
	if status >= 400 {
		return fmt.Errorf("current user probe: status=%d", status)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.code() == 401 {
		return ErrAuthExpired
	}
	return nil
}
