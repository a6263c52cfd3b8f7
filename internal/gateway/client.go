package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/operator-dispatch/internal/metrics"
)

const (
	sessionPath = "/api/v1/session"
	graphqlPath = "/api"
)

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	QPS      float64
	Burst    int
}

// Client is the HTTP gateway client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	tokens  *TokenCache
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(cfg Config, tokens *TokenCache, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QPS <= 0 {
		cfg.QPS = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if tokens == nil {
		tokens = NewTokenCache()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

const createContactMutation = `
mutation createContact($input: ContactInput!) {
  createContact(input: $input) {
    contact { id }
    errors { key message }
  }
}`

const optInMutation = `
mutation optinContact($phone: String!) {
  optinContact(phone: $phone) {
    contact { id }
    errors { key message }
  }
}`

const sendHsmMutation = `
mutation sendHsmMessage($templateId: ID!, $receiverId: ID!, $parameters: [String]) {
  sendHsmMessage(templateId: $templateId, receiverId: $receiverId, parameters: $parameters) {
    message { id }
    errors { key message }
  }
}`

func (c *Client) CreateContact(ctx context.Context, name, phone string) (string, error) {
	res, err := c.execute(ctx, "createContact", createContactMutation, map[string]any{
		"input": map[string]any{"name": name, "phone": phone},
	})
	if err != nil {
		return "", err
	}
	id := res.Get("contact.id").String()
	if id == "" {
		return "", &Error{Op: "createContact", Err: fmt.Errorf("%w: missing contact id", ErrMalformed)}
	}
	return id, nil
}

func (c *Client) OptIn(ctx context.Context, phone string) error {
	_, err := c.execute(ctx, "optinContact", optInMutation, map[string]any{"phone": phone})
	return err
}

func (c *Client) SendTemplate(ctx context.Context, contactID, templateID string, params []string) error {
	if params == nil {
		params = []string{}
	}
	_, err := c.execute(ctx, "sendHsmMessage", sendHsmMutation, map[string]any{
		"templateId": templateID,
		"receiverId": contactID,
		"parameters": params,
	})
	return err
}

// execute runs one GraphQL mutation and returns data.<op> after checking every error channel:
// transport, HTTP status, top-level GraphQL errors and the mutation's own errors list.
func (c *Client) execute(ctx context.Context, op, query string, vars map[string]any) (res gjson.Result, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		switch {
		case IsAuth(err):
			result = "auth"
		case err != nil:
			result = "error"
		}
		metrics.GatewayCalls.WithLabelValues(op, result).Inc()
		metrics.GatewayDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(map[string]any{"query": query, "variables": vars})
	if err != nil {
		return res, &Error{Op: op, Err: err}
	}

	var (
		status int
		body   []byte
	)
	// a rejected token is refreshed and the call retried once
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return res, &Error{Op: op, Err: err}
		}
		token, err := c.tokens.Get(ctx, c.login)
		if err != nil {
			return res, err
		}
		status, body, err = c.post(ctx, graphqlPath, payload, token)
		if err != nil {
			return res, &Error{Op: op, Err: err}
		}
		if status != http.StatusUnauthorized && status != http.StatusForbidden {
			break
		}
		c.tokens.Invalidate(token)
		if attempt > 0 {
			return res, &Error{Op: op, StatusCode: status, Err: ErrAuth}
		}
		c.log.Debug().Str("op", op).Int("status", status).Msg("gateway rejected token; logging in again")
	}
	if status < 200 || status > 299 {
		return res, &Error{Op: op, StatusCode: status, Err: fmt.Errorf("body=%q", truncate(body))}
	}
	if !gjson.ValidBytes(body) {
		return res, &Error{Op: op, StatusCode: status, Err: fmt.Errorf("%w: body=%q", ErrMalformed, truncate(body))}
	}
	if msg := errorMessages(gjson.GetBytes(body, "errors")); msg != "" {
		return res, &Error{Op: op, StatusCode: status, Err: errors.New(msg)}
	}
	res = gjson.GetBytes(body, "data."+op)
	if !res.Exists() {
		return res, &Error{Op: op, StatusCode: status, Err: fmt.Errorf("%w: missing data.%s", ErrMalformed, op)}
	}
	if msg := errorMessages(res.Get("errors")); msg != "" {
		return res, &Error{Op: op, StatusCode: status, Err: errors.New(msg)}
	}
	return res, nil
}

func (c *Client) login(ctx context.Context) (tok Token, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.TokenRefreshes.WithLabelValues(result).Inc()
	}()

	payload, err := json.Marshal(map[string]any{
		"user": map[string]string{"phone": c.cfg.Username, "password": c.cfg.Password},
	})
	if err != nil {
		return tok, &Error{Op: "login", Err: err}
	}
	status, body, err := c.post(ctx, sessionPath, payload, "")
	if err != nil {
		return tok, &Error{Op: "login", Err: fmt.Errorf("%w: %w", ErrAuth, err)}
	}
	if status < 200 || status > 299 {
		return tok, &Error{Op: "login", StatusCode: status, Err: fmt.Errorf("%w: body=%q", ErrAuth, truncate(body))}
	}
	access := gjson.GetBytes(body, "data.access_token").String()
	rawExpiry := gjson.GetBytes(body, "data.token_expiry_time").String()
	expiry, perr := time.Parse(time.RFC3339Nano, rawExpiry)
	if access == "" || perr != nil {
		return tok, &Error{Op: "login", StatusCode: status, Err: fmt.Errorf("%w: %w: body=%q", ErrAuth, ErrMalformed, truncate(body))}
	}

	c.log.Info().Time("expires_at", expiry).Msg("gateway session refreshed")
	return Token{Value: access, Expiry: expiry}, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func errorMessages(errs gjson.Result) string {
	if !errs.IsArray() {
		return ""
	}
	var msgs []string
	for _, e := range errs.Array() {
		msg := e.Get("message").String()
		if key := e.Get("key").String(); key != "" {
			msg = key + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
