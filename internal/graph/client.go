package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/model"
	"go.uber.org/zap"
)

const maxResponseBytes int64 = 10 << 20 // 10 MiB

// Client talks to the Microsoft Graph endpoints that back the ledger.
type Client struct {
	baseURL  string
	host     string
	pageSize int
	http     *http.Client
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient builds a client rooted at baseURL (e.g. https://graph.microsoft.com/v1.0).
func NewClient(baseURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("graph: invalid base url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL: baseURL,
		host:    u.Host,
		http:    &http.Client{Timeout: timeout},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// HTTPClient is shared with the token exchange so both obey the same timeout.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) do(ctx context.Context, cred model.Credential, method, rawURL string, body any, headers map[string]string, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("graph: marshal body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.String())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("graph: read body: %w", err)
	}

	if res.StatusCode/100 != 2 {
		se := &StatusError{Method: method, URL: stripQuery(rawURL), StatusCode: res.StatusCode}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			se.Code = envelope.Error.Code
			se.Message = envelope.Error.Message
		}
		return se
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("graph: decode %s: %w", stripQuery(rawURL), err)
	}
	return nil
}

func stripQuery(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}
