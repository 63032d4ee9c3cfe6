package sentry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/outpace-network/validatorx/pkg/utils"
)

// StatusError is a non-2xx answer from a sentry.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sentry: http %d", e.Code)
	}
	return fmt.Sprintf("sentry: http %d: %s", e.Code, e.Message)
}

// HTTPClient calls sentries with a token bucket shared by all of them and a
// circuit breaker per base URL.
type HTTPClient struct {
	client *http.Client
	token  string

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

type Opts struct {
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	// Token is sent as a bearer token so our own sentry trusts the worker.
	Token      string
	HTTPClient *http.Client
}

func NewHTTPClient(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 50
	}
	if o.Burst <= 0 {
		o.Burst = 100
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &HTTPClient{
		client:           client,
		token:            o.Token,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

func (c *HTTPClient) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

func (c *HTTPClient) isOpen(base string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[base]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, base)
		c.failures[base] = 0
		return false
	}
	return true
}

func (c *HTTPClient) noteFailure(base string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[base]++
	if c.failures[base] >= c.breakerThreshold {
		c.opened[base] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *HTTPClient) noteSuccess(base string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[base] = 0
}

// doJSON sends payload to base+path and decodes the answer into out. Network
// errors and 5xx answers count against base's breaker.
func (c *HTTPClient) doJSON(ctx context.Context, method, base, path string, payload, out any) error {
	return c.do(ctx, method, base, path, c.token, payload, out)
}

func (c *HTTPClient) do(ctx context.Context, method, base, path, token string, payload, out any) error {
	base = strings.TrimRight(base, "/")
	if c.isOpen(base) {
		return fmt.Errorf("sentry: circuit open for %s", base)
	}
	if err := c.acquire(ctx); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure(base)
		return err
	}
	defer func() { _ = utils.DrainAndClose(resp.Body) }()

	if resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			c.noteFailure(base)
		}
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Message}
	}
	c.noteSuccess(base)
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostMessages submits msgs as from to the sentry at base.
func (c *HTTPClient) PostMessages(ctx context.Context, base, channelID, from string, msgs []types.Message) error {
	return c.doJSON(ctx, http.MethodPost, base, channelPath(channelID, "validator-messages"),
		submission{From: from, Messages: msgs}, nil)
}

// PostPeerMessages submits msgs to another validator's sentry. The token
// stays with our own sentry.
func (c *HTTPClient) PostPeerMessages(ctx context.Context, base, channelID, from string, msgs []types.Message) error {
	return c.do(ctx, http.MethodPost, base, channelPath(channelID, "validator-messages"), "",
		submission{From: from, Messages: msgs}, nil)
}

// LatestMessage returns the newest message of any of kinds from from, or nil.
func (c *HTTPClient) LatestMessage(ctx context.Context, base, channelID, from string, kinds ...types.MessageType) (*types.Envelope, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	var out messagesResponse
	path := channelPath(channelID, "validator-messages", from, strings.Join(names, "+")) + "?limit=1"
	if err := c.doJSON(ctx, http.MethodGet, base, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.ValidatorMessages) == 0 {
		return nil, nil
	}
	return out.ValidatorMessages[0], nil
}

func (c *HTTPClient) LastApproved(ctx context.Context, base, channelID string) (*lastApprovedJSON, error) {
	var out lastApprovedResponse
	if err := c.doJSON(ctx, http.MethodGet, base, channelPath(channelID, "last-approved"), nil, &out); err != nil {
		return nil, err
	}
	return out.LastApproved, nil
}

func (c *HTTPClient) EventAggregates(ctx context.Context, base, channelID string, after time.Time) ([]*types.EventAggregate, error) {
	var out aggregatesResponse
	path := channelPath(channelID, "events-aggregates") + "?after=" + url.QueryEscape(after.UTC().Format(time.RFC3339Nano))
	if err := c.doJSON(ctx, http.MethodGet, base, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func channelPath(channelID string, segments ...string) string {
	return utils.JoinPath("/channel", append([]string{channelID}, segments...)...)
}

// HTTPTransport posts to each validator's URL.
type HTTPTransport struct {
	Client *HTTPClient
}

func (t HTTPTransport) Send(ctx context.Context, to types.ValidatorDesc, channelID, from string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return t.Client.PostPeerMessages(ctx, to.URL, channelID, from, msgs)
}
