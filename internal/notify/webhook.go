// Package notify delivers audit events to configured HTTP webhooks.
// Delivery is asynchronous and best-effort: failures are logged and never
// reach the operation that produced the event.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orgflow/orgflow/pkg/logging"
	"github.com/orgflow/orgflow/pkg/model"
)

const (
	HeaderEvent     = "X-Orgflow-Event"
	HeaderSignature = "X-Orgflow-Signature"
	userAgent       = "orgflow-webhook/1"
)

// Hook is one webhook endpoint.
type Hook struct {
	URL    string
	Secret string
	// Events lists event types ("merge.outcome"), category wildcards
	// ("drift.*") or "*". Empty means every event.
	Events  []string
	Timeout time.Duration
}

// Config configures a Client.
type Config struct {
	Hooks      []Hook
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
}

// DefaultConfig returns delivery defaults with no hooks.
func DefaultConfig() Config {
	return Config{MaxRetries: 2, RetryDelay: time.Second, QueueSize: 100}
}

// Payload is the JSON body posted to hooks.
type Payload struct {
	Event     model.AuditEventType `json:"event"`
	Seq       int64                `json:"seq"`
	Timestamp time.Time            `json:"timestamp"`
	Actor     string               `json:"actor"`
	RepoID    string               `json:"repo_id,omitempty"`
	Checksum  model.HashValue      `json:"checksum"`
	Data      map[string]any       `json:"data,omitempty"`
}

type job struct {
	payload Payload
	hook    Hook
}

// Client queues and sends webhook deliveries on a background worker.
type Client struct {
	cfg    Config
	repoID string
	http   *http.Client
	log    *logging.Logger

	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewClient starts a client. A client with no hooks never sends.
func NewClient(cfg Config, repoID string, log *logging.Logger) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		repoID: repoID,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    logging.OrNop(log).Named("notify"),
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if len(cfg.Hooks) > 0 {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Notify queues ev for every matching hook. It never blocks; a full queue
// drops the delivery with a warning.
func (c *Client) Notify(ev model.AuditEvent) {
	if len(c.cfg.Hooks) == 0 {
		return
	}
	p := Payload{
		Event:     ev.EventType,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Actor:     ev.Actor,
		RepoID:    c.repoID,
		Checksum:  ev.Checksum,
		Data:      ev.Payload,
	}
	for _, hook := range c.cfg.Hooks {
		if !Matches(hook.Events, ev.EventType) {
			continue
		}
		select {
		case c.queue <- job{payload: p, hook: hook}:
		default:
			c.log.Warn("webhook queue full, dropping event", map[string]any{
				"event": string(ev.EventType), "url": hook.URL,
			})
		}
	}
}

// Send delivers ev synchronously to matching hooks and returns the last
// error.
func (c *Client) Send(ctx context.Context, ev model.AuditEvent) error {
	var lastErr error
	for _, hook := range c.cfg.Hooks {
		if !Matches(hook.Events, ev.EventType) {
			continue
		}
		p := Payload{Event: ev.EventType, Seq: ev.Seq, Timestamp: ev.Timestamp, Actor: ev.Actor,
			RepoID: c.repoID, Checksum: ev.Checksum, Data: ev.Payload}
		if err := c.deliver(ctx, job{payload: p, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			for {
				select {
				case j := <-c.queue:
					c.send(j)
				default:
					return
				}
			}
		case j := <-c.queue:
			c.send(j)
		}
	}
}

func (c *Client) send(j job) {
	if err := c.deliver(context.Background(), j); err != nil {
		c.log.WarnErr("webhook delivery failed", err, map[string]any{
			"event": string(j.payload.Event), "url": j.hook.URL,
		})
	}
}

// deliver posts one payload with retries.
func (c *Client) deliver(ctx context.Context, j job) error {
	body, err := json.Marshal(j.payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		if lastErr = c.post(ctx, j, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, j job, body []byte) error {
	if j.hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.hook.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, string(j.payload.Event))
	if j.hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, j.hook.Secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// Close stops the worker after draining queued deliveries.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

// Sign returns the HMAC-SHA256 signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether an event type is selected by patterns.
func Matches(patterns []string, t model.AuditEventType) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		switch {
		case p == "*", p == string(t):
			return true
		case strings.HasSuffix(p, ".*") && strings.TrimSuffix(p, ".*") == t.Category():
			return true
		}
	}
	return false
}
