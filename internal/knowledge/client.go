// Package knowledge bridges a voice conversation to the business knowledge
// base. A lookup posts the caller's question to the retrieval endpoint and
// reduces whatever comes back to one sentence that can be spoken. Every failure
// collapses to a fixed fallback sentence; nothing here returns an error.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-resty/resty/v2"
)

// Fallback sentences returned in place of an answer.
const (
	MessageUnavailable = "Unable to search knowledge base at this time."
	MessageUnparseable = "I found some information, but couldn't parse it properly."
	MessageNotFound    = "No relevant information found."
	MessageApology     = "Knowledge base search temporarily unavailable."
)

// Defaults applied by New for zero-valued options.
const (
	DefaultBaseURL       = "http://localhost:3000"
	DefaultPath          = "/api/chat"
	DefaultTimeout       = 10 * time.Second
	DefaultResponseField = "response"
)

// Outcome classifies how a lookup ended.
type Outcome string

const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeUnparseable Outcome = "unparseable"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnreachable Outcome = "unreachable"
)

// Result is the full account of one lookup. Answer is always speakable.
type Result struct {
	Answer  string
	Outcome Outcome
	// Status is the HTTP status, zero when no response arrived.
	Status int
	Err    error
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Path    string
	Mode    Mode
	// Timeout bounds the whole request including reading the body.
	Timeout time.Duration
	// ResponseField names the text field of a flat response document.
	ResponseField string
	// Observer, when set, is called once per lookup.
	Observer func(outcome Outcome, elapsed time.Duration)
}

// Client performs lookups against one retrieval endpoint. It is safe for
// concurrent use and holds no per-lookup state.
type Client struct {
	http     *resty.Client
	path     string
	mode     Mode
	field    string
	observer func(Outcome, time.Duration)
}

// New builds a Client, filling defaults for zero-valued options.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ResponseField == "" {
		opts.ResponseField = DefaultResponseField
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetLogger(log.Default())
	return &Client{
		http:     hc,
		path:     opts.Path,
		mode:     opts.Mode,
		field:    opts.ResponseField,
		observer: opts.Observer,
	}
}

// Mode reports the wire format this client speaks.
func (c *Client) Mode() Mode { return c.mode }

// Lookup returns a speakable answer for query, scoped to tenantID when it is
// not empty.
func (c *Client) Lookup(ctx context.Context, query, tenantID string) string {
	return c.Search(ctx, query, tenantID).Answer
}

// Search is Lookup with the outcome exposed for logging and diagnostics.
func (c *Client) Search(ctx context.Context, query, tenantID string) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = Result{Answer: MessageApology, Outcome: OutcomeUnreachable, Err: fmt.Errorf("panic: %v", r)}
		}
		elapsed := time.Since(start)
		c.logResult(query, tenantID, res, elapsed)
		if c.observer != nil {
			c.observer(res.Outcome, elapsed)
		}
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return Result{Answer: MessageNotFound, Outcome: OutcomeNotFound}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(c.mode.requestBody(query, tenantID)).
		SetDoNotParseResponse(true).
		Post(c.path)
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		return Result{Answer: MessageApology, Outcome: OutcomeUnreachable, Err: err}
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return Result{Answer: MessageUnavailable, Outcome: OutcomeRejected, Status: status}
	}

	res = c.mode.decode(resp.RawBody(), c.field)
	res.Status = status
	return res
}

func (c *Client) logResult(query, tenantID string, res Result, elapsed time.Duration) {
	switch {
	case errors.Is(res.Err, context.Canceled):
		log.Debug("knowledge lookup abandoned", "mode", c.mode, "tenant", tenantID, "elapsed", elapsed)
		return
	}
	switch res.Outcome {
	case OutcomeUnreachable:
		log.Error("knowledge lookup failed", "mode", c.mode, "tenant", tenantID, "elapsed", elapsed, "err", res.Err)
	case OutcomeRejected:
		log.Warn("knowledge endpoint rejected lookup", "mode", c.mode, "tenant", tenantID, "status", res.Status, "elapsed", elapsed)
	default:
		log.Info("knowledge lookup", "mode", c.mode, "tenant", tenantID, "query", query,
			"outcome", res.Outcome, "chars", len(res.Answer), "elapsed", elapsed)
	}
}
