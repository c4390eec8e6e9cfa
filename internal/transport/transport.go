/*
Package transport is the only part of the orchestrator that speaks HTTP to
a worker.

Purpose:
	- Dispatch a signed job envelope and its payload to a worker's
	  intake endpoint
	- Classify every failure into the orcherr.DispatchFailed taxonomy so
	  the job manager's retry policy never has to look at a status code
	  or an error string itself
	- Trip a per-worker circuit breaker so a worker that is failing fast
	  stops receiving new dispatches until it recovers

Idea:
	Nothing upstream of this package knows what "HTTP" means. The task
	router picks a worker ID; the job manager calls Dispatch with that
	worker's base URL and an envelope. Everything about connection pooling, timeouts, and
	status code interpretation lives here.
*/
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relaygrid/orchestrator/internal/orcherr"
	"github.com/relaygrid/orchestrator/internal/pkg/httpx"
	"github.com/relaygrid/orchestrator/internal/platform/logger"
	"github.com/relaygrid/orchestrator/internal/registry"
)

// DispatchRequest is everything transport needs to hand one job to one
// worker.
type DispatchRequest struct {
	WorkerBaseURL string
	Envelope      string // signed JWT from internal/envelope
	Payload       json.RawMessage
	Deadline      time.Time
}

// DispatchResponse is a worker's synchronous acknowledgement. Workers that
// process asynchronously return Accepted=true with no result yet; the
// actual outcome arrives later via a signed callback.
type DispatchResponse struct {
	Accepted bool
	Async    bool
	Result   json.RawMessage
}

// Client dispatches jobs over HTTP, applying a circuit breaker per worker
// base URL so one misbehaving worker cannot exhaust the client's
// connection pool or hold up dispatches meant for others.
type Client struct {
	http *http.Client
	log  *logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a transport client. timeout bounds a single HTTP round
// trip; callers pass a shorter context deadline via DispatchRequest.Deadline
// for the end-to-end job budget.
func NewClient(timeout time.Duration, log *logger.Logger) *Client {
	return &Client{
		http:     &http.Client{Timeout: timeout},
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(baseURL string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[baseURL]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("worker circuit breaker state change", "worker_url", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[baseURL] = b
	return b
}

// Dispatch sends one job envelope to a worker and classifies the outcome.
// On a tripped circuit breaker it returns orcherr.WorkerUnhealthy without
// making a network call, so the job manager can reroute immediately.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error) {
	breaker := c.breakerFor(req.WorkerBaseURL)

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.doDispatch(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &orcherr.WorkerUnhealthy{WorkerID: req.WorkerBaseURL}
		}
		return nil, err
	}
	return result.(*DispatchResponse), nil
}

func (c *Client) doDispatch(ctx context.Context, req DispatchRequest) (*DispatchResponse, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.WorkerBaseURL+"/jobs", bytes.NewReader(req.Payload))
	if err != nil {
		return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonMalformedResponse, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Envelope)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if httpx.IsRetryableError(err) || ctx.Err() != nil {
			reason := orcherr.ReasonNetwork
			if ctx.Err() != nil {
				reason = orcherr.ReasonTimeout
			}
			return nil, &orcherr.DispatchFailed{Reason: reason, Err: err}
		}
		return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonMalformedResponse, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonEnvelopeRejected, StatusCode: resp.StatusCode}
	case httpx.IsRetryableHTTPStatus(resp.StatusCode) || resp.StatusCode == http.StatusTooEarly:
		return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonHTTP5xx, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonHTTP4xx, StatusCode: resp.StatusCode}
	}

	var parsed struct {
		Accepted bool            `json:"accepted"`
		Async    bool            `json:"async"`
		Result   json.RawMessage `json:"result"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, &orcherr.DispatchFailed{Reason: orcherr.ReasonMalformedResponse, Err: err}
		}
	}
	return &DispatchResponse{Accepted: parsed.Accepted || resp.StatusCode == http.StatusAccepted, Async: parsed.Async, Result: parsed.Result}, nil
}

// HealthProber implements registry.Prober over HTTP, grounded on the
// orchestrator's original /health polling convention: GET <base
// url>/health with a bounded timeout, {"status": "healthy"|"warning"|...}
// response body.
type HealthProber struct {
	http    *http.Client
	timeout time.Duration
}

func NewHealthProber(timeout time.Duration) *HealthProber {
	return &HealthProber{http: &http.Client{Timeout: timeout}, timeout: timeout}
}

func (p *HealthProber) Probe(ctx context.Context, d registry.Descriptor) (registry.ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+"/health", nil)
	if err != nil {
		return registry.ProbeResult{}, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return registry.ProbeResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return registry.ProbeResult{}, fmt.Errorf("health probe for %s returned status %d", d.ID, resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return registry.ProbeResult{}, err
	}
	switch body.Status {
	case "healthy":
		return registry.ProbeResult{Warning: false}, nil
	case "warning":
		return registry.ProbeResult{Warning: true}, nil
	default:
		return registry.ProbeResult{}, fmt.Errorf("health probe for %s reported status %q", d.ID, body.Status)
	}
}
