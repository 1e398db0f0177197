package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gateway is the external calendar/planner system. Implementations must
// treat a resubmitted idempotency key as a no-op that returns the prior Ack.
type Gateway interface {
	Submit(ctx context.Context, rec Record) (Ack, error)
}

// MemoryGateway records deliveries in process. Useful for replay and tests.
type MemoryGateway struct {
	mu       sync.Mutex
	acks     map[string]Ack
	effects  int
	failures []error
	reject   map[string]string
	seq      int
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{acks: make(map[string]Ack), reject: make(map[string]string)}
}

// FailNext makes the next len(errs) submissions fail with errs in order.
func (g *MemoryGateway) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

// RejectTask makes every submission for taskID a permanent rejection.
func (g *MemoryGateway) RejectTask(taskID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reject[taskID] = reason
}

func (g *MemoryGateway) Submit(ctx context.Context, rec Record) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]
		return Ack{}, err
	}
	if reason, ok := g.reject[rec.TaskID]; ok {
		return Ack{}, &RejectError{Status: http.StatusUnprocessableEntity, Reason: reason}
	}
	if ack, ok := g.acks[rec.IdempotencyKey]; ok {
		ack.Duplicate = true
		return ack, nil
	}
	g.seq++
	g.effects++
	ack := Ack{ExternalID: fmt.Sprintf("evt-%04d", g.seq)}
	g.acks[rec.IdempotencyKey] = ack
	return ack, nil
}

// Effects counts distinct deliveries that changed external state.
func (g *MemoryGateway) Effects() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.effects
}

// HTTPGateway posts records as JSON to a planner endpoint. The idempotency
// key travels in the Idempotency-Key header and the body.
type HTTPGateway struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPGateway limits outbound calls to ratePerSecond with the given burst.
func NewHTTPGateway(url string, timeout time.Duration, ratePerSecond float64, burst int) *HTTPGateway {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &HTTPGateway{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type submitRequest struct {
	IdempotencyKey string  `json:"idempotencyKey"`
	TaskID         string  `json:"taskId"`
	TaskVersion    int64   `json:"taskVersion"`
	AttemptID      string  `json:"dispatchAttemptId"`
	Task           Payload `json:"task"`
}

func (g *HTTPGateway) Submit(ctx context.Context, rec Record) (Ack, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Ack{}, fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(submitRequest{
		IdempotencyKey: rec.IdempotencyKey,
		TaskID:         rec.TaskID,
		TaskVersion:    rec.TaskVersion,
		AttemptID:      rec.AttemptID,
		Task:           rec.Payload,
	})
	if err != nil {
		return Ack{}, &RejectError{Reason: fmt.Sprintf("failed to marshal record: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Ack{}, &RejectError{Reason: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.IdempotencyKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		var ack Ack
		if len(respBody) > 0 {
			_ = json.Unmarshal(respBody, &ack)
		}
		if resp.StatusCode == http.StatusConflict {
			ack.Duplicate = true
		}
		return ack, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Ack{}, fmt.Errorf("gateway unavailable: status %d", resp.StatusCode)
	default:
		return Ack{}, &RejectError{Status: resp.StatusCode, Reason: string(bytes.TrimSpace(respBody))}
	}
}
