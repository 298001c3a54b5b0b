package modelgateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
// Client: requests wait for an estimated token cost, and the effective
// tokens-per-minute budget halves on a rate-limit error and creeps back up
// on success.
//
// Grounded on features/model/middleware.AdaptiveRateLimiter, stripped of the
// Pulse/rmap cluster-coordination path: this module runs single-process, so
// only the process-local AIMD core is kept.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with the given tokens-per-minute
// budget. A non-positive initialTPM defaults to a conservative 60000 TPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recovery := initialTPM * 0.05
	if recovery < 1 {
		recovery = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recovery,
	}
}

// Wrap returns a Client that enforces the limiter in front of next.
func (l *AdaptiveRateLimiter) Wrap(next Client) Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(IsRateLimited(err))
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	c.limiter.observe(IsRateLimited(err))
	return s, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(rateLimited bool) {
	if rateLimited {
		l.backoff()
		return
	}
	l.probe()
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	l.setTPMLocked(next)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	l.setTPMLocked(next)
}

func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap heuristic: characters in text parts and string
// tool results, divided by an approximate characters-per-token ratio, plus a
// fixed overhead buffer for system prompts and provider framing.
func estimateTokens(req Request) int {
	chars := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case TextPart:
				chars += len(v.Text)
			case ToolResultPart:
				if s, ok := v.Content.(string); ok {
					chars += len(s)
				}
			}
		}
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
