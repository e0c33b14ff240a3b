package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/metrics"
	"github.com/JakeFAU/rallyscraper/internal/rally"
)

// ErrExhausted is returned when every attempt for a URL failed. Callers
// treat it as "no data for this URL" and move on.
var ErrExhausted = errors.New("fetch attempts exhausted")

// ErrRateLimited marks an attempt answered with 429.
var ErrRateLimited = errors.New("rate limited")

// StatusError reports a non-success, non-429 response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Attempt outcomes, used as metric labels.
const (
	outcomeOK          = "ok"
	outcomeRateLimited = "rate_limited"
	outcomeHTTPError   = "http_error"
	outcomeTransport   = "transport_error"
	outcomeParse       = "parse_error"
)

// Config controls the retry and rotation policy.
type Config struct {
	MaxAttempts       int
	RotateEvery       int
	PacingMin         time.Duration
	PacingMax         time.Duration
	RateLimitCooldown time.Duration
	Backoff           time.Duration
	Headers           http.Header
}

// DefaultConfig returns the stock policy: 3 attempts, rotation every 20
// requests, 1.5-3.5s pacing, 60s cooldown on 429 and 5s backoff.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		RotateEvery:       20,
		PacingMin:         1500 * time.Millisecond,
		PacingMax:         3500 * time.Millisecond,
		RateLimitCooldown: 60 * time.Second,
		Backoff:           5 * time.Second,
	}
}

// Controller implements rally.Fetcher.
type Controller struct {
	transport rally.Transport
	rotator   rally.Rotator
	clock     rally.Clock
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	requests int
	rng      *rand.Rand
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRand overrides the random source used for pacing.
func WithRand(rng *rand.Rand) Option {
	return func(c *Controller) {
		if rng != nil {
			c.rng = rng
		}
	}
}

// New constructs a Controller. Zero-valued policy fields fall back to
// DefaultConfig.
func New(transport rally.Transport, rotator rally.Rotator, clock rally.Clock, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = def.RotateEvery
	}
	if cfg.PacingMax < cfg.PacingMin {
		cfg.PacingMax = cfg.PacingMin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		transport: transport,
		rotator:   rotator,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		rng:       rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xfe7c4)), //nolint:gosec // pacing jitter only
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Requests returns the number of fetches since the last periodic rotation.
func (c *Controller) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// Fetch retrieves rawURL and returns the parsed page, or an error wrapping
// ErrExhausted once the attempt budget is spent.
func (c *Controller) Fetch(ctx context.Context, rawURL string) (*rally.Page, error) {
	c.countRequest(ctx)

	log := c.logger.With(zap.String("url", rawURL))
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		c.clock.Sleep(ctx, c.pacing())

		resp, err := c.transport.Do(ctx, rally.FetchRequest{URL: rawURL, Headers: c.cfg.Headers.Clone()})
		attemptLog := log.With(zap.Int("attempt", attempt))
		switch {
		case err != nil:
			lastErr = err
			metrics.ObserveFetchAttempt(rawURL, outcomeTransport, 0)
			attemptLog.Warn("fetch failed", zap.Error(err))

		case resp.StatusCode == http.StatusOK:
			page, perr := c.parse(rawURL, resp)
			if perr == nil {
				metrics.ObserveFetchAttempt(rawURL, outcomeOK, resp.Duration)
				attemptLog.Debug("fetched", zap.Int("bytes", len(resp.Body)), zap.Duration("duration", resp.Duration))
				return page, nil
			}
			lastErr = perr
			metrics.ObserveFetchAttempt(rawURL, outcomeParse, resp.Duration)
			attemptLog.Warn("response body could not be parsed", zap.Error(perr))

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			metrics.ObserveFetchAttempt(rawURL, outcomeRateLimited, resp.Duration)
			attemptLog.Warn("rate limited; cooling down", zap.Duration("cooldown", c.cfg.RateLimitCooldown))
			c.clock.Sleep(ctx, c.cfg.RateLimitCooldown)
			c.rotate(ctx, metrics.TriggerRateLimit)
			continue

		default:
			lastErr = &StatusError{Code: resp.StatusCode}
			metrics.ObserveFetchAttempt(rawURL, outcomeHTTPError, resp.Duration)
			attemptLog.Warn("unexpected status", zap.Int("status", resp.StatusCode))
		}

		if attempt < c.cfg.MaxAttempts {
			c.rotate(ctx, metrics.TriggerError)
			c.clock.Sleep(ctx, c.cfg.Backoff)
		}
	}

	log.Error("giving up on url", zap.Int("attempts", c.cfg.MaxAttempts), zap.Error(lastErr))
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, rawURL, c.cfg.MaxAttempts, lastErr)
}

func (c *Controller) countRequest(ctx context.Context) {
	c.mu.Lock()
	c.requests++
	due := c.requests >= c.cfg.RotateEvery
	if due {
		c.requests = 0
	}
	c.mu.Unlock()

	if due {
		c.logger.Info("rotating identity after request threshold", zap.Int("threshold", c.cfg.RotateEvery))
		c.rotate(ctx, metrics.TriggerPeriodic)
	}
}

func (c *Controller) rotate(ctx context.Context, trigger string) {
	if c.rotator == nil {
		return
	}
	err := c.rotator.Rotate(ctx, "")
	metrics.ObserveRotation(trigger, err == nil)
	if err != nil {
		c.logger.Warn("identity rotation failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

func (c *Controller) pacing() time.Duration {
	span := c.cfg.PacingMax - c.cfg.PacingMin
	if span <= 0 {
		return c.cfg.PacingMin
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.PacingMin + time.Duration(c.rng.Int64N(int64(span)+1))
}

func (c *Controller) parse(rawURL string, resp rally.FetchResponse) (*rally.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	return &rally.Page{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Doc:        doc,
		FetchedAt:  c.clock.Now(),
	}, nil
}
