package fetcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/rally"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
}

type scriptedTransport struct {
	mu       sync.Mutex
	script   []step
	fallback step
	requests []rally.FetchRequest
}

type step struct {
	status int
	body   string
	err    error
}

func (s *scriptedTransport) Do(_ context.Context, req rally.FetchRequest) (rally.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	next := s.fallback
	if len(s.script) > 0 {
		next = s.script[0]
		s.script = s.script[1:]
	}
	if next.err != nil {
		return rally.FetchResponse{}, next.err
	}
	return rally.FetchResponse{URL: req.URL, StatusCode: next.status, Body: []byte(next.body)}, nil
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type countingRotator struct {
	mu    sync.Mutex
	count int
}

func (r *countingRotator) Rotate(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}

func (r *countingRotator) rotations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

const okHTML = `<html><body><table><tr><td>1</td></tr></table></body></html>`

func newTestController(tr rally.Transport, rot rally.Rotator, clock rally.Clock) *Controller {
	cfg := DefaultConfig()
	cfg.Headers = http.Header{"User-Agent": {"test-agent"}}
	return New(tr, rot, clock, cfg, zap.NewNop(), WithRand(rand.New(rand.NewPCG(7, 11))))
}

func TestFetchSuccessReturnsParsedPage(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{script: []step{{status: http.StatusOK, body: okHTML}}}
	rot := &countingRotator{}
	clock := &fakeClock{}
	c := newTestController(tr, rot, clock)

	page, err := c.Fetch(context.Background(), "https://example.com/results/1/")
	require.NoError(t, err)
	require.Equal(t, 1, page.Doc.Find("td").Length())
	require.Equal(t, "https://example.com/results/1/", page.URL)
	require.Equal(t, 0, rot.rotations())
	require.Len(t, clock.sleeps, 1)
	require.GreaterOrEqual(t, clock.sleeps[0], 1500*time.Millisecond)
	require.LessOrEqual(t, clock.sleeps[0], 3500*time.Millisecond)
	require.Equal(t, "test-agent", tr.requests[0].Headers.Get("User-Agent"))
}

func TestFetchRotationCadence(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{fallback: step{status: http.StatusOK, body: okHTML}}
	rot := &countingRotator{}
	c := newTestController(tr, rot, &fakeClock{})

	for i := 1; i <= 19; i++ {
		_, err := c.Fetch(context.Background(), "https://example.com/")
		require.NoError(t, err)
		require.Equal(t, i, c.Requests())
	}
	require.Equal(t, 0, rot.rotations())

	_, err := c.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 1, rot.rotations(), "rotation fires on the 20th fetch")
	require.Equal(t, 0, c.Requests(), "counter resets before the 21st fetch")

	_, err = c.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 1, c.Requests())
	require.Equal(t, 1, rot.rotations())
}

func TestFetchPeriodicRotationIgnoresOutcome(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{fallback: step{err: errors.New("connection reset")}}
	rot := &countingRotator{}
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.RotateEvery = 2
	c := New(tr, rot, &fakeClock{}, cfg, zap.NewNop())

	_, err := c.Fetch(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 0, rot.rotations())
	_, err = c.Fetch(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, ErrExhausted)
	require.Equal(t, 1, rot.rotations())
}

func TestFetchBoundedRetryOnTransportError(t *testing.T) {
	t.Parallel()

	boom := errors.New("dial tcp: i/o timeout")
	tr := &scriptedTransport{fallback: step{err: boom}}
	rot := &countingRotator{}
	clock := &fakeClock{}
	c := newTestController(tr, rot, clock)

	page, err := c.Fetch(context.Background(), "https://example.com/")
	require.Nil(t, page)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, tr.calls())
	require.Equal(t, 2, rot.rotations(), "no rotation after the final attempt")

	backoffs := 0
	for _, d := range clock.sleeps {
		if d == 5*time.Second {
			backoffs++
		}
	}
	require.Equal(t, 2, backoffs)
	require.Len(t, clock.sleeps, 5)
}

func TestFetchRateLimitIsRetried(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{script: []step{
		{status: http.StatusTooManyRequests},
		{status: http.StatusTooManyRequests},
		{status: http.StatusOK, body: okHTML},
	}}
	rot := &countingRotator{}
	clock := &fakeClock{}
	c := newTestController(tr, rot, clock)

	page, err := c.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.NotNil(t, page)
	require.Equal(t, 3, tr.calls())
	require.Equal(t, 2, rot.rotations())

	cooldowns := 0
	for _, d := range clock.sleeps {
		require.NotEqual(t, 5*time.Second, d, "429 does not add the error backoff")
		if d == time.Minute {
			cooldowns++
		}
	}
	require.Equal(t, 2, cooldowns)
}

func TestFetchRateLimitExhausted(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{fallback: step{status: http.StatusTooManyRequests}}
	rot := &countingRotator{}
	c := newTestController(tr, rot, &fakeClock{})

	_, err := c.Fetch(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 3, tr.calls())
	require.Equal(t, 3, rot.rotations())
}

func TestFetchServerErrorThenSuccess(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{script: []step{
		{status: http.StatusBadGateway},
		{status: http.StatusOK, body: okHTML},
	}}
	rot := &countingRotator{}
	c := newTestController(tr, rot, &fakeClock{})

	_, err := c.Fetch(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 1, rot.rotations())
}

func TestFetchStatusErrorIsReported(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{fallback: step{status: http.StatusNotFound}}
	c := newTestController(tr, nil, &fakeClock{})

	_, err := c.Fetch(context.Background(), "https://example.com/")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestFetchHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	tr := &scriptedTransport{fallback: step{status: http.StatusOK, body: okHTML}}
	c := newTestController(tr, &countingRotator{}, &fakeClock{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Fetch(ctx, "https://example.com/")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, tr.calls())
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	c := New(&scriptedTransport{}, nil, &fakeClock{}, Config{PacingMin: time.Second}, nil)
	require.Equal(t, 3, c.cfg.MaxAttempts)
	require.Equal(t, 20, c.cfg.RotateEvery)
	require.Equal(t, time.Second, c.pacing())
}
