package identity

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/rally"
)

// AddressLookup reports the externally visible address.
type AddressLookup interface {
	CurrentIP(ctx context.Context) string
}

// Config controls rotation behavior.
type Config struct {
	Pool   []string
	Settle time.Duration
}

// Rotator implements rally.Rotator on top of a Provider.
type Rotator struct {
	provider Provider
	lookup   AddressLookup
	clock    rally.Clock
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	current  string
	lastIP   string
	rotation int
}

// Option customizes a Rotator.
type Option func(*Rotator)

// WithRand overrides the random source used to pick endpoints.
func WithRand(rng *rand.Rand) Option {
	return func(r *Rotator) {
		if rng != nil {
			r.rng = rng
		}
	}
}

// WithAddressLookup sets the service used to verify the visible address.
func WithAddressLookup(lookup AddressLookup) Option {
	return func(r *Rotator) {
		r.lookup = lookup
	}
}

// NewRotator constructs a Rotator.
func NewRotator(provider Provider, clock rally.Clock, cfg Config, logger *zap.Logger, opts ...Option) *Rotator {
	if provider == nil {
		provider = NewNoop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rotator{
		provider: provider,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)), //nolint:gosec // endpoint choice is not security sensitive
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rotate tears down the active session and establishes a new one bound to
// target, or to a random pool endpoint when target is empty. It always
// returns nil; failures are logged.
func (r *Rotator) Rotate(ctx context.Context, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rotation++
	log := r.logger.With(zap.Int("rotation", r.rotation))

	if err := r.provider.Teardown(ctx); err != nil {
		log.Warn("identity teardown failed", zap.Error(err))
	}
	r.current = ""

	endpoint := target
	if endpoint == "" {
		endpoint = r.pick()
	}
	if endpoint == "" {
		log.Warn("identity pool is empty; continuing without a session")
		return nil
	}
	log = log.With(zap.String("endpoint", endpoint))

	if err := r.provider.Establish(ctx, endpoint); err != nil {
		log.Warn("identity establish failed", zap.Error(err))
		return nil
	}
	r.current = endpoint

	if r.clock != nil {
		r.clock.Sleep(ctx, r.cfg.Settle)
	}
	r.verify(ctx, log)
	return nil
}

// Current returns the endpoint of the active session, if any.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Close tears down the active session. Like Rotate, it only logs failures.
func (r *Rotator) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.provider.Teardown(ctx); err != nil {
		r.logger.Warn("identity teardown on close failed", zap.Error(err))
	}
	r.current = ""
	return nil
}

func (r *Rotator) pick() string {
	if len(r.cfg.Pool) == 0 {
		return ""
	}
	return r.cfg.Pool[r.rng.IntN(len(r.cfg.Pool))]
}

func (r *Rotator) verify(ctx context.Context, log *zap.Logger) {
	if r.lookup == nil {
		return
	}
	ip := r.lookup.CurrentIP(ctx)
	switch {
	case ip == unknownIP:
		log.Warn("identity established; visible address unknown")
	case ip == r.lastIP:
		log.Warn("identity established; visible address unchanged", zap.String("ip", ip))
	default:
		log.Info("identity established", zap.String("ip", ip), zap.String("previous_ip", r.lastIP))
	}
	if ip != unknownIP {
		r.lastIP = ip
	}
}

// SeedAddress records the address seen before the first rotation so the
// first verification can report a change.
func (r *Rotator) SeedAddress(ctx context.Context) string {
	if r.lookup == nil {
		return unknownIP
	}
	ip := r.lookup.CurrentIP(ctx)
	r.mu.Lock()
	if ip != unknownIP {
		r.lastIP = ip
	}
	r.mu.Unlock()
	return ip
}
