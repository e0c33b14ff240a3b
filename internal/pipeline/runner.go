// Package pipeline drives a season run: discover rallies, then fetch,
// archive, extract, persist and announce each one in turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/metrics"
	"github.com/JakeFAU/rallyscraper/internal/rally"
)

var tracer = otel.Tracer("github.com/JakeFAU/rallyscraper/internal/pipeline")

// Archiver keeps the raw body of a rally page.
type Archiver interface {
	Store(ctx context.Context, season int, slug string, body []byte) (string, error)
}

// Config controls Runner behavior.
type Config struct {
	// SeasonURL returns the listing page for a season.
	SeasonURL func(season int) string
	// Topic receives one RallySyncedEvent per rally; empty disables publishing.
	Topic string
}

// Runner executes season runs. It is not safe for concurrent Run calls.
type Runner struct {
	fetcher    rally.Fetcher
	extractor  rally.Extractor
	reconciler rally.PageReconciler
	archive    Archiver
	publisher  rally.Publisher
	clock      rally.Clock
	ids        rally.IDGenerator
	cfg        Config
	logger     *zap.Logger
	progress   *Tracker
}

// New constructs a Runner. archive and publisher may be nil.
func New(
	fetcher rally.Fetcher,
	extractor rally.Extractor,
	reconciler rally.PageReconciler,
	archive Archiver,
	publisher rally.Publisher,
	clock rally.Clock,
	ids rally.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		fetcher:    fetcher,
		extractor:  extractor,
		reconciler: reconciler,
		archive:    archive,
		publisher:  publisher,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
		progress:   NewTracker(),
	}
}

// Snapshot returns the progress of the current or last run.
func (r *Runner) Snapshot() rally.Progress {
	return r.progress.Snapshot()
}

// Run scrapes one season. Per-rally failures are logged and counted; the
// only error returned is context cancellation.
func (r *Runner) Run(ctx context.Context, season int) (rally.Summary, error) {
	start := r.clock.Now()
	runID, err := r.ids.NewID()
	if err != nil {
		return rally.Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	summary := rally.Summary{RunID: runID, Season: season}

	ctx, span := tracer.Start(ctx, "season.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("season", season),
	))
	defer span.End()
	log := r.logger.With(zap.String("run_id", runID), zap.Int("season", season))

	r.progress.update(func(p *rally.Progress) {
		*p = rally.Progress{RunID: runID, Season: season, State: rally.RunRunning, StartedAt: start, UpdatedAt: start}
	})
	finish := func(state rally.RunState) {
		summary.Duration = r.clock.Now().Sub(start)
		span.SetAttributes(
			attribute.Int("rallies", summary.Rallies),
			attribute.Int("rallies_failed", summary.RalliesFailed),
			attribute.Int("persisted", summary.Persisted),
		)
		r.progress.update(func(p *rally.Progress) {
			p.State = state
			p.CurrentRally = ""
			p.UpdatedAt = r.clock.Now()
		})
	}

	seasonURL := r.cfg.SeasonURL(season)
	log.Info("scraping season", zap.String("url", seasonURL))
	page, err := r.fetcher.Fetch(ctx, seasonURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.SetStatus(codes.Error, "canceled")
			finish(rally.RunCanceled)
			return summary, fmt.Errorf("season %d: %w", season, ctxErr)
		}
		log.Error("season page unavailable", zap.Error(err))
		finish(rally.RunFinished)
		return summary, nil
	}

	links := r.extractor.RallyLinks(page.Doc, page.URL)
	log.Info("rallies discovered", zap.Int("count", len(links)))
	r.progress.update(func(p *rally.Progress) { p.RalliesTotal = len(links) })

	for _, link := range links {
		if err := ctx.Err(); err != nil {
			log.Warn("run interrupted", zap.Int("remaining", len(links)-summary.Rallies))
			span.SetStatus(codes.Error, "canceled")
			finish(rally.RunCanceled)
			return summary, fmt.Errorf("season %d: %w", season, err)
		}
		r.progress.update(func(p *rally.Progress) { p.CurrentRally = link.Name })

		result, ok := r.processRally(ctx, runID, season, link, log)
		summary.Rallies++
		summary.Persisted += result.Persisted
		summary.Skipped += result.Skipped()
		if !ok {
			summary.RalliesFailed++
		}
		r.progress.update(func(p *rally.Progress) {
			p.RalliesDone = summary.Rallies
			p.RalliesFailed = summary.RalliesFailed
			p.Persisted = summary.Persisted
			p.Skipped = summary.Skipped
			p.UpdatedAt = r.clock.Now()
		})
	}

	finish(rally.RunFinished)
	log.Info("season complete",
		zap.Int("rallies", summary.Rallies),
		zap.Int("rallies_failed", summary.RalliesFailed),
		zap.Int("persisted", summary.Persisted),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// processRally handles one rally and reports whether it completed. A rally
// that fails contributes zero results.
func (r *Runner) processRally(ctx context.Context, runID string, season int, link rally.RallyLink, log *zap.Logger) (rally.PageResult, bool) {
	log = log.With(zap.String("rally", link.Name), zap.String("url", link.URL))
	ctx, span := tracer.Start(ctx, "rally.process", trace.WithAttributes(
		attribute.String("rally", link.Name),
		attribute.String("slug", link.Slug),
	))
	defer span.End()

	page, err := r.fetcher.Fetch(ctx, link.URL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		metrics.ObservePage(metrics.PageFetchFailed)
		log.Error("rally page unavailable", zap.Error(err))
		return rally.PageResult{}, false
	}

	var archiveURI string
	if r.archive != nil {
		archiveURI, err = r.archive.Store(ctx, season, link.Slug, page.Body)
		if err != nil {
			log.Warn("archive failed", zap.Error(err))
		}
	}

	rows := r.extractor.ResultRows(page.Doc)
	log.Debug("rows extracted", zap.Int("rows", len(rows)))

	span.SetAttributes(attribute.Int("rows", len(rows)))

	var result rally.PageResult
	if len(rows) > 0 {
		result, err = r.reconciler.ReconcilePage(ctx, link.Name, season, rows)
		if err != nil {
			log.Error("rally page not persisted", zap.Int("rows", len(rows)), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist failed")
			return rally.PageResult{}, false
		}
	} else {
		log.Warn("no result rows found")
	}

	r.announce(ctx, rally.RallySyncedEvent{
		RunID:      runID,
		Season:     season,
		Rally:      link.Name,
		Slug:       link.Slug,
		URL:        link.URL,
		Persisted:  result.Persisted,
		Skipped:    result.Skipped(),
		ArchiveURI: archiveURI,
		SyncedAt:   r.clock.Now(),
	}, log)
	return result, true
}

func (r *Runner) announce(ctx context.Context, event rally.RallySyncedEvent, log *zap.Logger) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	id, err := r.publisher.Publish(ctx, r.cfg.Topic, event)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("publish rally synced event failed", zap.Error(err))
		}
		return
	}
	log.Debug("rally synced event published", zap.String("message_id", id))
}
