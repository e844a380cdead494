// Package pipeline implements the per-message state machine: load an
// episode, work out what (if anything) still needs a video rendition,
// produce it, validate it landed, and advance the episode's processing
// flags. It is the only caller of Transcoder.ProcessEpisode and the only
// code path that decides when videoQuotingDone/videoChunkingDone may
// become true.
package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/livepeer/episode-video-worker/artifactstore"
	"github.com/livepeer/episode-video-worker/config"
	xerrors "github.com/livepeer/episode-video-worker/errors"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
	"github.com/livepeer/episode-video-worker/models"
	"github.com/livepeer/episode-video-worker/queue"
	"github.com/livepeer/episode-video-worker/transcoder"
)

// episodeRepository is the subset of *repository.Repository the pipeline
// needs: reads for inventory/validation, writes for flags and contentType.
type episodeRepository interface {
	GetEpisode(ctx context.Context, episodeID string) (*models.Episode, error)
	GetProcessingInfo(ctx context.Context, episodeID string) (models.ProcessingInfo, error)
	GetQuotesByEpisode(ctx context.Context, episodeID string) ([]models.Quote, error)
	GetShortsByEpisode(ctx context.Context, episodeID string) ([]models.Short, error)
	GetQuotesAndShortsByEpisode(ctx context.Context, episodeID string) ([]models.Quote, []models.Short, error)
	UpdateEpisodeProcessingFlags(ctx context.Context, episodeID string, videoQuotingDone, videoChunkingDone *bool) (models.ProcessingInfo, bool, error)
	UpdateEpisodeContentType(ctx context.Context, episodeID, contentType string) (bool, error)
}

// episodeTranscoder is the subset of *transcoder.Transcoder the pipeline
// calls to actually produce artifacts.
type episodeTranscoder interface {
	ProcessEpisode(ctx context.Context, req transcoder.ProcessEpisodeRequest) (transcoder.ProcessResult, error)
}

// protection is the subset of *taskprotection.Manager the pipeline uses to
// mark a session critical while it is producing artifacts.
type protection interface {
	AddCritical(id string)
	RemoveCritical(id string)
}

// QuoteFilterMode controls whether quotes with an invalid (zero-length or
// inverted) clip window are excluded from the pending set before the
// transcoder ever sees them, per spec.md §9 Open Question 1.
type QuoteFilterMode int

const (
	// QuoteFilterStrict excludes quotes with an invalid clip window from
	// the pending set so the produced/pending count-sanity check in the
	// Validate step can never permanently mismatch for that reason. This
	// is the default.
	QuoteFilterStrict QuoteFilterMode = iota
	// QuoteFilterLenient includes every unprocessed quote regardless of
	// clip window validity; the transcoder silently skips the invalid
	// ones, which then never validate and keep the episode in NotReady.
	QuoteFilterLenient
)

// Config configures a Pipeline.
type Config struct {
	Repo       episodeRepository
	Transcoder episodeTranscoder
	Protection protection

	QuoteFilterMode    QuoteFilterMode
	MinQuoteDurationMs int

	FlagAdvanceRetries   int
	FlagAdvanceRetryPause time.Duration
}

// Pipeline implements the EpisodePipeline component (spec.md §4.3).
type Pipeline struct {
	repo       episodeRepository
	transcoder episodeTranscoder
	protection protection

	quoteFilterMode    QuoteFilterMode
	minQuoteDurationMs int

	flagAdvanceRetries   int
	flagAdvanceRetryPause time.Duration
}

func New(cfg Config) *Pipeline {
	p := &Pipeline{
		repo:                  cfg.Repo,
		transcoder:            cfg.Transcoder,
		protection:            cfg.Protection,
		quoteFilterMode:       cfg.QuoteFilterMode,
		minQuoteDurationMs:    cfg.MinQuoteDurationMs,
		flagAdvanceRetries:    cfg.FlagAdvanceRetries,
		flagAdvanceRetryPause: cfg.FlagAdvanceRetryPause,
	}
	if p.flagAdvanceRetries <= 0 {
		p.flagAdvanceRetries = config.DefaultFlagAdvanceRetries
	}
	if p.flagAdvanceRetryPause <= 0 {
		p.flagAdvanceRetryPause = config.FlagAdvanceRetryPause
	}
	return p
}

// ProcessMessage implements queue.Handler: it is the function the
// QueueConsumer calls for every validated message.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg models.Message) (outcome queue.Outcome) {
	episodeID := msg.EpisodeID
	defer func() {
		if r := recover(); r != nil {
			metrics.Metrics.UnhandledErrors.WithLabelValues(episodeID).Inc()
			log.Log(episodeID, "unhandled panic while processing episode; leaving for redelivery", "panic", fmt.Sprintf("%v", r))
			outcome = queue.Failed
		}
	}()

	start := config.Clock.GetTime()
	outcome = p.run(ctx, episodeID)
	metrics.Metrics.PipelineDuration.WithLabelValues(outcome.String()).Observe(config.Clock.GetTime().Sub(start).Seconds())
	return outcome
}

func (p *Pipeline) run(ctx context.Context, episodeID string) queue.Outcome {
	// --- step 1: Load ---
	episode, err := p.repo.GetEpisode(ctx, episodeID)
	if err != nil {
		log.LogError(episodeID, "failed to load episode", err)
		return queue.Failed
	}
	if episode == nil || models.NormalizeContentType(episode.ContentType) != models.ContentTypeVideo {
		log.Log(episodeID, "episode absent or not content type video; nothing to do")
		return queue.Success
	}
	if len(episode.ProcessingInfo) == 0 {
		log.Log(episodeID, "episode has no processingInfo; missing precondition")
		return queue.Failed
	}
	info := episode.ProcessingInfo

	// --- step 2: Preconditions ---
	sourceURL := episode.VideoLocation()
	source, err := artifactstore.ParseSourceLocation(sourceURL)
	if err != nil {
		log.LogError(episodeID, "could not parse source video location", err)
		return queue.Failed
	}
	if episode.PodcastID == "" {
		log.Log(episodeID, "episode missing podcastId; cannot build object store key prefix")
		return queue.Failed
	}
	keyPrefix := episode.PodcastID + "/" + episodeID

	// --- step 3: Short-circuit ---
	if info.VideoChunkingDone() && info.VideoQuotingDone() {
		p.emitZeroArtifactsIfUnexpected(ctx, episodeID, info)
		log.Log(episodeID, "both video flags already set; nothing to do")
		return queue.Success
	}

	// --- step 4: Inventory ---
	var quotes []models.Quote
	var shorts []models.Short
	if info.QuotingDone() && !info.VideoQuotingDone() {
		quotes, err = p.repo.GetQuotesByEpisode(ctx, episodeID)
		if err != nil {
			log.LogError(episodeID, "failed to read quotes", err)
			return queue.Failed
		}
		if len(quotes) == 0 {
			metrics.Metrics.ZeroArtifacts.WithLabelValues("quotes_unexpected", episodeID).Inc()
		}
	}
	if info.ChunkingDone() && !info.VideoChunkingDone() {
		shorts, err = p.repo.GetShortsByEpisode(ctx, episodeID)
		if err != nil {
			log.LogError(episodeID, "failed to read shorts", err)
			return queue.Failed
		}
		if len(shorts) == 0 {
			metrics.Metrics.ZeroArtifacts.WithLabelValues("chunks_unexpected", episodeID).Inc()
		}
	}

	// --- step 5: Filter pending ---
	pendingQuotes := p.pendingQuotes(quotes)
	pendingShorts := pendingShorts(shorts)

	// --- step 6: Fast finalize ---
	if len(pendingQuotes) == 0 && len(pendingShorts) == 0 {
		if err := p.finalize(ctx, episodeID, episode, info, quotes, shorts); err != nil {
			log.LogError(episodeID, "fast finalize failed to advance flags", err)
			return queue.Failed
		}
		return queue.Success
	}

	// --- step 7: Mark critical ---
	sessionID := "episode-" + episodeID + "-" + uuid.NewString()
	p.protection.AddCritical(sessionID)
	defer p.protection.RemoveCritical(sessionID)

	// --- step 8: Record marker ---
	validationMarker := config.Clock.GetTime()

	// --- step 9: Produce artifacts ---
	result, err := p.transcoder.ProcessEpisode(ctx, transcoder.ProcessEpisodeRequest{
		EpisodeID:     episodeID,
		SourceBucket:  source.Bucket,
		SourceKey:     source.Key,
		KeyPrefix:     keyPrefix,
		PendingQuotes: pendingQuotes,
		PendingShorts: pendingShorts,
	})
	if err != nil {
		log.LogError(episodeID, "transcoder failed to produce artifacts", err)
		return queue.Failed
	}

	// --- steps 10-11: Validate, with one jittered retry ---
	ok := p.validate(ctx, episodeID, pendingQuotes, pendingShorts, result, validationMarker)
	if !ok {
		jitter := time.Duration(200+rand.Intn(600)) * time.Millisecond
		select {
		case <-ctx.Done():
			return queue.NotReady
		case <-time.After(jitter):
		}
		ok = p.validate(ctx, episodeID, pendingQuotes, pendingShorts, result, validationMarker)
	}

	// --- step 12: Decide ---
	if !ok {
		log.Log(episodeID, "artifact validation did not converge; episode not ready")
		return queue.NotReady
	}

	// --- step 13: Advance flags ---
	freshQuotes, freshShorts, err := p.repo.GetQuotesAndShortsByEpisode(ctx, episodeID)
	if err != nil {
		log.LogError(episodeID, "failed to re-read quotes/shorts for flag advance", err)
		return queue.Failed
	}
	if err := p.finalize(ctx, episodeID, episode, info, freshQuotes, freshShorts); err != nil {
		metrics.Metrics.FlagAdvanceErrors.WithLabelValues(episodeID).Inc()
		log.LogError(episodeID, "failed to advance processing flags after validation", err)
		return queue.Failed
	}

	// --- step 14: Finish ---
	return queue.Success
}

// emitZeroArtifactsIfUnexpected defensively checks, for an episode whose
// video flags are already both set, whether the backing item lists are
// empty — a state that should never legitimately occur once a flag was
// raised, per I3/I4.
func (p *Pipeline) emitZeroArtifactsIfUnexpected(ctx context.Context, episodeID string, info models.ProcessingInfo) {
	if info.QuotingDone() {
		quotes, err := p.repo.GetQuotesByEpisode(ctx, episodeID)
		if err == nil && len(quotes) == 0 {
			metrics.Metrics.ZeroArtifacts.WithLabelValues("quotes", episodeID).Inc()
		}
	}
	if info.ChunkingDone() {
		shorts, err := p.repo.GetShortsByEpisode(ctx, episodeID)
		if err == nil && len(shorts) == 0 {
			metrics.Metrics.ZeroArtifacts.WithLabelValues("chunks", episodeID).Inc()
		}
	}
}

// pendingQuotes returns the quotes not yet processed per I4, applying the
// configured window-validity and minimum-duration filters.
func (p *Pipeline) pendingQuotes(quotes []models.Quote) []models.Quote {
	var pending []models.Quote
	for _, q := range quotes {
		if q.Processed("") {
			continue
		}
		if p.quoteFilterMode == QuoteFilterStrict && !validQuoteWindow(q) {
			continue
		}
		if p.minQuoteDurationMs > 0 {
			start, end := q.ClipWindow()
			if end-start < p.minQuoteDurationMs {
				continue
			}
		}
		pending = append(pending, q)
	}
	return pending
}

func validQuoteWindow(q models.Quote) bool {
	start, end := q.ClipWindow()
	return end > start
}

// pendingShorts returns the shorts that are valid chunks and not yet
// processed per I4.
func pendingShorts(shorts []models.Short) []models.Short {
	var pending []models.Short
	for _, s := range shorts {
		if !s.ValidChunk() {
			continue
		}
		if s.Processed("") {
			continue
		}
		pending = append(pending, s)
	}
	return pending
}

// validate re-reads quotes/shorts in one consistent snapshot and confirms
// every pending item from this run is now processed, matches the produced
// master URL, and was updated at or after validationMarker. Count sanity
// (produced count == pending count) is checked against the run's own
// output, independent of the store re-read.
func (p *Pipeline) validate(ctx context.Context, episodeID string, pendingQuotes []models.Quote, pendingShorts []models.Short, result transcoder.ProcessResult, validationMarker time.Time) bool {
	if len(result.Quotes) != len(pendingQuotes) || len(result.Shorts) != len(pendingShorts) {
		return false
	}

	quotes, shorts, err := p.repo.GetQuotesAndShortsByEpisode(ctx, episodeID)
	if err != nil {
		log.LogError(episodeID, "failed to re-read for validation", err)
		return false
	}

	quoteByID := make(map[string]models.Quote, len(quotes))
	for _, q := range quotes {
		quoteByID[q.QuoteID] = q
	}
	shortByID := make(map[string]models.Short, len(shorts))
	for _, s := range shorts {
		shortByID[s.ChunkID] = s
	}

	for _, item := range result.Quotes {
		q, ok := quoteByID[item.ID]
		if !ok || !q.Processed(item.HLSMasterURL) || q.UpdatedAt == nil || q.UpdatedAt.Before(validationMarker) {
			return false
		}
	}
	for _, item := range result.Shorts {
		s, ok := shortByID[item.ID]
		if !ok || !s.Processed(item.HLSMasterURL) || s.UpdatedAt == nil || s.UpdatedAt.Before(validationMarker) {
			return false
		}
	}
	return true
}

// finalize recomputes category completion from an independent re-read,
// promotes contentType to video, and atomically advances whichever flags
// are newly satisfiable, respecting I3 (suppress when the category claims
// completion but has zero backing rows) and I1 (only ever write true).
// Implements both the Fast-finalize (step 6) and Advance-flags (step 13)
// states, which share this exact logic.
func (p *Pipeline) finalize(ctx context.Context, episodeID string, episode *models.Episode, info models.ProcessingInfo, quotes []models.Quote, shorts []models.Short) error {
	var videoQuotingDone, videoChunkingDone *bool

	if info.QuotingDone() && !info.VideoQuotingDone() {
		if len(quotes) == 0 {
			metrics.Metrics.ZeroArtifacts.WithLabelValues("quotes_suppressed", episodeID).Inc()
			log.Log(episodeID, "quotingDone but zero quote rows; refusing to advance videoQuotingDone", "invariant", "I3")
		} else if allQuotesProcessed(quotes) {
			t := true
			videoQuotingDone = &t
		}
	}
	if info.ChunkingDone() && !info.VideoChunkingDone() {
		if len(shorts) == 0 {
			metrics.Metrics.ZeroArtifacts.WithLabelValues("chunks_suppressed", episodeID).Inc()
			log.Log(episodeID, "chunkingDone but zero short rows; refusing to advance videoChunkingDone", "invariant", "I3")
		} else if allShortsProcessed(shorts) {
			t := true
			videoChunkingDone = &t
		}
	}

	if models.NormalizeContentType(episode.ContentType) != models.ContentTypeVideo {
		if _, err := p.repo.UpdateEpisodeContentType(ctx, episodeID, models.ContentTypeVideo); err != nil {
			return fmt.Errorf("promoting episode contentType: %w", err)
		}
	}

	if videoQuotingDone == nil && videoChunkingDone == nil {
		return nil
	}

	return p.advanceFlagsWithRetry(ctx, episodeID, videoQuotingDone, videoChunkingDone)
}

func allQuotesProcessed(quotes []models.Quote) bool {
	for _, q := range quotes {
		if !q.Processed("") {
			return false
		}
	}
	return true
}

func allShortsProcessed(shorts []models.Short) bool {
	for _, s := range shorts {
		if !s.ValidChunk() {
			continue
		}
		if !s.Processed("") {
			return false
		}
	}
	return true
}

// advanceFlagsWithRetry writes the given flags and re-reads to verify the
// write actually persisted, retrying up to flagAdvanceRetries times with
// flagAdvanceRetryPause between attempts — the same discipline the source
// applies to every flag write, to tolerate read-replica lag.
func (p *Pipeline) advanceFlagsWithRetry(ctx context.Context, episodeID string, videoQuotingDone, videoChunkingDone *bool) error {
	var lastErr error
	for attempt := 0; attempt < p.flagAdvanceRetries; attempt++ {
		merged, _, err := p.repo.UpdateEpisodeProcessingFlags(ctx, episodeID, videoQuotingDone, videoChunkingDone)
		if err != nil {
			lastErr = err
		} else if flagsPersisted(merged, videoQuotingDone, videoChunkingDone) {
			return nil
		} else {
			lastErr = xerrors.Validation(fmt.Errorf("processing flags did not persist as written"))
		}

		if attempt < p.flagAdvanceRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.flagAdvanceRetryPause):
			}
		}
	}
	return lastErr
}

func flagsPersisted(info models.ProcessingInfo, videoQuotingDone, videoChunkingDone *bool) bool {
	if videoQuotingDone != nil && *videoQuotingDone && !info.VideoQuotingDone() {
		return false
	}
	if videoChunkingDone != nil && *videoChunkingDone && !info.VideoChunkingDone() {
		return false
	}
	return true
}

// EnsureFlagsAfterSuccess satisfies queue.FlagsVerifier: after a Success
// outcome it re-reads processingInfo, retrying with the same pause the
// flag-advance writes use, to absorb replica lag before the consumer
// decides whether the message can be deleted for good.
func (p *Pipeline) EnsureFlagsAfterSuccess(ctx context.Context, episodeID string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < p.flagAdvanceRetries; attempt++ {
		info, err := p.repo.GetProcessingInfo(ctx, episodeID)
		if err != nil {
			lastErr = err
		} else if info != nil && info.VideoChunkingDone() && info.VideoQuotingDone() {
			return true, nil
		} else {
			lastErr = nil
		}

		if attempt < p.flagAdvanceRetries-1 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(p.flagAdvanceRetryPause):
			}
		}
	}
	return false, lastErr
}
