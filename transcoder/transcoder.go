// Package transcoder drives ffmpeg to produce a progressive MP4 clip and a
// three-rendition HLS tree for each pending quote and short, uploads them
// via artifactstore, and records the resulting URLs through repository.
// Failures while transcoding or uploading abort the whole call (the
// EpisodePipeline treats that as Failed); failures only in the trailing
// database write are recorded as an unsuccessful item instead, since the
// pipeline's own post-write validation will catch it and retry as
// NotReady.
package transcoder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/livepeer/episode-video-worker/config"
	xerrors "github.com/livepeer/episode-video-worker/errors"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
	"github.com/livepeer/episode-video-worker/models"
	"github.com/livepeer/episode-video-worker/transcode"
)

// objectStore is the subset of *artifactstore.Store the Transcoder needs.
// Kept as an interface so tests can substitute a fake without touching S3.
type objectStore interface {
	DownloadToFile(ctx context.Context, bucket, key, destPath string) error
	UploadDir(ctx context.Context, localDir, keyPrefix string, maxConcurrency int) error
	UploadFile(ctx context.Context, localPath, key string) error
	HeadWithRetry(ctx context.Context, key string, maxAttempts uint64) error
	Key(parts ...string) string
	URL(key string) string
}

// writeRepository is the subset of *repository.Repository the Transcoder
// needs to record a finished item.
type writeRepository interface {
	SetQuoteMaster(ctx context.Context, quoteID, masterURL string) (bool, error)
	SetShortMaster(ctx context.Context, chunkID, masterURL string) (bool, error)
	UpdateQuoteAdditionalData(ctx context.Context, quoteID string, data map[string]any, contentType string) (bool, error)
	UpdateShortAdditionalData(ctx context.Context, chunkID string, data map[string]any, contentType string) (bool, error)
}

// dbWriteMaxAttempts bounds the Transcoder's own retry of the two
// per-item Repository calls (spec.md §4.4: "retried with exponential
// backoff up to 4 attempts"), independent of Repository's internal retry
// of transient database errors.
const dbWriteMaxAttempts = 4

// ItemResult is the record returned for one successfully produced and
// recorded quote or short.
type ItemResult struct {
	ID           string
	HLSMasterURL string
	MP4URL       string
}

// ProcessResult is ProcessEpisode's return value: the artifacts actually
// produced, recorded, and confirmed written to the database. An item
// omitted here either had an invalid clip window or failed its database
// write after retries; both are caught by the pipeline's post-hoc
// validation.
type ProcessResult struct {
	Quotes []ItemResult
	Shorts []ItemResult
}

// ProcessEpisodeRequest is ProcessEpisode's input.
type ProcessEpisodeRequest struct {
	EpisodeID     string
	SourceBucket  string
	SourceKey     string
	KeyPrefix     string
	PendingQuotes []models.Quote
	PendingShorts []models.Short
}

// Config configures a Transcoder.
type Config struct {
	Store                   objectStore
	Repo                    writeRepository
	Runner                  CommandRunner
	WorkDir                 string
	FFMpegPreset            string
	MaxConcurrentProcessing int
	MaxConcurrentUploads    int
}

// Transcoder implements the per-episode artifact production pipeline.
type Transcoder struct {
	store                   objectStore
	repo                    writeRepository
	runner                  CommandRunner
	workDir                 string
	ffmpegPreset            string
	maxConcurrentProcessing int
	maxConcurrentUploads    int
}

func New(cfg Config) *Transcoder {
	t := &Transcoder{
		store:                   cfg.Store,
		repo:                    cfg.Repo,
		runner:                  cfg.Runner,
		workDir:                 cfg.WorkDir,
		ffmpegPreset:            cfg.FFMpegPreset,
		maxConcurrentProcessing: cfg.MaxConcurrentProcessing,
		maxConcurrentUploads:    cfg.MaxConcurrentUploads,
	}
	if t.runner == nil {
		t.runner = execRunner{}
	}
	if t.workDir == "" {
		t.workDir = os.TempDir()
	}
	if t.maxConcurrentProcessing < 1 {
		t.maxConcurrentProcessing = 2
	}
	if t.maxConcurrentUploads < 1 {
		t.maxConcurrentUploads = 2
	}
	if t.ffmpegPreset == "" {
		t.ffmpegPreset = "medium"
	}
	return t
}

type itemWork struct {
	kind    string
	id      string
	startMs int
	endMs   int
}

// minDurationFor returns the minimum clip duration below which an item is
// skipped outright (spec.md §4.4: 0.1s for quotes, 1.0s for shorts).
func minDurationFor(kind string) time.Duration {
	if kind == "short" {
		return config.MinShortClipDuration
	}
	return time.Duration(config.MinQuoteClipDurationMs) * time.Millisecond
}

// ProcessEpisode downloads the source video once, then fans pending
// quotes and shorts out across a bounded worker pool, producing and
// recording one artifact set per item.
func (t *Transcoder) ProcessEpisode(ctx context.Context, req ProcessEpisodeRequest) (ProcessResult, error) {
	sessionDir := filepath.Join(t.workDir, "episode-"+req.EpisodeID+"-"+uuid.NewString())
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return ProcessResult{}, xerrors.Fatal(fmt.Errorf("creating session dir: %w", err))
	}
	defer os.RemoveAll(sessionDir)

	sourcePath := filepath.Join(sessionDir, "source"+filepath.Ext(req.SourceKey))
	if err := t.store.DownloadToFile(ctx, req.SourceBucket, req.SourceKey, sourcePath); err != nil {
		return ProcessResult{}, err
	}
	info, err := os.Stat(sourcePath)
	if err != nil || info.Size() == 0 {
		return ProcessResult{}, xerrors.Fatal(fmt.Errorf("downloaded source video is empty"))
	}

	var work []itemWork
	for _, q := range req.PendingQuotes {
		start, end := q.ClipWindow()
		work = append(work, itemWork{kind: "quote", id: q.QuoteID, startMs: start, endMs: end})
	}
	for _, s := range req.PendingShorts {
		start, end := s.ClipWindow()
		work = append(work, itemWork{kind: "short", id: s.ChunkID, startMs: start, endMs: end})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, t.maxConcurrentProcessing)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var result ProcessResult
	var firstErr error

	for _, w := range work {
		w := w
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			r, ok, err := t.processItem(ctx, sessionDir, sourcePath, req.KeyPrefix, w)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			if !ok {
				return
			}
			if w.kind == "quote" {
				result.Quotes = append(result.Quotes, r)
			} else {
				result.Shorts = append(result.Shorts, r)
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return ProcessResult{}, firstErr
	}
	return result, nil
}

// processItem produces and records one quote or short's artifact set.
// ok=false with a nil error means the item was skipped (invalid window) or
// its database write ultimately failed; both are non-fatal to the rest of
// the batch.
func (t *Transcoder) processItem(ctx context.Context, sessionDir, sourcePath, keyPrefix string, w itemWork) (ItemResult, bool, error) {
	if w.endMs <= w.startMs {
		log.Log("", "skipping item with inverted or missing clip window", "item_id", w.id, "kind", w.kind)
		return ItemResult{}, false, nil
	}
	duration := time.Duration(w.endMs-w.startMs) * time.Millisecond
	if duration < minDurationFor(w.kind) {
		log.Log("", "skipping item shorter than minimum clip duration", "item_id", w.id, "kind", w.kind, "duration_ms", duration.Milliseconds())
		return ItemResult{}, false, nil
	}

	itemDir := filepath.Join(sessionDir, w.kind+"-"+w.id)
	hlsDir := filepath.Join(itemDir, "hls")
	if err := os.MkdirAll(hlsDir, 0o755); err != nil {
		return ItemResult{}, false, xerrors.Fatal(fmt.Errorf("creating item dir for %s: %w", w.id, err))
	}

	mp4Path := filepath.Join(itemDir, w.id+".mp4")
	if err := t.transcodeMP4WithRetry(ctx, sourcePath, mp4Path, w); err != nil {
		return ItemResult{}, false, err
	}

	for _, rendition := range transcode.Renditions {
		renditionDir := filepath.Join(hlsDir, rendition.Name)
		if err := os.MkdirAll(renditionDir, 0o755); err != nil {
			return ItemResult{}, false, xerrors.Fatal(fmt.Errorf("creating rendition dir for %s/%s: %w", w.id, rendition.Name, err))
		}
		renditionPath := filepath.Join(renditionDir, rendition.PlaylistFilename())
		if err := t.transcodeHLSRendition(ctx, sourcePath, renditionDir, rendition, w); err != nil {
			return ItemResult{}, false, err
		}
		if err := transcode.ValidateRenditionPlaylist(renditionPath); err != nil {
			return ItemResult{}, false, xerrors.Fatal(fmt.Errorf("rendition playlist for %s/%s failed validation: %w", w.id, rendition.Name, err))
		}
	}

	master, err := transcode.BuildMasterPlaylist(transcode.Renditions)
	if err != nil {
		return ItemResult{}, false, xerrors.Fatal(fmt.Errorf("constructing master playlist for %s: %w", w.id, err))
	}
	masterPath := filepath.Join(hlsDir, transcode.MasterPlaylistFilename)
	if err := os.WriteFile(masterPath, []byte(master), 0o644); err != nil {
		return ItemResult{}, false, xerrors.Fatal(fmt.Errorf("writing master playlist for %s: %w", w.id, err))
	}

	itemKeyPrefix := t.store.Key(keyPrefix, w.id, "video")
	if err := t.store.UploadDir(ctx, hlsDir, itemKeyPrefix+"/hls", t.maxConcurrentUploads); err != nil {
		return ItemResult{}, false, err
	}
	masterKey := itemKeyPrefix + "/hls/" + transcode.MasterPlaylistFilename
	if err := t.store.HeadWithRetry(ctx, masterKey, 3); err != nil {
		return ItemResult{}, false, err
	}
	if err := t.headRenditionFiles(ctx, hlsDir, itemKeyPrefix); err != nil {
		return ItemResult{}, false, err
	}

	mp4Key := itemKeyPrefix + "/" + w.id + ".mp4"
	if err := t.store.UploadFile(ctx, mp4Path, mp4Key); err != nil {
		return ItemResult{}, false, err
	}

	masterURL := t.store.URL(masterKey)
	mp4URL := t.store.URL(mp4Key)

	if err := t.recordResult(ctx, w, mp4URL, masterURL); err != nil {
		metrics.Metrics.RetryExhausted.WithLabelValues("db_update_" + w.kind).Inc()
		log.LogError("", "DbUpdateRetryFailed", err, "item_type", w.kind, "item_id", w.id)
		return ItemResult{}, false, nil
	}

	return ItemResult{ID: w.id, HLSMasterURL: masterURL, MP4URL: mp4URL}, true, nil
}

// headRenditionFiles HEADs every rendition playlist and segment file that
// landed on disk, 2 attempts each, under the uploaded key prefix.
func (t *Transcoder) headRenditionFiles(ctx context.Context, hlsDir, itemKeyPrefix string) error {
	for _, rendition := range transcode.Renditions {
		renditionDir := filepath.Join(hlsDir, rendition.Name)
		entries, err := os.ReadDir(renditionDir)
		if err != nil {
			return xerrors.Fatal(fmt.Errorf("listing rendition dir %s: %w", rendition.Name, err))
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			key := itemKeyPrefix + "/hls/" + rendition.Name + "/" + entry.Name()
			if err := t.store.HeadWithRetry(ctx, key, 2); err != nil {
				return err
			}
		}
	}
	return nil
}

// recordResult writes the two Repository calls the spec requires per
// item, retrying lock-contended ("skipped") writes up to dbWriteMaxAttempts
// times with backoff. A non-nil return means the write never landed.
func (t *Transcoder) recordResult(ctx context.Context, w itemWork, mp4URL, masterURL string) error {
	setMaster := func() (bool, error) {
		if w.kind == "quote" {
			return t.repo.SetQuoteMaster(ctx, w.id, masterURL)
		}
		return t.repo.SetShortMaster(ctx, w.id, masterURL)
	}
	updateData := func() (bool, error) {
		if w.kind == "quote" {
			data := map[string]any{"videoQuotePath": mp4URL, "videoMasterPlaylistPath": masterURL}
			return t.repo.UpdateQuoteAdditionalData(ctx, w.id, data, models.ContentTypeVideo)
		}
		data := map[string]any{"videoChunkPath": mp4URL, "videoMasterPlaylistPath": masterURL}
		return t.repo.UpdateShortAdditionalData(ctx, w.id, data, models.ContentTypeVideo)
	}

	if err := retryRepoWrite(setMaster); err != nil {
		return err
	}
	return retryRepoWrite(updateData)
}

// retryRepoWrite retries a Repository write while it reports "skipped"
// (lock contention), up to dbWriteMaxAttempts attempts with exponential
// backoff. A non-nil error from the write itself aborts immediately.
func retryRepoWrite(write func() (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	var lastSkipped error
	for attempt := 0; attempt < dbWriteMaxAttempts; attempt++ {
		skipped, err := write()
		if err != nil {
			return err
		}
		if !skipped {
			return nil
		}
		lastSkipped = fmt.Errorf("advisory lock contended after %d attempts", attempt+1)
		time.Sleep(b.NextBackOff())
	}
	return lastSkipped
}
