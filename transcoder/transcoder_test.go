package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livepeer/episode-video-worker/models"
)

// fakeRunner stands in for ffmpeg: it inspects the args it would have been
// given and materializes the output file(s) a real invocation would leave
// on disk, so downstream validation/upload logic can run unmodified.
type fakeRunner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := args[len(args)-1]
	if segPattern, ok := findFlag(args, "-hls_segment_filename"); ok {
		segPath := strings.Replace(segPattern, "%03d", "000", 1)
		if err := os.WriteFile(segPath, []byte("segment-data"), 0o644); err != nil {
			return err
		}
		playlist := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:6.000,\n" +
			filepath.Base(segPath) + "\n#EXT-X-ENDLIST\n"
		return os.WriteFile(out, []byte(playlist), 0o644)
	}
	return os.WriteFile(out, []byte("fake-mp4-data"), 0o644)
}

func findFlag(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}

// fakeStore implements objectStore entirely in memory/on local disk.
type fakeStore struct {
	mu           sync.Mutex
	downloadErr  error
	uploadErr    error
	headErr      error
	uploadedKeys []string
}

func (s *fakeStore) DownloadToFile(ctx context.Context, bucket, key, destPath string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	return os.WriteFile(destPath, []byte("source-video-bytes"), 0o644)
}

func (s *fakeStore) UploadDir(ctx context.Context, localDir, keyPrefix string, maxConcurrency int) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.mu.Lock()
	s.uploadedKeys = append(s.uploadedKeys, keyPrefix)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) UploadFile(ctx context.Context, localPath, key string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.mu.Lock()
	s.uploadedKeys = append(s.uploadedKeys, key)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) HeadWithRetry(ctx context.Context, key string, maxAttempts uint64) error {
	return s.headErr
}

func (s *fakeStore) Key(parts ...string) string {
	return strings.Join(parts, "/")
}

func (s *fakeStore) URL(key string) string {
	return "https://fake-bucket.s3.us-east-1.amazonaws.com/" + key
}

// fakeRepo implements writeRepository. skipUntil controls how many times
// each item ID reports "lock contended" before succeeding; hardErr forces
// an immediate non-retryable failure for a given ID.
type fakeRepo struct {
	mu        sync.Mutex
	skipUntil map[string]int
	hardErr   map[string]error
	calls     []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{skipUntil: map[string]int{}, hardErr: map[string]error{}}
}

func (r *fakeRepo) attempt(id, call string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call+":"+id)
	if err, ok := r.hardErr[id]; ok {
		return false, err
	}
	if r.skipUntil[id] > 0 {
		r.skipUntil[id]--
		return true, nil
	}
	return false, nil
}

func (r *fakeRepo) SetQuoteMaster(ctx context.Context, quoteID, masterURL string) (bool, error) {
	return r.attempt(quoteID, "SetQuoteMaster")
}

func (r *fakeRepo) SetShortMaster(ctx context.Context, chunkID, masterURL string) (bool, error) {
	return r.attempt(chunkID, "SetShortMaster")
}

func (r *fakeRepo) UpdateQuoteAdditionalData(ctx context.Context, quoteID string, data map[string]any, contentType string) (bool, error) {
	return r.attempt(quoteID, "UpdateQuoteAdditionalData")
}

func (r *fakeRepo) UpdateShortAdditionalData(ctx context.Context, chunkID string, data map[string]any, contentType string) (bool, error) {
	return r.attempt(chunkID, "UpdateShortAdditionalData")
}

func newTestTranscoder(t *testing.T, store *fakeStore, repo *fakeRepo, runner *fakeRunner) *Transcoder {
	return New(Config{
		Store:                   store,
		Repo:                    repo,
		Runner:                  runner,
		WorkDir:                 t.TempDir(),
		MaxConcurrentProcessing: 2,
		MaxConcurrentUploads:    2,
	})
}

func TestProcessEpisodeProducesQuoteAndShortArtifacts(t *testing.T) {
	store := &fakeStore{}
	repo := newFakeRepo()
	runner := &fakeRunner{}
	tr := newTestTranscoder(t, store, repo, runner)

	result, err := tr.ProcessEpisode(context.Background(), ProcessEpisodeRequest{
		EpisodeID:    "E1",
		SourceBucket: "b",
		SourceKey:    "pod/ep/source.mp4",
		KeyPrefix:    "pod/ep",
		PendingQuotes: []models.Quote{
			{QuoteID: "Q1", ContextStartMs: 1000, ContextEndMs: 5000},
		},
		PendingShorts: []models.Short{
			{ChunkID: "S1", StartMs: 0, EndMs: 3000},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Quotes, 1)
	require.Len(t, result.Shorts, 1)
	require.Equal(t, "Q1", result.Quotes[0].ID)
	require.Contains(t, result.Quotes[0].HLSMasterURL, "master.m3u8")
	require.Contains(t, result.Quotes[0].MP4URL, "Q1.mp4")
	require.Equal(t, "S1", result.Shorts[0].ID)
}

func TestProcessEpisodeSkipsShortBelowMinDuration(t *testing.T) {
	store := &fakeStore{}
	repo := newFakeRepo()
	runner := &fakeRunner{}
	tr := newTestTranscoder(t, store, repo, runner)

	result, err := tr.ProcessEpisode(context.Background(), ProcessEpisodeRequest{
		EpisodeID:    "E1",
		SourceBucket: "b",
		SourceKey:    "pod/ep/source.mp4",
		KeyPrefix:    "pod/ep",
		PendingShorts: []models.Short{
			{ChunkID: "S1", StartMs: 0, EndMs: 500},
		},
	})
	require.NoError(t, err)
	require.Empty(t, result.Shorts)
	require.Zero(t, runner.calls)
}

func TestProcessEpisodeReturnsErrorWhenDownloadFails(t *testing.T) {
	store := &fakeStore{downloadErr: context.DeadlineExceeded}
	repo := newFakeRepo()
	runner := &fakeRunner{}
	tr := newTestTranscoder(t, store, repo, runner)

	_, err := tr.ProcessEpisode(context.Background(), ProcessEpisodeRequest{
		EpisodeID:    "E1",
		SourceBucket: "b",
		SourceKey:    "pod/ep/source.mp4",
		KeyPrefix:    "pod/ep",
		PendingQuotes: []models.Quote{
			{QuoteID: "Q1", ContextStartMs: 0, ContextEndMs: 5000},
		},
	})
	require.Error(t, err)
}

func TestRecordResultRetriesThroughLockContentionThenSucceeds(t *testing.T) {
	repo := newFakeRepo()
	repo.skipUntil["Q1"] = 2
	tr := newTestTranscoder(t, &fakeStore{}, repo, &fakeRunner{})

	err := tr.recordResult(context.Background(), itemWork{kind: "quote", id: "Q1"}, "https://x/q1.mp4", "https://x/master.m3u8")
	require.NoError(t, err)
}

func TestRecordResultGivesUpAfterMaxAttempts(t *testing.T) {
	repo := newFakeRepo()
	repo.skipUntil["Q1"] = dbWriteMaxAttempts + 5
	tr := newTestTranscoder(t, &fakeStore{}, repo, &fakeRunner{})

	err := tr.recordResult(context.Background(), itemWork{kind: "quote", id: "Q1"}, "https://x/q1.mp4", "https://x/master.m3u8")
	require.Error(t, err)
}

func TestProcessItemTreatsRecordFailureAsUnsuccessfulNotFatal(t *testing.T) {
	store := &fakeStore{}
	repo := newFakeRepo()
	repo.hardErr["Q1"] = context.DeadlineExceeded
	runner := &fakeRunner{}
	tr := newTestTranscoder(t, store, repo, runner)

	_, ok, err := tr.processItem(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "source.mp4"), "pod/ep",
		itemWork{kind: "quote", id: "Q1", startMs: 0, endMs: 5000})
	require.NoError(t, err)
	require.False(t, ok)
}
