package transcoder

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/livepeer/episode-video-worker/errors"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/subprocess"
	"github.com/livepeer/episode-video-worker/transcode"
)

// ffmpegTimeout bounds a single ffmpeg invocation; a clip that can't cut in
// this long is treated as a failed attempt rather than hung forever.
const ffmpegTimeout = 10 * time.Minute

// CommandRunner abstracts process execution so tests can substitute a fake
// ffmpeg that just materializes output files.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string) error
}

// execRunner runs the named command for real, streaming its stdout/stderr
// live via subprocess.RunCapturing (the same pattern catalyst-api's
// RunTranscodeProcess uses for its own long-running Mist subprocess) while
// also retaining both to fold into the error on failure.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, stderr, err := subprocess.RunCapturing(cmd)
	if err != nil {
		return fmt.Errorf("%s %v: %w [stdout=%s] [stderr=%s]", name, args, err, stdout.String(), stderr.String())
	}
	return nil
}

// formatTime renders a millisecond offset as ffmpeg's HH:MM:SS.mmm seek
// syntax.
func formatTime(ms int) string {
	d := time.Duration(ms) * time.Millisecond
	t := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(d)
	return t.Format("15:04:05.000")
}

// transcodeMP4WithRetry cuts the progressive-MP4 rendition, retrying the
// whole ffmpeg invocation up to 3 attempts with backoff before giving up.
func (t *Transcoder) transcodeMP4WithRetry(ctx context.Context, sourcePath, outPath string, w itemWork) error {
	args := []string{
		"-i", sourcePath,
		"-ss", formatTime(w.startMs),
		"-to", formatTime(w.endMs),
		"-c:v", "libx264",
		"-preset", t.ffmpegPreset,
		"-g", "48",
		"-keyint_min", "48",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-movflags", "+faststart",
		"-y", outPath,
	}
	return t.runWithRetry(ctx, args, 3)
}

// transcodeHLSRendition cuts one rendition's HLS media playlist and fMP4
// segments into renditionDir, retrying up to 2 attempts with backoff.
// Segments are fMP4 (-hls_segment_type fmp4), named seg000.m4s, seg001.m4s,
// ... with an init.mp4 initialization segment beside them; they are not
// named after the rendition.
func (t *Transcoder) transcodeHLSRendition(ctx context.Context, sourcePath, renditionDir string, rendition transcode.Rendition, w itemWork) error {
	playlistPath := filepath.Join(renditionDir, rendition.PlaylistFilename())
	segmentPattern := filepath.Join(renditionDir, "seg%03d.m4s")
	initSegmentPath := filepath.Join(renditionDir, "init.mp4")

	args := []string{
		"-i", sourcePath,
		"-ss", formatTime(w.startMs),
		"-to", formatTime(w.endMs),
		"-c:v", "libx264",
		"-preset", t.ffmpegPreset,
		"-vf", fmt.Sprintf("scale=%d:%d", rendition.Width, rendition.Height),
		"-b:v", fmt.Sprintf("%dk", rendition.BitrateKbit),
		"-x264-params", transcode.HLSKeyframeArgs,
		"-c:a", "aac",
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%.0f", transcode.HLSTargetDurationSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_type", "fmp4",
		"-hls_fmp4_init_filename", filepath.Base(initSegmentPath),
		"-hls_segment_filename", segmentPattern,
		"-y", playlistPath,
	}
	return t.runWithRetry(ctx, args, 2)
}

func (t *Transcoder) runWithRetry(ctx context.Context, args []string, maxAttempts uint64) error {
	retries := uint64(0)
	if maxAttempts > 0 {
		retries = maxAttempts - 1
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
	var lastErr error
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, ffmpegTimeout)
		defer cancel()
		lastErr = t.runner.Run(attemptCtx, "ffmpeg", args)
		return lastErr
	}, b)
	if err != nil {
		log.LogError("", "ffmpeg invocation exhausted retries", lastErr, "args", fmt.Sprintf("%v", args))
		return xerrors.Fatal(fmt.Errorf("ffmpeg failed after retries: %w", lastErr))
	}
	return nil
}
