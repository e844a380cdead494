// Package artifactstore uploads transcoded artifacts to the object store
// and verifies they landed, following the retry/metrics idiom catalyst-api
// uses for its object-store client but targeting aws-sdk-go-v2 S3 directly
// instead of the go-tools/drivers abstraction. It also downloads the source
// video the Transcoder reads from, using the same client.
package artifactstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"

	xerrors "github.com/livepeer/episode-video-worker/errors"
	"github.com/livepeer/episode-video-worker/log"
	"github.com/livepeer/episode-video-worker/metrics"
)

func init() {
	mime.AddExtensionType(".m3u8", "application/vnd.apple.mpegurl")
	mime.AddExtensionType(".m4s", "video/iso.segment")
	mime.AddExtensionType(".mp4", "video/mp4")
}

// Store uploads artifacts to S3 and verifies them with HEAD requests.
type Store struct {
	client             *s3.Client
	uploader           *manager.Uploader
	bucket             string
	region             string
	keyPrefix          string
	singlePutMaxBytes  int64
}

// Config configures a Store.
type Config struct {
	Client            *s3.Client
	Bucket            string
	Region            string
	KeyPrefix         string
	SinglePutMaxBytes int64
	UploadConcurrency int
}

func New(cfg Config) *Store {
	uploader := manager.NewUploader(cfg.Client, func(u *manager.Uploader) {
		u.PartSize = 64 * 1024 * 1024
		if cfg.UploadConcurrency > 0 {
			u.Concurrency = cfg.UploadConcurrency
		}
	})
	return &Store{
		client:            cfg.Client,
		uploader:          uploader,
		bucket:            cfg.Bucket,
		region:            cfg.Region,
		keyPrefix:         strings.Trim(cfg.KeyPrefix, "/"),
		singlePutMaxBytes: cfg.SinglePutMaxBytes,
	}
}

// Key builds the full object key, applying the configured prefix.
func (s *Store) Key(parts ...string) string {
	key := strings.Join(parts, "/")
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + "/" + key
}

// URL returns the public https URL for a key.
func (s *Store) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// UploadFile uploads a single local file to key, choosing a single PUT for
// files at or below singlePutMaxBytes and the multipart manager above it.
func (s *Store) UploadFile(ctx context.Context, localPath, key string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return xerrors.Fatal(fmt.Errorf("stat %s: %w", localPath, err))
	}

	contentType := contentTypeFor(localPath)

	if info.Size() <= s.singlePutMaxBytes {
		data, err := os.ReadFile(localPath)
		if err != nil {
			return xerrors.Fatal(fmt.Errorf("reading %s: %w", localPath, err))
		}
		return s.putObject(ctx, key, data, contentType)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return xerrors.Fatal(fmt.Errorf("opening %s: %w", localPath, err))
	}
	defer f.Close()
	return s.multipartUpload(ctx, key, f, contentType)
}

func (s *Store) putObject(ctx context.Context, key string, data []byte, contentType string) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(s.host(), "put", s.bucket).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(s.host(), "put", s.bucket).Inc()
		return xerrors.Transient(fmt.Errorf("PUT %s/%s: %w", s.bucket, log.RedactURL(key), err))
	}
	return nil
}

func (s *Store) multipartUpload(ctx context.Context, key string, body *os.File, contentType string) error {
	start := time.Now()
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(s.host(), "multipart", s.bucket).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(s.host(), "multipart", s.bucket).Inc()
		return xerrors.Transient(fmt.Errorf("multipart upload %s/%s: %w", s.bucket, log.RedactURL(key), err))
	}
	return nil
}

func (s *Store) host() string {
	return fmt.Sprintf("s3.%s.amazonaws.com", s.region)
}

// UploadDir walks localDir and uploads every file under it to
// keyPrefix/<relative path>, bounded by the configured upload concurrency
// via a semaphore.
func (s *Store) UploadDir(ctx context.Context, localDir, keyPrefix string, maxConcurrency int) error {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	walkErr := filepath.Walk(localDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		key := s.Key(keyPrefix, filepath.ToSlash(rel))

		sem <- struct{}{}
		wg.Add(1)
		go func(path, key string) {
			defer wg.Done()
			defer func() { <-sem }()
			if uploadErr := s.UploadFile(ctx, path, key); uploadErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = uploadErr
				}
				mu.Unlock()
			}
		}(path, key)
		return nil
	})
	wg.Wait()
	if walkErr != nil {
		return xerrors.Fatal(fmt.Errorf("walking %s: %w", localDir, walkErr))
	}
	return firstErr
}

// HeadWithRetry confirms an object exists, retrying with exponential
// backoff up to maxAttempts times. Any missing file raises after the final
// attempt.
func (s *Store) HeadWithRetry(ctx context.Context, key string, maxAttempts uint64) error {
	op := func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return xerrors.Transient(fmt.Errorf("HEAD %s/%s: %w", s.bucket, log.RedactURL(key), err))
		}
		return nil
	}

	retries := uint64(0)
	if maxAttempts > 0 {
		retries = maxAttempts - 1
	}
	b := backoff.WithMaxRetries(newBackOff(), retries)
	if err := backoff.Retry(op, b); err != nil {
		return xerrors.NewObjectNotFoundError(fmt.Sprintf("%s/%s", s.bucket, key), err)
	}
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DownloadToFile streams bucket/key to destPath, for the Transcoder to pull
// the source video into its working directory before cutting clips.
func (s *Store) DownloadToFile(ctx context.Context, bucket, key, destPath string) error {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.Metrics.ObjectStoreClient.RequestDuration.WithLabelValues(s.host(), "get", bucket).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Metrics.ObjectStoreClient.FailureCount.WithLabelValues(s.host(), "get", bucket).Inc()
		return xerrors.Transient(fmt.Errorf("GET %s/%s: %w", bucket, log.RedactURL(key), err))
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return xerrors.Fatal(fmt.Errorf("creating %s: %w", destPath, err))
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return xerrors.Fatal(fmt.Errorf("downloading %s/%s to %s: %w", bucket, log.RedactURL(key), destPath, err))
	}
	return nil
}

// SourceLocation is a parsed additionalData.videoLocation: the bucket,
// object key, and filename a source video lives at.
type SourceLocation struct {
	Bucket   string
	Key      string
	Filename string
}

// ParseSourceLocation parses a "https://{bucket}.s3.{region}.amazonaws.com/{key}"
// style URL (or an "s3://{bucket}/{key}" URL) into its bucket/key/filename
// parts. An unparseable URL is a Precondition failure (spec.md §4.3 step 2).
func ParseSourceLocation(rawURL string) (SourceLocation, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SourceLocation{}, xerrors.Fatal(fmt.Errorf("parsing source location %q: %w", log.RedactURL(rawURL), err))
	}

	var bucket, key string
	switch {
	case u.Scheme == "s3":
		bucket = u.Host
		key = strings.TrimPrefix(u.Path, "/")
	case strings.HasSuffix(u.Host, ".amazonaws.com"):
		bucket = strings.SplitN(u.Host, ".", 2)[0]
		key = strings.TrimPrefix(u.Path, "/")
	default:
		return SourceLocation{}, xerrors.Fatal(fmt.Errorf("unrecognized source location host %q", u.Host))
	}

	if bucket == "" || key == "" {
		return SourceLocation{}, xerrors.Fatal(fmt.Errorf("source location %q missing bucket or key", log.RedactURL(rawURL)))
	}
	return SourceLocation{Bucket: bucket, Key: key, Filename: filepath.Base(key)}, nil
}

// ResolveCABundle returns caBundlePath unchanged if it points to an
// existing file, and "" otherwise — a misconfigured pointer is ignored
// rather than aborting TLS setup, matching the worker's CA-bundle
// resolution behavior.
func ResolveCABundle(caBundlePath string) string {
	if caBundlePath == "" {
		return ""
	}
	if _, err := os.Stat(caBundlePath); err != nil {
		log.LogNoEpisodeID("ignoring configured CA bundle: file not found", "path", caBundlePath)
		return ""
	}
	return caBundlePath
}
