package artifactstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyAppliesPrefix(t *testing.T) {
	s := &Store{keyPrefix: "prod"}
	require.Equal(t, "prod/podcast/episode/item/video/item.mp4", s.Key("podcast", "episode", "item", "video", "item.mp4"))
}

func TestKeyWithoutPrefix(t *testing.T) {
	s := &Store{}
	require.Equal(t, "podcast/episode/item.mp4", s.Key("podcast", "episode", "item.mp4"))
}

func TestURL(t *testing.T) {
	s := &Store{bucket: "my-bucket", region: "us-east-1"}
	require.Equal(t, "https://my-bucket.s3.us-east-1.amazonaws.com/a/b/c.mp4", s.URL("a/b/c.mp4"))
}

func TestContentTypeFor(t *testing.T) {
	require.Equal(t, "application/vnd.apple.mpegurl", contentTypeFor("master.m3u8"))
	require.Equal(t, "video/mp4", contentTypeFor("item.mp4"))
	require.Equal(t, "video/iso.segment", contentTypeFor("seg0.m4s"))
	require.Equal(t, "application/octet-stream", contentTypeFor("unknown.xyz"))
}

func TestResolveCABundleIgnoresMissingFile(t *testing.T) {
	require.Equal(t, "", ResolveCABundle("/nonexistent/ca-bundle.pem"))
	require.Equal(t, "", ResolveCABundle(""))
}

func TestResolveCABundleKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("cert"), 0o644))
	require.Equal(t, path, ResolveCABundle(path))
}

func TestParseSourceLocationVirtualHostedStyle(t *testing.T) {
	loc, err := ParseSourceLocation("https://b.s3.us-east-1.amazonaws.com/pod/ep/v.mp4")
	require.NoError(t, err)
	require.Equal(t, SourceLocation{Bucket: "b", Key: "pod/ep/v.mp4", Filename: "v.mp4"}, loc)
}

func TestParseSourceLocationS3Scheme(t *testing.T) {
	loc, err := ParseSourceLocation("s3://b/pod/ep/v.mp4")
	require.NoError(t, err)
	require.Equal(t, SourceLocation{Bucket: "b", Key: "pod/ep/v.mp4", Filename: "v.mp4"}, loc)
}

func TestParseSourceLocationRejectsUnrecognizedHost(t *testing.T) {
	_, err := ParseSourceLocation("https://example.com/v.mp4")
	require.Error(t, err)
}

func TestParseSourceLocationRejectsMissingKey(t *testing.T) {
	_, err := ParseSourceLocation("https://b.s3.us-east-1.amazonaws.com/")
	require.Error(t, err)
}
