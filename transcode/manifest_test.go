package transcode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildMasterPlaylistOrdersByBitrateDescending(t *testing.T) {
	content, err := BuildMasterPlaylist(Renditions)
	require.NoError(t, err)
	require.Contains(t, content, "#EXTM3U")
	require.Contains(t, content, "#EXT-X-VERSION:7")

	first := indexOf(content, "720p")
	second := indexOf(content, "480p")
	third := indexOf(content, "360p")
	require.True(t, first < second)
	require.True(t, second < third)
}

func TestBuildMasterPlaylistIncludesBandwidthAndResolution(t *testing.T) {
	content, err := BuildMasterPlaylist(Renditions)
	require.NoError(t, err)
	require.Contains(t, content, "BANDWIDTH=1200000")
	require.Contains(t, content, "RESOLUTION=1280x720")
	require.Contains(t, content, "CODECS=\""+CodecsDescriptor+"\"")
}

func TestValidateMasterPlaylistRejectsMissingStreamInf(t *testing.T) {
	err := ValidateMasterPlaylist("#EXTM3U\n")
	require.Error(t, err)
}

func TestValidateMasterPlaylistRejectsMissingHeader(t *testing.T) {
	err := ValidateMasterPlaylist("#EXT-X-STREAM-INF:BANDWIDTH=1\nfoo.m3u8\n")
	require.Error(t, err)
}

func TestValidateRenditionPlaylistRequiresSegmentOnDisk(t *testing.T) {
	dir := t.TempDir()
	playlistPath := filepath.Join(dir, "720p.m3u8")

	const playlist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-TARGETDURATION:6
#EXTINF:6.0,
seg0.m4s
#EXT-X-ENDLIST
`
	require.NoError(t, os.WriteFile(playlistPath, []byte(playlist), 0o644))

	// No segment file on disk yet -> invalid.
	err := ValidateRenditionPlaylist(playlistPath)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "seg0.m4s"), []byte("fake-segment-bytes"), 0o644))
	require.NoError(t, ValidateRenditionPlaylist(playlistPath))
}

func TestValidateRenditionPlaylistRejectsMasterPlaylist(t *testing.T) {
	dir := t.TempDir()
	playlistPath := filepath.Join(dir, "master.m3u8")
	content, err := BuildMasterPlaylist(Renditions)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(playlistPath, []byte(content), 0o644))

	err = ValidateRenditionPlaylist(playlistPath)
	require.Error(t, err)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
